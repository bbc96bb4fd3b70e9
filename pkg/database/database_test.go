package database

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	steveUUID = "8667ba71-b85a-4004-af54-457a9734eed7"
	alexUUID  = "ec561538-f3fd-461d-aff5-086b22154bce"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err, "failed to open test database")
	t.Cleanup(func() { db.Close() })
	return db
}

func mustServer(t *testing.T, db *DB, subdomain string) (int64, string) {
	t.Helper()
	id, token, err := db.RegisterServer(ServerRegistration{
		Subdomain:     subdomain,
		Name:          "Test server " + subdomain,
		OwnerUsername: "owner",
		OwnerEmail:    "owner@example.com",
		OwnerPassword: "hunter2",
	})
	require.NoError(t, err)
	return id, token
}

func TestRegisterServerAndLookup(t *testing.T) {
	db := newTestDB(t)

	id, token := mustServer(t, db, "Survival")
	assert.Len(t, token, ServerKeyLength)
	for _, r := range token {
		assert.Contains(t, serverKeyAlphabet, string(r))
	}

	found, err := db.LookupServerByToken(token)
	require.NoError(t, err)
	assert.Equal(t, id, found)

	_, err = db.LookupServerByToken("not-a-token")
	assert.ErrorIs(t, err, ErrServerNotFound)

	srv, err := db.GetServer(id)
	require.NoError(t, err)
	assert.Equal(t, "survival", srv.Subdomain)

	_, err = db.GetServer(id + 100)
	assert.ErrorIs(t, err, ErrServerNotFound)
}

func TestRegisterServerRejectsDuplicates(t *testing.T) {
	db := newTestDB(t)
	mustServer(t, db, "creative")

	_, _, err := db.RegisterServer(ServerRegistration{
		Subdomain:     "CREATIVE",
		Name:          "Other",
		OwnerUsername: "someone",
		OwnerPassword: "pw",
	})
	assert.ErrorIs(t, err, ErrSubdomainTaken)

	_, _, err = db.RegisterServer(ServerRegistration{Subdomain: "x"})
	assert.ErrorIs(t, err, ErrInvalidRegistration)
}

func TestServerTokensAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		key, err := GenerateServerKey()
		require.NoError(t, err)
		assert.False(t, seen[key], "duplicate key")
		seen[key] = true
	}
}

func TestCheckOwnerPassword(t *testing.T) {
	db := newTestDB(t)
	mustServer(t, db, "hub")

	ok, err := db.CheckOwnerPassword("hub", "hunter2")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = db.CheckOwnerPassword("hub", "wrong")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = db.CheckOwnerPassword("missing", "hunter2")
	assert.ErrorIs(t, err, ErrServerNotFound)
}

func TestListServers(t *testing.T) {
	db := newTestDB(t)
	a, _ := mustServer(t, db, "a")
	b, _ := mustServer(t, db, "b")

	servers, err := db.ListServers()
	require.NoError(t, err)
	require.Len(t, servers, 2)
	assert.Equal(t, a, servers[0].ID)
	assert.Equal(t, b, servers[1].ID)
}

func TestSetPlayerOnlineCreatesAndIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	serverID, _ := mustServer(t, db, "survival")

	require.NoError(t, db.SetPlayerOnline(steveUUID, serverID, true))
	require.NoError(t, db.SetPlayerOnline(steveUUID, serverID, true))

	n, err := db.CountOnlinePlayers(serverID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	id, err := db.GetOrCreatePlayer(steveUUID, serverID)
	require.NoError(t, err)
	p, err := db.GetPlayer(id)
	require.NoError(t, err)
	assert.True(t, p.Online)
	assert.Equal(t, steveUUID, p.PlayerUUID)
	assert.Equal(t, 2, p.WebAccessLevel)

	require.NoError(t, db.SetPlayerOnline(steveUUID, serverID, false))
	require.NoError(t, db.SetPlayerOnline(steveUUID, serverID, false))

	n, err = db.CountOnlinePlayers(serverID)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// The pairing was created once and kept its id
	again, err := db.GetOrCreatePlayer(steveUUID, serverID)
	require.NoError(t, err)
	assert.Equal(t, id, again)
}

func TestQuitBeforeJoinCreatesOfflinePlayer(t *testing.T) {
	db := newTestDB(t)
	serverID, _ := mustServer(t, db, "survival")

	require.NoError(t, db.SetPlayerOnline(alexUUID, serverID, false))

	id, err := db.GetOrCreatePlayer(alexUUID, serverID)
	require.NoError(t, err)
	p, err := db.GetPlayer(id)
	require.NoError(t, err)
	assert.False(t, p.Online)
}

func TestSetPlayerOnlineUnknownServer(t *testing.T) {
	db := newTestDB(t)
	assert.Error(t, db.SetPlayerOnline(steveUUID, 4242, true))
}

func TestPlayerIDsArePerServer(t *testing.T) {
	db := newTestDB(t)
	s1, _ := mustServer(t, db, "one")
	s2, _ := mustServer(t, db, "two")

	id1, err := db.GetOrCreatePlayer(steveUUID, s1)
	require.NoError(t, err)
	id2, err := db.GetOrCreatePlayer(steveUUID, s2)
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	got, err := db.ResolveServerForPlayer(id2)
	require.NoError(t, err)
	assert.Equal(t, s2, got)

	uuid, err := db.ResolveUUIDForPlayer(id1)
	require.NoError(t, err)
	assert.Equal(t, steveUUID, uuid)

	_, err = db.ResolveServerForPlayer(1)
	assert.ErrorIs(t, err, ErrPlayerNotFound)
	_, err = db.ResolveUUIDForPlayer(1)
	assert.ErrorIs(t, err, ErrPlayerNotFound)
}

func TestGetOrCreatePlayerConcurrent(t *testing.T) {
	db := newTestDB(t)
	serverID, _ := mustServer(t, db, "busy")

	var wg sync.WaitGroup
	ids := make([]int64, 10)
	errs := make([]error, 10)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], errs[i] = db.GetOrCreatePlayer(steveUUID, serverID)
		}(i)
	}
	wg.Wait()

	for i := range ids {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
}

func TestPlayerNames(t *testing.T) {
	db := newTestDB(t)
	serverID, _ := mustServer(t, db, "names")

	_, err := db.GetOrCreatePlayer(steveUUID, serverID)
	require.NoError(t, err)
	_, err = db.GetOrCreatePlayer(alexUUID, serverID)
	require.NoError(t, err)

	missing, err := db.ListPlayersWithoutName(10)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{steveUUID, alexUUID}, missing)

	require.NoError(t, db.SetPlayerName(steveUUID, "Steve"))

	name, err := db.GetPlayerName(steveUUID)
	require.NoError(t, err)
	assert.Equal(t, "Steve", name)

	missing, err = db.ListPlayersWithoutName(10)
	require.NoError(t, err)
	assert.Equal(t, []string{alexUUID}, missing)

	assert.ErrorIs(t, db.SetPlayerName("00000000-0000-0000-0000-000000000000", "Nobody"), ErrPlayerNotFound)
}

func TestFailedNameLookupsMoveToBack(t *testing.T) {
	db := newTestDB(t)
	serverID, _ := mustServer(t, db, "backfill")

	// alex sorts after steve by uuid; a failed lookup for steve flips that
	_, err := db.GetOrCreatePlayer(steveUUID, serverID)
	require.NoError(t, err)
	_, err = db.GetOrCreatePlayer(alexUUID, serverID)
	require.NoError(t, err)

	first, err := db.ListPlayersWithoutName(1)
	require.NoError(t, err)
	require.Len(t, first, 1)

	require.NoError(t, db.MarkNameLookupFailed(first[0]))

	next, err := db.ListPlayersWithoutName(1)
	require.NoError(t, err)
	require.Len(t, next, 1)
	assert.NotEqual(t, first[0], next[0], "a failed player must not block the queue")

	all, err := db.ListPlayersWithoutName(10)
	require.NoError(t, err)
	assert.Equal(t, []string{next[0], first[0]}, all)

	// A later success clears the failure
	require.NoError(t, db.SetPlayerName(first[0], "Found"))
	all, err = db.ListPlayersWithoutName(10)
	require.NoError(t, err)
	assert.Equal(t, []string{next[0]}, all)

	assert.ErrorIs(t, db.MarkNameLookupFailed("00000000-0000-0000-0000-000000000000"), ErrPlayerNotFound)
}

func TestLoginChallenges(t *testing.T) {
	db := newTestDB(t)
	serverID, _ := mustServer(t, db, "logins")
	playerID, err := db.GetOrCreatePlayer(steveUUID, serverID)
	require.NoError(t, err)

	require.NoError(t, db.IssueLoginChallenge(playerID, "1234"))
	require.NoError(t, db.IssueLoginChallenge(playerID, "5678"))

	pending, err := db.ListPendingLogins()
	require.NoError(t, err)
	require.Len(t, pending, 1, "a new challenge replaces the old one")
	assert.Equal(t, playerID, pending[0].PlayerID)
	assert.Equal(t, "5678", pending[0].Pin)

	require.NoError(t, db.DeleteLoginChallenge(playerID))
	pending, err = db.ListPendingLogins()
	require.NoError(t, err)
	assert.Empty(t, pending)

	// Deleting twice is fine
	assert.NoError(t, db.DeleteLoginChallenge(playerID))
}

func TestVerifyLoginChallenge(t *testing.T) {
	db := newTestDB(t)
	serverID, _ := mustServer(t, db, "verify")
	playerID, err := db.GetOrCreatePlayer(steveUUID, serverID)
	require.NoError(t, err)

	verdict, err := db.VerifyLoginChallenge(playerID, "1234", 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, LoginNotFound, verdict)

	require.NoError(t, db.IssueLoginChallenge(playerID, "1234"))

	verdict, err = db.VerifyLoginChallenge(playerID, "0000", 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, LoginWrongPin, verdict)

	verdict, err = db.VerifyLoginChallenge(playerID, "1234", 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, LoginValid, verdict)

	// Consumed
	verdict, err = db.VerifyLoginChallenge(playerID, "1234", 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, LoginNotFound, verdict)
}

func TestVerifyExpiredLoginChallenge(t *testing.T) {
	db := newTestDB(t)
	serverID, _ := mustServer(t, db, "expired")
	playerID, err := db.GetOrCreatePlayer(steveUUID, serverID)
	require.NoError(t, err)

	_, err = db.writeConn.Exec("INSERT INTO login (player_id, pin, created_at) VALUES (?, ?, ?)",
		playerID, "1234", time.Now().Add(-10*time.Minute).UnixMilli())
	require.NoError(t, err)

	verdict, err := db.VerifyLoginChallenge(playerID, "1234", 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, LoginExpired, verdict)

	pending, err := db.ListPendingLogins()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestExpireLoginChallenges(t *testing.T) {
	db := newTestDB(t)
	serverID, _ := mustServer(t, db, "expire")
	oldID, err := db.GetOrCreatePlayer(steveUUID, serverID)
	require.NoError(t, err)
	newID, err := db.GetOrCreatePlayer(alexUUID, serverID)
	require.NoError(t, err)

	_, err = db.writeConn.Exec("INSERT INTO login (player_id, pin, created_at) VALUES (?, ?, ?)",
		oldID, "1111", time.Now().Add(-time.Hour).UnixMilli())
	require.NoError(t, err)
	require.NoError(t, db.IssueLoginChallenge(newID, "2222"))

	n, err := db.ExpireLoginChallenges(5 * time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	pending, err := db.ListPendingLogins()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, newID, pending[0].PlayerID)
}

func TestLoginChallengeRequiresPlayer(t *testing.T) {
	db := newTestDB(t)
	assert.Error(t, db.IssueLoginChallenge(999, "1234"), "foreign key must reject unknown players")
}

func TestLoginVerdictString(t *testing.T) {
	assert.Equal(t, "valid", LoginValid.String())
	assert.Equal(t, "wrong_pin", LoginWrongPin.String())
	assert.Equal(t, "unknown", LoginVerdict(42).String())
}

func TestPing(t *testing.T) {
	db := newTestDB(t)
	assert.NoError(t, db.Ping())
}
