package server

import (
	"net"
	"testing"
	"time"

	"github.com/aeolun/mcconnect/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runBroadcast runs one broadcaster pass while the caller reads pushes
func runBroadcast(srv *Server) <-chan loginCycle {
	done := make(chan loginCycle, 1)
	go func() { done <- srv.broadcastLogins() }()
	return done
}

func waitCycle(t *testing.T, done <-chan loginCycle) loginCycle {
	t.Helper()
	select {
	case cycle := <-done:
		return cycle
	case <-time.After(3 * time.Second):
		t.Fatal("broadcast pass did not finish")
		return loginCycle{}
	}
}

func TestBroadcastDeliversPin(t *testing.T) {
	store := newMockStore()
	store.addServer(testToken, testServerID)
	srv := newTestServer(t, store, nil)

	peer, _ := connectPeer(t, srv)
	peer.auth(testToken)

	playerID, err := store.GetOrCreatePlayer(steveUUID, testServerID)
	require.NoError(t, err)
	store.addLogin(playerID, "123456", time.Now())

	done := runBroadcast(srv)
	uuid, pin, ok := protocol.ParseLoginPin(peer.recv())
	require.True(t, ok)
	assert.Equal(t, steveUUID, uuid)
	assert.Equal(t, "123456", pin)

	cycle := waitCycle(t, done)
	assert.Equal(t, 1, cycle.Delivered)
	assert.True(t, store.hasLogin(playerID), "delivered challenges stay until the portal consumes them")
}

func TestBroadcastOrphanUnknownPlayer(t *testing.T) {
	store := newMockStore()
	srv := newTestServer(t, store, nil)

	store.addLogin(999, "000000", time.Now())

	cycle := srv.broadcastLogins()
	assert.Equal(t, 1, cycle.Orphaned)
	assert.False(t, store.hasLogin(999))
}

func TestBroadcastOrphanDisconnectedServer(t *testing.T) {
	store := newMockStore()
	srv := newTestServer(t, store, nil)

	playerID, err := store.GetOrCreatePlayer(steveUUID, testServerID)
	require.NoError(t, err)
	store.addLogin(playerID, "111111", time.Now())

	cycle := srv.broadcastLogins()
	assert.Equal(t, 1, cycle.Orphaned)
	assert.False(t, store.hasLogin(playerID))
}

func TestBroadcastKeepsChallengeOnStoreError(t *testing.T) {
	store := newMockStore()
	srv := newTestServer(t, store, nil)

	playerID, err := store.GetOrCreatePlayer(steveUUID, testServerID)
	require.NoError(t, err)
	store.addLogin(playerID, "222222", time.Now())
	store.resolveErr = errStoreDown

	cycle := srv.broadcastLogins()
	assert.Zero(t, cycle.Orphaned)
	assert.Zero(t, cycle.Delivered)
	assert.True(t, store.hasLogin(playerID), "a transient failure is retried next pass")
}

func TestBroadcastListError(t *testing.T) {
	store := newMockStore()
	store.listErr = errStoreDown
	srv := newTestServer(t, store, nil)

	assert.Equal(t, loginCycle{}, srv.broadcastLogins())
}

func TestBroadcastFailedPushKeepsChallenge(t *testing.T) {
	store := newMockStore()
	store.addServer(testToken, testServerID)
	srv := newTestServer(t, store, nil)

	playerID, err := store.GetOrCreatePlayer(steveUUID, testServerID)
	require.NoError(t, err)
	store.addLogin(playerID, "333333", time.Now())

	// A registered session whose connection is already gone
	client, server := net.Pipe()
	sess := srv.sessions.CreateSession(server, "pipe", srv.codec, time.Second)
	sess.authenticate(testServerID)
	srv.registry.Register(testServerID, sess)
	client.Close()

	cycle := srv.broadcastLogins()
	assert.Equal(t, 1, cycle.Failed)
	assert.True(t, store.hasLogin(playerID))
}

func TestBroadcastExpiresStaleChallenges(t *testing.T) {
	store := newMockStore()
	srv := newTestServer(t, store, func(cfg *ServerConfig) {
		cfg.ChallengeTTL = time.Minute
	})

	store.addLogin(7, "444444", time.Now().Add(-2*time.Minute))

	cycle := srv.broadcastLogins()
	assert.Equal(t, int64(1), cycle.Expired)
	assert.Zero(t, cycle.Orphaned, "expired rows are gone before the push pass")
	assert.False(t, store.hasLogin(7))
}

func TestBroadcastExpiryDisabled(t *testing.T) {
	store := newMockStore()
	srv := newTestServer(t, store, func(cfg *ServerConfig) {
		cfg.ChallengeTTL = 0
	})

	store.addLogin(7, "444444", time.Now().Add(-2*time.Hour))

	cycle := srv.broadcastLogins()
	assert.Zero(t, cycle.Expired)
	assert.Equal(t, 1, cycle.Orphaned, "player 7 does not exist")
}

func TestBroadcastOnlyReachesOwningServer(t *testing.T) {
	store := newMockStore()
	store.addServer("token-a", 1)
	store.addServer("token-b", 2)
	srv := newTestServer(t, store, nil)

	peerA, _ := connectPeer(t, srv)
	peerA.auth("token-a")
	peerB, _ := connectPeer(t, srv)
	peerB.auth("token-b")

	playerID, err := store.GetOrCreatePlayer(alexUUID, 2)
	require.NoError(t, err)
	store.addLogin(playerID, "555555", time.Now())

	done := runBroadcast(srv)
	uuid, _, ok := protocol.ParseLoginPin(peerB.recv())
	require.True(t, ok)
	assert.Equal(t, alexUUID, uuid)
	waitCycle(t, done)

	// Server A got nothing; its next frame is the reply to our join
	peerA.send(protocol.JoinMessage(steveUUID))
	peerA.expectReply(protocol.ReplyStatusOK)
}

func TestLoginBroadcastLoopRuns(t *testing.T) {
	store := newMockStore()
	store.addServer(testToken, testServerID)
	srv := newTestServer(t, store, func(cfg *ServerConfig) {
		cfg.LoginPollInterval = 20 * time.Millisecond
	})

	peer, _ := connectPeer(t, srv)
	peer.auth(testToken)

	playerID, err := store.GetOrCreatePlayer(steveUUID, testServerID)
	require.NoError(t, err)
	store.addLogin(playerID, "666666", time.Now())

	srv.wg.Add(1)
	go srv.loginBroadcastLoop()

	_, pin, ok := protocol.ParseLoginPin(peer.recv())
	require.True(t, ok)
	assert.Equal(t, "666666", pin)
}
