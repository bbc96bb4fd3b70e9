package server

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/aeolun/mcconnect/pkg/database"
)

var errStoreDown = errors.New("store unavailable")

type mockPlayer struct {
	id       int64
	uuid     string
	serverID int64
	online   bool
	name     string
	failedAt int64 // ordering sequence of the last failed name lookup, 0 if none
}

// mockStore is an in-memory DataStore for session and broadcaster tests
type mockStore struct {
	mu sync.Mutex

	tokens  map[string]int64
	players map[int64]*mockPlayer
	logins  map[int64]database.LoginChallenge
	stats   map[int64][]string
	nextID  int64
	failSeq int64

	// Error injection
	lookupErr  error
	onlineErr  error
	playerErr  error
	statsErr   error
	listErr    error
	resolveErr error
	deleteErr  error

	deleted []int64
}

func newMockStore() *mockStore {
	return &mockStore{
		tokens:  make(map[string]int64),
		players: make(map[int64]*mockPlayer),
		logins:  make(map[int64]database.LoginChallenge),
		stats:   make(map[int64][]string),
	}
}

func (m *mockStore) addServer(token string, serverID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[token] = serverID
}

func (m *mockStore) addLogin(playerID int64, pin string, createdAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logins[playerID] = database.LoginChallenge{PlayerID: playerID, Pin: pin, CreatedAt: createdAt.UnixMilli()}
}

func (m *mockStore) hasLogin(playerID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.logins[playerID]
	return ok
}

func (m *mockStore) findPlayer(uuid string, serverID int64) *mockPlayer {
	for _, p := range m.players {
		if p.uuid == uuid && p.serverID == serverID {
			return p
		}
	}
	return nil
}

func (m *mockStore) player(uuid string, serverID int64) (mockPlayer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.findPlayer(uuid, serverID)
	if p == nil {
		return mockPlayer{}, false
	}
	return *p, true
}

func (m *mockStore) statsFor(playerID int64) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.stats[playerID]...)
}

func (m *mockStore) LookupServerByToken(token string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lookupErr != nil {
		return 0, m.lookupErr
	}
	id, ok := m.tokens[token]
	if !ok {
		return 0, database.ErrServerNotFound
	}
	return id, nil
}

func (m *mockStore) createPlayer(uuid string, serverID int64) *mockPlayer {
	m.nextID++
	p := &mockPlayer{id: m.nextID, uuid: uuid, serverID: serverID}
	m.players[p.id] = p
	return p
}

func (m *mockStore) SetPlayerOnline(uuid string, serverID int64, online bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.onlineErr != nil {
		return m.onlineErr
	}
	p := m.findPlayer(uuid, serverID)
	if p == nil {
		p = m.createPlayer(uuid, serverID)
	}
	p.online = online
	return nil
}

func (m *mockStore) GetOrCreatePlayer(uuid string, serverID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.playerErr != nil {
		return 0, m.playerErr
	}
	p := m.findPlayer(uuid, serverID)
	if p == nil {
		p = m.createPlayer(uuid, serverID)
	}
	return p.id, nil
}

func (m *mockStore) StorePlayerStats(playerID int64, blob string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.statsErr != nil {
		return m.statsErr
	}
	m.stats[playerID] = append(m.stats[playerID], blob)
	return nil
}

func (m *mockStore) ListPendingLogins() ([]database.LoginChallenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	out := make([]database.LoginChallenge, 0, len(m.logins))
	for _, c := range m.logins {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlayerID < out[j].PlayerID })
	return out, nil
}

func (m *mockStore) ResolveServerForPlayer(playerID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.resolveErr != nil {
		return 0, m.resolveErr
	}
	p, ok := m.players[playerID]
	if !ok {
		return 0, database.ErrPlayerNotFound
	}
	return p.serverID, nil
}

func (m *mockStore) ResolveUUIDForPlayer(playerID int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.resolveErr != nil {
		return "", m.resolveErr
	}
	p, ok := m.players[playerID]
	if !ok {
		return "", database.ErrPlayerNotFound
	}
	return p.uuid, nil
}

func (m *mockStore) DeleteLoginChallenge(playerID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteErr != nil {
		return m.deleteErr
	}
	delete(m.logins, playerID)
	m.deleted = append(m.deleted, playerID)
	return nil
}

func (m *mockStore) ExpireLoginChallenges(ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-ttl).UnixMilli()
	var n int64
	for id, c := range m.logins {
		if c.CreatedAt < cutoff {
			delete(m.logins, id)
			n++
		}
	}
	return n, nil
}

func (m *mockStore) ListPlayersWithoutName(limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]bool)
	var pending []*mockPlayer
	for _, p := range m.players {
		if p.name == "" && !seen[p.uuid] {
			seen[p.uuid] = true
			pending = append(pending, p)
		}
	}
	// Never tried first, then oldest failure, then uuid
	sort.Slice(pending, func(i, j int) bool {
		a, b := pending[i], pending[j]
		if (a.failedAt == 0) != (b.failedAt == 0) {
			return a.failedAt == 0
		}
		if a.failedAt != b.failedAt {
			return a.failedAt < b.failedAt
		}
		return a.uuid < b.uuid
	})
	out := make([]string, 0, len(pending))
	for _, p := range pending {
		out = append(out, p.uuid)
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockStore) SetPlayerName(uuid, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	found := false
	for _, p := range m.players {
		if p.uuid == uuid {
			p.name = name
			p.failedAt = 0
			found = true
		}
	}
	if !found {
		return database.ErrPlayerNotFound
	}
	return nil
}

func (m *mockStore) MarkNameLookupFailed(uuid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failSeq++
	found := false
	for _, p := range m.players {
		if p.uuid == uuid {
			p.failedAt = m.failSeq
			found = true
		}
	}
	if !found {
		return database.ErrPlayerNotFound
	}
	return nil
}

func (m *mockStore) Ping() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookupErr
}
