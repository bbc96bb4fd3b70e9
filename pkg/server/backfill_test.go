package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeResolver answers name lookups from a map
type fakeResolver struct {
	mu    sync.Mutex
	names map[string]string
	calls int
}

func (f *fakeResolver) LookupName(ctx context.Context, uuid string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	name, ok := f.names[uuid]
	if !ok {
		return "", errors.New("unknown player")
	}
	return name, nil
}

func TestBackfillNames(t *testing.T) {
	store := newMockStore()
	srv := newTestServer(t, store, nil)
	srv.SetNameResolver(&fakeResolver{names: map[string]string{steveUUID: "Steve"}})

	_, err := store.GetOrCreatePlayer(steveUUID, testServerID)
	require.NoError(t, err)
	_, err = store.GetOrCreatePlayer(alexUUID, testServerID)
	require.NoError(t, err)

	assert.Equal(t, 1, srv.backfillNames(context.Background()))

	p, _ := store.player(steveUUID, testServerID)
	assert.Equal(t, "Steve", p.name)

	// Alex failed and is retried next cycle
	pending, err := store.ListPlayersWithoutName(10)
	require.NoError(t, err)
	assert.Equal(t, []string{alexUUID}, pending)
}

func TestBackfillUnresolvablePlayersDoNotStarveOthers(t *testing.T) {
	store := newMockStore()
	srv := newTestServer(t, store, nil)
	resolver := &fakeResolver{names: map[string]string{steveUUID: "Steve"}}
	srv.SetNameResolver(resolver)

	// A full batch of offline-mode players that sort ahead of steve and never resolve
	for i := 0; i < nameBackfillBatch; i++ {
		_, err := store.GetOrCreatePlayer(fmt.Sprintf("00000000-0000-3000-8000-%012d", i), testServerID)
		require.NoError(t, err)
	}
	_, err := store.GetOrCreatePlayer(steveUUID, testServerID)
	require.NoError(t, err)

	assert.Zero(t, srv.backfillNames(context.Background()), "first cycle is all unresolvable players")
	assert.Equal(t, 1, srv.backfillNames(context.Background()))

	p, _ := store.player(steveUUID, testServerID)
	assert.Equal(t, "Steve", p.name)

	// The failures are still queued for later attempts
	pending, err := store.ListPlayersWithoutName(nameBackfillBatch + 1)
	require.NoError(t, err)
	assert.Len(t, pending, nameBackfillBatch)
}

func TestBackfillWithoutResolver(t *testing.T) {
	store := newMockStore()
	srv := newTestServer(t, store, nil)

	_, err := store.GetOrCreatePlayer(steveUUID, testServerID)
	require.NoError(t, err)
	assert.Zero(t, srv.backfillNames(context.Background()))
}

func TestBackfillStopsOnCancel(t *testing.T) {
	store := newMockStore()
	srv := newTestServer(t, store, nil)
	resolver := &fakeResolver{names: map[string]string{steveUUID: "Steve", alexUUID: "Alex"}}
	srv.SetNameResolver(resolver)

	store.GetOrCreatePlayer(steveUUID, testServerID)
	store.GetOrCreatePlayer(alexUUID, testServerID)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Zero(t, srv.backfillNames(ctx))
	assert.Zero(t, resolver.calls)
}

func TestNameBackfillLoopRuns(t *testing.T) {
	store := newMockStore()
	srv := newTestServer(t, store, func(cfg *ServerConfig) {
		cfg.NameBackfillInterval = 20 * time.Millisecond
	})
	srv.SetNameResolver(&fakeResolver{names: map[string]string{steveUUID: "Steve"}})

	store.GetOrCreatePlayer(steveUUID, testServerID)

	srv.wg.Add(1)
	go srv.nameBackfillLoop()

	assert.Eventually(t, func() bool {
		p, _ := store.player(steveUUID, testServerID)
		return p.name == "Steve"
	}, 2*time.Second, 10*time.Millisecond)
}
