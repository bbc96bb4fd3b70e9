package server

import (
	"context"
	"time"

	"github.com/aeolun/mcconnect/pkg/database"
)

// DataStore defines the data access the relay needs.
// *database.DB implements it; tests use an in-memory mock.
type DataStore interface {
	// Server authentication
	LookupServerByToken(token string) (int64, error)

	// Player presence and statistics
	SetPlayerOnline(uuid string, serverID int64, online bool) error
	GetOrCreatePlayer(uuid string, serverID int64) (int64, error)
	StorePlayerStats(playerID int64, blob string) error

	// Login challenges
	ListPendingLogins() ([]database.LoginChallenge, error)
	ResolveServerForPlayer(playerID int64) (int64, error)
	ResolveUUIDForPlayer(playerID int64) (string, error)
	DeleteLoginChallenge(playerID int64) error
}

// ChallengeExpirer is implemented by stores that can drop stale challenges
type ChallengeExpirer interface {
	ExpireLoginChallenges(ttl time.Duration) (int64, error)
}

// PlayerNameStore is implemented by stores that keep Minecraft usernames
type PlayerNameStore interface {
	ListPlayersWithoutName(limit int) ([]string, error)
	SetPlayerName(uuid, name string) error
	MarkNameLookupFailed(uuid string) error
}

// Pinger is implemented by stores that can report reachability
type Pinger interface {
	Ping() error
}

// NameResolver looks up the current username of a Minecraft account
type NameResolver interface {
	LookupName(ctx context.Context, uuid string) (string, error)
}

var (
	_ DataStore        = (*database.DB)(nil)
	_ ChallengeExpirer = (*database.DB)(nil)
	_ PlayerNameStore  = (*database.DB)(nil)
	_ Pinger           = (*database.DB)(nil)
)
