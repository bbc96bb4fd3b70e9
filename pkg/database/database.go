package database

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrServerNotFound indicates no server matches the token or id.
	ErrServerNotFound = errors.New("server not found")
	// ErrPlayerNotFound indicates no player/server pairing matches the id.
	ErrPlayerNotFound = errors.New("player not found")
	// ErrLoginNotFound indicates the player has no pending login challenge.
	ErrLoginNotFound = errors.New("login challenge not found")
	// ErrInvalidStats indicates a stats blob that is not the expected JSON document.
	ErrInvalidStats = errors.New("invalid stats payload")
)

// DB wraps the SQLite database connection
type DB struct {
	conn        *sql.DB // Read connection pool
	writeConn   *sql.DB // Dedicated write connection (1 connection)
	snowflake   *Snowflake
	WriteBuffer *WriteBuffer
}

// connPragmas are set through the DSN so every pooled connection gets them
var connPragmas = []string{
	// Wait and retry instead of immediately failing with SQLITE_BUSY
	"busy_timeout(5000)",
	"foreign_keys(1)",
	"synchronous(NORMAL)",
}

// dsn appends the per-connection pragmas to a database path
func dsn(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	var b strings.Builder
	b.WriteString(path)
	for _, p := range connPragmas {
		b.WriteString(sep)
		b.WriteString("_pragma=")
		b.WriteString(p)
		sep = "&"
	}
	return b.String()
}

// Open opens a connection to the SQLite database at the given path
// and migrates the schema if needed
func Open(path string) (*DB, error) {
	conn, err := openConn(path)
	if err != nil {
		return nil, err
	}

	// Allow multiple readers in WAL mode
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	writeConn, err := openConn(path)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open write connection: %w", err)
	}

	// Exactly 1 connection, no pooling (SQLite has a single writer)
	writeConn.SetMaxOpenConns(1)
	writeConn.SetMaxIdleConns(1)
	writeConn.SetConnMaxLifetime(0)

	// Player ids: epoch 2024-01-01, worker 0
	epoch := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()

	db := &DB{
		conn:      conn,
		writeConn: writeConn,
		snowflake: NewSnowflake(epoch, 0),
	}

	// Backs up the database first if migrations are pending
	if err := runMigrations(writeConn, path); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	db.WriteBuffer = NewWriteBuffer(db, 100*time.Millisecond)

	return db, nil
}

// openConn opens a pool on path with WAL enabled
func openConn(path string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL allows multiple readers and one writer at the same time.
	// The journal mode is stored in the file, so once is enough.
	if _, err := conn.Exec("PRAGMA journal_mode = WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	return conn, nil
}

// Close flushes pending writes and closes the database connections
func (db *DB) Close() error {
	if db.WriteBuffer != nil {
		db.WriteBuffer.Close()
	}
	db.writeConn.Close()
	return db.conn.Close()
}

// Ping checks that the database is reachable
func (db *DB) Ping() error {
	return db.conn.Ping()
}

// Server represents a registered Minecraft server
type Server struct {
	ID            int64
	Subdomain     string
	Name          string
	OwnerUsername string
	OwnerEmail    string
	CreatedAt     int64 // Unix timestamp in milliseconds
}

// PlayerServerInfo represents one player on one server
type PlayerServerInfo struct {
	ID             int64 // Player id (snowflake)
	ServerID       int64
	PlayerUUID     string
	Online         bool
	FirstSeen      int64 // Unix timestamp in milliseconds
	LastSeen       int64 // Unix timestamp in milliseconds
	WebAccessLevel int
}

// LoginChallenge is a pending web-portal login PIN
type LoginChallenge struct {
	PlayerID  int64
	Pin       string
	CreatedAt int64 // Unix timestamp in milliseconds
}

// nowMillis returns current time as Unix timestamp in milliseconds
func nowMillis() int64 {
	return time.Now().UnixMilli()
}
