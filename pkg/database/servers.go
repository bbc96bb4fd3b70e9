package database

import (
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// ServerKeyLength is the length of generated plugin tokens
const ServerKeyLength = 64

const serverKeyAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

var (
	// ErrSubdomainTaken indicates another server already uses the subdomain
	ErrSubdomainTaken = errors.New("subdomain already registered")
	// ErrInvalidRegistration indicates a required registration field is empty
	ErrInvalidRegistration = errors.New("invalid server registration")
)

// ServerRegistration holds what an owner supplies to add a server
type ServerRegistration struct {
	Subdomain     string
	Name          string
	OwnerUsername string
	OwnerEmail    string
	OwnerPassword string
}

// GenerateServerKey returns a random alphanumeric plugin token
func GenerateServerKey() (string, error) {
	max := big.NewInt(int64(len(serverKeyAlphabet)))
	var b strings.Builder
	b.Grow(ServerKeyLength)
	for i := 0; i < ServerKeyLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to generate server key: %w", err)
		}
		b.WriteByte(serverKeyAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// RegisterServer creates a server and returns its id and plugin token
func (db *DB) RegisterServer(reg ServerRegistration) (int64, string, error) {
	reg.Subdomain = strings.ToLower(strings.TrimSpace(reg.Subdomain))
	if reg.Subdomain == "" || reg.Name == "" || reg.OwnerUsername == "" || reg.OwnerPassword == "" {
		return 0, "", ErrInvalidRegistration
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(reg.OwnerPassword), bcrypt.DefaultCost)
	if err != nil {
		return 0, "", fmt.Errorf("failed to hash owner password: %w", err)
	}

	token, err := GenerateServerKey()
	if err != nil {
		return 0, "", err
	}

	var exists bool
	if err := db.writeConn.QueryRow(
		"SELECT EXISTS(SELECT 1 FROM server WHERE subdomain = ?)", reg.Subdomain,
	).Scan(&exists); err != nil {
		return 0, "", err
	}
	if exists {
		return 0, "", ErrSubdomainTaken
	}

	result, err := db.writeConn.Exec(`
		INSERT INTO server (subdomain, name, server_key, owner_username, owner_email, owner_password_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, reg.Subdomain, reg.Name, token, reg.OwnerUsername, reg.OwnerEmail, string(hash), nowMillis())
	if err != nil {
		return 0, "", err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, "", err
	}
	return id, token, nil
}

// LookupServerByToken returns the id of the server owning token
func (db *DB) LookupServerByToken(token string) (int64, error) {
	var id int64
	err := db.conn.QueryRow("SELECT id FROM server WHERE server_key = ?", token).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, ErrServerNotFound
	}
	if err != nil {
		return 0, err
	}
	return id, nil
}

// GetServer returns a server by id
func (db *DB) GetServer(id int64) (*Server, error) {
	var s Server
	err := db.conn.QueryRow(`
		SELECT id, subdomain, name, owner_username, owner_email, created_at
		FROM server WHERE id = ?
	`, id).Scan(&s.ID, &s.Subdomain, &s.Name, &s.OwnerUsername, &s.OwnerEmail, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrServerNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ListServers returns every registered server ordered by id
func (db *DB) ListServers() ([]*Server, error) {
	rows, err := db.conn.Query(`
		SELECT id, subdomain, name, owner_username, owner_email, created_at
		FROM server ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var servers []*Server
	for rows.Next() {
		var s Server
		if err := rows.Scan(&s.ID, &s.Subdomain, &s.Name, &s.OwnerUsername, &s.OwnerEmail, &s.CreatedAt); err != nil {
			return nil, err
		}
		servers = append(servers, &s)
	}
	return servers, rows.Err()
}

// CheckOwnerPassword reports whether password matches the owner of subdomain
func (db *DB) CheckOwnerPassword(subdomain, password string) (bool, error) {
	var hash string
	err := db.conn.QueryRow(
		"SELECT owner_password_hash FROM server WHERE subdomain = ?",
		strings.ToLower(subdomain),
	).Scan(&hash)
	if err == sql.ErrNoRows {
		return false, ErrServerNotFound
	}
	if err != nil {
		return false, err
	}

	err = bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
