package database

import (
	"database/sql"
	"time"
)

// LoginVerdict is the outcome of checking a PIN against a challenge
type LoginVerdict int

const (
	LoginValid LoginVerdict = iota
	LoginNotFound
	LoginWrongPin
	LoginExpired
)

func (v LoginVerdict) String() string {
	switch v {
	case LoginValid:
		return "valid"
	case LoginNotFound:
		return "not_found"
	case LoginWrongPin:
		return "wrong_pin"
	case LoginExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// IssueLoginChallenge stores a PIN for playerID, replacing any pending one
func (db *DB) IssueLoginChallenge(playerID int64, pin string) error {
	_, err := db.writeConn.Exec(`
		INSERT INTO login (player_id, pin, created_at) VALUES (?, ?, ?)
		ON CONFLICT (player_id) DO UPDATE SET pin = excluded.pin, created_at = excluded.created_at
	`, playerID, pin, nowMillis())
	return err
}

// ListPendingLogins returns every pending challenge, oldest first
func (db *DB) ListPendingLogins() ([]LoginChallenge, error) {
	rows, err := db.conn.Query("SELECT player_id, pin, created_at FROM login ORDER BY created_at, player_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var challenges []LoginChallenge
	for rows.Next() {
		var c LoginChallenge
		if err := rows.Scan(&c.PlayerID, &c.Pin, &c.CreatedAt); err != nil {
			return nil, err
		}
		challenges = append(challenges, c)
	}
	return challenges, rows.Err()
}

// DeleteLoginChallenge removes the challenge of playerID, if any
func (db *DB) DeleteLoginChallenge(playerID int64) error {
	_, err := db.writeConn.Exec("DELETE FROM login WHERE player_id = ?", playerID)
	return err
}

// VerifyLoginChallenge checks pin against the pending challenge of playerID.
// Valid and expired challenges are consumed; a wrong pin keeps it for
// another attempt.
func (db *DB) VerifyLoginChallenge(playerID int64, pin string, ttl time.Duration) (LoginVerdict, error) {
	var stored string
	var createdAt int64
	err := db.conn.QueryRow("SELECT pin, created_at FROM login WHERE player_id = ?", playerID).Scan(&stored, &createdAt)
	if err == sql.ErrNoRows {
		return LoginNotFound, nil
	}
	if err != nil {
		return LoginNotFound, err
	}

	if stored != pin {
		return LoginWrongPin, nil
	}

	verdict := LoginValid
	if ttl > 0 && nowMillis()-createdAt > ttl.Milliseconds() {
		verdict = LoginExpired
	}
	if err := db.DeleteLoginChallenge(playerID); err != nil {
		return verdict, err
	}
	return verdict, nil
}

// ExpireLoginChallenges deletes challenges older than ttl and returns how many
func (db *DB) ExpireLoginChallenges(ttl time.Duration) (int64, error) {
	cutoff := nowMillis() - ttl.Milliseconds()
	result, err := db.writeConn.Exec("DELETE FROM login WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
