package database

import (
	"database/sql"
	"fmt"
)

// SetPlayerOnline records a join or quit of uuid on serverID, creating the
// player and its server pairing on first sight. Repeating a call is a no-op
// apart from last_seen.
func (db *DB) SetPlayerOnline(uuid string, serverID int64, online bool) error {
	tx, err := db.writeConn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := nowMillis()
	result, err := tx.Exec(`
		UPDATE player_server_info SET online = ?, last_seen = ?
		WHERE player_uuid = ? AND server_id = ?
	`, online, now, uuid, serverID)
	if err != nil {
		return err
	}

	if n, err := result.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		if err := insertPlayer(tx, db.snowflake.NextID(), uuid, serverID, online, now); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetOrCreatePlayer returns the player id for uuid on serverID
func (db *DB) GetOrCreatePlayer(uuid string, serverID int64) (int64, error) {
	var id int64
	err := db.conn.QueryRow(
		"SELECT id FROM player_server_info WHERE player_uuid = ? AND server_id = ?",
		uuid, serverID,
	).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, err
	}

	tx, err := db.writeConn.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Another writer may have created it since the read above
	if err := insertPlayer(tx, db.snowflake.NextID(), uuid, serverID, false, nowMillis()); err != nil {
		return 0, err
	}
	if err := tx.QueryRow(
		"SELECT id FROM player_server_info WHERE player_uuid = ? AND server_id = ?",
		uuid, serverID,
	).Scan(&id); err != nil {
		return 0, err
	}

	return id, tx.Commit()
}

func insertPlayer(tx *sql.Tx, id int64, uuid string, serverID int64, online bool, now int64) error {
	if _, err := tx.Exec("INSERT OR IGNORE INTO player (uuid) VALUES (?)", uuid); err != nil {
		return fmt.Errorf("failed to insert player: %w", err)
	}
	_, err := tx.Exec(`
		INSERT OR IGNORE INTO player_server_info (id, server_id, player_uuid, online, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, serverID, uuid, online, now, now)
	if err != nil {
		return fmt.Errorf("failed to insert player server info: %w", err)
	}
	return nil
}

// GetPlayer returns the player/server pairing for a player id
func (db *DB) GetPlayer(playerID int64) (*PlayerServerInfo, error) {
	var p PlayerServerInfo
	err := db.conn.QueryRow(`
		SELECT id, server_id, player_uuid, online, first_seen, last_seen, web_access_level
		FROM player_server_info WHERE id = ?
	`, playerID).Scan(&p.ID, &p.ServerID, &p.PlayerUUID, &p.Online, &p.FirstSeen, &p.LastSeen, &p.WebAccessLevel)
	if err == sql.ErrNoRows {
		return nil, ErrPlayerNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ResolveServerForPlayer returns the server a player id belongs to
func (db *DB) ResolveServerForPlayer(playerID int64) (int64, error) {
	var serverID int64
	err := db.conn.QueryRow("SELECT server_id FROM player_server_info WHERE id = ?", playerID).Scan(&serverID)
	if err == sql.ErrNoRows {
		return 0, ErrPlayerNotFound
	}
	return serverID, err
}

// ResolveUUIDForPlayer returns the Minecraft UUID of a player id
func (db *DB) ResolveUUIDForPlayer(playerID int64) (string, error) {
	var uuid string
	err := db.conn.QueryRow("SELECT player_uuid FROM player_server_info WHERE id = ?", playerID).Scan(&uuid)
	if err == sql.ErrNoRows {
		return "", ErrPlayerNotFound
	}
	return uuid, err
}

// CountOnlinePlayers returns how many players are online on serverID
func (db *DB) CountOnlinePlayers(serverID int64) (int, error) {
	var n int
	err := db.conn.QueryRow(
		"SELECT COUNT(*) FROM player_server_info WHERE server_id = ? AND online = 1", serverID,
	).Scan(&n)
	return n, err
}

// ListPlayersWithoutName returns up to limit UUIDs whose name is unknown.
// Players never looked up come first, then failed ones by oldest attempt.
func (db *DB) ListPlayersWithoutName(limit int) ([]string, error) {
	rows, err := db.conn.Query(`
		SELECT uuid FROM player WHERE name IS NULL
		ORDER BY name_lookup_failed_at IS NOT NULL, name_lookup_failed_at, uuid
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var uuids []string
	for rows.Next() {
		var uuid string
		if err := rows.Scan(&uuid); err != nil {
			return nil, err
		}
		uuids = append(uuids, uuid)
	}
	return uuids, rows.Err()
}

// MarkNameLookupFailed moves uuid to the back of the backfill queue
func (db *DB) MarkNameLookupFailed(uuid string) error {
	result, err := db.writeConn.Exec("UPDATE player SET name_lookup_failed_at = ? WHERE uuid = ?", nowMillis(), uuid)
	if err != nil {
		return err
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return ErrPlayerNotFound
	}
	return nil
}

// SetPlayerName stores the Minecraft username for uuid
func (db *DB) SetPlayerName(uuid, name string) error {
	result, err := db.writeConn.Exec("UPDATE player SET name = ?, name_lookup_failed_at = NULL WHERE uuid = ?", name, uuid)
	if err != nil {
		return err
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return ErrPlayerNotFound
	}
	return nil
}

// GetPlayerName returns the stored username, empty if not resolved yet
func (db *DB) GetPlayerName(uuid string) (string, error) {
	var name sql.NullString
	err := db.conn.QueryRow("SELECT name FROM player WHERE uuid = ?", uuid).Scan(&name)
	if err == sql.ErrNoRows {
		return "", ErrPlayerNotFound
	}
	if err != nil {
		return "", err
	}
	return name.String, nil
}
