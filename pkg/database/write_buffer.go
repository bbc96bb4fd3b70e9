package database

import (
	"log"
	"sync"
	"time"
)

// WriteBuffer batches stats upserts to reduce write lock contention.
// Statistics arrive as full snapshots, so only the newest value per
// (player, object, category) is kept between flushes.
type WriteBuffer struct {
	db            *DB
	flushInterval time.Duration

	mu       sync.Mutex
	stats    map[int64]map[statKey]StatEntry // playerID -> row key -> newest row
	lastSeen map[int64]int64                 // playerID -> timestamp of newest snapshot

	// Serializes flushes between the loop and explicit Flush calls
	flushMu sync.Mutex

	shutdown  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type statKey struct {
	object   string
	category string
}

// NewWriteBuffer creates a write buffer and starts its flush loop
func NewWriteBuffer(db *DB, flushInterval time.Duration) *WriteBuffer {
	wb := &WriteBuffer{
		db:            db,
		flushInterval: flushInterval,
		stats:         make(map[int64]map[statKey]StatEntry),
		lastSeen:      make(map[int64]int64),
		shutdown:      make(chan struct{}),
	}

	wb.wg.Add(1)
	go wb.flushLoop()

	return wb
}

// QueueStats queues rows for playerID, replacing older pending values
func (wb *WriteBuffer) QueueStats(playerID int64, entries []StatEntry) {
	wb.mu.Lock()
	defer wb.mu.Unlock()

	rows, ok := wb.stats[playerID]
	if !ok {
		rows = make(map[statKey]StatEntry, len(entries))
		wb.stats[playerID] = rows
	}
	for _, e := range entries {
		rows[statKey{object: e.Object, category: e.Category}] = e
	}
	wb.lastSeen[playerID] = nowMillis()
}

// Pending returns the number of rows waiting for the next flush
func (wb *WriteBuffer) Pending() int {
	wb.mu.Lock()
	defer wb.mu.Unlock()

	n := 0
	for _, rows := range wb.stats {
		n += len(rows)
	}
	return n
}

func (wb *WriteBuffer) flushLoop() {
	defer wb.wg.Done()

	ticker := time.NewTicker(wb.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			wb.Flush()
		case <-wb.shutdown:
			// Final flush on shutdown
			wb.Flush()
			return
		}
	}
}

// Flush writes everything queued so far in a single transaction
func (wb *WriteBuffer) Flush() {
	wb.flushMu.Lock()
	defer wb.flushMu.Unlock()

	start := time.Now()

	wb.mu.Lock()
	stats := wb.stats
	lastSeen := wb.lastSeen
	wb.stats = make(map[int64]map[statKey]StatEntry)
	wb.lastSeen = make(map[int64]int64)
	wb.mu.Unlock()

	if len(stats) == 0 {
		return
	}

	tx, err := wb.db.writeConn.Begin()
	if err != nil {
		log.Printf("WriteBuffer: failed to begin transaction: %v", err)
		wb.requeue(stats, lastSeen)
		return
	}
	defer tx.Rollback()

	upsert, err := tx.Prepare(`
		INSERT INTO actions (player_id, object, category, item_group, value)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (player_id, object, category)
		DO UPDATE SET value = excluded.value
		WHERE actions.value IS NOT excluded.value
	`)
	if err != nil {
		log.Printf("WriteBuffer: failed to prepare stats upsert: %v", err)
		wb.requeue(stats, lastSeen)
		return
	}
	defer upsert.Close()

	touch, err := tx.Prepare(`UPDATE player_server_info SET last_seen = ? WHERE id = ?`)
	if err != nil {
		log.Printf("WriteBuffer: failed to prepare last_seen update: %v", err)
		wb.requeue(stats, lastSeen)
		return
	}
	defer touch.Close()

	rowCount := 0
	for playerID, rows := range stats {
		failed := false
		for _, e := range rows {
			if _, err := upsert.Exec(playerID, e.Object, e.Category, e.Group, e.Value); err != nil {
				// Usually a player id that no longer exists; drop the whole snapshot
				log.Printf("WriteBuffer: failed to store stats for player %d: %v", playerID, err)
				failed = true
				break
			}
			rowCount++
		}
		if failed {
			continue
		}
		if _, err := touch.Exec(lastSeen[playerID], playerID); err != nil {
			log.Printf("WriteBuffer: failed to update last_seen for player %d: %v", playerID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		log.Printf("WriteBuffer: failed to commit transaction: %v", err)
		wb.requeue(stats, lastSeen)
		return
	}

	// Only log slow flushes
	if elapsed := time.Since(start); elapsed > wb.flushInterval {
		log.Printf("WriteBuffer: flushed %d stat rows for %d players in %v", rowCount, len(stats), elapsed)
	}
}

// requeue puts a failed batch back, without overwriting newer snapshots
func (wb *WriteBuffer) requeue(stats map[int64]map[statKey]StatEntry, lastSeen map[int64]int64) {
	wb.mu.Lock()
	defer wb.mu.Unlock()

	for playerID, rows := range stats {
		current, ok := wb.stats[playerID]
		if !ok {
			wb.stats[playerID] = rows
			wb.lastSeen[playerID] = lastSeen[playerID]
			continue
		}
		for key, e := range rows {
			if _, newer := current[key]; !newer {
				current[key] = e
			}
		}
	}
}

// Close stops the flush loop after a final flush
func (wb *WriteBuffer) Close() {
	wb.closeOnce.Do(func() {
		close(wb.shutdown)
	})
	wb.wg.Wait()
}
