package server

import (
	"context"
	"log"
	"time"
)

// nameBackfillBatch caps lookups per cycle; the resolver rate limits the rest
const nameBackfillBatch = 50

// nameBackfillLoop resolves usernames for players first seen by UUID only
func (s *Server) nameBackfillLoop() {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.shutdown:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(s.config.NameBackfillInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			if n := s.backfillNames(ctx); n > 0 {
				log.Printf("Resolved %d player name(s)", n)
			}
		}
	}
}

// backfillNames runs one cycle and returns how many names were stored.
// Failed lookups go to the back of the queue so they cannot starve
// players that were never tried.
func (s *Server) backfillNames(ctx context.Context) int {
	store, ok := s.store.(PlayerNameStore)
	if !ok || s.names == nil {
		return 0
	}

	uuids, err := store.ListPlayersWithoutName(nameBackfillBatch)
	if err != nil {
		errorLog.Printf("Failed to list players without a name: %v", err)
		s.metrics.RecordStoreError("list_players_without_name")
		return 0
	}

	resolved := 0
	for _, uuid := range uuids {
		if ctx.Err() != nil {
			break
		}

		name, err := s.names.LookupName(ctx, uuid)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			debugLog.Printf("Name lookup for %s failed: %v", uuid, err)
			s.metrics.RecordNameLookup("failed")
			if err := store.MarkNameLookupFailed(uuid); err != nil {
				errorLog.Printf("Failed to record name lookup failure for %s: %v", uuid, err)
				s.metrics.RecordStoreError("mark_name_lookup_failed")
			}
			continue
		}
		s.metrics.RecordNameLookup("resolved")

		if err := store.SetPlayerName(uuid, name); err != nil {
			errorLog.Printf("Failed to store name for %s: %v", uuid, err)
			s.metrics.RecordStoreError("set_player_name")
			continue
		}
		resolved++
	}
	return resolved
}
