package server

import (
	"errors"
	"log"
	"time"

	"github.com/aeolun/mcconnect/pkg/database"
	"github.com/aeolun/mcconnect/pkg/protocol"
)

// loginCycle counts what one broadcaster pass did
type loginCycle struct {
	Delivered int
	Orphaned  int
	Failed    int
	Expired   int64
}

// loginBroadcastLoop pushes pending login PINs to their servers
func (s *Server) loginBroadcastLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.LoginPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			cycle := s.broadcastLogins()
			if cycle.Orphaned > 0 || cycle.Failed > 0 || cycle.Expired > 0 {
				log.Printf("Login broadcast: delivered=%d orphaned=%d failed=%d expired=%d",
					cycle.Delivered, cycle.Orphaned, cycle.Failed, cycle.Expired)
			}
		}
	}
}

// broadcastLogins runs one pass over the pending challenges. Delivered
// challenges stay in the store until the web portal consumes them.
func (s *Server) broadcastLogins() loginCycle {
	var cycle loginCycle

	if s.config.ChallengeTTL > 0 {
		if expirer, ok := s.store.(ChallengeExpirer); ok {
			n, err := expirer.ExpireLoginChallenges(s.config.ChallengeTTL)
			if err != nil {
				errorLog.Printf("Failed to expire login challenges: %v", err)
				s.metrics.RecordStoreError("expire_login_challenges")
			}
			cycle.Expired = n
			s.metrics.RecordLoginPushes("expired", int(n))
		}
	}

	challenges, err := s.store.ListPendingLogins()
	if err != nil {
		errorLog.Printf("Failed to list pending logins: %v", err)
		s.metrics.RecordStoreError("list_pending_logins")
		return cycle
	}

	for _, c := range challenges {
		switch outcome := s.pushLogin(c); outcome {
		case "delivered":
			cycle.Delivered++
		case "orphaned":
			cycle.Orphaned++
		case "failed":
			cycle.Failed++
		}
	}

	return cycle
}

// pushLogin delivers one challenge and returns its outcome label
func (s *Server) pushLogin(c database.LoginChallenge) string {
	outcome := s.deliverLogin(c)
	s.metrics.RecordLoginPushes(outcome, 1)
	return outcome
}

func (s *Server) deliverLogin(c database.LoginChallenge) string {
	serverID, err := s.store.ResolveServerForPlayer(c.PlayerID)
	if errors.Is(err, database.ErrPlayerNotFound) {
		return s.dropOrphan(c, "player no longer exists")
	}
	if err != nil {
		errorLog.Printf("Login %d: failed to resolve server: %v", c.PlayerID, err)
		s.metrics.RecordStoreError("resolve_server_for_player")
		return "skipped"
	}

	sess := s.registry.Lookup(serverID)
	if sess == nil {
		return s.dropOrphan(c, "server is not connected")
	}

	uuid, err := s.store.ResolveUUIDForPlayer(c.PlayerID)
	if errors.Is(err, database.ErrPlayerNotFound) {
		return s.dropOrphan(c, "player uuid unknown")
	}
	if err != nil {
		errorLog.Printf("Login %d: failed to resolve uuid: %v", c.PlayerID, err)
		s.metrics.RecordStoreError("resolve_uuid_for_player")
		return "skipped"
	}

	if err := sess.Send(protocol.LoginPinMessage(uuid, c.Pin)); err != nil {
		// The session loop will notice the dead connection; retry next pass
		errorLog.Printf("Login %d: push to session %d (server %d) failed: %v", c.PlayerID, sess.ID, serverID, err)
		return "failed"
	}

	debugLog.Printf("Login %d: PIN pushed to server %d via session %d", c.PlayerID, serverID, sess.ID)
	return "delivered"
}

// dropOrphan deletes a challenge that can never be delivered
func (s *Server) dropOrphan(c database.LoginChallenge, why string) string {
	if err := s.store.DeleteLoginChallenge(c.PlayerID); err != nil {
		errorLog.Printf("Login %d: failed to delete orphaned challenge: %v", c.PlayerID, err)
		s.metrics.RecordStoreError("delete_login_challenge")
		return "failed"
	}
	debugLog.Printf("Login %d: dropped orphaned challenge (%s)", c.PlayerID, why)
	return "orphaned"
}
