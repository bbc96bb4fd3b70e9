package server

import (
	"errors"
	"log"

	"github.com/aeolun/mcconnect/pkg/database"
	"github.com/aeolun/mcconnect/pkg/protocol"
)

// reply sends a coded reply. A write failure closes the session.
func (s *Server) reply(sess *Session, code protocol.ReplyCode) error {
	s.metrics.RecordReply(string(code))
	return sess.Send(code.Message())
}

// handleAuth checks the token and moves the session to Authenticated
func (s *Server) handleAuth(sess *Session, cmd protocol.Command) error {
	if cmd.Token == "" {
		return s.reply(sess, protocol.ReplyNoToken)
	}

	serverID, err := s.store.LookupServerByToken(cmd.Token)
	if err != nil {
		if !errors.Is(err, database.ErrServerNotFound) {
			errorLog.Printf("Session %d: token lookup failed: %v", sess.ID, err)
			s.metrics.RecordStoreError("lookup_server_by_token")
		}
		s.metrics.RecordAuth("rejected")
		return s.reply(sess, protocol.ReplyBadToken)
	}

	sess.authenticate(serverID)
	if prev := s.registry.Register(serverID, sess); prev != nil && prev != sess {
		log.Printf("Server %d re-authenticated on session %d, superseding session %d", serverID, sess.ID, prev.ID)
	}
	s.metrics.RecordAuth("accepted")
	log.Printf("Session %d authenticated as server %d (%s)", sess.ID, serverID, sess.RemoteAddr)

	if err := s.reply(sess, protocol.ReplyAuthOK); err != nil {
		return err
	}
	// Ask the plugin for a full stats snapshot of everyone online
	return sess.Send(protocol.PushSendAllStats)
}

// handleJoin marks a player online on the session's server
func (s *Server) handleJoin(sess *Session, cmd protocol.Command) error {
	return s.setOnline(sess, cmd, true)
}

// handleQuit marks a player offline on the session's server
func (s *Server) handleQuit(sess *Session, cmd protocol.Command) error {
	return s.setOnline(sess, cmd, false)
}

// setOnline answers 005 for an unparsable uuid; the plugin waits for a reply
// to every join and quit.
func (s *Server) setOnline(sess *Session, cmd protocol.Command, online bool) error {
	uuid, ok := canonicalUUID(cmd.PlayerUUID)
	if !ok {
		return s.reply(sess, protocol.ReplyMalformed)
	}
	serverID, _ := sess.ServerID()

	if err := s.store.SetPlayerOnline(uuid, serverID, online); err != nil {
		errorLog.Printf("Session %d: failed to set player %s online=%v on server %d: %v", sess.ID, uuid, online, serverID, err)
		s.metrics.RecordStoreError("set_player_online")
		return s.reply(sess, protocol.ReplyStatusFailed)
	}

	return s.reply(sess, protocol.ReplyStatusOK)
}

// handleStats stores a stats snapshot. The plugin gets no reply either way.
func (s *Server) handleStats(sess *Session, cmd protocol.Command) error {
	uuid, ok := canonicalUUID(cmd.PlayerUUID)
	if !ok {
		debugLog.Printf("Session %d: dropping stats for invalid player uuid %q", sess.ID, cmd.PlayerUUID)
		s.metrics.RecordDroppedCommand("invalid_uuid")
		return nil
	}
	serverID, _ := sess.ServerID()

	playerID, err := s.store.GetOrCreatePlayer(uuid, serverID)
	if err != nil {
		errorLog.Printf("Session %d: failed to resolve player %s on server %d: %v", sess.ID, uuid, serverID, err)
		s.metrics.RecordStoreError("get_or_create_player")
		return nil
	}

	if err := s.store.StorePlayerStats(playerID, cmd.Stats); err != nil {
		errorLog.Printf("Session %d: failed to store stats for player %d: %v", sess.ID, playerID, err)
		s.metrics.RecordStoreError("store_player_stats")
	}
	return nil
}
