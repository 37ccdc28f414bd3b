package ws

import (
	"log"

	"github.com/voglster/lumbergh-sub000/internal/protocol"
)

// Service connects session events to the stream clients attached to them.
// It implements session.Observer.
type Service struct {
	hubManager *HubManager
	handler    *Handler
}

// NewService creates a new WebSocket service.
func NewService(sessions Sessions) *Service {
	hubManager := NewHubManager()
	return &Service{
		hubManager: hubManager,
		handler:    NewHandler(hubManager, sessions),
	}
}

// Handler returns the WebSocket handler.
func (s *Service) Handler() *Handler {
	return s.handler
}

// HubManager returns the hub manager.
func (s *Service) HubManager() *HubManager {
	return s.hubManager
}

// SessionOutput broadcasts process output. Sessions keep running with no
// clients attached; their output is then only kept in the history buffer.
func (s *Service) SessionOutput(id string, data []byte) {
	s.broadcast(id, protocol.Output(data))
}

// SessionIdle broadcasts an idle state change.
func (s *Service) SessionIdle(id string, state protocol.IdleState) {
	s.broadcast(id, protocol.StateChange(state))
}

// SessionExited tells attached clients the session is gone and disconnects
// them.
func (s *Service) SessionExited(id, message string) {
	s.broadcast(id, protocol.SessionDead(message))
	s.hubManager.Remove(id)
}

func (s *Service) broadcast(id string, msg protocol.Message) {
	hub := s.hubManager.Get(id)
	if hub == nil {
		return
	}
	if err := hub.BroadcastMessage(msg); err != nil {
		log.Printf("Failed to broadcast %s to session %s: %v", msg.Type, id, err)
	}
}

// ClientCount returns the number of clients attached to a session.
func (s *Service) ClientCount(sessionID string) int {
	hub := s.hubManager.Get(sessionID)
	if hub == nil {
		return 0
	}
	return hub.ClientCount()
}

// Close closes all WebSocket connections.
func (s *Service) Close() {
	s.hubManager.Close()
}
