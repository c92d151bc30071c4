package realtime

import (
	"log/slog"
	"sync"
)

// Hub is the room table: conversation id to the sessions joined to it
type Hub struct {
	logger *slog.Logger

	mu    sync.RWMutex
	rooms map[string]map[*Session]struct{}
}

// NewHub creates an empty room table
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger: logger,
		rooms:  make(map[string]map[*Session]struct{}),
	}
}

// Join adds s to room
func (h *Hub) Join(room string, s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Session]struct{})
		h.rooms[room] = members
	}
	members[s] = struct{}{}
	s.rooms[room] = struct{}{}
}

// Leave removes s from room. Leaving a room that was never joined is a no-op.
func (h *Hub) Leave(room string, s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(room, s)
}

// LeaveAll removes s from every room it joined
func (h *Hub) LeaveAll(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for room := range s.rooms {
		h.leaveLocked(room, s)
	}
}

func (h *Hub) leaveLocked(room string, s *Session) {
	delete(s.rooms, room)
	members, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(members, s)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

// Members returns how many sessions are joined to room
func (h *Hub) Members(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Joined reports whether s is joined to room
func (h *Hub) Joined(room string, s *Session) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[room][s]
	return ok
}

// Broadcast queues frame on every session in room. Sessions whose send
// buffer is full are dropped from all rooms and closed.
func (h *Hub) Broadcast(room string, frame []byte) int {
	var slow []*Session
	delivered := 0

	h.mu.RLock()
	for s := range h.rooms[room] {
		if s.enqueue(frame) {
			delivered++
		} else {
			slow = append(slow, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range slow {
		h.logger.Warn("Closing slow websocket consumer",
			slog.String("session_id", s.ID),
			slog.String("conversation_id", room),
		)
		h.LeaveAll(s)
		s.close(closeSlowConsumer)
	}
	return delivered
}
