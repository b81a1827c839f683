package dispatch

import (
	"errors"
	"sync"

	"github.com/gorilla/websocket"
)

// ErrNoSession means the driver has no live websocket; the caller falls back
// to letting the driver's poll loop discover the change.
var ErrNoSession = errors.New("no ws session")

// HintMessage is the only thing ever sent down the socket: a nudge to poll
// immediately. It carries no state, so a dropped message costs one poll
// interval of latency and nothing else.
type HintMessage struct {
	Event  string `json:"event"`
	TripID string `json:"trip_id,omitempty"`
}

// WSSession represents a connected driver session.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) send(msg HintMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(msg)
}

// WSRegistry holds driver hint sessions.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry() *WSRegistry { return &WSRegistry{sessions: make(map[string]*WSSession)} }

func (r *WSRegistry) Add(driverID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.sessions[driverID]; ok {
		_ = old.conn.Close()
	}
	r.sessions[driverID] = &WSSession{conn: conn}
}

func (r *WSRegistry) Remove(driverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[driverID]; ok {
		_ = s.conn.Close()
		delete(r.sessions, driverID)
	}
}

// Hint delivers a poll-now nudge to the driver, best effort. A dead socket
// is evicted so the next reconnect starts clean.
func (r *WSRegistry) Hint(driverID string, event string, tripID string) error {
	r.mu.RLock()
	s, ok := r.sessions[driverID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.send(HintMessage{Event: event, TripID: tripID}); err != nil {
		r.Remove(driverID)
		return err
	}
	return nil
}
