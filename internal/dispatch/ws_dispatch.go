package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/truck-booking/internal/models"
)

// defaultWriteWait bounds a push when the caller's context has no deadline.
const defaultWriteWait = 5 * time.Second

// WSSession represents one connected customer, driver or admin.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// Send writes e, giving up at ctx's deadline so a client that stops reading
// cannot hold a dispatch worker.
func (s *WSSession) Send(ctx context.Context, e models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultWriteWait)
	}
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return s.conn.WriteJSON(e)
}

type sessionKey struct {
	role models.Role
	id   string
}

// WSRegistry holds live sessions keyed by role and subject id, so a customer
// and a driver sharing an id do not displace each other.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[sessionKey]*WSSession
}

func NewWSRegistry() *WSRegistry { return &WSRegistry{sessions: make(map[sessionKey]*WSSession)} }

func (r *WSRegistry) Add(role models.Role, subjectID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := sessionKey{role, subjectID}
	if old, ok := r.sessions[k]; ok {
		_ = old.conn.Close()
	}
	r.sessions[k] = &WSSession{conn: conn}
}

func (r *WSRegistry) Remove(role models.Role, subjectID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := sessionKey{role, subjectID}
	if s, ok := r.sessions[k]; ok && s.conn == conn {
		delete(r.sessions, k)
	}
}

func (r *WSRegistry) Name() string { return "websocket" }

// Deliver pushes to whichever targets are connected; offline targets are
// skipped since the consumer can catch up by polling booking status. A
// session whose write fails is closed and dropped.
func (r *WSRegistry) Deliver(ctx context.Context, e models.Event) error {
	var firstErr error
	for k, s := range r.recipients(e.Targets) {
		if err := s.Send(ctx, e); err != nil {
			r.drop(k, s)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (r *WSRegistry) drop(k sessionKey, s *WSSession) {
	r.mu.Lock()
	if cur, ok := r.sessions[k]; ok && cur == s {
		delete(r.sessions, k)
	}
	r.mu.Unlock()
	_ = s.conn.Close()
}

func (r *WSRegistry) recipients(targets []models.Target) map[sessionKey]*WSSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[sessionKey]*WSSession)
	for _, t := range targets {
		switch t.Kind {
		case models.TargetAdmins:
			for k, s := range r.sessions {
				if k.role == models.RoleAdmin {
					out[k] = s
				}
			}
		case models.TargetCustomer:
			r.collect(out, sessionKey{models.RoleCustomer, t.ID})
		case models.TargetDriver:
			r.collect(out, sessionKey{models.RoleDriver, t.ID})
		}
	}
	return out
}

func (r *WSRegistry) collect(out map[sessionKey]*WSSession, k sessionKey) {
	if s, ok := r.sessions[k]; ok {
		out[k] = s
	}
}
