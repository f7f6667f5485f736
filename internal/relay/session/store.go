// Package session implements the relay's session store (spec §4.5,
// C5): session/resume token issuance, handshake validation, per-doc
// subscription tracking, and outbound message fan-out.
package session

import (
	"sync"
	"time"

	"github.com/scriptum/scriptum/internal/idgen"
	"github.com/scriptum/scriptum/internal/metrics"
	"github.com/scriptum/scriptum/internal/scerr"
	"github.com/scriptum/scriptum/internal/wire"
)

// SessionTTL and ResumeTTL bound how long a session record and its
// resume token stay valid. Spec §4.5 pins ResumeTTL at exactly 10
// minutes; SessionTTL is left to the implementation (spec §3 only says
// "now > session_expires_at" fails handshake), so a generous 24h is
// used — long enough that a daemon restarting after an overnight sleep
// can still resume instead of every disconnect forcing a fresh session.
const (
	SessionTTL = 24 * time.Hour
	ResumeTTL  = 10 * time.Minute
)

// Outbound delivers a wire message to a connected session's transport.
type Outbound func(*wire.Message) error

// Session is the relay-side session record (spec §3).
type Session struct {
	SessionID         string
	WorkspaceID       string
	ClientID          string
	DeviceID          string
	SessionToken      string
	ResumeToken       string
	SessionExpiresAt  time.Time
	ResumeExpiresAt   time.Time
	ActiveConnections int
	Subscriptions     map[string]bool
	Outbound          Outbound
	ActorUserID       *string
	ActorAgentID      *string
}

// snapshot returns a value copy safe to hand to callers outside the lock.
func (s *Session) snapshot() *Session {
	cp := *s
	cp.Subscriptions = make(map[string]bool, len(s.Subscriptions))
	for k, v := range s.Subscriptions {
		cp.Subscriptions[k] = v
	}
	return &cp
}

// Store is the process-wide session singleton (spec §9).
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// New creates an empty session Store.
func New() *Store {
	return &Store{sessions: make(map[string]*Session)}
}

// CreateSessionWithActor inserts a new session, capturing the
// authenticated human or agent identity (spec §4.5). Exactly one of
// actorUserID/actorAgentID is expected to be non-nil by callers, but
// the store does not enforce that — authentication is the REST layer's
// concern (spec §6 session-creation endpoint).
func (st *Store) CreateSessionWithActor(workspaceID, clientID, deviceID string, actorUserID, actorAgentID *string, now time.Time) *Session {
	s := &Session{
		SessionID:        idgen.NewID(),
		WorkspaceID:      workspaceID,
		ClientID:         clientID,
		DeviceID:         deviceID,
		SessionToken:     idgen.NewToken(),
		ResumeToken:      idgen.NewToken(),
		SessionExpiresAt: now.Add(SessionTTL),
		ResumeExpiresAt:  now.Add(ResumeTTL),
		Subscriptions:    make(map[string]bool),
		ActorUserID:      actorUserID,
		ActorAgentID:     actorAgentID,
	}

	st.mu.Lock()
	st.sessions[s.SessionID] = s
	st.mu.Unlock()

	return s
}

// Get returns a copy of the session record, or nil if unknown.
func (st *Store) Get(sessionID string) *Session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[sessionID]
	if !ok {
		return nil
	}
	return s.snapshot()
}

// HandshakeOutcome is the tagged result of Handshake (spec §4.5).
type HandshakeOutcome struct {
	Err             *scerr.Error // non-nil on SessionInvalid/TokenInvalid/TokenExpired
	ResumeAccepted  bool
	ResumeToken     string
	ResumeExpiresAt time.Time
}

// Handshake validates an incoming hello frame's session_token and
// optional resume_token against the stored session, and always rotates
// to a fresh resume_token (spec §4.5: "Always rotate ... regardless of
// whether the client presented the prior one").
func (st *Store) Handshake(sessionID, sessionToken, presentedResumeToken string, now time.Time) HandshakeOutcome {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.sessions[sessionID]
	if !ok {
		return HandshakeOutcome{Err: scerr.New(scerr.CodeSessionInvalid, "unknown session")}
	}
	if s.SessionToken != sessionToken {
		return HandshakeOutcome{Err: scerr.New(scerr.CodeTokenInvalid, "session token mismatch")}
	}
	if now.After(s.SessionExpiresAt) {
		return HandshakeOutcome{Err: scerr.New(scerr.CodeTokenExpired, "session token expired")}
	}

	resumeAccepted := presentedResumeToken != "" &&
		presentedResumeToken == s.ResumeToken &&
		!now.After(s.ResumeExpiresAt)

	if !resumeAccepted {
		s.Subscriptions = make(map[string]bool)
	}

	s.ResumeToken = idgen.NewToken()
	s.ResumeExpiresAt = now.Add(ResumeTTL)

	return HandshakeOutcome{
		ResumeAccepted:  resumeAccepted,
		ResumeToken:     s.ResumeToken,
		ResumeExpiresAt: s.ResumeExpiresAt,
	}
}

// MarkConnected records a new live connection for sessionID and stores
// its outbound delivery handle.
func (st *Store) MarkConnected(sessionID string, outbound Outbound) {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.sessions[sessionID]
	if !ok {
		return
	}
	s.ActiveConnections++
	s.Outbound = outbound
	if s.ActiveConnections == 1 {
		metrics.ActiveSessions.Inc()
	}
}

// MarkDisconnected drops one live connection for sessionID. When the
// last connection drops, subscriptions and the outbound handle are
// cleared, but the session record itself survives until
// SessionExpiresAt so resume remains possible (spec §4.5 "Disconnect").
func (st *Store) MarkDisconnected(sessionID string) {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.sessions[sessionID]
	if !ok {
		return
	}
	if s.ActiveConnections > 0 {
		s.ActiveConnections--
	}
	if s.ActiveConnections == 0 {
		s.Subscriptions = make(map[string]bool)
		s.Outbound = nil
		metrics.ActiveSessions.Dec()
	}
}

// TrackSubscription adds docID to sessionID's subscription set.
func (st *Store) TrackSubscription(sessionID, docID string) {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.sessions[sessionID]
	if !ok {
		return
	}
	s.Subscriptions[docID] = true
}

// IsSubscribed reports whether sessionID is currently subscribed to docID.
func (st *Store) IsSubscribed(sessionID, docID string) bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[sessionID]
	return ok && s.Subscriptions[docID]
}

// BroadcastToSubscribers delivers msg to every session subscribed to
// (workspaceID, docID) through its outbound handle (spec §4.5).
// Delivery errors are swallowed per-session: a slow/broken transport
// does not stop fan-out to other subscribers; the connection manager
// on the other end is responsible for detecting and reconnecting.
func (st *Store) BroadcastToSubscribers(workspaceID, docID string, msg *wire.Message) {
	st.broadcast(workspaceID, docID, "", msg)
}

// BroadcastToSubscribersExcluding is BroadcastToSubscribers but skips
// exceptSessionID — used for awareness re-broadcast so a client never
// sees an echo of its own update (spec §4.5).
func (st *Store) BroadcastToSubscribersExcluding(workspaceID, docID, exceptSessionID string, msg *wire.Message) {
	st.broadcast(workspaceID, docID, exceptSessionID, msg)
}

func (st *Store) broadcast(workspaceID, docID, exceptSessionID string, msg *wire.Message) {
	st.mu.RLock()
	var targets []Outbound
	for id, s := range st.sessions {
		if id == exceptSessionID {
			continue
		}
		if s.WorkspaceID != workspaceID || !s.Subscriptions[docID] || s.Outbound == nil {
			continue
		}
		targets = append(targets, s.Outbound)
	}
	st.mu.RUnlock()

	for _, send := range targets {
		_ = send(msg)
	}
}

// PruneExpired removes session records whose SessionExpiresAt has
// passed. Called periodically; not on every operation, since expired
// sessions are otherwise harmless dead weight rather than a
// correctness hazard.
func (st *Store) PruneExpired(now time.Time) int {
	st.mu.Lock()
	defer st.mu.Unlock()

	removed := 0
	for id, s := range st.sessions {
		if now.After(s.SessionExpiresAt) {
			delete(st.sessions, id)
			removed++
		}
	}
	return removed
}
