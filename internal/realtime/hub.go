package realtime

import (
	"log/slog"
	"sync"
	"time"

	v1 "chatmate/internal/contracts/realtime/v1"
	"chatmate/internal/identity"
)

// Hub routes server-pushed events to live connections.
//
// Every connection sits in two rooms: its session id and its username.
// Membership is process memory only; authorization always comes from the
// persisted record when a connection is (re)established.
type Hub struct {
	log     *slog.Logger
	metrics *Metrics

	mu       sync.RWMutex
	sessions map[string]map[*Client]struct{}
	users    map[string]map[*Client]struct{}
}

// NewHub constructs an empty Hub. metrics may be nil.
func NewHub(log *slog.Logger, metrics *Metrics) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:      log,
		metrics:  metrics,
		sessions: make(map[string]map[*Client]struct{}),
		users:    make(map[string]map[*Client]struct{}),
	}
}

// Join places c in its session and user rooms.
func (h *Hub) Join(c *Client) {
	h.mu.Lock()
	addMember(h.sessions, c.SessionID, c)
	addMember(h.users, identity.NormalizeUsername(c.Username), c)
	h.mu.Unlock()
	h.metrics.connected()
}

// Leave removes c from both rooms. Leaving twice is a no-op.
func (h *Hub) Leave(c *Client) {
	h.mu.Lock()
	removed := removeMember(h.sessions, c.SessionID, c)
	removeMember(h.users, identity.NormalizeUsername(c.Username), c)
	h.mu.Unlock()
	if removed {
		h.metrics.disconnected()
	}
}

// EmitToSession queues env on every connection of sessionID and returns how
// many accepted it. It never blocks; a full queue drops the event.
func (h *Hub) EmitToSession(sessionID string, env v1.Envelope) int {
	return h.emit(h.sessions, sessionID, env)
}

// EmitToUser queues env on every connection of username.
func (h *Hub) EmitToUser(username string, env v1.Envelope) int {
	return h.emit(h.users, identity.NormalizeUsername(username), env)
}

// DisconnectSession removes every connection of sessionID from both rooms and
// asks each to close once its queue is flushed. It returns the number of connections.
func (h *Hub) DisconnectSession(sessionID string) int {
	h.mu.Lock()
	members := h.sessions[sessionID]
	delete(h.sessions, sessionID)
	for c := range members {
		removeMember(h.users, identity.NormalizeUsername(c.Username), c)
	}
	h.mu.Unlock()

	for c := range members {
		c.Kick()
		h.metrics.disconnected()
	}
	return len(members)
}

// DisconnectUser removes every connection of username from both rooms and
// asks each to close. It returns the number of connections.
func (h *Hub) DisconnectUser(username string) int {
	key := identity.NormalizeUsername(username)

	h.mu.Lock()
	members := h.users[key]
	delete(h.users, key)
	for c := range members {
		removeMember(h.sessions, c.SessionID, c)
	}
	h.mu.Unlock()

	for c := range members {
		c.Kick()
		h.metrics.disconnected()
	}
	return len(members)
}

// NotifyForcedLogout pushes forced_logout to the session and closes its connections.
func (h *Hub) NotifyForcedLogout(sessionID string) {
	if sessionID == "" {
		return
	}
	now := time.Now().UTC()
	env, err := v1.New(v1.TypeForcedLogout, NewEnvelopeID(now), now, v1.ForcedLogoutPayload{SessionID: sessionID})
	if err != nil {
		h.log.Error("ws.forced_logout.encode.fail", "err", err)
		return
	}
	delivered := h.EmitToSession(sessionID, env)
	closed := h.DisconnectSession(sessionID)
	h.metrics.event(v1.TypeForcedLogout)
	h.log.Info("ws.forced_logout", "session_id", sessionID, "delivered", delivered, "closed", closed)
}

// NotifyAccountLogout pushes forced_logout to every connection of username
// and closes them.
func (h *Hub) NotifyAccountLogout(username string) {
	if username == "" {
		return
	}
	now := time.Now().UTC()
	env, err := v1.New(v1.TypeForcedLogout, NewEnvelopeID(now), now, v1.ForcedLogoutPayload{Username: username})
	if err != nil {
		h.log.Error("ws.account_logout.encode.fail", "err", err)
		return
	}
	delivered := h.EmitToUser(username, env)
	closed := h.DisconnectUser(username)
	h.metrics.event(v1.TypeForcedLogout)
	h.log.Info("ws.account_logout", "username", username, "delivered", delivered, "closed", closed)
}

// NotifyTrustChanged pushes trust_changed to the session.
func (h *Hub) NotifyTrustChanged(sessionID string, trusted bool) {
	if sessionID == "" {
		return
	}
	now := time.Now().UTC()
	env, err := v1.New(v1.TypeTrustChanged, NewEnvelopeID(now), now, v1.TrustChangedPayload{SessionID: sessionID, Trusted: trusted})
	if err != nil {
		h.log.Error("ws.trust_changed.encode.fail", "err", err)
		return
	}
	delivered := h.EmitToSession(sessionID, env)
	h.metrics.event(v1.TypeTrustChanged)
	h.log.Info("ws.trust_changed", "session_id", sessionID, "trusted", trusted, "delivered", delivered)
}

// Connections returns the number of connections in the session room.
func (h *Hub) Connections(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID])
}

// UserConnections returns the number of connections in the user room.
func (h *Hub) UserConnections(username string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[identity.NormalizeUsername(username)])
}

func (h *Hub) emit(rooms map[string]map[*Client]struct{}, key string, env v1.Envelope) int {
	h.mu.RLock()
	targets := make([]*Client, 0, len(rooms[key]))
	for c := range rooms[key] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	n := 0
	for _, c := range targets {
		if c.Offer(env) {
			n++
			continue
		}
		h.metrics.dropped()
		h.log.Warn("ws.emit.dropped", "session_id", c.SessionID, "type", env.Type)
	}
	return n
}

func addMember(rooms map[string]map[*Client]struct{}, key string, c *Client) {
	m, ok := rooms[key]
	if !ok {
		m = make(map[*Client]struct{})
		rooms[key] = m
	}
	m[c] = struct{}{}
}

func removeMember(rooms map[string]map[*Client]struct{}, key string, c *Client) bool {
	m, ok := rooms[key]
	if !ok {
		return false
	}
	if _, ok := m[c]; !ok {
		return false
	}
	delete(m, c)
	if len(m) == 0 {
		delete(rooms, key)
	}
	return true
}
