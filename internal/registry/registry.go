// Package registry is the authoritative in-process map of live client
// sessions: their connection handles, subscriptions, and room memberships.
// All session state mutation goes through the Registry's operations; no
// other component holds a competing copy. In a multi-instance deployment
// each gateway process runs its own registry and resolves recipients among
// its own sessions only; the broker fans every event out to all instances,
// so the union of per-process deliveries covers every connected client.
package registry

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voiceops/admin-gateway/internal/event"
)

// Subscription describes one filter a session registered for event
// delivery. An empty Kinds set matches nothing; "all kinds" is the
// wildcard kind. Room, UserID, and Realm narrow the match when non-empty.
type Subscription struct {
	Kinds  map[event.Kind]struct{}
	Room   string
	UserID string
	Realm  string
	Active bool
}

// NewSubscription builds an active subscription for the given kinds.
func NewSubscription(kinds ...event.Kind) *Subscription {
	set := make(map[event.Kind]struct{}, len(kinds))
	for _, k := range kinds {
		set[k] = struct{}{}
	}
	return &Subscription{Kinds: set, Active: true}
}

// matches reports whether the subscription selects the given event.
func (s *Subscription) matches(e *event.Event, rooms map[string]struct{}) bool {
	if !s.Active {
		return false
	}
	if _, ok := s.Kinds[event.KindWildcard]; !ok {
		if _, ok := s.Kinds[e.Kind]; !ok {
			return false
		}
	}
	if s.Room != "" {
		if _, member := rooms[s.Room]; !member {
			return false
		}
	}
	if s.UserID != "" && s.UserID != e.UserID {
		return false
	}
	if s.Realm != "" && s.Realm != e.Realm {
		return false
	}
	return true
}

// Session is the server-side record of one live client connection. The
// connection handle itself is owned by the gateway; the registry stores
// only the opaque connection id for reverse lookup.
type Session struct {
	ID            string
	ConnectionID  string
	UserID        string
	Realm         string
	ConnectedAt   time.Time
	LastActivity  time.Time
	Active        bool
	subscriptions []*Subscription
	rooms         map[string]struct{}
}

// Metadata carries optional identity attributes supplied at connect time.
type Metadata struct {
	UserID string
	Realm  string
}

// Config holds registry tuning parameters.
type Config struct {
	RoomCap       int           // max members per room, 0 = unlimited
	IdleThreshold time.Duration // sessions idle longer than this are reaped
	SweepInterval time.Duration // how often the idle reaper runs
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		RoomCap:       0,
		IdleThreshold: 30 * time.Minute,
		SweepInterval: 1 * time.Minute,
	}
}

// Registry is the process-local session authority. All methods are safe
// for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	config   Config
	sessions map[string]*Session            // session id -> session
	byConn   map[string]string              // connection id -> session id
	rooms    map[string]map[string]struct{} // room -> member session ids
	onReap   func(sessionID, connectionID string)
	done     chan struct{}
	stopOnce sync.Once
}

// New creates an empty registry with the given configuration.
func New(config Config) *Registry {
	return &Registry{
		config:   config,
		sessions: make(map[string]*Session),
		byConn:   make(map[string]string),
		rooms:    make(map[string]map[string]struct{}),
		done:     make(chan struct{}),
	}
}

// CreateSession allocates a new session bound to the given connection id.
func (r *Registry) CreateSession(connectionID string, meta Metadata) *Session {
	now := time.Now()
	s := &Session{
		ID:           uuid.New().String(),
		ConnectionID: connectionID,
		UserID:       meta.UserID,
		Realm:        meta.Realm,
		ConnectedAt:  now,
		LastActivity: now,
		Active:       true,
		rooms:        make(map[string]struct{}),
	}

	r.mu.Lock()
	r.sessions[s.ID] = s
	r.byConn[connectionID] = s.ID
	r.mu.Unlock()

	return s
}

// Session returns the session with the given id, or nil.
func (r *Registry) Session(sessionID string) *Session {
	r.mu.RLock()
	s := r.sessions[sessionID]
	r.mu.RUnlock()
	return s
}

// SessionByConnection returns the session bound to a connection id, or nil.
func (r *Registry) SessionByConnection(connectionID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id, ok := r.byConn[connectionID]; ok {
		return r.sessions[id]
	}
	return nil
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	n := len(r.sessions)
	r.mu.RUnlock()
	return n
}

// Subscribe adds a subscription to the session. Returns false if the
// session does not exist.
func (r *Registry) Subscribe(sessionID string, sub *Subscription) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	s.subscriptions = append(s.subscriptions, sub)
	s.LastActivity = time.Now()
	return true
}

// Unsubscribe removes subscriptions matching the given kinds (and room,
// when non-empty). A nil or empty kinds slice removes every subscription.
func (r *Registry) Unsubscribe(sessionID string, kinds []event.Kind, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return
	}

	if len(kinds) == 0 && room == "" {
		s.subscriptions = nil
		return
	}

	kept := s.subscriptions[:0]
	for _, sub := range s.subscriptions {
		if room != "" && sub.Room != room {
			kept = append(kept, sub)
			continue
		}
		if len(kinds) > 0 && !coversAny(sub, kinds) {
			kept = append(kept, sub)
			continue
		}
	}
	s.subscriptions = kept
}

func coversAny(sub *Subscription, kinds []event.Kind) bool {
	for _, k := range kinds {
		if _, ok := sub.Kinds[k]; ok {
			return true
		}
	}
	return false
}

// JoinRoom adds the session to a room's membership set, maintaining the
// two-way index. Returns false if the session does not exist or the room
// is at its membership cap.
func (r *Registry) JoinRoom(sessionID, room string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		r.rooms[room] = members
	}
	if _, already := members[sessionID]; already {
		return true
	}
	if r.config.RoomCap > 0 && len(members) >= r.config.RoomCap {
		return false
	}
	members[sessionID] = struct{}{}
	s.rooms[room] = struct{}{}
	s.LastActivity = time.Now()
	return true
}

// LeaveRoom removes the session from a room. Empty rooms are deleted from
// the index.
func (r *Registry) LeaveRoom(sessionID, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveRoomLocked(sessionID, room)
}

func (r *Registry) leaveRoomLocked(sessionID, room string) {
	if s, ok := r.sessions[sessionID]; ok {
		delete(s.rooms, room)
	}
	if members, ok := r.rooms[room]; ok {
		delete(members, sessionID)
		if len(members) == 0 {
			delete(r.rooms, room)
		}
	}
}

// RoomMembers returns a snapshot of the session ids in a room.
func (r *Registry) RoomMembers(room string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.rooms[room]
	out := make([]string, 0, len(members))
	for id := range members {
		out = append(out, id)
	}
	return out
}

// RemoveSession deletes the session and every index entry that refers to
// it. After removal the session can never appear in recipient resolution
// and its connection lookup returns nil.
func (r *Registry) RemoveSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	for room := range s.rooms {
		r.leaveRoomLocked(sessionID, room)
	}
	delete(r.byConn, s.ConnectionID)
	delete(r.sessions, sessionID)
	s.Active = false
}

// UpdateLastActivity bumps the session's activity timestamp; used by the
// idle reaper.
func (r *Registry) UpdateLastActivity(sessionID string) {
	r.mu.Lock()
	if s, ok := r.sessions[sessionID]; ok {
		s.LastActivity = time.Now()
	}
	r.mu.Unlock()
}

// EventRecipients computes the set of session ids that should receive the
// event: sessions with a matching active subscription, plus members of the
// event's realm admin room for events addressed to that room (those bypass
// subscription filtering). Deterministic and side-effect free.
func (r *Registry) EventRecipients(e *event.Event) map[string]struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	recipients := make(map[string]struct{})
	for id, s := range r.sessions {
		for _, sub := range s.subscriptions {
			if sub.matches(e, s.rooms) {
				recipients[id] = struct{}{}
				break
			}
		}
	}

	if room, ok := adminRoomTarget(e); ok {
		for id := range r.rooms[room] {
			recipients[id] = struct{}{}
		}
	}

	return recipients
}

// adminRoomTarget reports whether the event is addressed to its realm's
// admin room regardless of subscriptions: error/critical compliance
// alerts, and the compliance:check reviews derived from directory changes.
func adminRoomTarget(e *event.Event) (string, bool) {
	if e.Realm == "" {
		return "", false
	}
	switch p := e.Payload.(type) {
	case event.ComplianceAlertPayload:
		if p.Severity == event.SeverityError || p.Severity == event.SeverityCritical {
			return AdminRoom(e.Realm), true
		}
	case event.ComplianceCheckPayload:
		return AdminRoom(e.Realm), true
	}
	return "", false
}

// AdminRoom returns the conventional admin room name for a realm.
func AdminRoom(realm string) string {
	return "realm:" + realm + ":admin"
}

// Start launches the idle reaper. onReap is invoked outside the registry
// lock for every removed session so the gateway can tear down the
// underlying connection.
func (r *Registry) Start(onReap func(sessionID, connectionID string)) {
	r.onReap = onReap
	if r.config.SweepInterval <= 0 || r.config.IdleThreshold <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(r.config.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-r.done:
				return
			case <-ticker.C:
				r.reapIdle()
			}
		}
	}()
}

// Shutdown stops the idle reaper.
func (r *Registry) Shutdown() {
	r.stopOnce.Do(func() { close(r.done) })
}

// reapIdle removes sessions whose last activity is older than the idle
// threshold.
func (r *Registry) reapIdle() {
	cutoff := time.Now().Add(-r.config.IdleThreshold)

	type reaped struct{ sessionID, connectionID string }
	var victims []reaped

	r.mu.RLock()
	for id, s := range r.sessions {
		if s.LastActivity.Before(cutoff) {
			victims = append(victims, reaped{id, s.ConnectionID})
		}
	}
	r.mu.RUnlock()

	for _, v := range victims {
		log.Printf("registry: reaping idle session=%s", v.sessionID)
		r.RemoveSession(v.sessionID)
		if r.onReap != nil {
			r.onReap(v.sessionID, v.connectionID)
		}
	}
}
