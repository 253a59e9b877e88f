// Package session implements the Session Layer of spec.md §4.5: an
// in-memory map from session ID to a token's permission snapshot, with
// idle and absolute TTL eviction. Modeled on the teacher's
// internal/server/session_store.go (a mutex-guarded map of session
// records with Set/Get/Remove/Count), generalized to carry a permission
// snapshot and evict by age instead of persisting indefinitely.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mcprouter/mcprouter/internal/store"
)

const (
	// DefaultIdleTTL evicts a session that has not been touched in this long.
	DefaultIdleTTL = 5 * time.Minute
	// DefaultAbsoluteTTL evicts a session regardless of activity once it has
	// existed this long.
	DefaultAbsoluteTTL = 10 * time.Minute
	// DefaultCleanupInterval is how often the background sweeper runs.
	DefaultCleanupInterval = 120 * time.Second
)

// Snapshot is the permission context captured at session creation
// (spec.md §3's "permission_snapshot"). An empty set for any dimension
// means "allow all" for that dimension — open-access mode.
type Snapshot struct {
	Servers   map[string]bool
	Tools     map[string]bool
	Resources map[string]bool
	Prompts   map[string]bool
}

// OpenAccess is the snapshot used when config disables auth entirely: every
// dimension is empty, so every Allows* check passes.
func OpenAccess() Snapshot {
	return Snapshot{}
}

// AllowsServer reports whether upstream name is reachable under this
// snapshot.
func (s Snapshot) AllowsServer(name string) bool {
	return len(s.Servers) == 0 || s.Servers[name]
}

func (s Snapshot) set(kind store.CapabilityKind) map[string]bool {
	switch kind {
	case store.KindTool:
		return s.Tools
	case store.KindResource:
		return s.Resources
	case store.KindPrompt:
		return s.Prompts
	default:
		return nil
	}
}

// AllowsCapability reports whether capabilityID of the given kind is
// reachable under this snapshot.
func (s Snapshot) AllowsCapability(kind store.CapabilityKind, capabilityID string) bool {
	set := s.set(kind)
	return len(set) == 0 || set[capabilityID]
}

// BuildSnapshot resolves tokenID's granted permission bindings into a
// Snapshot, translating KindServer bindings (which reference an upstream
// by ID, since that is the stable join key) back into upstream names for
// AllowsServer's name-keyed lookup.
func BuildSnapshot(st *store.Store, tokenID string) (Snapshot, error) {
	bindings, err := st.ListGranted(tokenID)
	if err != nil {
		return Snapshot{}, err
	}
	if len(bindings) == 0 {
		return Snapshot{}, nil
	}

	upstreams, err := st.ListUpstreams()
	if err != nil {
		return Snapshot{}, err
	}
	nameByID := make(map[string]string, len(upstreams))
	for _, u := range upstreams {
		nameByID[u.ID] = u.Name
	}

	snap := Snapshot{}
	for _, b := range bindings {
		switch b.Kind {
		case store.KindServer:
			if snap.Servers == nil {
				snap.Servers = make(map[string]bool)
			}
			if name, ok := nameByID[b.CapabilityID]; ok {
				snap.Servers[name] = true
			}
		case store.KindTool:
			if snap.Tools == nil {
				snap.Tools = make(map[string]bool)
			}
			snap.Tools[b.CapabilityID] = true
		case store.KindResource:
			if snap.Resources == nil {
				snap.Resources = make(map[string]bool)
			}
			snap.Resources[b.CapabilityID] = true
		case store.KindPrompt:
			if snap.Prompts == nil {
				snap.Prompts = make(map[string]bool)
			}
			snap.Prompts[b.CapabilityID] = true
		}
	}
	return snap, nil
}

// Session is the ephemeral record attached to one authenticated client.
type Session struct {
	ID             string
	TokenID        string
	Permissions    Snapshot
	CreatedAt      time.Time
	LastAccessedAt time.Time
}

func (sess *Session) expired(now time.Time, idleTTL, absoluteTTL time.Duration) bool {
	if now.Sub(sess.CreatedAt) > absoluteTTL {
		return true
	}
	return now.Sub(sess.LastAccessedAt) > idleTTL
}

// Store is the in-memory session table. All mutation, including the
// last-accessed touch inside Get, happens under a single writer lock so
// that a Get immediately followed by another Get for the same session
// observes its own update (spec.md §4.5's ordering guarantee).
type Store struct {
	mu          sync.Mutex
	sessions    map[string]*Session
	idleTTL     time.Duration
	absoluteTTL time.Duration
	logger      *zap.Logger

	stop chan struct{}
	done chan struct{}
}

// New builds a Session Store using the default TTLs. Pass logger=nil to
// silence logging.
func New(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		sessions:    make(map[string]*Session),
		idleTTL:     DefaultIdleTTL,
		absoluteTTL: DefaultAbsoluteTTL,
		logger:      logger,
	}
}

// Create mints a new session bound to tokenID with the given permission
// snapshot, returning its random session ID.
func (s *Store) Create(tokenID string, permissions Snapshot) (string, error) {
	id := newSessionID()
	now := time.Now()

	s.mu.Lock()
	s.sessions[id] = &Session{
		ID:             id,
		TokenID:        tokenID,
		Permissions:    permissions,
		CreatedAt:      now,
		LastAccessedAt: now,
	}
	s.mu.Unlock()

	return id, nil
}

// Get returns the session if present and unexpired, touching its
// last-accessed time on a hit. Returns nil on a miss or expiry.
func (s *Store) Get(sessionID string) *Session {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	if sess.expired(now, s.idleTTL, s.absoluteTTL) {
		delete(s.sessions, sessionID)
		return nil
	}
	sess.LastAccessedAt = now

	out := *sess
	return &out
}

// Remove evicts a session immediately, e.g. when its token is deleted.
func (s *Store) Remove(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}

// Count returns the number of sessions currently held, expired or not.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// sweep removes every session past its idle or absolute TTL and returns
// how many were evicted.
func (s *Store) sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, sess := range s.sessions {
		if sess.expired(now, s.idleTTL, s.absoluteTTL) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

// StartCleanupLoop runs the background sweeper every DefaultCleanupInterval
// until Stop is called. Safe to call at most once per Store.
func (s *Store) StartCleanupLoop() {
	s.stop = make(chan struct{})
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(DefaultCleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := s.sweep(time.Now()); n > 0 {
					s.logger.Info("session cleanup evicted expired sessions", zap.Int("removed", n))
				}
			case <-s.stop:
				return
			}
		}
	}()
}

// Stop halts the background cleanup loop, if running, and waits for it to
// exit.
func (s *Store) Stop() {
	if s.stop == nil {
		return
	}
	close(s.stop)
	<-s.done
}

func newSessionID() string {
	return "sess-" + uuid.NewString()
}
