// Package deploylock serializes multi-record blueprint commits behind
// named-scope tokens with a TTL. At most one unexpired lock exists per
// scope; a global lock blocks every other acquire.
package deploylock

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"stagecraft.dev/internal/protocol"
	"stagecraft.dev/internal/scriptmod"
)

const (
	ScopeGlobal = "global"
	ScopeScene  = "$scene"
)

// ScopeFor derives the lock scope covering a blueprint id: the portion
// before "__" when present, the id itself otherwise, $scene for the
// scene root, global when the id is empty.
func ScopeFor(blueprintID string) string {
	id := strings.TrimSpace(blueprintID)
	if id == "" {
		return ScopeGlobal
	}
	if id == protocol.SceneID {
		return ScopeScene
	}
	return scriptmod.BaseID(id)
}

type Lock struct {
	Scope      string
	Token      string
	Owner      string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Persister mirrors lock rows for restart survival. Both methods are
// best-effort from the manager's point of view; the in-memory table is
// authoritative for the running process.
type Persister interface {
	PutLock(scope, token, owner string, acquiredAt, expiresAt time.Time) error
	DeleteLock(scope, token string) error
}

type Manager struct {
	mu    sync.Mutex
	locks map[string]Lock

	store      Persister
	defaultTTL time.Duration
	maxTTL     time.Duration
	now        func() time.Time
}

type Option func(*Manager)

func WithStore(p Persister) Option { return func(m *Manager) { m.store = p } }

func WithTTL(def, max time.Duration) Option {
	return func(m *Manager) {
		m.defaultTTL = def
		m.maxTTL = max
	}
}

// WithClock overrides time for tests.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

func New(opts ...Option) *Manager {
	m := &Manager{
		locks:      map[string]Lock{},
		defaultTTL: 2 * time.Minute,
		maxTTL:     10 * time.Minute,
		now:        time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Restore seeds locks loaded from the store at startup.
func (m *Manager) Restore(locks []Lock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range locks {
		if l.Scope != "" && l.Token != "" {
			m.locks[l.Scope] = l
		}
	}
}

// Acquire grants a fresh token for the scope, or refreshes the existing
// one when the caller already owns it. Contended scopes fail
// immediately with `locked` carrying the holder for display; there is
// no queueing.
func (m *Manager) Acquire(scope, owner string, ttl time.Duration) (Lock, error) {
	scope = strings.TrimSpace(scope)
	if scope == "" {
		return Lock{}, protocol.Coded(protocol.ErrScopeRequired)
	}
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	if ttl > m.maxTTL {
		ttl = m.maxTTL
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.reapLocked(now)

	// A global lock blocks everything; a scoped lock does not block
	// global.
	if scope != ScopeGlobal {
		if g, ok := m.locks[ScopeGlobal]; ok && g.Owner != owner {
			return Lock{}, lockedErr(g)
		}
	}
	if cur, ok := m.locks[scope]; ok {
		if cur.Owner != owner {
			return Lock{}, lockedErr(cur)
		}
		// Re-entrancy: owners extend their own lock, same token.
		cur.ExpiresAt = now.Add(ttl)
		m.locks[scope] = cur
		m.persistPut(cur)
		return cur, nil
	}

	l := Lock{
		Scope:      scope,
		Token:      newToken(),
		Owner:      owner,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	m.locks[scope] = l
	m.persistPut(l)
	return l, nil
}

// Release drops the lock if token is the active one. Stale tokens
// succeed without side effect.
func (m *Manager) Release(scope, token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.locks[scope]
	if !ok || cur.Token != token {
		return
	}
	delete(m.locks, scope)
	if m.store != nil {
		_ = m.store.DeleteLock(scope, token)
	}
}

// Holds reports whether token is the unexpired active token for a scope
// that covers target (the scope itself, or global).
func (m *Manager) Holds(scope, token string) bool {
	if token == "" {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if cur, ok := m.locks[scope]; ok && cur.Token == token && cur.ExpiresAt.After(now) {
		return true
	}
	if g, ok := m.locks[ScopeGlobal]; ok && g.Token == token && g.ExpiresAt.After(now) {
		return true
	}
	return false
}

// Current returns the unexpired lock for a scope, if any.
func (m *Manager) Current(scope string) (Lock, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.locks[scope]
	if !ok || !cur.ExpiresAt.After(m.now()) {
		return Lock{}, false
	}
	return cur, true
}

// Count reports live locks for metrics.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reapLocked(m.now())
	return len(m.locks)
}

// Sweep removes expired locks; Run calls it on an interval until ctx is
// done via the caller's ticker in cmd/server.
func (m *Manager) Sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reapLocked(m.now())
}

func (m *Manager) reapLocked(now time.Time) {
	for scope, l := range m.locks {
		if !l.ExpiresAt.After(now) {
			delete(m.locks, scope)
			if m.store != nil {
				_ = m.store.DeleteLock(scope, l.Token)
			}
		}
	}
}

func (m *Manager) persistPut(l Lock) {
	if m.store != nil {
		_ = m.store.PutLock(l.Scope, l.Token, l.Owner, l.AcquiredAt, l.ExpiresAt)
	}
}

func lockedErr(l Lock) error {
	return &protocol.CodedError{
		Code: protocol.ErrLocked,
		Lock: &protocol.LockInfo{Owner: l.Owner, ExpiresAt: l.ExpiresAt.UnixMilli()},
	}
}

func newToken() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b[:])
}
