package identity

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/quartz"

	"keygate/internal/domain"
	"keygate/internal/storage"
)

const (
	maxAttempts = 5
	baseDelay   = time.Second
)

// Authenticator performs a fresh anonymous remote authentication and returns
// a newly minted identity.
type Authenticator interface {
	Authenticate(ctx context.Context) (domain.Identity, error)
}

// Manager acquires and persists the device identity. Resolution is
// single-flight, and a persisted identity always wins over a fresh remote
// one: the uid must never change underneath an existing activation.
type Manager struct {
	store *storage.Adapter
	auth  Authenticator
	clock quartz.Clock
	log   *slog.Logger

	mu        sync.Mutex
	resolved  domain.Identity
	resolving chan struct{}
}

func NewManager(store *storage.Adapter, auth Authenticator, clock quartz.Clock, log *slog.Logger) *Manager {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Manager{store: store, auth: auth, clock: clock, log: log}
}

// Current returns the resolved identity, or ErrIdentityUnavailable when none
// has been adopted yet.
func (m *Manager) Current() (domain.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.resolved.Valid() {
		return domain.Identity{}, domain.ErrIdentityUnavailable
	}
	return m.resolved, nil
}

// Resolve returns the device identity, acquiring one if necessary. It never
// returns an error: after retries are exhausted the zero Identity is
// returned and dependents treat the device as not entitled. Concurrent calls
// share a single in-flight resolution.
func (m *Manager) Resolve(ctx context.Context) domain.Identity {
	m.mu.Lock()
	if m.resolved.Valid() {
		id := m.resolved
		m.mu.Unlock()
		return id
	}
	if m.resolving != nil {
		ch := m.resolving
		m.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
		}
		id, _ := m.Current()
		return id
	}
	ch := make(chan struct{})
	m.resolving = ch
	m.mu.Unlock()

	id := m.acquire(ctx)

	m.mu.Lock()
	if id.Valid() {
		m.resolved = id
	}
	m.resolving = nil
	close(ch)
	m.mu.Unlock()
	return id
}

// Adopt feeds in a uid reported by a remote-auth side channel. It is ignored
// whenever an identity is already resolved or persisted; the persisted uid
// wins unconditionally.
func (m *Manager) Adopt(ctx context.Context, uid string) {
	m.mu.Lock()
	if m.resolved.Valid() {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if stored, ok := m.fromStorage(ctx); ok {
		if stored.UID != uid {
			m.log.Info("discarding remote uid in favor of persisted identity", "remote_uid", short(uid))
		}
		m.mu.Lock()
		m.resolved = stored
		m.mu.Unlock()
		return
	}

	id := domain.Identity{UID: uid, CreatedAt: m.clock.Now().UTC()}
	if !id.Valid() {
		return
	}
	m.persist(ctx, id)
	m.mu.Lock()
	m.resolved = id
	m.mu.Unlock()
}

func (m *Manager) acquire(ctx context.Context) domain.Identity {
	if stored, ok := m.fromStorage(ctx); ok {
		m.log.Info("identity restored from storage", "uid", short(stored.UID))
		return stored
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		id, err := m.auth.Authenticate(ctx)
		if err == nil && id.Valid() {
			// Authentication may have raced a concurrent persist; the
			// persisted identity wins.
			if stored, ok := m.fromStorage(ctx); ok {
				m.log.Info("persisted identity wins over fresh remote uid",
					"persisted_uid", short(stored.UID), "remote_uid", short(id.UID))
				return stored
			}
			m.persist(ctx, id)
			m.log.Info("identity acquired from remote auth", "uid", short(id.UID))
			return id
		}
		if err != nil {
			m.log.Warn("anonymous auth failed", "attempt", attempt, "error", err)
		}
		if attempt == maxAttempts {
			break
		}
		timer := m.clock.NewTimer(baseDelay * time.Duration(attempt))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return domain.Identity{}
		}
	}

	// One last look at storage before giving up.
	if stored, ok := m.fromStorage(ctx); ok {
		return stored
	}
	m.log.Warn("identity resolution exhausted, proceeding without identity")
	return domain.Identity{}
}

func (m *Manager) fromStorage(ctx context.Context) (domain.Identity, bool) {
	var id domain.Identity
	// The identity record is self-owning: the lookup necessarily precedes
	// knowing the uid, so only the schema-version check applies here.
	if !m.store.Get(ctx, storage.KeyUserUID, "", &id) {
		return domain.Identity{}, false
	}
	if !id.Valid() {
		return domain.Identity{}, false
	}
	return id, true
}

func (m *Manager) persist(ctx context.Context, id domain.Identity) {
	if n := m.store.Put(ctx, storage.KeyUserUID, id.UID, id); n == 0 {
		m.log.Warn("identity persisted to volatile fallback only", "uid", short(id.UID))
	}
}

func short(uid string) string {
	if len(uid) <= 8 {
		return uid
	}
	return uid[:8] + "..."
}
