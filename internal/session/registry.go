package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"groupcast/internal/eventbus"
	"groupcast/internal/notify"
	"groupcast/internal/store"
	"groupcast/internal/transport"
	"groupcast/pkg/logx"
)

// ErrUnknownTenant is returned by Get when no session exists.
var ErrUnknownTenant = errors.New("session: unknown tenant")

// Registry tracks at most one Session per tenant. GetOrCreate is
// single-flight: the session is inserted into the map before its connect
// starts, and Connect itself is idempotent, so concurrent callers share
// one connection attempt.
type Registry struct {
	factory transport.Factory
	db      store.Store
	cfg     Config
	log     logx.Logger
	sink    notify.Sink
	bus     eventbus.Bus
	onLive  func(tenantID string)

	baseCtx context.Context

	mu       sync.Mutex
	sessions map[string]*Session
}

type RegistryDeps struct {
	Factory transport.Factory
	Store   store.Store
	Logger  logx.Logger
	Sink    notify.Sink
	Bus     eventbus.Bus
	// OnLive runs whenever a tenant session becomes live.
	OnLive func(tenantID string)
}

func NewRegistry(baseCtx context.Context, cfg Config, deps RegistryDeps) *Registry {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	log := deps.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		factory:  deps.Factory,
		db:       deps.Store,
		cfg:      cfg.withDefaults(),
		log:      log,
		sink:     deps.Sink,
		bus:      deps.Bus,
		onLive:   deps.OnLive,
		baseCtx:  baseCtx,
		sessions: map[string]*Session{},
	}
}

// Get returns the tenant's session, or ErrUnknownTenant.
func (r *Registry) Get(tenantID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[tenantID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTenant, tenantID)
	}
	return s, nil
}

// List returns the tenant ids with a tracked session.
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

// GetOrCreate returns the tenant's session, creating one and starting
// its connection on first use. Repeated calls while a connect chain is
// in progress return the same session without a second attempt.
func (r *Registry) GetOrCreate(ctx context.Context, tenantID string) (*Session, error) {
	r.mu.Lock()
	if s, ok := r.sessions[tenantID]; ok {
		r.mu.Unlock()
		// Connect is a no-op while in progress; it restarts an Idle
		// session after retries were exhausted.
		_ = s.Connect(ctx)
		return s, nil
	}

	tr, err := r.factory.New(tenantID)
	if err != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("session: create transport for %s: %w", tenantID, err)
	}
	s := newSession(r.baseCtx, tenantID, tr, r.cfg, r.log, r.sink, r.bus, r.onLive)
	r.sessions[tenantID] = s
	r.mu.Unlock()

	if r.db != nil {
		if err := r.db.EnsureTenant(ctx, tenantID); err != nil {
			r.log.Warn("tenant record upsert failed",
				logx.String("tenant", tenantID), logx.Err(err))
		}
	}

	r.log.Info("session created", logx.String("tenant", tenantID))
	if err := s.Connect(ctx); err != nil {
		// The session stays registered; the retry chain or a later
		// explicit connect picks it up.
		return s, err
	}
	return s, nil
}

// Reset tears the session down, wipes its stored credentials, and
// removes it from the registry. The next GetOrCreate starts a fresh
// pairing.
func (r *Registry) Reset(ctx context.Context, tenantID string) error {
	r.mu.Lock()
	s, ok := r.sessions[tenantID]
	delete(r.sessions, tenantID)
	r.mu.Unlock()

	if ok {
		s.Disconnect(ctx)
	}
	if err := r.factory.ClearAuth(tenantID); err != nil {
		return fmt.Errorf("session: clear auth for %s: %w", tenantID, err)
	}
	r.log.Info("session reset", logx.String("tenant", tenantID))
	return nil
}

// Shutdown disconnects every tracked session.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.sessions = map[string]*Session{}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range all {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Disconnect(ctx)
		}(s)
	}
	wg.Wait()
}
