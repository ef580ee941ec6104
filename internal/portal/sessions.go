package portal

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"auditgate.org/internal/auth"
	"auditgate.org/internal/gateway"
	"auditgate.org/internal/obs"
)

const defaultIdleTTL = 30 * time.Minute

// ErrUnknownPortal is returned when a handle no longer maps to a live portal.
var ErrUnknownPortal = errors.New("portal: unknown or closed portal")

// Registry holds live portals addressed by signed handles. A portal leaves
// the registry on Exit, after its idle TTL, or once it is no longer
// authenticated.
type Registry struct {
	signer    *auth.HandleSigner
	validator Validator
	fetcher   Fetcher
	logger    gateway.AccessLogger
	idleTTL   time.Duration
	now       func() time.Time

	mu      sync.Mutex
	portals map[string]*Portal
}

// RegistryOption configures Registry behavior.
type RegistryOption func(*Registry)

// WithIdleTTL sets how long an untouched portal survives.
func WithIdleTTL(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.idleTTL = d
		}
	}
}

// WithRegistryClock overrides time source (useful for tests).
func WithRegistryClock(fn func() time.Time) RegistryOption {
	return func(r *Registry) {
		if fn != nil {
			r.now = fn
		}
	}
}

// NewRegistry constructs an empty registry.
func NewRegistry(signer *auth.HandleSigner, v Validator, f Fetcher, l gateway.AccessLogger, opts ...RegistryOption) (*Registry, error) {
	if signer == nil {
		return nil, errors.New("portal: handle signer is required")
	}
	if v == nil || f == nil || l == nil {
		return nil, errors.New("portal: validator, fetcher and logger are required")
	}
	r := &Registry{
		signer:    signer,
		validator: v,
		fetcher:   f,
		logger:    l,
		idleTTL:   defaultIdleTTL,
		now:       time.Now,
		portals:   make(map[string]*Portal),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Opened is the result of a token handshake.
type Opened struct {
	Handle    string
	ExpiresAt time.Time
	Portal    *Portal
	Snapshot  Snapshot
}

// Open runs the handshake for token on a new portal. When validation fails
// the snapshot carries the failure and no handle is issued.
func (r *Registry) Open(ctx context.Context, token string) (Opened, error) {
	p, err := New(uuid.NewString(), r.validator, r.fetcher, r.logger, WithClock(r.now))
	if err != nil {
		return Opened{}, err
	}
	snap, err := p.Submit(ctx, token)
	if err != nil {
		return Opened{}, err
	}
	out := Opened{Portal: p, Snapshot: snap}
	if !snap.Authenticated() {
		return out, nil
	}

	handle, expires, err := r.signer.Sign(p.ID(), snap.Grant.ID, snap.Grant.OrganizationID, snap.Grant.ValidUntil)
	if err != nil {
		p.Exit()
		return Opened{}, err
	}
	out.Handle = handle
	out.ExpiresAt = expires

	r.mu.Lock()
	r.portals[p.ID()] = p
	n := len(r.portals)
	r.mu.Unlock()
	obs.SetPortalsActive(n)
	return out, nil
}

// Lookup resolves a handle to its live portal.
func (r *Registry) Lookup(handle string) (*Portal, *auth.HandleClaims, error) {
	claims, err := r.signer.Parse(handle)
	if err != nil {
		return nil, nil, err
	}
	r.mu.Lock()
	p, ok := r.portals[claims.Subject]
	r.mu.Unlock()
	if !ok {
		return nil, nil, ErrUnknownPortal
	}
	if p.Snapshot().Grant.ID != claims.GrantID || r.idle(p) {
		r.Remove(p.ID())
		return nil, nil, ErrUnknownPortal
	}
	return p, claims, nil
}

// Close exits the portal behind handle and forgets it.
func (r *Registry) Close(handle string) error {
	p, _, err := r.Lookup(handle)
	if err != nil {
		return err
	}
	p.Exit()
	r.Remove(p.ID())
	return nil
}

// Remove forgets a portal by id.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.portals, id)
	n := len(r.portals)
	r.mu.Unlock()
	obs.SetPortalsActive(n)
}

// Len reports the number of live portals.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.portals)
}

// Sweep drops idle and ended portals and returns how many were removed.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	var stale []*Portal
	for id, p := range r.portals {
		if r.idle(p) || !p.Snapshot().Authenticated() {
			stale = append(stale, p)
			delete(r.portals, id)
		}
	}
	n := len(r.portals)
	r.mu.Unlock()

	for _, p := range stale {
		p.Exit()
	}
	obs.SetPortalsActive(n)
	return len(stale)
}

// Run sweeps every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Sweep(); n > 0 {
				obs.Info("idle portals closed", map[string]any{"count": n})
			}
		}
	}
}

func (r *Registry) idle(p *Portal) bool {
	return r.now().Sub(p.LastActive()) > r.idleTTL
}
