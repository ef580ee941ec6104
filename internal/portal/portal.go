package portal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"auditgate.org/internal/gateway"
)

var (
	// ErrNotAuthenticated is returned for browsing calls made outside StatePortal.
	ErrNotAuthenticated = errors.New("portal: no validated session")
	// ErrSessionEnded means the grant was revoked or expired since login. The
	// snapshot now carries the failure.
	ErrSessionEnded = errors.New("portal: session ended")
)

// Validator is the Session Validator as seen by the portal.
type Validator interface {
	Validate(ctx context.Context, token string) gateway.ValidationResult
	Recheck(ctx context.Context, grantID string) gateway.ValidationResult
}

// Fetcher is the Read-Only Data Proxy as seen by the portal.
type Fetcher interface {
	FetchModule(ctx context.Context, g gateway.Grant, key gateway.ModuleKey, search string) (gateway.RecordList, error)
}

// Portal is one auditor's portal instance. It owns a Snapshot and runs the
// commands Transition asks for.
type Portal struct {
	id        string
	validator Validator
	fetcher   Fetcher
	logger    gateway.AccessLogger
	now       func() time.Time

	mu         sync.Mutex
	snap       Snapshot
	lastActive time.Time
}

// Option configures Portal behavior.
type Option func(*Portal)

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(p *Portal) {
		if fn != nil {
			p.now = fn
		}
	}
}

// New returns a portal in StateTokenEntry.
func New(id string, v Validator, f Fetcher, l gateway.AccessLogger, opts ...Option) (*Portal, error) {
	if strings.TrimSpace(id) == "" {
		return nil, errors.New("portal: id is required")
	}
	if v == nil || f == nil || l == nil {
		return nil, errors.New("portal: validator, fetcher and logger are required")
	}
	p := &Portal{id: id, validator: v, fetcher: f, logger: l, now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	p.lastActive = p.now()
	return p, nil
}

func (p *Portal) ID() string { return p.id }

// Snapshot returns a copy of the current state.
func (p *Portal) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snap
}

// LastActive is the time of the last accepted or rejected event.
func (p *Portal) LastActive() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastActive
}

func (p *Portal) dispatch(ev Event) (Snapshot, Command, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastActive = p.now()
	next, cmd, err := Transition(p.snap, ev)
	if err != nil {
		return p.snap, nil, err
	}
	p.snap = next
	return next, cmd, nil
}

// Submit validates token and moves to StatePortal or StateError.
func (p *Portal) Submit(ctx context.Context, token string) (Snapshot, error) {
	_, cmd, err := p.dispatch(SubmitToken{Token: token})
	if err != nil {
		return p.Snapshot(), err
	}
	c := cmd.(CmdValidate)
	res := p.validator.Validate(ctx, c.Token)
	snap, _, err := p.dispatch(Validated{Result: res})
	return snap, err
}

// Overview switches to the overview and returns it with a fresh access count.
func (p *Portal) Overview(ctx context.Context) (Overview, error) {
	g, err := p.live(ctx)
	if err != nil {
		return Overview{}, err
	}
	if _, _, err := p.dispatch(SelectOverview{}); err != nil {
		return Overview{}, err
	}
	return BuildOverview(g, p.now()), nil
}

// SelectModule opens a module and loads its records. A result that arrives
// after the auditor moved elsewhere is discarded with ErrStale.
func (p *Portal) SelectModule(ctx context.Context, key gateway.ModuleKey, query string) (ModuleView, error) {
	g, err := p.live(ctx)
	if err != nil {
		return ModuleView{}, err
	}
	_, cmd, err := p.dispatch(SelectModule{Key: key, Query: strings.TrimSpace(query)})
	if err != nil {
		return ModuleView{}, err
	}
	c := cmd.(CmdFetch)
	list, err := p.fetcher.FetchModule(ctx, g, c.Key, c.Query)
	if err != nil {
		return ModuleView{}, err
	}
	snap, _, err := p.dispatch(ModuleLoaded{Seq: c.Seq, List: list})
	if err != nil {
		return ModuleView{}, err
	}
	return RenderModule(snap), nil
}

// Expand opens a record of the current list. Every call logs a view_record
// entry, including repeat expansions of the same record.
func (p *Portal) Expand(ctx context.Context, ref string) (ModuleView, error) {
	if _, err := p.live(ctx); err != nil {
		return ModuleView{}, err
	}
	snap, cmd, err := p.dispatch(ExpandRecord{Ref: ref})
	if err != nil {
		return ModuleView{}, err
	}
	c := cmd.(CmdLogRecord)
	entry := gateway.NewLogEntry(snap.Grant, string(c.Module.Key), gateway.ActionViewRecord)
	entry.ResourceID = c.Record.ID()
	entry.ResourceType = c.Module.Table
	entry.ResourceName = c.Record.Field(c.Module.NameField)
	_ = p.logger.Log(ctx, entry)
	return RenderModule(snap), nil
}

// Collapse closes an expanded record. Nothing is logged, but the grant is
// still rechecked since the returned view carries the current list.
func (p *Portal) Collapse(ctx context.Context, ref string) (ModuleView, error) {
	if _, err := p.live(ctx); err != nil {
		return ModuleView{}, err
	}
	snap, _, err := p.dispatch(CollapseRecord{Ref: ref})
	if err != nil {
		return ModuleView{}, err
	}
	return RenderModule(snap), nil
}

// Security shows the security controls page, logged as a module view.
func (p *Portal) Security(ctx context.Context) (SecurityInfo, error) {
	if _, err := p.live(ctx); err != nil {
		return SecurityInfo{}, err
	}
	snap, _, err := p.dispatch(SelectSecurity{})
	if err != nil {
		return SecurityInfo{}, err
	}
	info := Security()
	entry := gateway.NewLogEntry(snap.Grant, string(gateway.ModuleSecurityControls), gateway.ActionViewModule)
	entry.ResourceType = "static"
	entry.ResourceName = info.Label
	_ = p.logger.Log(ctx, entry)
	return info, nil
}

// Retry returns from StateError to StateTokenEntry.
func (p *Portal) Retry() (Snapshot, error) {
	snap, _, err := p.dispatch(Retry{})
	return snap, err
}

// Exit drops all session state.
func (p *Portal) Exit() Snapshot {
	snap, _, _ := p.dispatch(Exit{})
	return snap
}

// live re-reads the grant before anything is shown. A revoked or expired
// grant ends the session; a lookup failure refuses this request only.
func (p *Portal) live(ctx context.Context) (gateway.Grant, error) {
	snap := p.Snapshot()
	if !snap.Authenticated() {
		return gateway.Grant{}, ErrNotAuthenticated
	}
	res := p.validator.Recheck(ctx, snap.Grant.ID)
	switch {
	case res.Valid():
		return res.Grant, nil
	case res.Outcome == gateway.OutcomeConnectionError:
		return gateway.Grant{}, res.Err
	}
	if _, _, err := p.dispatch(SessionEnded{Result: res}); err != nil {
		return gateway.Grant{}, fmt.Errorf("%w: %v", ErrSessionEnded, err)
	}
	return gateway.Grant{}, ErrSessionEnded
}
