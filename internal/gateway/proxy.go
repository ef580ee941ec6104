package gateway

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"auditgate.org/internal/obs"
)

const (
	DefaultRecordLimit  = 500
	defaultFetchTimeout = 15 * time.Second
)

// TenantQuery is the only way to ask a RecordSource for rows. Its fields are
// unexported so a query without a tenant cannot be built outside this package.
type TenantQuery struct {
	organizationID string
	module         ModuleDescriptor
	limit          int
}

// NewTenantQuery builds a query for m's table restricted to organizationID.
func NewTenantQuery(organizationID string, m ModuleDescriptor, limit int) (TenantQuery, error) {
	organizationID = strings.TrimSpace(organizationID)
	if organizationID == "" {
		return TenantQuery{}, ErrTenantRequired
	}
	if m.Static() {
		return TenantQuery{}, ErrStaticModule
	}
	if limit <= 0 {
		limit = DefaultRecordLimit
	}
	return TenantQuery{organizationID: organizationID, module: m, limit: limit}, nil
}

// Validate rejects the zero value and anything not built by NewTenantQuery.
func (q TenantQuery) Validate() error {
	if q.organizationID == "" {
		return ErrTenantRequired
	}
	if q.module.Static() {
		return ErrStaticModule
	}
	return nil
}

func (q TenantQuery) OrganizationID() string   { return q.organizationID }
func (q TenantQuery) Module() ModuleDescriptor { return q.module }

// Limit is the number of rows a source should return: one past the cap so
// the caller can tell a truncated list from a full one.
func (q TenantQuery) Limit() int { return q.limit + 1 }

// RecordList is a fetched module, ready for rendering.
type RecordList struct {
	Module      ModuleDescriptor
	Records     []Record
	Query       string
	Truncated   bool
	Unavailable bool
}

// DataProxy serves read-only, tenant-scoped module data. It exposes no write
// operation.
type DataProxy struct {
	source  RecordSource
	logger  AccessLogger
	limit   int
	timeout time.Duration
}

// ProxyOption configures DataProxy behavior.
type ProxyOption func(*DataProxy)

// WithRecordLimit caps the rows returned per module.
func WithRecordLimit(n int) ProxyOption {
	return func(p *DataProxy) {
		if n > 0 {
			p.limit = n
		}
	}
}

// WithFetchTimeout bounds a single module fetch.
func WithFetchTimeout(d time.Duration) ProxyOption {
	return func(p *DataProxy) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// NewDataProxy constructs a DataProxy.
func NewDataProxy(source RecordSource, logger AccessLogger, opts ...ProxyOption) (*DataProxy, error) {
	if source == nil {
		return nil, errors.New("gateway: record source is required")
	}
	if logger == nil {
		return nil, errors.New("gateway: access logger is required")
	}
	p := &DataProxy{
		source:  source,
		logger:  logger,
		limit:   DefaultRecordLimit,
		timeout: defaultFetchTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// FetchModule returns g's rows for key, newest first, capped and filtered by
// search. A view_module entry is logged before any row is returned. A failed
// fetch yields an Unavailable list rather than an error; a cancelled ctx
// returns ctx.Err().
func (p *DataProxy) FetchModule(ctx context.Context, g Grant, key ModuleKey, search string) (RecordList, error) {
	m, err := InScope(g, key)
	if err != nil {
		return RecordList{}, err
	}
	q, err := NewTenantQuery(g.OrganizationID, m, p.limit)
	if err != nil {
		return RecordList{}, err
	}

	entry := NewLogEntry(g, string(m.Key), ActionViewModule)
	entry.ResourceType = m.Table
	entry.ResourceName = m.Label
	_ = p.logger.Log(ctx, entry)

	list := RecordList{Module: m, Query: strings.TrimSpace(search)}

	fetchCtx, cancel := context.WithTimeout(ctx, p.timeout)
	start := time.Now()
	rows, err := p.source.FetchRecords(fetchCtx, q)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return RecordList{}, ctx.Err()
		}
		obs.ObserveFetch(string(m.Key), "error", time.Since(start))
		obs.Warn("module fetch failed", map[string]any{"module": m.Key, "session_id": g.ID, "err": err})
		list.Unavailable = true
		return list, nil
	}
	obs.ObserveFetch(string(m.Key), "ok", time.Since(start))

	rows = sameTenant(rows, g.OrganizationID)
	sortNewestFirst(rows, m.DateField)
	if len(rows) > p.limit {
		rows = rows[:p.limit]
		list.Truncated = true
	}
	for _, r := range rows {
		if Matches(r, list.Query) {
			list.Records = append(list.Records, r)
		}
	}
	return list, nil
}

func sameTenant(rows []Record, organizationID string) []Record {
	kept := rows[:0]
	dropped := 0
	for _, r := range rows {
		if r == nil || r.OrganizationID() != organizationID {
			dropped++
			continue
		}
		kept = append(kept, r)
	}
	if dropped > 0 {
		obs.ObserveCrossTenantRows(dropped)
		obs.Error("rows outside tenant discarded", map[string]any{"organization_id": organizationID, "count": dropped})
	}
	return kept
}

// sortNewestFirst orders by field descending; rows without a parseable
// timestamp sink to the end in their original order.
func sortNewestFirst(rows []Record, field string) {
	sort.SliceStable(rows, func(i, j int) bool {
		ti, okI := rows[i].Time(field)
		tj, okJ := rows[j].Time(field)
		switch {
		case okI && okJ:
			return ti.After(tj)
		case okI:
			return true
		default:
			return false
		}
	})
}
