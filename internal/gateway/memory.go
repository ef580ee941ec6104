package gateway

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"auditgate.org/internal/ids"
)

var (
	_ GrantStore      = (*InMemory)(nil)
	_ GrantAdmin      = (*InMemory)(nil)
	_ AccessLogStore  = (*InMemory)(nil)
	_ AccessLogReader = (*InMemory)(nil)
	_ RecordSource    = (*InMemory)(nil)
)

// InMemory implements the gateway stores with in-process concurrency safety.
// It backs tests and the server when no database is configured.
type InMemory struct {
	mu      sync.RWMutex
	grants  map[string]*Grant
	byToken map[string]string
	log     []LogEntry
	logIDs  map[string]struct{}
	tables  map[string][]Record
}

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{
		grants:  make(map[string]*Grant),
		byToken: make(map[string]string),
		logIDs:  make(map[string]struct{}),
		tables:  make(map[string][]Record),
	}
}

func (s *InMemory) CreateGrant(ctx context.Context, g *Grant) error {
	if strings.TrimSpace(g.AccessToken) == "" || strings.TrimSpace(g.OrganizationID) == "" {
		return fmt.Errorf("%w: access token and organization are required", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.byToken[g.AccessToken]; taken {
		return fmt.Errorf("%w: access token already issued", ErrInvalidInput)
	}
	if g.ID == "" {
		g.ID = ids.New()
	}
	if g.Status == "" {
		g.Status = StatusActive
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC()
	}
	cp := cloneGrant(*g)
	s.grants[g.ID] = &cp
	s.byToken[g.AccessToken] = g.ID
	return nil
}

func (s *InMemory) FindByToken(ctx context.Context, token string) (Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byToken[token]
	if !ok {
		return Grant{}, ErrNotFound
	}
	return cloneGrant(*s.grants[id]), nil
}

func (s *InMemory) Find(ctx context.Context, id string) (Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.grants[id]
	if !ok {
		return Grant{}, ErrNotFound
	}
	return cloneGrant(*g), nil
}

func (s *InMemory) MarkExpired(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.grants[id]
	if !ok {
		return ErrNotFound
	}
	if g.Status == StatusActive {
		g.Status = StatusExpired
	}
	return nil
}

func (s *InMemory) RecordAccess(ctx context.Context, id string, at time.Time) (Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.grants[id]
	if !ok {
		return Grant{}, ErrNotFound
	}
	if g.RevokedAt != nil || g.Status != StatusActive || at.Before(g.ValidFrom) || at.After(g.ValidUntil) {
		return Grant{}, ErrGrantNotLive
	}
	g.AccessCount++
	ts := at
	g.LastAccessedAt = &ts
	return cloneGrant(*g), nil
}

func (s *InMemory) RevokeGrant(ctx context.Context, id, reason string, at time.Time) (Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.grants[id]
	if !ok {
		return Grant{}, ErrNotFound
	}
	if g.RevokedAt == nil {
		ts := at
		g.RevokedAt = &ts
		g.RevokeReason = strings.TrimSpace(reason)
		g.Status = StatusRevoked
	}
	return cloneGrant(*g), nil
}

func (s *InMemory) AppendAccessLog(ctx context.Context, entry LogEntry) error {
	if entry.ID == "" {
		entry.ID = ids.New()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.logIDs[entry.ID]; dup {
		return nil
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.logIDs[entry.ID] = struct{}{}
	s.log = append(s.log, entry)
	return nil
}

func (s *InMemory) ListAccessLog(ctx context.Context, sessionID string, limit int) ([]LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []LogEntry
	for i := len(s.log) - 1; i >= 0; i-- {
		if s.log[i].SessionID != sessionID {
			continue
		}
		out = append(out, s.log[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// AccessLog returns every entry in append order.
func (s *InMemory) AccessLog() []LogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]LogEntry, len(s.log))
	copy(out, s.log)
	return out
}

// PutRecords adds rows to a module table.
func (s *InMemory) PutRecords(table string, rows ...Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rows {
		cp := make(Record, len(r))
		for k, v := range r {
			cp[k] = v
		}
		s.tables[table] = append(s.tables[table], cp)
	}
}

func (s *InMemory) FetchRecords(ctx context.Context, q TenantQuery) ([]Record, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	var rows []Record
	for _, r := range s.tables[q.Module().Table] {
		if r.OrganizationID() != q.OrganizationID() {
			continue
		}
		cp := make(Record, len(r))
		for k, v := range r {
			cp[k] = v
		}
		rows = append(rows, cp)
	}
	s.mu.RUnlock()

	date := q.Module().DateField
	sort.SliceStable(rows, func(i, j int) bool {
		ti, _ := rows[i].Time(date)
		tj, _ := rows[j].Time(date)
		return ti.After(tj)
	})
	if len(rows) > q.Limit() {
		rows = rows[:q.Limit()]
	}
	return rows, nil
}

func cloneGrant(g Grant) Grant {
	if g.Scopes != nil {
		scopes := make(map[string]bool, len(g.Scopes))
		for k, v := range g.Scopes {
			scopes[k] = v
		}
		g.Scopes = scopes
	}
	if g.RevokedAt != nil {
		ts := *g.RevokedAt
		g.RevokedAt = &ts
	}
	if g.LastAccessedAt != nil {
		ts := *g.LastAccessedAt
		g.LastAccessedAt = &ts
	}
	return g
}
