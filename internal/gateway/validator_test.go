package gateway

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

type recordingLogger struct {
	mu      sync.Mutex
	entries []LogEntry
	err     error
}

func (l *recordingLogger) Log(ctx context.Context, e LogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
	return l.err
}

func (l *recordingLogger) all() []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]LogEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

type stubGrants struct {
	findByToken  func(ctx context.Context, token string) (Grant, error)
	find         func(ctx context.Context, id string) (Grant, error)
	markExpired  func(ctx context.Context, id string) error
	recordAccess func(ctx context.Context, id string, at time.Time) (Grant, error)
}

func (s stubGrants) FindByToken(ctx context.Context, token string) (Grant, error) {
	return s.findByToken(ctx, token)
}

func (s stubGrants) Find(ctx context.Context, id string) (Grant, error) { return s.find(ctx, id) }

func (s stubGrants) MarkExpired(ctx context.Context, id string) error { return s.markExpired(ctx, id) }

func (s stubGrants) RecordAccess(ctx context.Context, id string, at time.Time) (Grant, error) {
	return s.recordAccess(ctx, id, at)
}

func allScopes() map[string]bool {
	out := make(map[string]bool)
	for _, f := range ScopeFlags() {
		out[f] = true
	}
	return out
}

func seedGrant(t *testing.T, store *InMemory, mutate func(*Grant)) Grant {
	t.Helper()
	g := Grant{
		OrganizationID: "org-1",
		AccessToken:    "tok-" + strings.ToLower(t.Name()),
		SessionName:    "SQF recertification",
		AuditType:      AuditSQF,
		CertBody:       "NSF",
		AuditorName:    "Dana Reyes",
		ValidFrom:      testNow.Add(-24 * time.Hour),
		ValidUntil:     testNow.Add(24 * time.Hour),
		Scopes:         allScopes(),
	}
	if mutate != nil {
		mutate(&g)
	}
	require.NoError(t, store.CreateGrant(context.Background(), &g))
	return g
}

func newTestValidator(t *testing.T, store GrantStore, logger AccessLogger) *Validator {
	t.Helper()
	v, err := NewValidator(store, logger, WithClock(func() time.Time { return testNow }))
	require.NoError(t, err)
	return v
}

func TestValidateActiveGrant(t *testing.T) {
	store := NewInMemory()
	g := seedGrant(t, store, nil)
	logger := &recordingLogger{}
	v := newTestValidator(t, store, logger)

	res := v.Validate(context.Background(), g.AccessToken)
	require.True(t, res.Valid(), "outcome %s", res.Outcome)
	require.Equal(t, int64(1), res.Grant.AccessCount)
	require.NotNil(t, res.Grant.LastAccessedAt)
	require.True(t, res.Grant.LastAccessedAt.Equal(testNow))
	require.Len(t, ResolveScopes(res.Grant), len(Modules()))

	entries := logger.all()
	require.Len(t, entries, 1)
	require.Equal(t, ActionLogin, entries[0].Action)
	require.Equal(t, g.ID, entries[0].SessionID)
	require.Equal(t, "org-1", entries[0].OrganizationID)
}

func TestValidateCountsEveryHandshake(t *testing.T) {
	store := NewInMemory()
	g := seedGrant(t, store, nil)
	logger := &recordingLogger{}
	v := newTestValidator(t, store, logger)

	for i := 1; i <= 3; i++ {
		res := v.Validate(context.Background(), g.AccessToken)
		require.True(t, res.Valid())
		require.Equal(t, int64(i), res.Grant.AccessCount)
	}
	require.Len(t, logger.all(), 3)
}

func TestValidateRevokedAfterLogin(t *testing.T) {
	store := NewInMemory()
	g := seedGrant(t, store, nil)
	logger := &recordingLogger{}
	v := newTestValidator(t, store, logger)
	require.True(t, v.Validate(context.Background(), g.AccessToken).Valid())

	_, err := store.RevokeGrant(context.Background(), g.ID, "engagement ended", testNow)
	require.NoError(t, err)

	res := v.Validate(context.Background(), g.AccessToken)
	require.Equal(t, OutcomeRevoked, res.Outcome)
	require.Equal(t, "engagement ended", res.Reason)
	require.True(t, res.RevokedAt.Equal(testNow))
	require.Contains(t, res.Message(), "engagement ended")

	stored, err := store.Find(context.Background(), g.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), stored.AccessCount)
	require.Len(t, logger.all(), 1)
}

// revokingStore revokes the grant right after it has been looked up, the
// window in which an administrator revocation races a handshake.
type revokingStore struct {
	*InMemory
}

func (s revokingStore) FindByToken(ctx context.Context, token string) (Grant, error) {
	g, err := s.InMemory.FindByToken(ctx, token)
	if err != nil {
		return g, err
	}
	if _, err := s.InMemory.RevokeGrant(ctx, g.ID, "pulled mid-handshake", testNow); err != nil {
		return Grant{}, err
	}
	return g, nil
}

func TestValidateRevokedBetweenLookupAndAccessWrite(t *testing.T) {
	store := NewInMemory()
	g := seedGrant(t, store, nil)
	logger := &recordingLogger{}
	v := newTestValidator(t, revokingStore{store}, logger)

	res := v.Validate(context.Background(), g.AccessToken)
	require.Equal(t, OutcomeRevoked, res.Outcome)
	require.Equal(t, "pulled mid-handshake", res.Reason)
	require.Empty(t, res.Grant.ID)

	stored, err := store.Find(context.Background(), g.ID)
	require.NoError(t, err)
	require.Equal(t, int64(0), stored.AccessCount)
	require.Nil(t, stored.LastAccessedAt)
	require.Empty(t, logger.all(), "no login entry for a refused handshake")
}

func TestInMemoryRecordAccessRequiresLiveGrant(t *testing.T) {
	ctx := context.Background()
	store := NewInMemory()
	g := seedGrant(t, store, nil)

	_, err := store.RecordAccess(ctx, g.ID, g.ValidUntil.Add(time.Second))
	require.ErrorIs(t, err, ErrGrantNotLive)
	_, err = store.RecordAccess(ctx, g.ID, g.ValidFrom.Add(-time.Second))
	require.ErrorIs(t, err, ErrGrantNotLive)

	updated, err := store.RecordAccess(ctx, g.ID, testNow)
	require.NoError(t, err)
	require.Equal(t, int64(1), updated.AccessCount)

	_, err = store.RevokeGrant(ctx, g.ID, "", testNow)
	require.NoError(t, err)
	_, err = store.RecordAccess(ctx, g.ID, testNow)
	require.ErrorIs(t, err, ErrGrantNotLive)

	stored, err := store.Find(ctx, g.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), stored.AccessCount)
}

func TestValidateRevocationBeatsTimeWindow(t *testing.T) {
	revokedAt := testNow.Add(-time.Hour)
	cases := map[string]func(*Grant){
		"inside window": func(g *Grant) {},
		"not yet active": func(g *Grant) {
			g.ValidFrom = testNow.Add(time.Hour)
			g.ValidUntil = testNow.Add(48 * time.Hour)
		},
		"past window": func(g *Grant) {
			g.ValidFrom = testNow.Add(-48 * time.Hour)
			g.ValidUntil = testNow.Add(-time.Hour)
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			store := NewInMemory()
			g := seedGrant(t, store, func(g *Grant) {
				mutate(g)
				g.RevokedAt = &revokedAt
				g.Status = StatusRevoked
				g.RevokeReason = "contract terminated"
			})
			v := newTestValidator(t, store, &recordingLogger{})

			res := v.Validate(context.Background(), g.AccessToken)
			require.Equal(t, OutcomeRevoked, res.Outcome)

			stored, err := store.Find(context.Background(), g.ID)
			require.NoError(t, err)
			require.Equal(t, StatusRevoked, stored.Status)
			require.Zero(t, stored.AccessCount)
		})
	}
}

func TestValidateExpiredPersistsStatus(t *testing.T) {
	store := NewInMemory()
	g := seedGrant(t, store, func(g *Grant) {
		g.ValidFrom = testNow.Add(-10 * 24 * time.Hour)
		g.ValidUntil = testNow.Add(-2 * 24 * time.Hour)
	})
	logger := &recordingLogger{}
	v := newTestValidator(t, store, logger)

	res := v.Validate(context.Background(), g.AccessToken)
	require.Equal(t, OutcomeExpired, res.Outcome)
	require.True(t, res.ValidUntil.Equal(g.ValidUntil))
	require.Contains(t, res.Message(), "expired on")

	stored, err := store.Find(context.Background(), g.ID)
	require.NoError(t, err)
	require.Equal(t, StatusExpired, stored.Status)

	again := v.Validate(context.Background(), g.AccessToken)
	require.Equal(t, OutcomeExpired, again.Outcome)
	require.NoError(t, again.Err)
	require.Empty(t, logger.all())
}

func TestValidateStoredExpiredStatusShortCircuits(t *testing.T) {
	marked := 0
	g := Grant{ID: "g1", ValidFrom: testNow.Add(-time.Hour), ValidUntil: testNow.Add(time.Hour), Status: StatusExpired}
	store := stubGrants{
		findByToken: func(ctx context.Context, token string) (Grant, error) { return g, nil },
		markExpired: func(ctx context.Context, id string) error { marked++; return nil },
		recordAccess: func(ctx context.Context, id string, at time.Time) (Grant, error) {
			t.Fatalf("expired grant must not be counted")
			return Grant{}, nil
		},
	}
	v := newTestValidator(t, store, &recordingLogger{})

	res := v.Validate(context.Background(), "tok")
	require.Equal(t, OutcomeExpired, res.Outcome)
	require.Zero(t, marked)
}

func TestValidateNotYetActive(t *testing.T) {
	store := NewInMemory()
	from := testNow.Add(3 * time.Hour)
	g := seedGrant(t, store, func(g *Grant) {
		g.ValidFrom = from
		g.ValidUntil = from.Add(72 * time.Hour)
	})
	v := newTestValidator(t, store, &recordingLogger{})

	res := v.Validate(context.Background(), g.AccessToken)
	require.Equal(t, OutcomeNotYetActive, res.Outcome)
	require.True(t, res.ValidFrom.Equal(from))
	require.Equal(t, "This access is not active until Mar 14, 2025 15:00 UTC.", res.Message())

	stored, err := store.Find(context.Background(), g.ID)
	require.NoError(t, err)
	require.Equal(t, StatusActive, stored.Status)
	require.Zero(t, stored.AccessCount)
}

func TestValidateUnknownToken(t *testing.T) {
	store := NewInMemory()
	seedGrant(t, store, nil)
	logger := &recordingLogger{}
	v := newTestValidator(t, store, logger)

	for _, token := range []string{"", "   ", "not-a-token"} {
		res := v.Validate(context.Background(), token)
		require.Equal(t, OutcomeInvalid, res.Outcome, "token %q", token)
		require.False(t, res.Valid())
	}
	require.Empty(t, logger.all())
	for _, g := range store.grants {
		require.Zero(t, g.AccessCount)
	}
}

func TestValidateConnectionErrorIsNotInvalid(t *testing.T) {
	boom := errors.New("dial tcp: connection refused")
	store := stubGrants{
		findByToken: func(ctx context.Context, token string) (Grant, error) { return Grant{}, boom },
	}
	v := newTestValidator(t, store, &recordingLogger{})

	res := v.Validate(context.Background(), "tok")
	require.Equal(t, OutcomeConnectionError, res.Outcome)
	require.ErrorIs(t, res.Err, ErrConnection)
	require.NotEqual(t, (ValidationResult{Outcome: OutcomeInvalid}).Message(), res.Message())
}

func TestValidateLookupHonoursTimeout(t *testing.T) {
	store := stubGrants{
		findByToken: func(ctx context.Context, token string) (Grant, error) {
			<-ctx.Done()
			return Grant{}, ctx.Err()
		},
	}
	v, err := NewValidator(store, &recordingLogger{}, WithValidateTimeout(20*time.Millisecond))
	require.NoError(t, err)

	done := make(chan ValidationResult, 1)
	go func() { done <- v.Validate(context.Background(), "tok") }()
	select {
	case res := <-done:
		require.Equal(t, OutcomeConnectionError, res.Outcome)
	case <-time.After(2 * time.Second):
		t.Fatalf("validate did not time out")
	}
}

func TestValidateSucceedsWhenLoggerFails(t *testing.T) {
	store := NewInMemory()
	g := seedGrant(t, store, nil)
	logger := &recordingLogger{err: errors.New("log store down")}
	v := newTestValidator(t, store, logger)

	res := v.Validate(context.Background(), g.AccessToken)
	require.True(t, res.Valid())
	require.Len(t, logger.all(), 1)
}

func TestRecheckHasNoSideEffects(t *testing.T) {
	store := NewInMemory()
	g := seedGrant(t, store, nil)
	logger := &recordingLogger{}
	v := newTestValidator(t, store, logger)

	res := v.Recheck(context.Background(), g.ID)
	require.True(t, res.Valid())

	stored, err := store.Find(context.Background(), g.ID)
	require.NoError(t, err)
	require.Zero(t, stored.AccessCount)
	require.Empty(t, logger.all())

	_, err = store.RevokeGrant(context.Background(), g.ID, "ended early", testNow)
	require.NoError(t, err)
	require.Equal(t, OutcomeRevoked, v.Recheck(context.Background(), g.ID).Outcome)
}

func TestNewValidatorRequiresDependencies(t *testing.T) {
	_, err := NewValidator(nil, &recordingLogger{})
	require.Error(t, err)
	_, err = NewValidator(NewInMemory(), nil)
	require.Error(t, err)
}
