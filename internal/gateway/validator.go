package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"auditgate.org/internal/obs"
)

const defaultValidateTimeout = 10 * time.Second

// Outcome is the result class of a token validation.
type Outcome string

const (
	OutcomeValid           Outcome = "valid"
	OutcomeInvalid         Outcome = "invalid"
	OutcomeRevoked         Outcome = "revoked"
	OutcomeNotYetActive    Outcome = "not_yet_active"
	OutcomeExpired         Outcome = "expired"
	OutcomeConnectionError Outcome = "connection_error"
)

// ValidationResult is what the Session Validator returns. Only a Valid result
// carries the grant.
type ValidationResult struct {
	Outcome    Outcome
	Grant      Grant
	Reason     string
	RevokedAt  time.Time
	ValidFrom  time.Time
	ValidUntil time.Time
	Err        error
}

// Valid reports whether the result admits the caller.
func (r ValidationResult) Valid() bool { return r.Outcome == OutcomeValid }

// Message is the user-facing explanation shown verbatim by the portal.
func (r ValidationResult) Message() string {
	switch r.Outcome {
	case OutcomeValid:
		return "Access granted."
	case OutcomeRevoked:
		if r.Reason != "" {
			return "This access has been revoked: " + r.Reason
		}
		return "This access has been revoked."
	case OutcomeNotYetActive:
		return "This access is not active until " + formatStamp(r.ValidFrom) + "."
	case OutcomeExpired:
		return "This access expired on " + formatStamp(r.ValidUntil) + "."
	case OutcomeConnectionError:
		return "Unable to reach the server. Check your connection and try again."
	default:
		return "Invalid access token. Check the link provided by the organization."
	}
}

func formatStamp(t time.Time) string {
	return t.UTC().Format("Jan 2, 2006 15:04 MST")
}

// Validator resolves bearer tokens to grants.
type Validator struct {
	grants  GrantStore
	logger  AccessLogger
	now     func() time.Time
	timeout time.Duration
}

// ValidatorOption configures Validator behavior.
type ValidatorOption func(*Validator)

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ValidatorOption {
	return func(v *Validator) {
		if fn != nil {
			v.now = fn
		}
	}
}

// WithValidateTimeout bounds each store call made during validation.
func WithValidateTimeout(d time.Duration) ValidatorOption {
	return func(v *Validator) {
		if d > 0 {
			v.timeout = d
		}
	}
}

// NewValidator constructs a Validator.
func NewValidator(grants GrantStore, logger AccessLogger, opts ...ValidatorOption) (*Validator, error) {
	if grants == nil {
		return nil, errors.New("gateway: grant store is required")
	}
	if logger == nil {
		return nil, errors.New("gateway: access logger is required")
	}
	v := &Validator{
		grants:  grants,
		logger:  logger,
		now:     time.Now,
		timeout: defaultValidateTimeout,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Validate checks existence, revocation, not-yet-active and expiry in that
// order. Only a Valid outcome increments access_count and writes a login entry.
func (v *Validator) Validate(ctx context.Context, token string) ValidationResult {
	token = strings.TrimSpace(token)
	if token == "" {
		return observed(ValidationResult{Outcome: OutcomeInvalid})
	}

	lookupCtx, cancel := context.WithTimeout(ctx, v.timeout)
	grant, err := v.grants.FindByToken(lookupCtx, token)
	cancel()
	if err != nil {
		return observed(lookupFailure(err))
	}
	if res, rejected := v.check(ctx, grant); rejected {
		return observed(res)
	}

	accessCtx, cancel := context.WithTimeout(ctx, v.timeout)
	updated, err := v.grants.RecordAccess(accessCtx, grant.ID, v.now().UTC())
	cancel()
	if errors.Is(err, ErrGrantNotLive) {
		return observed(v.recheckRejected(ctx, grant.ID))
	}
	if err != nil {
		return observed(connectionError(err))
	}

	_ = v.logger.Log(ctx, NewLogEntry(updated, "portal", ActionLogin))
	return observed(ValidationResult{Outcome: OutcomeValid, Grant: updated})
}

// Recheck re-reads a grant that already passed Validate and applies the same
// revocation and time checks without touching counters or the access log.
func (v *Validator) Recheck(ctx context.Context, grantID string) ValidationResult {
	lookupCtx, cancel := context.WithTimeout(ctx, v.timeout)
	grant, err := v.grants.Find(lookupCtx, grantID)
	cancel()
	if err != nil {
		return lookupFailure(err)
	}
	if res, rejected := v.check(ctx, grant); rejected {
		return res
	}
	return ValidationResult{Outcome: OutcomeValid, Grant: grant}
}

// recheckRejected explains a RecordAccess refusal: the grant changed between
// lookup and write, so the fresh row decides the outcome.
func (v *Validator) recheckRejected(ctx context.Context, id string) ValidationResult {
	res := v.Recheck(ctx, id)
	if res.Valid() {
		return ValidationResult{Outcome: OutcomeInvalid}
	}
	return res
}

func (v *Validator) check(ctx context.Context, g Grant) (ValidationResult, bool) {
	now := v.now()
	if g.Revoked() {
		res := ValidationResult{Outcome: OutcomeRevoked, Reason: g.RevokeReason}
		if g.RevokedAt != nil {
			res.RevokedAt = *g.RevokedAt
		}
		return res, true
	}
	if now.Before(g.ValidFrom) {
		return ValidationResult{Outcome: OutcomeNotYetActive, ValidFrom: g.ValidFrom}, true
	}
	if g.Status == StatusExpired || now.After(g.ValidUntil) {
		if g.Status != StatusExpired {
			expireCtx, cancel := context.WithTimeout(ctx, v.timeout)
			if err := v.grants.MarkExpired(expireCtx, g.ID); err != nil {
				obs.Warn("grant expiry write-back failed", map[string]any{"session_id": g.ID, "err": err})
			}
			cancel()
		}
		return ValidationResult{Outcome: OutcomeExpired, ValidUntil: g.ValidUntil}, true
	}
	return ValidationResult{}, false
}

func lookupFailure(err error) ValidationResult {
	if errors.Is(err, ErrNotFound) {
		return ValidationResult{Outcome: OutcomeInvalid}
	}
	return connectionError(err)
}

func connectionError(err error) ValidationResult {
	return ValidationResult{Outcome: OutcomeConnectionError, Err: fmt.Errorf("%w: %v", ErrConnection, err)}
}

func observed(res ValidationResult) ValidationResult {
	obs.ObserveValidation(string(res.Outcome))
	if res.Outcome == OutcomeConnectionError {
		obs.Warn("grant lookup failed", map[string]any{"err": res.Err})
	}
	return res
}
