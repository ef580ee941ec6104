package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultIssuer    = "auditgate"
	defaultHandleTTL = 12 * time.Hour
	minSecretLen     = 16
)

var (
	// ErrInvalidHandle indicates the portal handle failed validation.
	ErrInvalidHandle = errors.New("auth: invalid portal handle")
	// ErrWindowClosed is returned by Sign when the grant window has already ended.
	ErrWindowClosed = errors.New("auth: grant window already closed")

	errMissingSecret = errors.New("auth: handle secret is not configured")
)

// HandleClaims bind one live portal instance to the grant that opened it.
// Subject carries the portal id.
type HandleClaims struct {
	GrantID        string `json:"gid"`
	OrganizationID string `json:"org"`
	jwt.RegisteredClaims
}

// HandleSigner issues and verifies HS256 portal handles.
type HandleSigner struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// Option configures HandleSigner behavior.
type Option func(*HandleSigner)

// WithIssuer overrides the iss claim.
func WithIssuer(iss string) Option {
	return func(s *HandleSigner) {
		if iss = strings.TrimSpace(iss); iss != "" {
			s.issuer = iss
		}
	}
}

// WithHandleTTL caps handle lifetime. The grant's valid_until caps it further.
func WithHandleTTL(d time.Duration) Option {
	return func(s *HandleSigner) {
		if d > 0 {
			s.ttl = d
		}
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *HandleSigner) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewHandleSigner constructs a signer for secret.
func NewHandleSigner(secret string, opts ...Option) (*HandleSigner, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errMissingSecret
	}
	if len(secret) < minSecretLen {
		return nil, fmt.Errorf("auth: handle secret must be at least %d bytes", minSecretLen)
	}
	s := &HandleSigner{
		secret: []byte(secret),
		issuer: defaultIssuer,
		ttl:    defaultHandleTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Sign issues a handle for portalID that expires no later than notAfter.
func (s *HandleSigner) Sign(portalID, grantID, organizationID string, notAfter time.Time) (string, time.Time, error) {
	portalID = strings.TrimSpace(portalID)
	grantID = strings.TrimSpace(grantID)
	if portalID == "" || grantID == "" {
		return "", time.Time{}, errors.New("auth: portal and grant ids are required")
	}
	now := s.now().UTC()
	expires := now.Add(s.ttl)
	if !notAfter.IsZero() && notAfter.Before(expires) {
		expires = notAfter.UTC()
	}
	if !expires.After(now) {
		return "", time.Time{}, ErrWindowClosed
	}

	claims := HandleClaims{
		GrantID:        grantID,
		OrganizationID: organizationID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   portalID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
			ID:        uuid.NewString(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign handle: %w", err)
	}
	return signed, expires, nil
}

// Parse verifies signature, issuer and expiry and returns the claims.
func (s *HandleSigner) Parse(handle string) (*HandleClaims, error) {
	handle = strings.TrimSpace(handle)
	if handle == "" {
		return nil, ErrInvalidHandle
	}
	parsed, err := jwt.ParseWithClaims(handle, &HandleClaims{}, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, ErrInvalidHandle
	}
	claims, ok := parsed.Claims.(*HandleClaims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidHandle
	}
	if strings.TrimSpace(claims.Subject) == "" || strings.TrimSpace(claims.GrantID) == "" {
		return nil, ErrInvalidHandle
	}
	return claims, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	const prefix = "bearer "
	header = strings.TrimSpace(header)
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}
