package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"auditgate.org/internal/gateway"
	"auditgate.org/internal/ids"
)

const grantBaseColumns = `id, organization_id, access_token, session_name, audit_type, certification_body,
	auditor_name, auditor_email, valid_from, valid_until, status, revoked_at, revoke_reason,
	access_count, last_accessed_at, created_at`

// grantColumns appends one boolean column per registry scope flag.
func grantColumns() string {
	return grantBaseColumns + ", " + strings.Join(gateway.ScopeFlags(), ", ")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGrant(row rowScanner) (gateway.Grant, error) {
	var (
		g                   gateway.Grant
		certBody, email     sql.NullString
		revokeReason        sql.NullString
		revokedAt, accessed sql.NullTime
		auditType, status   string
	)
	flags := gateway.ScopeFlags()
	scopes := make([]bool, len(flags))
	dest := []any{
		&g.ID, &g.OrganizationID, &g.AccessToken, &g.SessionName, &auditType, &certBody,
		&g.AuditorName, &email, &g.ValidFrom, &g.ValidUntil, &status, &revokedAt, &revokeReason,
		&g.AccessCount, &accessed, &g.CreatedAt,
	}
	for i := range scopes {
		dest = append(dest, &scopes[i])
	}
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return gateway.Grant{}, gateway.ErrNotFound
		}
		return gateway.Grant{}, err
	}
	g.AuditType = gateway.AuditType(auditType)
	g.Status = gateway.Status(status)
	g.CertBody = certBody.String
	g.AuditorEmail = email.String
	g.RevokeReason = revokeReason.String
	g.RevokedAt = timePtr(revokedAt)
	g.LastAccessedAt = timePtr(accessed)
	g.ValidFrom = g.ValidFrom.UTC()
	g.ValidUntil = g.ValidUntil.UTC()
	g.CreatedAt = g.CreatedAt.UTC()
	g.Scopes = make(map[string]bool, len(flags))
	for i, f := range flags {
		g.Scopes[f] = scopes[i]
	}
	return g, nil
}

func (s *Store) FindByToken(ctx context.Context, token string) (gateway.Grant, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`select %s from audit_sessions where access_token = $1`, grantColumns()), token)
	return scanGrant(row)
}

func (s *Store) Find(ctx context.Context, id string) (gateway.Grant, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`select %s from audit_sessions where id = $1`, grantColumns()), id)
	return scanGrant(row)
}

// MarkExpired only moves active grants, so a revoked grant keeps its status
// and a second call changes nothing.
func (s *Store) MarkExpired(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`update audit_sessions set status = 'expired' where id = $1 and status = 'active'`, id)
	return err
}

// RecordAccess guards the counter with the same liveness predicate the
// validator applies, so a revocation committed after the lookup wins.
func (s *Store) RecordAccess(ctx context.Context, id string, at time.Time) (gateway.Grant, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		update audit_sessions
		set access_count = access_count + 1, last_accessed_at = $2
		where id = $1 and revoked_at is null and status = 'active'
		  and $2 between valid_from and valid_until
		returning %s`, grantColumns()), id, at)
	g, err := scanGrant(row)
	if errors.Is(err, gateway.ErrNotFound) {
		return gateway.Grant{}, gateway.ErrGrantNotLive
	}
	return g, err
}

func (s *Store) CreateGrant(ctx context.Context, g *gateway.Grant) error {
	if strings.TrimSpace(g.AccessToken) == "" || strings.TrimSpace(g.OrganizationID) == "" {
		return fmt.Errorf("%w: access token and organization are required", gateway.ErrInvalidInput)
	}
	if g.ID == "" {
		g.ID = ids.New()
	}
	if g.Status == "" {
		g.Status = gateway.StatusActive
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC()
	}

	flags := gateway.ScopeFlags()
	args := []any{
		g.ID, g.OrganizationID, g.AccessToken, g.SessionName, string(g.AuditType), nullIfEmpty(g.CertBody),
		g.AuditorName, nullIfEmpty(g.AuditorEmail), g.ValidFrom, g.ValidUntil, string(g.Status),
		nullTime(g.RevokedAt), nullIfEmpty(g.RevokeReason), g.AccessCount, nullTime(g.LastAccessedAt), g.CreatedAt,
	}
	for _, f := range flags {
		args = append(args, g.Scopes[f])
	}
	placeholders := make([]string, len(args))
	for i := range args {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`insert into audit_sessions (%s) values (%s)`,
		grantColumns(), strings.Join(placeholders, ", ")), args...)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return fmt.Errorf("%w: access token already issued", gateway.ErrInvalidInput)
		}
		return err
	}
	return nil
}

// RevokeGrant sets revoked_at once. An already revoked grant is returned as is.
func (s *Store) RevokeGrant(ctx context.Context, id, reason string, at time.Time) (gateway.Grant, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		update audit_sessions
		set revoked_at = $2, revoke_reason = $3, status = 'revoked'
		where id = $1 and revoked_at is null
		returning %s`, grantColumns()), id, at, nullIfEmpty(reason))
	g, err := scanGrant(row)
	if errors.Is(err, gateway.ErrNotFound) {
		return s.Find(ctx, id)
	}
	return g, err
}
