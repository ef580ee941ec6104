package pg

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"auditgate.org/internal/gateway"
)

// FetchRecords reads one module table. The tenant predicate is part of the
// statement text and cannot be omitted; identifiers come from the static
// registry and are quoted regardless.
func (s *Store) FetchRecords(ctx context.Context, q gateway.TenantQuery) ([]gateway.Record, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	m := q.Module()
	query := fmt.Sprintf(`
		select to_jsonb(t)
		from %s t
		where t.organization_id = $1
		order by t.%s desc nulls last
		limit $2`,
		pgx.Identifier{m.Table}.Sanitize(), pgx.Identifier{m.DateField}.Sanitize())

	rows, err := s.db.QueryContext(ctx, query, q.OrganizationID(), q.Limit())
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && (pgErr.Code == pgErrUndefinedTable || pgErr.Code == pgErrUndefinedColumn) {
			return nil, fmt.Errorf("module %s: %w", m.Key, err)
		}
		return nil, err
	}
	defer rows.Close()

	var out []gateway.Record
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var rec gateway.Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			// Malformed rows are skipped rather than failing the module.
			continue
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
