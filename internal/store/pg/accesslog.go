package pg

import (
	"context"
	"database/sql"
	"time"

	"auditgate.org/internal/gateway"
	"auditgate.org/internal/ids"
)

// AppendAccessLog inserts entry. Rows are never updated or deleted; a replay
// of an already stored id is ignored.
func (s *Store) AppendAccessLog(ctx context.Context, e gateway.LogEntry) error {
	if e.ID == "" {
		e.ID = ids.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		insert into audit_access_log
			(id, session_id, organization_id, module, action, resource_id, resource_type, resource_name, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		on conflict (id) do nothing`,
		e.ID, e.SessionID, e.OrganizationID, nullIfEmpty(e.Module), string(e.Action),
		nullIfEmpty(e.ResourceID), nullIfEmpty(e.ResourceType), nullIfEmpty(e.ResourceName), e.CreatedAt)
	return err
}

func (s *Store) ListAccessLog(ctx context.Context, sessionID string, limit int) ([]gateway.LogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, session_id, organization_id, module, action, resource_id, resource_type, resource_name, created_at
		from audit_access_log
		where session_id = $1
		order by created_at desc, id desc
		limit $2`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []gateway.LogEntry
	for rows.Next() {
		var (
			e                      gateway.LogEntry
			action                 string
			module, resID, resType sql.NullString
			resName                sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.OrganizationID, &module, &action,
			&resID, &resType, &resName, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Action = gateway.Action(action)
		e.Module = module.String
		e.ResourceID = resID.String
		e.ResourceType = resType.String
		e.ResourceName = resName.String
		e.CreatedAt = e.CreatedAt.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}
