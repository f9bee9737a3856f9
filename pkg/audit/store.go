package audit

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5/pgconn"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PGStore appends records to the audit_records table. Rows are append-only;
// nothing in the gateway updates or deletes them.
type PGStore struct {
	DB auditDB
}

func (s *PGStore) Append(ctx context.Context, rec Record) error {
	roles, _ := json.Marshal(rec.Roles)
	_, err := s.DB.Exec(ctx, `
		INSERT INTO audit_records
		(request_id, operation, method, path, "user", roles, client_ip, status_code, duration_ms, policy_decision, request_body, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, rec.RequestID, rec.Operation, rec.Method, rec.Path, rec.User, roles, rec.ClientIP,
		rec.StatusCode, rec.DurationMS, rec.PolicyDecision, rec.RequestBody, rec.CreatedAt)
	return err
}
