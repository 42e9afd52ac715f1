package shared

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrIncompleteAudit rejects audit entries missing a tenant, action or entity.
var ErrIncompleteAudit = errors.New("audit log requires tenant, action, entity and entity id")

// AuditLog is one row of audit_logs. Meta is stored as jsonb.
type AuditLog struct {
	TenantID int64
	ActorID  int64
	Action   string
	Entity   string
	EntityID string
	Meta     map[string]any
	At       time.Time
}

// AuditLogger appends to audit_logs.
type AuditLogger struct {
	pool *pgxpool.Pool
}

// NewAuditLogger returns a new AuditLogger.
func NewAuditLogger(pool *pgxpool.Pool) *AuditLogger {
	return &AuditLogger{pool: pool}
}

// Record persists the entry, stamping the request correlation id into Meta.
func (l *AuditLogger) Record(ctx context.Context, log AuditLog) error {
	if l == nil || l.pool == nil {
		return errors.New("audit logger not initialised")
	}
	meta, at, err := prepareAudit(ctx, log)
	if err != nil {
		return err
	}
	_, err = l.pool.Exec(ctx, `INSERT INTO audit_logs (tenant_id, actor_id, action, entity, entity_id, meta, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`, log.TenantID, log.ActorID, log.Action, log.Entity, log.EntityID, meta, at)
	return err
}

func prepareAudit(ctx context.Context, log AuditLog) ([]byte, time.Time, error) {
	if log.TenantID == 0 || log.Action == "" || log.Entity == "" || log.EntityID == "" {
		return nil, time.Time{}, ErrIncompleteAudit
	}
	meta := make(map[string]any, len(log.Meta)+1)
	maps.Copy(meta, log.Meta)
	if correlationID := CorrelationIDFromContext(ctx); correlationID != "" {
		meta["correlation_id"] = correlationID
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, time.Time{}, err
	}
	at := log.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return raw, at, nil
}
