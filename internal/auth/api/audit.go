package authapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditEvent is one security-relevant action.
type AuditEvent struct {
	Action    string
	Username  string
	SessionID string
	IP        string
	UserAgent string
	Meta      map[string]any
}

// Auditor records audit events. Implementations must not fail the request.
type Auditor interface {
	Record(ctx context.Context, ev AuditEvent)
}

// LogAuditor writes audit events to the structured log.
type LogAuditor struct {
	Log *slog.Logger
}

func (a LogAuditor) Record(_ context.Context, ev AuditEvent) {
	log := a.Log
	if log == nil {
		log = slog.Default()
	}
	log.Info("audit."+ev.Action,
		"username", ev.Username,
		"session_id", ev.SessionID,
		"ip", ev.IP,
		"user_agent", ev.UserAgent,
		"meta", ev.Meta,
	)
}

// PostgresAuditor appends events to <schema>.audit_log.
type PostgresAuditor struct {
	pool  *pgxpool.Pool
	log   *slog.Logger
	table string
}

// NewPostgresAuditor writes into schema.audit_log (schema "chatmate" when empty).
func NewPostgresAuditor(pool *pgxpool.Pool, log *slog.Logger, schema string) *PostgresAuditor {
	if log == nil {
		log = slog.Default()
	}
	if strings.TrimSpace(schema) == "" {
		schema = "chatmate"
	}
	return &PostgresAuditor{
		pool:  pool,
		log:   log,
		table: pgx.Identifier{schema, "audit_log"}.Sanitize(),
	}
}

func (a *PostgresAuditor) Record(ctx context.Context, ev AuditEvent) {
	if a == nil || a.pool == nil {
		return
	}
	action := strings.TrimSpace(ev.Action)
	if action == "" {
		return
	}

	var metaVal *string
	if len(ev.Meta) > 0 {
		if b, err := json.Marshal(ev.Meta); err == nil {
			s := string(b)
			metaVal = &s
		}
	}

	_, err := a.pool.Exec(ctx, `
		INSERT INTO `+a.table+` (
			action, username, session_id, ip, user_agent, meta, created_at
		) VALUES ($1, $2, $3, $4, $5, $6::jsonb, now())
	`, action, trimOrNil(ev.Username), trimOrNil(ev.SessionID), trimOrNil(ev.IP), trimOrNil(ev.UserAgent), metaVal)
	if err != nil {
		a.log.Error("auth.audit.insert.fail", "err", err, "action", action)
	}
}

func trimOrNil(s string) any {
	v := strings.TrimSpace(s)
	if v == "" {
		return nil
	}
	return v
}

func (h *Handler) audit(ctx context.Context, action string, rc requestContext, username, sessionID string, meta map[string]any) {
	if h.auditor == nil {
		return
	}
	// The request context may already be cancelled once the response is written.
	h.auditor.Record(context.WithoutCancel(ctx), AuditEvent{
		Action:    action,
		Username:  username,
		SessionID: sessionID,
		IP:        rc.ip,
		UserAgent: rc.userAgent,
		Meta:      meta,
	})
}
