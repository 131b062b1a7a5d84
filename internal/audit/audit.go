// Package audit provides an immutable, actor-scoped record of operator and
// system actions against applications and Proxmox hosts.
//
// Grounded on internal/daemon/sandbox_manager.go's dual-write pattern
// (m.store.RecordEvent(...) alongside m.logger.Printf(...)): every Record call
// here inserts the same row into db's audit_log table (for query-ability,
// via Store.RecordAuditLog) and emits one structured zerolog line (for
// operators tailing the daemon's log stream), using the zerolog library
// cuemby-warren wires for exactly this kind of structured event line.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agentlab/prox-orchd/internal/models"
)

// recorder is the subset of *db.Store the Logger needs.
type recorder interface {
	RecordAuditLog(ctx context.Context, entry models.AuditLog) error
}

// Logger records audit events to both the database and a structured log sink.
type Logger struct {
	store  recorder
	logger zerolog.Logger
	now    func() time.Time
}

// New returns a Logger. store must not be nil; the caller's zerolog.Logger
// is given a "component=audit" field to key off of in log aggregation.
func New(store recorder, logger zerolog.Logger) *Logger {
	return &Logger{
		store:  store,
		logger: logger.With().Str("component", "audit").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Record writes one audit entry. A database write failure is logged but
// never returned to the caller: auditing must not block the action it
// describes from completing.
func (l *Logger) Record(ctx context.Context, actor, action, resourceKind, resourceID string, details map[string]any, clientIP string) {
	if l == nil {
		return
	}
	entry := models.AuditLog{
		ID:           uuid.NewString(),
		Actor:        actor,
		Action:       action,
		ResourceKind: resourceKind,
		ResourceID:   resourceID,
		Details:      details,
		ClientIP:     clientIP,
		CreatedAt:    l.now(),
	}

	event := l.logger.Info().
		Str("actor", actor).
		Str("action", action).
		Str("resource_kind", resourceKind).
		Str("resource_id", resourceID)
	if clientIP != "" {
		event = event.Str("client_ip", clientIP)
	}
	for k, v := range details {
		event = event.Interface(k, v)
	}
	event.Msg("audit event")

	if l.store == nil {
		l.logger.Error().Msg("audit store is nil, event recorded to log only")
		return
	}
	if err := l.store.RecordAuditLog(ctx, entry); err != nil {
		l.logger.Error().Err(err).Msg("persist audit log entry failed")
	}
}
