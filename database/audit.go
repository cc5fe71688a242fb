package database

import (
	"context"
	"log/slog"
	"time"

	"github.com/goliatone/go-entity-store/entity"
)

// AuditAction is the kind of change an audit record describes.
type AuditAction string

const (
	ActionInsert     AuditAction = "insert"
	ActionUpdate     AuditAction = "update"
	ActionDelete     AuditAction = "delete"
	ActionSoftDelete AuditAction = "soft_delete"
)

// AuditEntry describes one persisted change.
type AuditEntry struct {
	Action    AuditAction `json:"action"`
	Type      string      `json:"type"`
	ID        string      `json:"id"`
	Version   uint64      `json:"version"`
	InTx      bool        `json:"inTx"`
	CreatedAt time.Time   `json:"createdAt"`
}

// Auditor records application events for saves and deletes.
type Auditor interface {
	Record(ctx context.Context, entry AuditEntry)
}

// AuditorFunc adapts a function to Auditor.
type AuditorFunc func(ctx context.Context, entry AuditEntry)

// Record implements Auditor.
func (f AuditorFunc) Record(ctx context.Context, entry AuditEntry) { f(ctx, entry) }

// LogAuditor writes audit entries to a slog logger at info level.
type LogAuditor struct {
	logger *slog.Logger
}

// NewLogAuditor returns an auditor writing to logger, or slog.Default when nil.
func NewLogAuditor(logger *slog.Logger) *LogAuditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogAuditor{logger: logger}
}

// Record implements Auditor.
func (a *LogAuditor) Record(ctx context.Context, entry AuditEntry) {
	a.logger.InfoContext(ctx, "entity "+string(entry.Action),
		"type", entry.Type,
		"id", entry.ID,
		"version", entry.Version,
		"in_tx", entry.InTx,
	)
}

func (db *Database) audit(ctx context.Context, action AuditAction, e entity.Entity, inTx bool) {
	if db.auditor == nil {
		return
	}
	key := entity.KeyOf(e)
	db.auditor.Record(ctx, AuditEntry{
		Action:    action,
		Type:      entity.TypeName(key.Type),
		ID:        key.ID,
		Version:   e.EntityMeta().Version(),
		InTx:      inTx,
		CreatedAt: db.now(),
	})
}
