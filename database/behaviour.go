package database

import (
	"context"
	"strings"
)

// Behaviour suppresses individual steps of Save and Delete.
type Behaviour uint16

const (
	BypassValidation Behaviour = 1 << iota
	BypassSaving
	BypassSaved
	BypassLogging
	BypassDeleting
	BypassDeleted
)

// Default runs every step.
const Default Behaviour = 0

// BypassAll skips validation, every notification and the audit record.
const BypassAll = BypassValidation | BypassSaving | BypassSaved | BypassLogging | BypassDeleting | BypassDeleted

// Has reports whether every flag in f is set.
func (b Behaviour) Has(f Behaviour) bool {
	return b&f == f
}

func (b Behaviour) String() string {
	if b == Default {
		return "default"
	}
	names := []struct {
		flag Behaviour
		name string
	}{
		{BypassValidation, "bypass_validation"},
		{BypassSaving, "bypass_saving"},
		{BypassSaved, "bypass_saved"},
		{BypassLogging, "bypass_logging"},
		{BypassDeleting, "bypass_deleting"},
		{BypassDeleted, "bypass_deleted"},
	}
	var parts []string
	for _, n := range names {
		if b.Has(n.flag) {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

func combine(bs []Behaviour) Behaviour {
	var out Behaviour
	for _, b := range bs {
		out |= b
	}
	return out
}

type softDeleteBypassKey struct{}

// WithSoftDeleteBypass returns a context in which Delete removes soft
// deletable records physically and list queries include flagged records.
func WithSoftDeleteBypass(ctx context.Context) context.Context {
	return context.WithValue(ctx, softDeleteBypassKey{}, true)
}

// SoftDeleteBypassed reports whether ctx bypasses soft delete.
func SoftDeleteBypassed(ctx context.Context) bool {
	v, _ := ctx.Value(softDeleteBypassKey{}).(bool)
	return v
}
