package domain

import "time"

// ScopeType selects what a maintenance window covers.
type ScopeType string

const (
	ScopeAll        ScopeType = "all"
	ScopeServices   ScopeType = "services"
	ScopeCategories ScopeType = "categories"
	ScopeSpecific   ScopeType = "specific"
)

// WindowSource records who declared a window.
type WindowSource string

const (
	SourceServer     WindowSource = "server"
	SourceTechnician WindowSource = "technician"
	SourceSchedule   WindowSource = "schedule"
)

// MaintenanceScope is the tagged variant of window coverage.
// Params: scope type and list matching that type.
// Returns: matcher input for the maintenance gate.
type MaintenanceScope struct {
	Type       ScopeType `json:"type" validate:"required,oneof=all services categories specific"`
	Services   []string  `json:"services,omitempty" validate:"required_if=Type services,dive,required"`
	Categories []string  `json:"categories,omitempty" validate:"required_if=Type categories,dive,required"`
	SignalIDs  []string  `json:"signal_ids,omitempty" validate:"required_if=Type specific,dive,required"`
}

// MaintenanceWindow is one declared suppression period.
// Params: time range, scope, suppression flags, and provenance.
// Returns: persisted gate entry.
type MaintenanceWindow struct {
	ID                  string           `json:"id" validate:"required"`
	StartTime           time.Time        `json:"start_time" validate:"required"`
	EndTime             time.Time        `json:"end_time" validate:"required,gtfield=StartTime"`
	Scope               MaintenanceScope `json:"scope"`
	SuppressEscalation  bool             `json:"suppress_escalation"`
	SuppressRemediation bool             `json:"suppress_remediation"`
	Source              WindowSource     `json:"source" validate:"required,oneof=server technician schedule"`
	Reason              string           `json:"reason,omitempty"`
	CreatedAt           time.Time        `json:"created_at"`
}

// ActiveAt reports whether instant lies within [start,end].
// Params: instant to test.
// Returns: true when window is active.
func (w MaintenanceWindow) ActiveAt(now time.Time) bool {
	return !now.Before(w.StartTime) && !now.After(w.EndTime)
}
