package domain

import (
	"strings"
	"time"
)

// SeverityLevel is the tracker escalation ladder for an abnormal resource.
// Params: info/warning/high/critical constants.
// Returns: monotonic severity used by escalation sweeps.
type SeverityLevel string

const (
	LevelInfo     SeverityLevel = "info"
	LevelWarning  SeverityLevel = "warning"
	LevelHigh     SeverityLevel = "high"
	LevelCritical SeverityLevel = "critical"
)

// Rank orders severity levels for monotonic comparisons.
// Params: none.
// Returns: 0 for info up to 3 for critical.
func (l SeverityLevel) Rank() int {
	switch l {
	case LevelWarning:
		return 1
	case LevelHigh:
		return 2
	case LevelCritical:
		return 3
	default:
		return 0
	}
}

// ResourceState is the persisted per-resource record owned by the tracker.
// Params: current/previous labels, dedup counter, severity and flap markers.
// Returns: durable tracker row keyed by resource ID.
type ResourceState struct {
	ResourceID            string                      `json:"resourceId"`
	ResourceType          string                      `json:"resourceType"`
	CurrentState          string                      `json:"currentState"`
	PreviousState         string                      `json:"previousState,omitempty"`
	StateChangedAt        time.Time                   `json:"stateChangedAt"`
	LastSeenAt            time.Time                   `json:"lastSeenAt"`
	SignalCount           int                         `json:"signalCount"`
	SeverityLevel         SeverityLevel               `json:"severityLevel"`
	EscalationCheckpoints map[SeverityLevel]time.Time `json:"escalationCheckpoints"`
	TransitionHistory     []Transition                `json:"transitionHistory"`
	IsFlapping            bool                        `json:"isFlapping"`
	FlapDetectedAt        *time.Time                  `json:"flapDetectedAt,omitempty"`
}

// Transition is one recorded state change inside the flap window.
type Transition struct {
	At   time.Time `json:"at"`
	From string    `json:"from"`
	To   string    `json:"to"`
}

// Clone returns deep copy safe to hand out of the tracker lock.
// Params: none.
// Returns: independent resource state copy.
func (r ResourceState) Clone() ResourceState {
	out := r
	if r.EscalationCheckpoints != nil {
		out.EscalationCheckpoints = make(map[SeverityLevel]time.Time, len(r.EscalationCheckpoints))
		for level, at := range r.EscalationCheckpoints {
			out.EscalationCheckpoints[level] = at
		}
	}
	if r.TransitionHistory != nil {
		out.TransitionHistory = append([]Transition(nil), r.TransitionHistory...)
	}
	if r.FlapDetectedAt != nil {
		at := *r.FlapDetectedAt
		out.FlapDetectedAt = &at
	}
	return out
}

// IsHealthyState reports whether label is one of the synthetic healthy states.
// Params: raw state label.
// Returns: true for normal/running/ok (case-insensitive).
func IsHealthyState(state string) bool {
	switch strings.ToLower(strings.TrimSpace(state)) {
	case "normal", "running", "ok":
		return true
	default:
		return false
	}
}

// ResourceType derives the type prefix of a resource ID.
// Params: resource ID such as service:W32Time.
// Returns: prefix before the first colon, or the whole ID.
func ResourceType(resourceID string) string {
	if idx := strings.IndexByte(resourceID, ':'); idx > 0 {
		return resourceID[:idx]
	}
	return resourceID
}

// ResourceName returns the part of a resource ID after the type prefix.
// Params: resource ID.
// Returns: resource name.
func ResourceName(resourceID string) string {
	if idx := strings.IndexByte(resourceID, ':'); idx >= 0 {
		return resourceID[idx+1:]
	}
	return resourceID
}

// ServiceResourceID builds tracker key for an OS service.
func ServiceResourceID(name string) string {
	return "service:" + name
}

// EventType identifies tracker output.
type EventType string

const (
	EventNewState          EventType = "new_state"
	EventStateChanged      EventType = "state_changed"
	EventFlapping          EventType = "flapping"
	EventFlapCleared       EventType = "flap_cleared"
	EventSeverityEscalated EventType = "severity_escalated"
)

// StateEvent is one tracker notification.
// Params: event type, resource identity, transition and severity data.
// Returns: incident signal for the runtime pipeline.
type StateEvent struct {
	Type         EventType     `json:"type"`
	ResourceID   string        `json:"resource_id"`
	FromState    string        `json:"from_state,omitempty"`
	ToState      string        `json:"to_state,omitempty"`
	Severity     SeverityLevel `json:"severity"`
	PrevSeverity SeverityLevel `json:"prev_severity,omitempty"`
	Transitions  int           `json:"transitions,omitempty"`
	At           time.Time     `json:"at"`
}
