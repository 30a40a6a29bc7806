package domain

import "strings"

// Severity is the rule-level impact of a detected issue.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// RiskClass tells how much autonomy a remediation may have.
// Params: A (unattended), B (needs high history), C (always escalate).
// Returns: policy input for decision and confidence layers.
type RiskClass string

const (
	RiskA RiskClass = "A"
	RiskB RiskClass = "B"
	RiskC RiskClass = "C"
)

// Issue categories used for maintenance scoping and ticket grouping.
const (
	CategoryCPU     = "cpu"
	CategoryMemory  = "memory"
	CategoryDisk    = "disk"
	CategoryService = "service"
	CategoryProcess = "process"
)

// RuleResult is one evaluated signature for the current detection cycle.
// Params: signature identity, confidence 0-100, severity, risk, and playbooks.
// Returns: transient candidate consumed by the decision orchestrator.
type RuleResult struct {
	SignatureID        string    `json:"signature_id"`
	Confidence         float64   `json:"confidence"`
	Severity           Severity  `json:"severity"`
	RiskClass          RiskClass `json:"risk_class"`
	CandidatePlaybooks []string  `json:"candidate_playbooks"`
	Category           string    `json:"category"`
	ResourceID         string    `json:"resource_id"`
	ServiceName        string    `json:"service_name,omitempty"`
	Description        string    `json:"description"`
}

// PlaybookCandidate is one ranked remediation option.
type PlaybookCandidate struct {
	PlaybookID string  `json:"playbook_id"`
	Score      float64 `json:"score"`
}

// Tier1Result is the orchestrator verdict for one detection cycle.
// Params: winning signature, adjusted confidence, and escalation reasons.
// Returns: transient decision consumed by the runtime pipeline.
type Tier1Result struct {
	SignatureID        string              `json:"signature_id"`
	Severity           Severity            `json:"severity"`
	RiskClass          RiskClass           `json:"risk_class"`
	Category           string              `json:"category"`
	ResourceID         string              `json:"resource_id"`
	ServiceName        string              `json:"service_name,omitempty"`
	Description        string              `json:"description"`
	InitialConfidence  float64             `json:"initial_confidence"`
	AdjustedConfidence float64             `json:"adjusted_confidence"`
	ShouldEscalate     bool                `json:"should_escalate"`
	EscalationReasons  []string            `json:"escalation_reasons,omitempty"`
	Candidates         []PlaybookCandidate `json:"candidates"`
}

// TopPlaybook returns best ranked playbook identifier.
// Params: none.
// Returns: playbook ID and presence flag.
func (r Tier1Result) TopPlaybook() (string, bool) {
	if len(r.Candidates) == 0 {
		return "", false
	}
	return r.Candidates[0].PlaybookID, true
}

// SignatureFamily strips the per-resource suffix from dynamic signatures.
// Params: signature such as DISK_LOW_C or SERVICE_STOPPED_Spooler.
// Returns: family key such as DISK_LOW or SERVICE_STOPPED.
func SignatureFamily(signatureID string) string {
	for _, prefix := range []string{"DISK_LOW_", "SERVICE_STOPPED_"} {
		if strings.HasPrefix(signatureID, prefix) {
			return strings.TrimSuffix(prefix, "_")
		}
	}
	return signatureID
}
