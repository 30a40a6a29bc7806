package decision

import (
	"fmt"
	"math"
	"sync"

	"opsisagent/internal/config"
	"opsisagent/internal/domain"
	"opsisagent/internal/rules"
)

// Escalation reasons attached to Tier1Result.
const (
	ReasonLowConfidence    = "low_confidence"
	ReasonRiskClass        = "risk_class"
	ReasonNoCandidates     = "no_candidates"
	ReasonCriticalSeverity = "critical_severity"
)

const rankDecay = 0.9

// Evaluator is the rules engine surface used by the orchestrator.
type Evaluator interface {
	Evaluate(m domain.Metrics) []domain.RuleResult
}

// ConfidenceSource adjusts rule confidence from history.
type ConfidenceSource interface {
	AdjustConfidence(signature string, initial float64) float64
}

// Orchestrator turns one snapshot into a Tier1 verdict.
// Params: rules evaluator, confidence source, and escalation threshold.
// Returns: concurrent-safe orchestrator.
type Orchestrator struct {
	rules      Evaluator
	confidence ConfidenceSource

	mu        sync.RWMutex
	threshold float64
}

// New creates orchestrator.
// Params: evaluator, confidence source, and decision config.
// Returns: orchestrator.
func New(evaluator Evaluator, confidence ConfidenceSource, cfg config.DecisionConfig) *Orchestrator {
	return &Orchestrator{rules: evaluator, confidence: confidence, threshold: cfg.EscalationThreshold}
}

// Threshold returns current escalation threshold.
func (o *Orchestrator) Threshold() float64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.threshold
}

// SetThreshold changes escalation threshold at runtime.
// Params: new threshold within [0,100].
// Returns: validation error.
func (o *Orchestrator) SetThreshold(value float64) error {
	if math.IsNaN(value) || value < 0 || value > 100 {
		return fmt.Errorf("escalation threshold must be within [0,100], got %v", value)
	}
	o.mu.Lock()
	o.threshold = value
	o.mu.Unlock()
	return nil
}

// Analyze evaluates rules and builds the verdict for the best match.
// Params: metrics snapshot.
// Returns: verdict, or nil when no rule fired.
func (o *Orchestrator) Analyze(m domain.Metrics) *domain.Tier1Result {
	results := o.rules.Evaluate(m)
	best, ok := rules.BestMatch(results)
	if !ok {
		return nil
	}
	result := o.Decide(best)
	return &result
}

// Decide builds the verdict for one rule result.
// Params: winning rule result.
// Returns: Tier1 verdict with ranked candidates and escalation reasons.
func (o *Orchestrator) Decide(best domain.RuleResult) domain.Tier1Result {
	adjusted := best.Confidence
	if o.confidence != nil {
		adjusted = o.confidence.AdjustConfidence(best.SignatureID, best.Confidence)
	}

	candidates := make([]domain.PlaybookCandidate, 0, len(best.CandidatePlaybooks))
	for rank, playbookID := range best.CandidatePlaybooks {
		candidates = append(candidates, domain.PlaybookCandidate{
			PlaybookID: playbookID,
			Score:      adjusted * math.Pow(rankDecay, float64(rank)),
		})
	}

	reasons := make([]string, 0, 4)
	if adjusted < o.Threshold() {
		reasons = append(reasons, ReasonLowConfidence)
	}
	if best.RiskClass == domain.RiskB || best.RiskClass == domain.RiskC {
		reasons = append(reasons, ReasonRiskClass)
	}
	if len(candidates) == 0 {
		reasons = append(reasons, ReasonNoCandidates)
	}
	if best.Severity == domain.SeverityCritical {
		reasons = append(reasons, ReasonCriticalSeverity)
	}

	return domain.Tier1Result{
		SignatureID:        best.SignatureID,
		Severity:           best.Severity,
		RiskClass:          best.RiskClass,
		Category:           best.Category,
		ResourceID:         best.ResourceID,
		ServiceName:        best.ServiceName,
		Description:        best.Description,
		InitialConfidence:  best.Confidence,
		AdjustedConfidence: adjusted,
		ShouldEscalate:     len(reasons) > 0,
		EscalationReasons:  reasons,
		Candidates:         candidates,
	}
}
