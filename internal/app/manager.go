package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"opsisagent/internal/channel"
	"opsisagent/internal/clock"
	"opsisagent/internal/confidence"
	"opsisagent/internal/decision"
	"opsisagent/internal/domain"
	"opsisagent/internal/executor"
	"opsisagent/internal/maintenance"
	"opsisagent/internal/metrics"
	"opsisagent/internal/playbook"
	"opsisagent/internal/rules"
	"opsisagent/internal/state"
	"opsisagent/internal/tickets"
	"opsisagent/internal/trust"
)

// Additional escalation reasons raised by the runtime pipeline.
const (
	ReasonHistoryPolicy     = "history_policy"
	ReasonFlapping          = "flapping"
	ReasonRemediationFailed = "remediation_failed"
	ReasonPlaybookMissing   = "playbook_missing"
)

// Action is what the pipeline did with one detection.
type Action string

const (
	ActionNone              Action = "none"
	ActionDeduplicated      Action = "deduplicated"
	ActionDependency        Action = "suppressed_dependency"
	ActionMaintenance       Action = "suppressed_maintenance"
	ActionEscalated         Action = "escalated"
	ActionRateLimited       Action = "escalation_rate_limited"
	ActionRemediated        Action = "remediated"
	ActionRemediationFailed Action = "remediation_failed"
)

// Outcome reports one detection cycle.
type Outcome struct {
	Action   Action
	Verdict  *domain.Tier1Result
	Events   []domain.StateEvent
	TicketID string
	Report   *executor.Report
}

// TicketStore is the history surface used by the pipeline.
type TicketStore interface {
	Append(ctx context.Context, ticket tickets.Ticket) (tickets.Ticket, error)
	Recent(ctx context.Context, limit int) ([]tickets.Ticket, error)
	Stats(ctx context.Context) (tickets.Stats, error)
}

// Controller sends signed messages to the remote controller.
type Controller interface {
	Escalate(ctx context.Context, payload map[string]any) error
	Send(ctx context.Context, msgType string, payload map[string]any) error
	SendSigned(ctx context.Context, signed map[string]any) error
}

// Deps carries manager collaborators.
type Deps struct {
	Rules        *rules.Engine
	Adjuster     *confidence.Adjuster
	Orchestrator *decision.Orchestrator
	Tracker      *state.Tracker
	Topology     *state.SnapshotTopology
	Gate         *maintenance.Gate
	Catalog      *playbook.Catalog
	Runbooks     *playbook.RunbookCache
	Executor     *executor.Guarded
	Tickets      TicketStore
	Controller   Controller
	Rotator      *trust.Rotator
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
	Clock        clock.Clock
}

// Manager runs the detection pipeline and controller command handlers.
// Params: collaborators wired by Service.
// Returns: snapshot sink and periodic sweep entrypoints.
type Manager struct {
	rules        *rules.Engine
	adjuster     *confidence.Adjuster
	orchestrator *decision.Orchestrator
	tracker      *state.Tracker
	topology     *state.SnapshotTopology
	gate         *maintenance.Gate
	catalog      *playbook.Catalog
	runbooks     *playbook.RunbookCache
	executor     *executor.Guarded
	tickets      TicketStore
	controller   Controller
	rotator      *trust.Rotator
	metrics      *metrics.Metrics
	logger       *slog.Logger
	clock        clock.Clock
}

// NewManager creates manager from collaborators.
func NewManager(deps Deps) *Manager {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = clock.RealClock{}
	}
	return &Manager{
		rules:        deps.Rules,
		adjuster:     deps.Adjuster,
		orchestrator: deps.Orchestrator,
		tracker:      deps.Tracker,
		topology:     deps.Topology,
		gate:         deps.Gate,
		catalog:      deps.Catalog,
		runbooks:     deps.Runbooks,
		executor:     deps.Executor,
		tickets:      deps.Tickets,
		controller:   deps.Controller,
		rotator:      deps.Rotator,
		metrics:      deps.Metrics,
		logger:       deps.Logger,
		clock:        deps.Clock,
	}
}

// PushSnapshot processes one snapshot from HTTP or NATS ingest.
// Params: ctx and validated snapshot.
// Returns: processing error.
func (m *Manager) PushSnapshot(ctx context.Context, snapshot domain.Metrics) error {
	_, err := m.ProcessSnapshot(ctx, snapshot)
	return err
}

// ProcessSnapshot runs rules, tracker, gate and the escalate/remediate branch.
// Params: ctx and snapshot.
// Returns: cycle outcome and ticket/store error.
func (m *Manager) ProcessSnapshot(ctx context.Context, snapshot domain.Metrics) (Outcome, error) {
	m.metrics.IncSnapshot()
	if m.topology != nil {
		m.topology.Observe(snapshot)
	}

	observed := m.rules.ObservedStates(snapshot)
	m.settleAbsentProcesses(observed)
	ids := make([]string, 0, len(observed))
	for id := range observed {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := Outcome{Action: ActionNone}
	byResource := make(map[string][]domain.StateEvent)
	for _, id := range ids {
		for _, event := range m.tracker.CheckState(ctx, id, observed[id]) {
			byResource[event.ResourceID] = append(byResource[event.ResourceID], event)
			out.Events = append(out.Events, event)
		}
	}

	verdict := m.orchestrator.Analyze(snapshot)
	if verdict == nil {
		return out, nil
	}
	out.Verdict = verdict
	m.metrics.IncDetection(domain.SignatureFamily(verdict.SignatureID))

	events, changed := byResource[verdict.ResourceID]
	if !changed {
		m.logger.Debug("detection deduplicated", "signature_id", verdict.SignatureID, "resource_id", verdict.ResourceID)
		out.Action = ActionDeduplicated
		return out, nil
	}

	if verdict.Category == domain.CategoryService && verdict.ServiceName != "" {
		if parent, down := m.tracker.DownParent(verdict.ServiceName); down {
			m.logger.Info("detection suppressed by parent outage", "signature_id", verdict.SignatureID, "parent", parent)
			m.metrics.IncSuppression("dependency")
			ticket, err := m.record(ctx, *verdict, tickets.StatusSuppressed, "", "parent "+parent+" is down")
			out.Action, out.TicketID = ActionDependency, ticket.ID
			return out, err
		}
	}

	reasons := append([]string(nil), verdict.EscalationReasons...)
	if m.adjuster.ShouldEscalate(verdict.SignatureID, verdict.RiskClass) {
		reasons = appendReason(reasons, ReasonHistoryPolicy)
	}
	for _, event := range events {
		if event.Type == domain.EventFlapping {
			reasons = appendReason(reasons, ReasonFlapping)
		}
	}

	gate := m.gate.IsUnderMaintenance(verdict.Category, verdict.ServiceName, verdict.SignatureID)
	if len(reasons) > 0 {
		if gate.SuppressesEscalation() {
			return m.suppressByMaintenance(ctx, out, gate)
		}
		return m.escalate(ctx, out, reasons)
	}
	if gate.SuppressesRemediation() {
		return m.suppressByMaintenance(ctx, out, gate)
	}
	return m.remediate(ctx, out, gate)
}

func (m *Manager) suppressByMaintenance(ctx context.Context, out Outcome, gate maintenance.Result) (Outcome, error) {
	m.metrics.IncSuppression("maintenance")
	m.logger.Info("detection suppressed by maintenance", "signature_id", out.Verdict.SignatureID, "window_id", gate.Window.ID)
	ticket, err := m.record(ctx, *out.Verdict, tickets.StatusSuppressed, "", gate.Reason)
	out.Action, out.TicketID = ActionMaintenance, ticket.ID
	return out, err
}

func (m *Manager) escalate(ctx context.Context, out Outcome, reasons []string) (Outcome, error) {
	verdict := *out.Verdict
	verdict.ShouldEscalate = true
	verdict.EscalationReasons = reasons
	out.Verdict = &verdict

	ticket, err := m.appendTicket(ctx, tickets.Ticket{
		SignatureID:       verdict.SignatureID,
		ResourceID:        verdict.ResourceID,
		Category:          verdict.Category,
		Severity:          verdict.Severity,
		Description:       verdict.Description,
		Status:            tickets.StatusEscalated,
		Escalated:         true,
		EscalationReasons: reasons,
		Source:            "agent",
	})
	out.TicketID = ticket.ID
	if err != nil {
		return out, err
	}
	for _, reason := range reasons {
		m.metrics.IncEscalation(reason)
	}

	out.Action = ActionEscalated
	if m.controller == nil {
		m.logger.Warn("controller channel disabled, escalation recorded locally", "signature_id", verdict.SignatureID, "ticket_id", ticket.ID)
		return out, nil
	}
	payload := escalationPayload(verdict, ticket.ID)
	if resource, ok := m.tracker.Get(verdict.ResourceID); ok {
		payload["tracker_severity"] = string(resource.SeverityLevel)
		payload["signal_count"] = resource.SignalCount
	}
	if err := m.controller.Escalate(ctx, payload); err != nil {
		if errors.Is(err, channel.ErrRateLimited) {
			out.Action = ActionRateLimited
			return out, nil
		}
		m.logger.Error("escalation publish failed", "signature_id", verdict.SignatureID, "ticket_id", ticket.ID, "error", err.Error())
		return out, nil
	}
	m.logger.Info("issue escalated", "signature_id", verdict.SignatureID, "resource_id", verdict.ResourceID, "reasons", reasons)
	return out, nil
}

func (m *Manager) remediate(ctx context.Context, out Outcome, gate maintenance.Result) (Outcome, error) {
	verdict := *out.Verdict
	pb, ok := m.resolveCatalogPlaybook(verdict)
	if !ok {
		return m.escalate(ctx, out, []string{ReasonPlaybookMissing})
	}

	report, runErr := m.executor.RunPlaybook(ctx, playbook.Render(pb, playbook.VarsFor(verdict)), m.clock.Now)
	out.Report = &report
	success := runErr == nil && report.Success
	rate := m.adjuster.RecordOutcome(verdict.SignatureID, success)

	ticket := tickets.Ticket{
		SignatureID: verdict.SignatureID,
		ResourceID:  verdict.ResourceID,
		Category:    verdict.Category,
		Severity:    verdict.Severity,
		Description: verdict.Description,
		PlaybookID:  pb.ID,
		ExecutionID: report.ExecutionID,
		Source:      "agent",
	}
	if success {
		m.metrics.IncRemediation("success")
		ticket.Status, ticket.Result = tickets.StatusResolved, tickets.ResultSuccess
		stored, err := m.appendTicket(ctx, ticket)
		out.Action, out.TicketID = ActionRemediated, stored.ID
		m.logger.Info("remediation succeeded", "signature_id", verdict.SignatureID, "playbook_id", pb.ID, "success_rate", rate)
		return out, err
	}

	m.metrics.IncRemediation("failure")
	ticket.Status, ticket.Result = tickets.StatusFailed, tickets.ResultFailure
	if runErr != nil {
		ticket.Error = runErr.Error()
	}
	if _, err := m.appendTicket(ctx, ticket); err != nil {
		return out, err
	}
	m.logger.Warn("remediation failed", "signature_id", verdict.SignatureID, "playbook_id", pb.ID, "success_rate", rate)

	if gate.SuppressesEscalation() {
		out.Action = ActionRemediationFailed
		return out, nil
	}
	escalated, err := m.escalate(ctx, out, []string{ReasonRemediationFailed})
	if escalated.Action == ActionEscalated {
		escalated.Action = ActionRemediationFailed
	}
	return escalated, err
}

func (m *Manager) resolveCatalogPlaybook(verdict domain.Tier1Result) (domain.Playbook, bool) {
	for _, candidate := range verdict.Candidates {
		if pb, ok := m.catalog.Get(candidate.PlaybookID); ok {
			return pb, true
		}
	}
	return domain.Playbook{}, false
}

// settleAbsentProcesses marks tracked process resources missing from a snapshot as normal.
// Rules only report processes while they misbehave, so absence is the recovery signal.
func (m *Manager) settleAbsentProcesses(observed map[string]string) {
	for _, resource := range m.tracker.Snapshot() {
		if domain.ResourceType(resource.ResourceID) != "process" || domain.IsHealthyState(resource.CurrentState) {
			continue
		}
		if _, seen := observed[resource.ResourceID]; !seen {
			observed[resource.ResourceID] = rules.StateNormal
		}
	}
}

// SweepSeverities runs severity escalation and the flap stability check.
// Params: ctx.
// Returns: emitted tracker events.
func (m *Manager) SweepSeverities(ctx context.Context) []domain.StateEvent {
	events := m.tracker.EscalateSeverities(ctx)
	events = append(events, m.tracker.CheckStability(ctx)...)
	for _, event := range events {
		m.logger.Info("tracker event", "type", string(event.Type), "resource_id", event.ResourceID, "severity", string(event.Severity))
		if m.controller == nil {
			continue
		}
		payload := map[string]any{
			"event":       string(event.Type),
			"resource_id": event.ResourceID,
			"severity":    string(event.Severity),
			"at":          event.At.UTC().Format(time.RFC3339),
		}
		if err := m.controller.Send(ctx, channel.TypeTelemetry, payload); err != nil {
			m.logger.Warn("telemetry publish failed", "resource_id", event.ResourceID, "error", err.Error())
		}
	}
	return events
}

// WindowExpired reports a maintenance window that just ended.
func (m *Manager) WindowExpired(window domain.MaintenanceWindow) {
	m.logger.Info("maintenance window expired", "window_id", window.ID, "source", string(window.Source))
	if m.controller == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	payload := map[string]any{
		"event":     "maintenance_window_expired",
		"window_id": window.ID,
		"ended_at":  window.EndTime.UTC().Format(time.RFC3339),
	}
	if err := m.controller.Send(ctx, channel.TypeTelemetry, payload); err != nil {
		m.logger.Warn("telemetry publish failed", "window_id", window.ID, "error", err.Error())
	}
}

// Stats returns ticket statistics plus per-resource health scores.
func (m *Manager) Stats(ctx context.Context) (tickets.Stats, map[string]int, error) {
	stats, err := m.tickets.Stats(ctx)
	if err != nil {
		return tickets.Stats{}, nil, err
	}
	return stats, m.tracker.HealthScores(), nil
}

func (m *Manager) record(ctx context.Context, verdict domain.Tier1Result, status, result, note string) (tickets.Ticket, error) {
	return m.appendTicket(ctx, tickets.Ticket{
		SignatureID: verdict.SignatureID,
		ResourceID:  verdict.ResourceID,
		Category:    verdict.Category,
		Severity:    verdict.Severity,
		Description: verdict.Description,
		Status:      status,
		Result:      result,
		Error:       note,
		Source:      "agent",
	})
}

func (m *Manager) appendTicket(ctx context.Context, ticket tickets.Ticket) (tickets.Ticket, error) {
	stored, err := m.tickets.Append(ctx, ticket)
	if err != nil {
		return stored, fmt.Errorf("append ticket %s: %w", ticket.SignatureID, err)
	}
	return stored, nil
}

func escalationPayload(verdict domain.Tier1Result, ticketID string) map[string]any {
	candidates := make([]any, 0, len(verdict.Candidates))
	for _, candidate := range verdict.Candidates {
		candidates = append(candidates, map[string]any{"playbook_id": candidate.PlaybookID, "score": candidate.Score})
	}
	reasons := make([]any, 0, len(verdict.EscalationReasons))
	for _, reason := range verdict.EscalationReasons {
		reasons = append(reasons, reason)
	}
	return map[string]any{
		"ticket_id":    ticketID,
		"signature_id": verdict.SignatureID,
		"resource_id":  verdict.ResourceID,
		"category":     verdict.Category,
		"severity":     string(verdict.Severity),
		"risk_class":   string(verdict.RiskClass),
		"confidence":   verdict.AdjustedConfidence,
		"description":  verdict.Description,
		"reasons":      reasons,
		"candidates":   candidates,
	}
}

func appendReason(reasons []string, reason string) []string {
	for _, existing := range reasons {
		if existing == reason {
			return reasons
		}
	}
	return append(reasons, reason)
}
