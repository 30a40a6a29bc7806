package app

import (
	"context"
	"errors"
	"fmt"

	"opsisagent/internal/channel"
	"opsisagent/internal/domain"
	"opsisagent/internal/executor"
	"opsisagent/internal/playbook"
	"opsisagent/internal/tickets"
	"opsisagent/internal/trust"
)

// ticketLookupWindow bounds the history scan for escalation responses.
const ticketLookupWindow = 500

// RegisterHandlers binds controller message types to manager operations.
func (m *Manager) RegisterHandlers(dispatcher *channel.Dispatcher) {
	dispatcher.Handle(channel.TypeKeyRotation, m.handleKeyRotation)
	dispatcher.Handle(channel.TypeExecutePlaybook, m.handleExecutePlaybook)
	dispatcher.Handle(channel.TypeDiagnosticRequest, m.handleDiagnostic)
	dispatcher.Handle(channel.TypeEscalationResponse, m.handleEscalationResponse)
	dispatcher.Handle(channel.TypeUpdateConfig, m.handleUpdateConfig)
}

func (m *Manager) handleKeyRotation(ctx context.Context, msg trust.Verified) error {
	if m.rotator == nil {
		return errors.New("key rotation is not configured")
	}
	ack, err := m.rotator.Rotate(ctx, msg)
	if err != nil {
		return err
	}
	m.logger.Info("credentials rotated", "rotation_id", ack["rotation_id"])
	if m.controller == nil {
		return nil
	}
	return m.controller.SendSigned(ctx, ack)
}

func (m *Manager) handleExecutePlaybook(ctx context.Context, msg trust.Verified) error {
	var req channel.ExecutePlaybook
	if err := msg.Decode(&req); err != nil {
		return fmt.Errorf("decode execute_playbook: %w", err)
	}

	pb, err := m.controllerPlaybook(ctx, req)
	if err != nil {
		m.replyExecution(ctx, req, nil, err)
		return err
	}
	report, runErr := m.executor.RunPlaybook(ctx, playbook.Render(pb, req.Vars), m.clock.Now)

	ticket := tickets.Ticket{
		SignatureID: "CONTROLLER_" + pb.ID,
		Description: "controller requested playbook " + pb.ID,
		PlaybookID:  pb.ID,
		ExecutionID: report.ExecutionID,
		Source:      "controller",
		Status:      tickets.StatusResolved,
		Result:      tickets.ResultSuccess,
	}
	if runErr != nil || !report.Success {
		ticket.Status, ticket.Result = tickets.StatusFailed, tickets.ResultFailure
		if runErr != nil {
			ticket.Error = runErr.Error()
		}
	}
	if _, err := m.appendTicket(ctx, ticket); err != nil {
		m.logger.Warn("controller execution ticket not stored", "error", err.Error())
	}
	m.replyExecution(ctx, req, &report, runErr)
	return nil
}

// controllerPlaybook resolves an inline runbook (cached with its hash) or a
// cached/catalog playbook by ID.
func (m *Manager) controllerPlaybook(ctx context.Context, req channel.ExecutePlaybook) (domain.Playbook, error) {
	if req.Playbook != nil {
		if err := m.runbooks.Save(ctx, *req.Playbook); err != nil {
			return domain.Playbook{}, err
		}
		return *req.Playbook, nil
	}
	pb, err := m.runbooks.Load(ctx, req.PlaybookID)
	if err == nil {
		return pb, nil
	}
	if !errors.Is(err, playbook.ErrRunbookNotCached) {
		return domain.Playbook{}, err
	}
	if pb, ok := m.catalog.Get(req.PlaybookID); ok {
		return pb, nil
	}
	return domain.Playbook{}, fmt.Errorf("unknown playbook %q", req.PlaybookID)
}

func (m *Manager) replyExecution(ctx context.Context, req channel.ExecutePlaybook, report *executor.Report, err error) {
	if m.controller == nil {
		return
	}
	payload := map[string]any{
		"request_id": req.RequestID,
		"success":    err == nil && report != nil && report.Success,
	}
	if report != nil {
		payload["execution_id"] = report.ExecutionID
		payload["playbook_id"] = report.PlaybookID
		payload["steps_run"] = len(report.Steps)
	}
	if err != nil {
		payload["error"] = err.Error()
	}
	if sendErr := m.controller.Send(ctx, channel.TypeExecutionResult, payload); sendErr != nil {
		m.logger.Warn("execution result publish failed", "request_id", req.RequestID, "error", sendErr.Error())
	}
}

func (m *Manager) handleDiagnostic(ctx context.Context, msg trust.Verified) error {
	var req channel.DiagnosticRequest
	if err := msg.Decode(&req); err != nil {
		return fmt.Errorf("decode diagnostic_request: %w", err)
	}
	result, err := m.executor.RunDiagnostic(ctx, req.Command)
	payload := map[string]any{
		"request_id": req.RequestID,
		"success":    err == nil && result.Success,
		"output":     result.Output,
		"exit_code":  result.ExitCode,
	}
	if err != nil {
		payload["error"] = err.Error()
	} else if result.Error != "" {
		payload["error"] = result.Error
	}
	if m.controller != nil {
		if sendErr := m.controller.Send(ctx, channel.TypeDiagnosticResult, payload); sendErr != nil {
			return sendErr
		}
	}
	return nil
}

func (m *Manager) handleEscalationResponse(ctx context.Context, msg trust.Verified) error {
	var resp channel.EscalationResponse
	if err := msg.Decode(&resp); err != nil {
		return fmt.Errorf("decode escalation_response: %w", err)
	}
	m.logger.Info("escalation response", "ticket_id", resp.TicketID, "action", resp.Action)
	if resp.Action != channel.ActionRemediate {
		return nil
	}

	original, found, err := m.findTicket(ctx, resp.TicketID)
	if err != nil {
		return err
	}
	playbookID := resp.PlaybookID
	if playbookID == "" && found {
		if ids := m.catalog.Lookup(original.SignatureID); len(ids) > 0 {
			playbookID = ids[0]
		}
	}
	pb, ok := m.catalog.Get(playbookID)
	if !ok {
		return fmt.Errorf("escalation response for %s names unknown playbook %q", resp.TicketID, playbookID)
	}
	vars := playbook.VarsFor(domain.Tier1Result{ResourceID: original.ResourceID})
	report, runErr := m.executor.RunPlaybook(ctx, playbook.Render(pb, vars), m.clock.Now)
	success := runErr == nil && report.Success
	if found {
		m.adjuster.RecordOutcome(original.SignatureID, success)
	}

	ticket := tickets.Ticket{
		SignatureID: original.SignatureID,
		ResourceID:  original.ResourceID,
		Category:    original.Category,
		Severity:    original.Severity,
		Description: "controller approved remediation for " + resp.TicketID,
		PlaybookID:  pb.ID,
		ExecutionID: report.ExecutionID,
		Source:      "controller",
		Status:      tickets.StatusResolved,
		Result:      tickets.ResultSuccess,
	}
	if !success {
		ticket.Status, ticket.Result = tickets.StatusFailed, tickets.ResultFailure
		if runErr != nil {
			ticket.Error = runErr.Error()
		}
	}
	_, err = m.appendTicket(ctx, ticket)
	return err
}

func (m *Manager) findTicket(ctx context.Context, id string) (tickets.Ticket, bool, error) {
	recent, err := m.tickets.Recent(ctx, ticketLookupWindow)
	if err != nil {
		return tickets.Ticket{}, false, err
	}
	for _, ticket := range recent {
		if ticket.ID == id {
			return ticket, true, nil
		}
	}
	return tickets.Ticket{}, false, nil
}

func (m *Manager) handleUpdateConfig(_ context.Context, msg trust.Verified) error {
	var req channel.UpdateConfig
	if err := msg.Decode(&req); err != nil {
		return fmt.Errorf("decode update_config: %w", err)
	}
	if req.EscalationThreshold != nil {
		previous := m.orchestrator.Threshold()
		if err := m.orchestrator.SetThreshold(*req.EscalationThreshold); err != nil {
			return err
		}
		m.logger.Info("escalation threshold updated", "previous", previous, "current", *req.EscalationThreshold)
	}
	return nil
}
