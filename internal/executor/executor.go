// Package executor is the boundary between validated remediation steps and
// whatever subsystem performs them on the host.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"opsisagent/internal/config"
	"opsisagent/internal/domain"
	"opsisagent/internal/metrics"
	"opsisagent/internal/trust"
)

// ErrStepFailed marks a step that ran and reported failure.
var ErrStepFailed = errors.New("remediation step failed")

// Executor performs one step on the host.
type Executor interface {
	Execute(ctx context.Context, step domain.Step) (domain.StepResult, error)
}

// New selects executor backend from config.
// Params: executor section and logger.
// Returns: backend or unsupported-backend error.
func New(cfg config.ExecutorConfig, logger *slog.Logger) (Executor, error) {
	switch cfg.Backend {
	case config.ExecutorBackendDryRun, "":
		return NewDryRun(logger), nil
	default:
		return nil, fmt.Errorf("unsupported executor backend %q", cfg.Backend)
	}
}

// DryRun logs steps without touching the host.
type DryRun struct {
	logger *slog.Logger
}

// NewDryRun creates logging-only backend.
func NewDryRun(logger *slog.Logger) *DryRun {
	if logger == nil {
		logger = slog.Default()
	}
	return &DryRun{logger: logger}
}

// Execute logs the step and reports success.
func (d *DryRun) Execute(ctx context.Context, step domain.Step) (domain.StepResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.StepResult{}, err
	}
	d.logger.Info("dry-run step", "step_type", step.Type, "target", step.Target, "command", step.Command)
	return domain.StepResult{Success: true, Output: "dry-run " + step.Type}, nil
}

// StepOutcome is the result of one executed playbook step.
type StepOutcome struct {
	Index  int               `json:"index"`
	Type   string            `json:"type"`
	Result domain.StepResult `json:"result"`
}

// Report summarizes one playbook run.
type Report struct {
	ExecutionID string        `json:"execution_id"`
	PlaybookID  string        `json:"playbook_id"`
	Success     bool          `json:"success"`
	Steps       []StepOutcome `json:"steps"`
	StartedAt   time.Time     `json:"started_at"`
	FinishedAt  time.Time     `json:"finished_at"`
}

// Guarded validates every step before handing it to the backend.
// Params: backend, step validator, default timeout, metrics and logger.
// Returns: executor that never dispatches a step the validator rejects.
type Guarded struct {
	next        Executor
	steps       *trust.StepValidator
	stepTimeout time.Duration
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// NewGuarded wraps backend with step validation.
func NewGuarded(next Executor, steps *trust.StepValidator, cfg config.ExecutorConfig, m *metrics.Metrics, logger *slog.Logger) *Guarded {
	if logger == nil {
		logger = slog.Default()
	}
	if steps == nil {
		steps = trust.NewStepValidator()
	}
	timeout := time.Duration(cfg.StepTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Guarded{next: next, steps: steps, stepTimeout: timeout, metrics: m, logger: logger}
}

// Execute validates and runs one step.
// Params: ctx and step.
// Returns: backend result, *trust.ValidationError, or backend error.
func (g *Guarded) Execute(ctx context.Context, step domain.Step) (domain.StepResult, error) {
	return g.executeAt(ctx, 0, step)
}

func (g *Guarded) executeAt(ctx context.Context, index int, step domain.Step) (domain.StepResult, error) {
	if err := g.steps.ValidateStep(index, step); err != nil {
		g.rejected(err)
		return domain.StepResult{}, err
	}
	return g.dispatch(ctx, step)
}

func (g *Guarded) dispatch(ctx context.Context, step domain.Step) (domain.StepResult, error) {
	timeout := g.stepTimeout
	if step.TimeoutSec > 0 {
		timeout = time.Duration(step.TimeoutSec) * time.Second
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return g.next.Execute(stepCtx, step)
}

// RunPlaybook validates the whole playbook, then runs steps in order.
// Execution stops at the first failing step.
// Params: ctx and rendered playbook.
// Returns: run report and first validation/step error.
func (g *Guarded) RunPlaybook(ctx context.Context, pb domain.Playbook, now func() time.Time) (Report, error) {
	if now == nil {
		now = time.Now
	}
	report := Report{ExecutionID: uuid.NewString(), PlaybookID: pb.ID, StartedAt: now().UTC()}

	if err := g.steps.ValidatePlaybook(pb); err != nil {
		g.rejected(err)
		report.FinishedAt = now().UTC()
		return report, fmt.Errorf("playbook %s: %w", pb.ID, err)
	}

	for i, step := range pb.Steps {
		result, err := g.dispatch(ctx, step)
		report.Steps = append(report.Steps, StepOutcome{Index: i, Type: step.Type, Result: result})
		if err != nil {
			report.FinishedAt = now().UTC()
			return report, fmt.Errorf("playbook %s step %d: %w", pb.ID, i, err)
		}
		if !result.Success {
			g.logger.Warn("playbook step failed", "playbook_id", pb.ID, "execution_id", report.ExecutionID, "step", i, "exit_code", result.ExitCode)
			report.FinishedAt = now().UTC()
			return report, fmt.Errorf("playbook %s step %d: %w", pb.ID, i, ErrStepFailed)
		}
	}
	report.Success = true
	report.FinishedAt = now().UTC()
	g.logger.Info("playbook completed", "playbook_id", pb.ID, "execution_id", report.ExecutionID, "steps", len(pb.Steps))
	return report, nil
}

// RunDiagnostic screens a controller diagnostic command with the reduced
// blocklist and runs it as a diagnostic step.
func (g *Guarded) RunDiagnostic(ctx context.Context, command string) (domain.StepResult, error) {
	if err := g.steps.ValidateDiagnosticCommand(command); err != nil {
		g.rejected(err)
		return domain.StepResult{}, err
	}
	return g.dispatch(ctx, domain.Step{Type: domain.StepDiagnostic, Command: command})
}

func (g *Guarded) rejected(err error) {
	pattern := "invalid"
	var validationErr *trust.ValidationError
	if errors.As(err, &validationErr) && validationErr.Pattern != "" {
		pattern = validationErr.Pattern
	}
	g.metrics.IncStepValidationFailure(pattern)
	g.logger.Warn("step blocked by validator", "pattern", pattern, "error", err.Error())
}
