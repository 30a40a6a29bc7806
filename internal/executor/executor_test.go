package executor

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"opsisagent/internal/config"
	"opsisagent/internal/domain"
	"opsisagent/internal/logging"
	"opsisagent/internal/metrics"
	"opsisagent/internal/trust"
)

type recordingExecutor struct {
	steps  []domain.Step
	failAt int
}

func (r *recordingExecutor) Execute(ctx context.Context, step domain.Step) (domain.StepResult, error) {
	if _, ok := ctx.Deadline(); !ok {
		return domain.StepResult{}, errors.New("missing step deadline")
	}
	r.steps = append(r.steps, step)
	if r.failAt > 0 && len(r.steps) == r.failAt {
		return domain.StepResult{Success: false, ExitCode: 1}, nil
	}
	return domain.StepResult{Success: true}, nil
}

func newGuarded(backend Executor, m *metrics.Metrics) *Guarded {
	return NewGuarded(backend, trust.NewStepValidator(), config.ExecutorConfig{StepTimeoutSec: 5}, m, logging.Discard())
}

func TestGuardedBlocksDangerousStepBeforeDispatch(t *testing.T) {
	t.Parallel()

	backend := &recordingExecutor{}
	m := metrics.NewMetrics()
	guarded := newGuarded(backend, m)

	_, err := guarded.Execute(context.Background(), domain.Step{Type: domain.StepCommand, Command: "ipconfig | findstr IPv4"})
	var validationErr *trust.ValidationError
	if !errors.As(err, &validationErr) || validationErr.Pattern != trust.PatternChaining {
		t.Fatalf("expected chaining validation error, got %v", err)
	}
	if len(backend.steps) != 0 {
		t.Fatalf("blocked step reached backend")
	}
	if got := testutil.ToFloat64(m.StepValidationFails.WithLabelValues(trust.PatternChaining)); got != 1 {
		t.Fatalf("expected one validation failure metric, got %v", got)
	}
}

func TestRunPlaybookValidatesAllStepsFirst(t *testing.T) {
	t.Parallel()

	backend := &recordingExecutor{}
	guarded := newGuarded(backend, nil)
	pb := domain.Playbook{ID: "mixed", Steps: []domain.Step{
		{Type: domain.StepStopService, Target: "Spooler"},
		{Type: domain.StepCommand, Command: "del /q C:\\Windows\\Temp\\*"},
	}}

	report, err := guarded.RunPlaybook(context.Background(), pb, nil)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if len(backend.steps) != 0 || report.Success {
		t.Fatalf("no step may run when any step is invalid: %+v", backend.steps)
	}
}

func TestRunPlaybookStopsAtFirstFailure(t *testing.T) {
	t.Parallel()

	backend := &recordingExecutor{failAt: 1}
	guarded := newGuarded(backend, nil)
	pb := domain.Playbook{ID: "restart", Steps: []domain.Step{
		{Type: domain.StepStartService, Target: "Spooler"},
		{Type: domain.StepWait, TimeoutSec: 10},
	}}

	report, err := guarded.RunPlaybook(context.Background(), pb, nil)
	if !errors.Is(err, ErrStepFailed) {
		t.Fatalf("expected step failure, got %v", err)
	}
	if len(report.Steps) != 1 || report.Success || report.ExecutionID == "" {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestRunPlaybookSuccess(t *testing.T) {
	t.Parallel()

	backend := &recordingExecutor{}
	guarded := newGuarded(backend, nil)
	pb := domain.Playbook{ID: "restart", Steps: []domain.Step{
		{Type: domain.StepStopService, Target: "Spooler"},
		{Type: domain.StepStartService, Target: "Spooler"},
	}}
	report, err := guarded.RunPlaybook(context.Background(), pb, nil)
	if err != nil || !report.Success || len(report.Steps) != 2 {
		t.Fatalf("unexpected report %+v err=%v", report, err)
	}
}

func TestRunDiagnosticUsesReducedBlocklist(t *testing.T) {
	t.Parallel()

	backend := &recordingExecutor{}
	guarded := newGuarded(backend, nil)

	if _, err := guarded.RunDiagnostic(context.Background(), "Get-Process | Sort-Object CPU > out.txt"); err != nil {
		t.Fatalf("pipes and redirects are allowed for diagnostics: %v", err)
	}
	if _, err := guarded.RunDiagnostic(context.Background(), "iex (Get-Content x.ps1)"); err == nil {
		t.Fatalf("expected dynamic eval to be blocked")
	}
	if len(backend.steps) != 1 || backend.steps[0].Type != domain.StepDiagnostic {
		t.Fatalf("unexpected dispatched steps %+v", backend.steps)
	}
}

func TestNewSelectsDryRun(t *testing.T) {
	t.Parallel()

	backend, err := New(config.ExecutorConfig{Backend: config.ExecutorBackendDryRun}, logging.Discard())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	result, err := backend.Execute(context.Background(), domain.Step{Type: domain.StepFlushDNS})
	if err != nil || !result.Success {
		t.Fatalf("unexpected dry-run result %+v err=%v", result, err)
	}
	if _, err := New(config.ExecutorConfig{Backend: "powershell"}, nil); err == nil {
		t.Fatalf("expected unsupported backend error")
	}
}
