package domain

// Step types accepted by the executor boundary.
const (
	StepRestartService = "restart_service"
	StepStartService   = "start_service"
	StepStopService    = "stop_service"
	StepKillProcess    = "kill_process"
	StepClearTemp      = "clear_temp_files"
	StepDiskCleanup    = "disk_cleanup"
	StepFlushDNS       = "flush_dns"
	StepCollectLogs    = "collect_logs"
	StepWait           = "wait"
	StepCommand        = "command"
	StepDiagnostic     = "diagnostic"
)

// Step is one remediation action.
// Params: type from the allow-list, optional target/command, free-form params.
// Returns: executor input after validation.
type Step struct {
	Type       string            `json:"type" yaml:"type" validate:"required"`
	Name       string            `json:"name,omitempty" yaml:"name,omitempty"`
	Target     string            `json:"target,omitempty" yaml:"target,omitempty"`
	Command    string            `json:"command,omitempty" yaml:"command,omitempty"`
	Params     map[string]string `json:"params,omitempty" yaml:"params,omitempty"`
	TimeoutSec int               `json:"timeout_sec,omitempty" yaml:"timeout_sec,omitempty" validate:"gte=0,lte=3600"`
}

// Playbook is an ordered list of remediation steps for one or more signatures.
type Playbook struct {
	ID          string    `json:"id" yaml:"id" validate:"required"`
	Name        string    `json:"name,omitempty" yaml:"name,omitempty"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	Signatures  []string  `json:"signatures,omitempty" yaml:"signatures,omitempty"`
	RiskClass   RiskClass `json:"risk_class,omitempty" yaml:"risk_class,omitempty" validate:"omitempty,oneof=A B C"`
	Steps       []Step    `json:"steps" yaml:"steps" validate:"required,min=1,dive"`
}

// StepResult is what the OS execution subsystem reports for one step.
type StepResult struct {
	Success  bool   `json:"success"`
	Output   string `json:"output,omitempty"`
	Error    string `json:"error,omitempty"`
	ExitCode int    `json:"exit_code"`
}
