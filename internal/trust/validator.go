package trust

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"opsisagent/internal/domain"
)

// Pattern is one named dangerous-content rule.
type Pattern struct {
	Name string
	Expr *regexp.Regexp
}

// Pattern names, most specific first so reports name the real construct.
const (
	PatternCommandSubstitution = "command_substitution"
	PatternChaining            = "chaining"
	PatternRedirection         = "redirection"
	PatternDynamicEval         = "dynamic_eval"
	PatternRemoteDownload      = "remote_download"
	PatternPathTraversal       = "path_traversal"
	PatternDestructive         = "destructive"
	PatternShellMetachar       = "shell_metachar"
	PatternStepType            = "step_type"
)

var (
	dynamicEvalPattern = Pattern{
		Name: PatternDynamicEval,
		Expr: regexp.MustCompile(`(?i)\b(?:iex|invoke-expression|invoke-command|eval|exec|scriptblock|add-type|start-process)\b|(?i)(?:^|\s)-(?:enc|encodedcommand)\b|(?i)\[scriptblock\]::create|(?i)\bpython[0-9.]*\s+-c\b|(?i)\bpowershell(?:\.exe)?\s+-c(?:ommand)?\b`),
	}
	remoteDownloadPattern = Pattern{
		Name: PatternRemoteDownload,
		Expr: regexp.MustCompile(`(?i)\b(?:iwr|irm|invoke-webrequest|invoke-restmethod|curl|wget|bitsadmin|certutil|start-bitstransfer|downloadstring|downloadfile|net\.webclient|mshta|regsvr32)\b|(?i)\b(?:https?|ftp)://`),
	}
	defaultPatterns = []Pattern{
		{Name: PatternCommandSubstitution, Expr: regexp.MustCompile("\\$\\(|`")},
		{Name: PatternChaining, Expr: regexp.MustCompile(`&&|\|\||;|\|`)},
		{Name: PatternRedirection, Expr: regexp.MustCompile(`\d?>>?|<`)},
		dynamicEvalPattern,
		remoteDownloadPattern,
		{Name: PatternPathTraversal, Expr: regexp.MustCompile(`\.\.[\\/]|[\\/]\.\.(?:$|[\\/])`)},
		{Name: PatternDestructive, Expr: regexp.MustCompile(`(?i)\b(?:format-volume|diskpart|bcdedit|cipher\s+/w|vssadmin\s+delete|wbadmin\s+delete|rm\s+-[a-z]*r[a-z]*f|remove-item\b.*-recurse|rd\s+/s|rmdir\s+/s|del\s+/[sfq]|format\s+[a-z]:|clear-disk|reg\s+delete|shutdown)`)},
		{Name: PatternShellMetachar, Expr: regexp.MustCompile("[&$^!{}\\r\\n\\x00]")},
	}
	diagnosticPatterns = []Pattern{dynamicEvalPattern, remoteDownloadPattern}

	defaultAllowedStepTypes = []string{
		domain.StepRestartService,
		domain.StepStartService,
		domain.StepStopService,
		domain.StepKillProcess,
		domain.StepClearTemp,
		domain.StepDiskCleanup,
		domain.StepFlushDNS,
		domain.StepCollectLogs,
		domain.StepWait,
		domain.StepCommand,
		domain.StepDiagnostic,
	}
)

// DefaultPatterns returns copy of the full step blocklist in evaluation order.
func DefaultPatterns() []Pattern {
	return append([]Pattern(nil), defaultPatterns...)
}

// DiagnosticPatterns returns copy of the reduced diagnostic blocklist.
func DiagnosticPatterns() []Pattern {
	return append([]Pattern(nil), diagnosticPatterns...)
}

// StepValidator screens remediation steps and diagnostic commands.
type StepValidator struct {
	allowed    map[string]struct{}
	patterns   []Pattern
	diagnostic []Pattern
}

// NewStepValidator creates validator with default allow-list and pattern tables.
func NewStepValidator() *StepValidator {
	return NewStepValidatorWith(defaultAllowedStepTypes, defaultPatterns, diagnosticPatterns)
}

// NewStepValidatorWith creates validator from explicit tables.
// Params: allowed step types, full pattern table, diagnostic pattern table.
// Returns: validator.
func NewStepValidatorWith(allowedTypes []string, patterns, diagnostic []Pattern) *StepValidator {
	allowed := make(map[string]struct{}, len(allowedTypes))
	for _, stepType := range allowedTypes {
		allowed[stepType] = struct{}{}
	}
	return &StepValidator{
		allowed:    allowed,
		patterns:   append([]Pattern(nil), patterns...),
		diagnostic: append([]Pattern(nil), diagnostic...),
	}
}

// AllowedStepTypes lists allow-listed step types sorted.
func (v *StepValidator) AllowedStepTypes() []string {
	out := make([]string, 0, len(v.allowed))
	for stepType := range v.allowed {
		out = append(out, stepType)
	}
	sort.Strings(out)
	return out
}

// ValidatePlaybook checks every step in order.
// Params: playbook.
// Returns: first *ValidationError.
func (v *StepValidator) ValidatePlaybook(playbook domain.Playbook) error {
	if len(playbook.Steps) == 0 {
		return &ValidationError{StepIndex: -1, Field: "steps", Detail: "playbook has no steps"}
	}
	for i, step := range playbook.Steps {
		if err := v.ValidateStep(i, step); err != nil {
			return err
		}
	}
	return nil
}

// ValidateStep checks type allow-list then every text field against the blocklist.
// Params: step index (for error reports) and step.
// Returns: *ValidationError or nil.
func (v *StepValidator) ValidateStep(index int, step domain.Step) error {
	stepType := strings.TrimSpace(step.Type)
	if _, ok := v.allowed[stepType]; !ok {
		return &ValidationError{StepIndex: index, Field: "type", Pattern: PatternStepType, Detail: fmt.Sprintf("step type %q is not allowed", step.Type)}
	}
	if stepType == domain.StepCommand && strings.TrimSpace(step.Command) == "" {
		return &ValidationError{StepIndex: index, Field: "command", Detail: "command step requires command text"}
	}
	if step.TimeoutSec < 0 {
		return &ValidationError{StepIndex: index, Field: "timeout_sec", Detail: "timeout must be >=0"}
	}
	fields := []struct {
		name  string
		value string
	}{
		{"name", step.Name},
		{"target", step.Target},
		{"command", step.Command},
	}
	for _, field := range fields {
		if name := matchPattern(v.patterns, field.value); name != "" {
			return &ValidationError{StepIndex: index, Field: field.name, Pattern: name}
		}
	}
	keys := make([]string, 0, len(step.Params))
	for key := range step.Params {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if name := matchPattern(v.patterns, key); name != "" {
			return &ValidationError{StepIndex: index, Field: "params", Pattern: name}
		}
		if name := matchPattern(v.patterns, step.Params[key]); name != "" {
			return &ValidationError{StepIndex: index, Field: "params." + key, Pattern: name}
		}
	}
	return nil
}

// ValidateDiagnosticCommand applies only code-execution and download rules.
// Params: command text from an authenticated diagnostic request.
// Returns: *ValidationError or nil.
func (v *StepValidator) ValidateDiagnosticCommand(command string) error {
	if strings.TrimSpace(command) == "" {
		return &ValidationError{StepIndex: -1, Field: "command", Detail: "empty diagnostic command"}
	}
	if name := matchPattern(v.diagnostic, command); name != "" {
		return &ValidationError{StepIndex: -1, Field: "command", Pattern: name}
	}
	return nil
}

// MatchPattern returns name of first full-table pattern matching text.
func (v *StepValidator) MatchPattern(text string) string {
	return matchPattern(v.patterns, text)
}

func matchPattern(patterns []Pattern, text string) string {
	if text == "" {
		return ""
	}
	for _, pattern := range patterns {
		if pattern.Expr.MatchString(text) {
			return pattern.Name
		}
	}
	return ""
}
