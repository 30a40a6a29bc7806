package rules

import (
	"fmt"
	"strings"

	"opsisagent/internal/config"
	"opsisagent/internal/domain"
)

// Signature identifiers produced by the threshold table.
const (
	SigCPUHighSustained    = "CPU_HIGH_SUSTAINED"
	SigCPUCritical         = "CPU_CRITICAL"
	SigMemoryHigh          = "MEMORY_HIGH"
	SigDiskLowPrefix       = "DISK_LOW_"
	SigServiceStoppedPref  = "SERVICE_STOPPED_"
	SigProcessCPUHog       = "PROCESS_CPU_HOG"
	SigMemoryLeakSuspected = "MEMORY_LEAK_SUSPECTED"
)

// Threshold table values.
const (
	cpuSustainedPercent = 90.0
	cpuSustainedSeconds = 300.0
	cpuCriticalPercent  = 95.0
	memoryHighPercent   = 90.0
	diskLowFreePercent  = 10.0
	diskCritFreePercent = 5.0
	processHogPercent   = 80.0
	processLeakMemoryMB = 4096.0
	confCPUSustained    = 95.0
	confCPUCritical     = 98.0
	confMemoryHigh      = 92.0
	confDiskLow         = 97.0
	confServiceStopped  = 96.0
	confProcessHog      = 93.0
	confMemoryLeak      = 85.0
)

// Observed state labels reported to the tracker.
const (
	StateNormal   = "normal"
	StateHigh     = "high"
	StateCritical = "critical"
	StateLow      = "low"
	StateLeaking  = "leaking"
	StateHogging  = "hogging"
)

// PlaybookLookup resolves candidate playbooks for a signature.
type PlaybookLookup interface {
	Lookup(signatureID string) []string
}

// Engine evaluates one metrics snapshot against the threshold table.
// Params: critical service list and playbook lookup.
// Returns: stateless evaluator safe for concurrent use.
type Engine struct {
	critical map[string]struct{}
	lookup   PlaybookLookup
}

// New builds rules engine.
// Params: rules config (critical services) and optional playbook lookup.
// Returns: engine; nil lookup yields empty candidate lists.
func New(cfg config.RulesConfig, lookup PlaybookLookup) *Engine {
	critical := make(map[string]struct{}, len(cfg.CriticalServices))
	for _, name := range cfg.CriticalServices {
		critical[strings.ToLower(strings.TrimSpace(name))] = struct{}{}
	}
	return &Engine{critical: critical, lookup: lookup}
}

// IsCriticalService reports whether service name is on the watched list.
func (e *Engine) IsCriticalService(name string) bool {
	_, ok := e.critical[strings.ToLower(strings.TrimSpace(name))]
	return ok
}

// Evaluate runs every rule in table order.
// Params: validated metrics snapshot.
// Returns: fired rule results; empty slice when nothing fires.
func (e *Engine) Evaluate(m domain.Metrics) []domain.RuleResult {
	results := make([]domain.RuleResult, 0, 4)

	if m.CPU.Percent >= cpuSustainedPercent && m.CPU.SustainedSeconds >= cpuSustainedSeconds {
		results = append(results, e.result(SigCPUHighSustained, confCPUSustained, domain.SeverityHigh, domain.RiskA,
			domain.CategoryCPU, "cpu:total", "",
			fmt.Sprintf("CPU at %.1f%% for %.0fs", m.CPU.Percent, m.CPU.SustainedSeconds)))
	}
	if m.CPU.Percent >= cpuCriticalPercent {
		results = append(results, e.result(SigCPUCritical, confCPUCritical, domain.SeverityCritical, domain.RiskA,
			domain.CategoryCPU, "cpu:total", "",
			fmt.Sprintf("CPU at %.1f%%", m.CPU.Percent)))
	}
	if m.Memory.Percent >= memoryHighPercent {
		results = append(results, e.result(SigMemoryHigh, confMemoryHigh, domain.SeverityHigh, domain.RiskB,
			domain.CategoryMemory, "memory:total", "",
			fmt.Sprintf("memory at %.1f%%", m.Memory.Percent)))
	}
	for _, drive := range m.Drives {
		if drive.FreePercent >= diskLowFreePercent {
			continue
		}
		severity := domain.SeverityHigh
		if drive.FreePercent < diskCritFreePercent {
			severity = domain.SeverityCritical
		}
		name := driveName(drive.Drive)
		results = append(results, e.result(SigDiskLowPrefix+name, confDiskLow, severity, domain.RiskA,
			domain.CategoryDisk, "disk:"+name, "",
			fmt.Sprintf("drive %s has %.1f%% free", name, drive.FreePercent)))
	}
	for _, service := range m.Services {
		if !e.IsCriticalService(service.Name) || !isAutoStart(service.StartType) || !isStopped(service.Status) {
			continue
		}
		results = append(results, e.result(SigServiceStoppedPref+service.Name, confServiceStopped, domain.SeverityHigh, domain.RiskA,
			domain.CategoryService, domain.ServiceResourceID(service.Name), service.Name,
			fmt.Sprintf("critical service %s is stopped", service.Name)))
	}
	if top := m.TopProcess; top != nil && top.CPUPercent >= processHogPercent {
		results = append(results, e.result(SigProcessCPUHog, confProcessHog, domain.SeverityMedium, domain.RiskB,
			domain.CategoryProcess, "process:"+top.Name, "",
			fmt.Sprintf("process %s using %.1f%% CPU", top.Name, top.CPUPercent)))
	}
	for _, process := range m.Processes {
		if process.MemoryMB < processLeakMemoryMB {
			continue
		}
		results = append(results, e.result(SigMemoryLeakSuspected, confMemoryLeak, domain.SeverityMedium, domain.RiskC,
			domain.CategoryProcess, "process:"+process.Name, "",
			fmt.Sprintf("process %s holds %.0fMB", process.Name, process.MemoryMB)))
		break
	}
	return results
}

// BestMatch selects highest confidence result; first wins on ties.
// Params: results in evaluation order.
// Returns: best result and presence flag.
func BestMatch(results []domain.RuleResult) (domain.RuleResult, bool) {
	if len(results) == 0 {
		return domain.RuleResult{}, false
	}
	best := results[0]
	for _, result := range results[1:] {
		if result.Confidence > best.Confidence {
			best = result
		}
	}
	return best, true
}

// ObservedStates maps every resource in the snapshot to a state label.
// Params: metrics snapshot.
// Returns: resource ID to label, healthy resources included as normal/running.
func (e *Engine) ObservedStates(m domain.Metrics) map[string]string {
	states := make(map[string]string, 2+len(m.Drives)+len(m.Services))

	switch {
	case m.CPU.Percent >= cpuCriticalPercent:
		states["cpu:total"] = StateCritical
	case m.CPU.Percent >= cpuSustainedPercent && m.CPU.SustainedSeconds >= cpuSustainedSeconds:
		states["cpu:total"] = StateHigh
	default:
		states["cpu:total"] = StateNormal
	}

	states["memory:total"] = StateNormal
	if m.Memory.Percent >= memoryHighPercent {
		states["memory:total"] = StateHigh
	}

	for _, drive := range m.Drives {
		id := "disk:" + driveName(drive.Drive)
		switch {
		case drive.FreePercent < diskCritFreePercent:
			states[id] = StateCritical
		case drive.FreePercent < diskLowFreePercent:
			states[id] = StateLow
		default:
			states[id] = StateNormal
		}
	}

	for _, service := range m.Services {
		if !e.IsCriticalService(service.Name) {
			continue
		}
		status := strings.ToLower(strings.TrimSpace(service.Status))
		if status == "" {
			status = "unknown"
		}
		states[domain.ServiceResourceID(service.Name)] = status
	}

	if top := m.TopProcess; top != nil && top.CPUPercent >= processHogPercent {
		states["process:"+top.Name] = StateHogging
	}
	for _, process := range m.Processes {
		if process.MemoryMB >= processLeakMemoryMB {
			states["process:"+process.Name] = StateLeaking
			break
		}
	}
	return states
}

func (e *Engine) result(signatureID string, confidence float64, severity domain.Severity, risk domain.RiskClass, category, resourceID, serviceName, description string) domain.RuleResult {
	var candidates []string
	if e.lookup != nil {
		candidates = e.lookup.Lookup(signatureID)
	}
	return domain.RuleResult{
		SignatureID:        signatureID,
		Confidence:         confidence,
		Severity:           severity,
		RiskClass:          risk,
		CandidatePlaybooks: append([]string(nil), candidates...),
		Category:           category,
		ResourceID:         resourceID,
		ServiceName:        serviceName,
		Description:        description,
	}
}

// driveName turns "C:" or "C:\" into "C".
func driveName(drive string) string {
	name := strings.TrimSpace(drive)
	name = strings.TrimRight(name, `:\/`)
	if name == "" {
		return strings.TrimSpace(drive)
	}
	return strings.ToUpper(name)
}

func isAutoStart(startType string) bool {
	switch strings.ToLower(strings.TrimSpace(startType)) {
	case "auto", "automatic", "autostart", "auto_start", "automatic (delayed start)":
		return true
	default:
		return false
	}
}

func isStopped(status string) bool {
	return strings.EqualFold(strings.TrimSpace(status), "stopped")
}
