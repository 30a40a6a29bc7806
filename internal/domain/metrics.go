package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// Metrics is one point-in-time host snapshot produced by the collector.
// Params: CPU/memory/drive/service/process readings and collection time.
// Returns: rules engine input.
type Metrics struct {
	Hostname    string          `json:"hostname,omitempty"`
	CollectedAt time.Time       `json:"collected_at"`
	CPU         CPUUsage        `json:"cpu"`
	Memory      MemoryUsage     `json:"memory"`
	Drives      []DriveUsage    `json:"drives,omitempty"`
	Services    []ServiceStatus `json:"services,omitempty"`
	TopProcess  *ProcessUsage   `json:"top_process,omitempty"`
	Processes   []ProcessUsage  `json:"processes,omitempty"`
}

// CPUUsage holds total CPU load and how long it has stayed at this level.
type CPUUsage struct {
	Percent          float64 `json:"percent"`
	SustainedSeconds float64 `json:"sustained_seconds"`
}

// MemoryUsage holds physical memory utilisation.
type MemoryUsage struct {
	Percent float64 `json:"percent"`
}

// DriveUsage holds free space for one volume.
type DriveUsage struct {
	Drive       string  `json:"drive"`
	FreePercent float64 `json:"free_percent"`
}

// ServiceStatus describes one OS service as enumerated by the collector.
type ServiceStatus struct {
	Name      string   `json:"name"`
	Status    string   `json:"status"`
	StartType string   `json:"start_type"`
	DependsOn []string `json:"depends_on,omitempty"`
}

// ProcessUsage describes one process.
type ProcessUsage struct {
	Name       string  `json:"name"`
	PID        int     `json:"pid,omitempty"`
	CPUPercent float64 `json:"cpu_percent"`
	MemoryMB   float64 `json:"memory_mb"`
}

// DecodeMetrics decodes and validates one snapshot payload.
// Params: JSON document bytes.
// Returns: validated snapshot or decode/validation error.
func DecodeMetrics(raw []byte) (Metrics, error) {
	var snapshot Metrics
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return Metrics{}, fmt.Errorf("decode metrics: %w", err)
	}
	if err := snapshot.Validate(); err != nil {
		return Metrics{}, err
	}
	return snapshot, nil
}

// DecodeMetricsReader decodes and validates one snapshot from stream.
// Params: JSON decoder positioned at one object.
// Returns: validated snapshot or decode/validation error.
func DecodeMetricsReader(reader *json.Decoder) (Metrics, error) {
	var snapshot Metrics
	if err := reader.Decode(&snapshot); err != nil {
		return Metrics{}, fmt.Errorf("decode metrics: %w", err)
	}
	if err := snapshot.Validate(); err != nil {
		return Metrics{}, err
	}
	return snapshot, nil
}

// Validate checks value ranges of one snapshot.
// Params: snapshot fields parsed from transport.
// Returns: validation error when a reading is out of range.
func (m Metrics) Validate() error {
	if err := checkPercent("cpu.percent", m.CPU.Percent); err != nil {
		return err
	}
	if m.CPU.SustainedSeconds < 0 || math.IsNaN(m.CPU.SustainedSeconds) {
		return errors.New("cpu.sustained_seconds must be >=0")
	}
	if err := checkPercent("memory.percent", m.Memory.Percent); err != nil {
		return err
	}
	for i, drive := range m.Drives {
		if strings.TrimSpace(drive.Drive) == "" {
			return fmt.Errorf("drives[%d].drive is required", i)
		}
		if err := checkPercent(fmt.Sprintf("drives[%d].free_percent", i), drive.FreePercent); err != nil {
			return err
		}
	}
	for i, service := range m.Services {
		if strings.TrimSpace(service.Name) == "" {
			return fmt.Errorf("services[%d].name is required", i)
		}
	}
	if m.TopProcess != nil && m.TopProcess.CPUPercent < 0 {
		return errors.New("top_process.cpu_percent must be >=0")
	}
	for i, process := range m.Processes {
		if process.MemoryMB < 0 {
			return fmt.Errorf("processes[%d].memory_mb must be >=0", i)
		}
	}
	return nil
}

func checkPercent(field string, value float64) error {
	if math.IsNaN(value) || value < 0 || value > 100 {
		return fmt.Errorf("%s must be within [0,100], got %v", field, value)
	}
	return nil
}
