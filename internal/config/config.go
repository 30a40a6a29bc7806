package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const (
	defaultAgentName           = "opsis-agent"
	defaultDataDir             = "/var/lib/opsis-agent"
	defaultHTTPListen          = ":8080"
	defaultHealthPath          = "/healthz"
	defaultReadyPath           = "/readyz"
	defaultMetricsPath         = "/metrics"
	defaultIngestPath          = "/ingest"
	defaultWindowsPath         = "/maintenance/windows"
	defaultNATSURL             = "nats://127.0.0.1:4222"
	defaultChannelStream       = "OPSIS_AGENT"
	defaultChannelAckWaitSec   = 30
	defaultChannelNackDelayMS  = 1000
	defaultChannelMaxDeliver   = 5
	defaultChannelMaxAckPend   = 256
	defaultEscalationPerMinute = 30
	defaultEscalationBurst     = 5
	defaultVaultNamespace      = "opsis-agent/"
	defaultMaxAgeSec           = 300
	defaultFutureSkewSec       = 60
	defaultNonceCacheSize      = 10000
	defaultVaultTimeoutMS      = 5000
	defaultHMACSecretName      = "hmac_secret"
	defaultAPIKeyName          = "api_key"
	defaultEscalationThreshold = 75
	defaultFlapWindowSec       = 600
	defaultFlapThreshold       = 4
	defaultStablePeriodSec     = 900
	defaultWarningToHighMin    = 15
	defaultHighToCriticalMin   = 30
	defaultHistoryCap          = 20
	defaultMaintenanceSweepSec = 30
	defaultRetentionDays       = 7
	defaultSeveritySweepSec    = 60
	defaultNonceSweepSec       = 60
	defaultDependencySec       = 300
	defaultPersistBucket       = "opsis_agent_state"
	defaultTicketRetentionHrs  = 24
	defaultTicketPruneSec      = 3600
	defaultStepTimeoutSec      = 120

	// PersistBackendFile stores documents as local JSON files.
	PersistBackendFile = "file"
	// PersistBackendNATS stores documents in a JetStream KV bucket.
	PersistBackendNATS = "nats"
	// PersistBackendMemory keeps documents in process memory.
	PersistBackendMemory = "memory"

	// ExecutorBackendDryRun logs validated steps without running them.
	ExecutorBackendDryRun = "dry_run"
)

var (
	defaultCriticalServices = []string{
		"W32Time", "Spooler", "Dhcp", "Dnscache", "EventLog",
		"LanmanWorkstation", "LanmanServer", "WinRM", "BITS", "wuauserv",
	}
	resourceTypePattern    = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
	legacyRuleArrayPattern = regexp.MustCompile(`(?m)^\s*\[\[\s*rule\s*\]\]`)
)

// Config holds agent runtime settings.
// Params: TOML sections from file or merged directory snapshot.
// Returns: validated runtime configuration.
type Config struct {
	Agent       AgentConfig       `toml:"agent"`
	Log         LogConfig         `toml:"log"`
	HTTP        HTTPConfig        `toml:"http"`
	Channel     ChannelConfig     `toml:"channel"`
	Vault       VaultConfig       `toml:"vault"`
	Trust       TrustConfig       `toml:"trust"`
	Rules       RulesConfig       `toml:"rules"`
	Decision    DecisionConfig    `toml:"decision"`
	State       StateConfig       `toml:"state"`
	Maintenance MaintenanceConfig `toml:"maintenance"`
	Persist     PersistConfig     `toml:"persist"`
	Tickets     TicketsConfig     `toml:"tickets"`
	Playbooks   PlaybooksConfig   `toml:"playbooks"`
	Executor    ExecutorConfig    `toml:"executor"`
}

// AgentConfig contains process-level identity and sweep intervals.
// Params: agent ID, data directory, and periodic loop settings.
// Returns: agent behavior defaults.
type AgentConfig struct {
	ID                   string `toml:"id"`
	Name                 string `toml:"name"`
	DataDir              string `toml:"data_dir"`
	SeveritySweepSec     int    `toml:"severity_sweep_sec"`
	NonceSweepSec        int    `toml:"nonce_sweep_sec"`
	DependencyRefreshSec int    `toml:"dependency_refresh_sec"`
}

// HTTPConfig configures health and snapshot ingest endpoints.
// Params: enable flag, listen/endpoints, and optional body size limit.
// Returns: HTTP server behavior.
type HTTPConfig struct {
	Enabled      bool   `toml:"enabled"`
	Listen       string `toml:"listen"`
	HealthPath   string `toml:"health_path"`
	ReadyPath    string `toml:"ready_path"`
	MetricsPath  string `toml:"metrics_path"`
	IngestPath   string `toml:"ingest_path"`
	MaxBodyBytes int64  `toml:"max_body_bytes"`
	// WindowsPath serves maintenance window management to the local CLI.
	WindowsPath    string `toml:"windows_path"`
	AdminTokenFile string `toml:"admin_token_file"`
}

// ChannelConfig configures the controller channel over JetStream.
// Params: connection, consumer ack policy, and outbound escalation rate.
// Returns: control channel behavior.
type ChannelConfig struct {
	Enabled               bool     `toml:"enabled"`
	URL                   []string `toml:"url"`
	Stream                string   `toml:"stream"`
	AckWaitSec            int      `toml:"ack_wait_sec"`
	NackDelayMS           int      `toml:"nack_delay_ms"`
	MaxDeliver            int      `toml:"max_deliver"`
	MaxAckPending         int      `toml:"max_ack_pending"`
	EscalationsPerMinute  int      `toml:"escalations_per_minute"`
	EscalationBurst       int      `toml:"escalation_burst"`
	MetricsSubjectEnabled bool     `toml:"metrics_subject_enabled"`
}

// VaultConfig configures the encrypted credential vault.
// Params: database directory, machine key file, and namespace prefix.
// Returns: vault backend options.
type VaultConfig struct {
	Path      string `toml:"path"`
	KeyFile   string `toml:"key_file"`
	Namespace string `toml:"namespace"`
	InMemory  bool   `toml:"in_memory"`
}

// TrustConfig configures message verification windows and secret names.
// Params: age/skew limits, nonce cache size, and vault read timeout.
// Returns: trust layer options.
type TrustConfig struct {
	MaxAgeSec      int    `toml:"max_age_sec"`
	FutureSkewSec  int    `toml:"future_skew_sec"`
	NonceCacheSize int    `toml:"nonce_cache_size"`
	VaultTimeoutMS int    `toml:"vault_timeout_ms"`
	HMACSecretName string `toml:"hmac_secret_name"`
	APIKeyName     string `toml:"api_key_name"`
}

// MaxAge returns maximum accepted message age.
func (c TrustConfig) MaxAge() time.Duration { return time.Duration(c.MaxAgeSec) * time.Second }

// FutureSkew returns accepted clock skew for future timestamps.
func (c TrustConfig) FutureSkew() time.Duration {
	return time.Duration(c.FutureSkewSec) * time.Second
}

// VaultTimeout returns bound for one vault secret read.
func (c TrustConfig) VaultTimeout() time.Duration {
	return time.Duration(c.VaultTimeoutMS) * time.Millisecond
}

// RulesConfig configures the threshold rules engine.
// Params: names of services whose stop is treated as an incident.
// Returns: rules engine options.
type RulesConfig struct {
	CriticalServices []string `toml:"critical_services"`
}

// DecisionConfig configures the decision orchestrator.
// Params: confidence threshold below which issues escalate.
// Returns: orchestrator options.
type DecisionConfig struct {
	EscalationThreshold float64 `toml:"escalation_threshold"`
}

// StateConfig configures flap detection and severity escalation.
// Params: flap/stability windows, escalation ladder, and per-type overrides.
// Returns: tracker options.
type StateConfig struct {
	FlapWindowSec     int                           `toml:"flap_window_sec"`
	FlapThreshold     int                           `toml:"flap_threshold"`
	StablePeriodSec   int                           `toml:"stable_period_sec"`
	WarningToHighMin  int                           `toml:"warning_to_high_min"`
	HighToCriticalMin int                           `toml:"high_to_critical_min"`
	HistoryCap        int                           `toml:"history_cap"`
	Document          string                        `toml:"document"`
	Escalation        map[string]EscalationOverride `toml:"escalation"`
}

// EscalationOverride replaces ladder timings for one resource type.
// Params: minutes to reach high and, after that, critical.
// Returns: per-type escalation timings.
type EscalationOverride struct {
	WarningToHighMin  int `toml:"warning_to_high_min"`
	HighToCriticalMin int `toml:"high_to_critical_min"`
}

// FlapWindow returns rolling flap detection window.
func (c StateConfig) FlapWindow() time.Duration {
	return time.Duration(c.FlapWindowSec) * time.Second
}

// StablePeriod returns quiet period required to clear flapping.
func (c StateConfig) StablePeriod() time.Duration {
	return time.Duration(c.StablePeriodSec) * time.Second
}

// Ladder returns escalation timings for one resource type.
// Params: resource type prefix such as service or disk.
// Returns: warning-to-high and high-to-critical durations.
func (c StateConfig) Ladder(resourceType string) (time.Duration, time.Duration) {
	warningToHigh := c.WarningToHighMin
	highToCritical := c.HighToCriticalMin
	if override, ok := c.Escalation[resourceType]; ok {
		if override.WarningToHighMin > 0 {
			warningToHigh = override.WarningToHighMin
		}
		if override.HighToCriticalMin > 0 {
			highToCritical = override.HighToCriticalMin
		}
	}
	return time.Duration(warningToHigh) * time.Minute, time.Duration(highToCritical) * time.Minute
}

// MaintenanceConfig configures the maintenance window gate.
// Params: sweep interval, retention for expired windows, and document name.
// Returns: gate options.
type MaintenanceConfig struct {
	SweepIntervalSec int    `toml:"sweep_interval_sec"`
	RetentionDays    int    `toml:"retention_days"`
	Document         string `toml:"document"`
}

// SweepInterval returns maintenance sweep period.
func (c MaintenanceConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSec) * time.Second
}

// Retention returns how long expired windows are kept.
func (c MaintenanceConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// PersistConfig selects durable document backend.
// Params: backend kind, file directory, or NATS KV bucket.
// Returns: persistence options.
type PersistConfig struct {
	Backend            string   `toml:"backend"`
	Dir                string   `toml:"dir"`
	URL                []string `toml:"url"`
	Bucket             string   `toml:"bucket"`
	AllowCreateBuckets bool     `toml:"allow_create_buckets"`
}

// TicketsConfig configures remediation history storage.
// Params: badger directory, in-memory switch, and retention.
// Returns: ticket store options.
type TicketsConfig struct {
	Path           string `toml:"path"`
	InMemory       bool   `toml:"in_memory"`
	RetentionHours int    `toml:"retention_hours"`
	PruneSec       int    `toml:"prune_interval_sec"`
}

// Retention returns how long tickets are kept.
func (c TicketsConfig) Retention() time.Duration {
	return time.Duration(c.RetentionHours) * time.Hour
}

// PlaybooksConfig configures playbook catalog and runbook cache.
// Params: YAML catalog path and cached runbook directory.
// Returns: playbook source options.
type PlaybooksConfig struct {
	CatalogPath string `toml:"catalog_path"`
	RunbookDir  string `toml:"runbook_dir"`
}

// ExecutorConfig configures the step executor backend.
// Params: backend name and per-step timeout.
// Returns: executor options.
type ExecutorConfig struct {
	Backend        string `toml:"backend"`
	StepTimeoutSec int    `toml:"step_timeout_sec"`
}

// LogConfig contains console/file logging sinks.
// Params: sink settings for each output target.
// Returns: logger setup options.
type LogConfig struct {
	Console LogSinkConfig `toml:"console"`
	File    LogSinkConfig `toml:"file"`
}

// LogSinkConfig defines one logging sink.
// Params: sink enable flag, level, format, and path.
// Returns: sink-specific behavior.
type LogSinkConfig struct {
	Enabled bool   `toml:"enabled"`
	Level   string `toml:"level"`
	Format  string `toml:"format"`
	Path    string `toml:"path"`
}

// ConfigSource describes where configuration should be loaded from.
// Params: exactly one of file path or directory path.
// Returns: normalized source descriptor.
type ConfigSource struct {
	File string
	Dir  string
}

// FromCLI builds normalized source configuration from input paths.
// Params: optional file and directory arguments.
// Returns: source descriptor or validation error.
func FromCLI(filePath, dirPath string) (ConfigSource, error) {
	filePath = strings.TrimSpace(filePath)
	dirPath = strings.TrimSpace(dirPath)

	if filePath == "" && dirPath == "" {
		return ConfigSource{}, errors.New("either --config-file or --config-dir must be provided")
	}
	if filePath != "" && dirPath != "" {
		return ConfigSource{}, errors.New("config source must be either file or dir")
	}

	if filePath != "" {
		return ConfigSource{File: filePath}, nil
	}
	return ConfigSource{Dir: dirPath}, nil
}

// LoadSnapshot loads and validates configuration from one source.
// Params: source selects file or directory mode.
// Returns: validated config or load/validation error.
func LoadSnapshot(src ConfigSource) (Config, error) {
	var cfg Config
	var err error
	if src.File != "" {
		cfg, err = loadFile(src.File)
	} else {
		cfg, err = loadDir(src.Dir)
	}
	if err != nil {
		return Config{}, err
	}
	ApplyDefaults(&cfg)
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes, defaults, and validates one TOML document.
// Params: TOML body.
// Returns: validated config or decode/validation error.
func Parse(body []byte) (Config, error) {
	cfg, err := decode(body)
	if err != nil {
		return Config{}, err
	}
	ApplyDefaults(&cfg)
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// decode reads TOML body into config model without defaults.
// Params: TOML document bytes.
// Returns: decoded config or syntax error.
func decode(body []byte) (Config, error) {
	if legacyRuleArrayPattern.Match(body) {
		return Config{}, errors.New("[[rule]] tables are not supported; thresholds are fixed and only [rules] critical_services is configurable")
	}
	var cfg Config
	if err := toml.Unmarshal(body, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// loadFile reads one TOML configuration file.
// Params: file path to config snapshot.
// Returns: decoded config or read/decode error.
func loadFile(path string) (Config, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %q: %w", path, err)
	}
	cfg, err := decode(body)
	if err != nil {
		return Config{}, fmt.Errorf("decode config file %q: %w", path, err)
	}
	return cfg, nil
}

// loadDir reads and merges TOML files from one directory.
// Params: directory containing config fragments.
// Returns: merged config snapshot or load/decode error.
func loadDir(dir string) (Config, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Config{}, fmt.Errorf("read config dir %q: %w", dir, err)
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.ToLower(filepath.Ext(name)) != ".toml" {
			continue
		}
		files = append(files, filepath.Join(dir, name))
	}
	if len(files) == 0 {
		return Config{}, fmt.Errorf("no .toml files found in %q", dir)
	}
	sort.Strings(files)

	var merged Config
	for _, file := range files {
		fragment, err := loadFile(file)
		if err != nil {
			return Config{}, err
		}
		mergeConfig(&merged, fragment)
	}
	return merged, nil
}

// mergeConfig overlays every non-empty section of src onto dst.
// Params: destination config and next fragment.
// Returns: merged configuration side-effect in dst.
func mergeConfig(dst *Config, src Config) {
	dstValue := reflect.ValueOf(dst).Elem()
	srcValue := reflect.ValueOf(src)
	for i := 0; i < srcValue.NumField(); i++ {
		section := srcValue.Field(i)
		if section.IsZero() {
			continue
		}
		if section.Kind() == reflect.Struct && dstValue.Field(i).Type() == reflect.TypeOf(StateConfig{}) {
			mergeStateConfig(dstValue.Field(i).Addr().Interface().(*StateConfig), section.Interface().(StateConfig))
			continue
		}
		dstValue.Field(i).Set(section)
	}
}

// mergeStateConfig keeps per-type overrides from earlier fragments.
// Params: destination and next state section.
// Returns: merged state section in dst.
func mergeStateConfig(dst *StateConfig, src StateConfig) {
	overrides := dst.Escalation
	*dst = src
	if len(overrides) == 0 {
		return
	}
	if dst.Escalation == nil {
		dst.Escalation = make(map[string]EscalationOverride, len(overrides))
	}
	for resourceType, override := range overrides {
		if _, ok := src.Escalation[resourceType]; !ok {
			dst.Escalation[resourceType] = override
		}
	}
}

// ApplyDefaults fills optional settings.
// Params: cfg pointer to decoded snapshot.
// Returns: defaults applied in place.
func ApplyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Agent.Name) == "" {
		cfg.Agent.Name = defaultAgentName
	}
	if strings.TrimSpace(cfg.Agent.ID) == "" {
		if host, err := os.Hostname(); err == nil && host != "" {
			cfg.Agent.ID = strings.ReplaceAll(strings.ToLower(host), ".", "-")
		} else {
			cfg.Agent.ID = defaultAgentName
		}
	}
	if strings.TrimSpace(cfg.Agent.DataDir) == "" {
		cfg.Agent.DataDir = defaultDataDir
	}
	if cfg.Agent.SeveritySweepSec <= 0 {
		cfg.Agent.SeveritySweepSec = defaultSeveritySweepSec
	}
	if cfg.Agent.NonceSweepSec <= 0 {
		cfg.Agent.NonceSweepSec = defaultNonceSweepSec
	}
	if cfg.Agent.DependencyRefreshSec <= 0 {
		cfg.Agent.DependencyRefreshSec = defaultDependencySec
	}

	if cfg.Log.Console.Level == "" {
		cfg.Log.Console.Level = "info"
	}
	if cfg.Log.Console.Format == "" {
		cfg.Log.Console.Format = "line"
	}
	if cfg.Log.File.Level == "" {
		cfg.Log.File.Level = "info"
	}
	if cfg.Log.File.Format == "" {
		cfg.Log.File.Format = "json"
	}
	if !cfg.Log.Console.Enabled && !cfg.Log.File.Enabled {
		cfg.Log.Console.Enabled = true
	}

	if strings.TrimSpace(cfg.HTTP.Listen) == "" {
		cfg.HTTP.Listen = defaultHTTPListen
	}
	if strings.TrimSpace(cfg.HTTP.HealthPath) == "" {
		cfg.HTTP.HealthPath = defaultHealthPath
	}
	if strings.TrimSpace(cfg.HTTP.ReadyPath) == "" {
		cfg.HTTP.ReadyPath = defaultReadyPath
	}
	if strings.TrimSpace(cfg.HTTP.MetricsPath) == "" {
		cfg.HTTP.MetricsPath = defaultMetricsPath
	}
	if strings.TrimSpace(cfg.HTTP.IngestPath) == "" {
		cfg.HTTP.IngestPath = defaultIngestPath
	}
	if strings.TrimSpace(cfg.HTTP.WindowsPath) == "" {
		cfg.HTTP.WindowsPath = defaultWindowsPath
	}
	if strings.TrimSpace(cfg.HTTP.AdminTokenFile) == "" {
		cfg.HTTP.AdminTokenFile = filepath.Join(cfg.Agent.DataDir, "admin.token")
	}
	if cfg.HTTP.MaxBodyBytes <= 0 {
		cfg.HTTP.MaxBodyBytes = 2 << 20
	}

	cfg.Channel.URL = normalizeNATSURLs(cfg.Channel.URL)
	if len(cfg.Channel.URL) == 0 {
		cfg.Channel.URL = []string{defaultNATSURL}
	}
	if strings.TrimSpace(cfg.Channel.Stream) == "" {
		cfg.Channel.Stream = defaultChannelStream
	}
	if cfg.Channel.AckWaitSec <= 0 {
		cfg.Channel.AckWaitSec = defaultChannelAckWaitSec
	}
	if cfg.Channel.NackDelayMS <= 0 {
		cfg.Channel.NackDelayMS = defaultChannelNackDelayMS
	}
	if cfg.Channel.MaxDeliver == 0 {
		cfg.Channel.MaxDeliver = defaultChannelMaxDeliver
	}
	if cfg.Channel.MaxAckPending <= 0 {
		cfg.Channel.MaxAckPending = defaultChannelMaxAckPend
	}
	if cfg.Channel.EscalationsPerMinute <= 0 {
		cfg.Channel.EscalationsPerMinute = defaultEscalationPerMinute
	}
	if cfg.Channel.EscalationBurst <= 0 {
		cfg.Channel.EscalationBurst = defaultEscalationBurst
	}

	if strings.TrimSpace(cfg.Vault.Path) == "" {
		cfg.Vault.Path = filepath.Join(cfg.Agent.DataDir, "vault")
	}
	if strings.TrimSpace(cfg.Vault.KeyFile) == "" {
		cfg.Vault.KeyFile = filepath.Join(cfg.Agent.DataDir, "vault.key")
	}
	if strings.TrimSpace(cfg.Vault.Namespace) == "" {
		cfg.Vault.Namespace = defaultVaultNamespace
	}

	if cfg.Trust.MaxAgeSec <= 0 {
		cfg.Trust.MaxAgeSec = defaultMaxAgeSec
	}
	if cfg.Trust.FutureSkewSec <= 0 {
		cfg.Trust.FutureSkewSec = defaultFutureSkewSec
	}
	if cfg.Trust.NonceCacheSize <= 0 {
		cfg.Trust.NonceCacheSize = defaultNonceCacheSize
	}
	if cfg.Trust.VaultTimeoutMS <= 0 {
		cfg.Trust.VaultTimeoutMS = defaultVaultTimeoutMS
	}
	if strings.TrimSpace(cfg.Trust.HMACSecretName) == "" {
		cfg.Trust.HMACSecretName = defaultHMACSecretName
	}
	if strings.TrimSpace(cfg.Trust.APIKeyName) == "" {
		cfg.Trust.APIKeyName = defaultAPIKeyName
	}

	if len(cfg.Rules.CriticalServices) == 0 {
		cfg.Rules.CriticalServices = append([]string(nil), defaultCriticalServices...)
	}
	if cfg.Decision.EscalationThreshold <= 0 {
		cfg.Decision.EscalationThreshold = defaultEscalationThreshold
	}

	if cfg.State.FlapWindowSec <= 0 {
		cfg.State.FlapWindowSec = defaultFlapWindowSec
	}
	if cfg.State.FlapThreshold <= 0 {
		cfg.State.FlapThreshold = defaultFlapThreshold
	}
	if cfg.State.StablePeriodSec <= 0 {
		cfg.State.StablePeriodSec = defaultStablePeriodSec
	}
	if cfg.State.WarningToHighMin <= 0 {
		cfg.State.WarningToHighMin = defaultWarningToHighMin
	}
	if cfg.State.HighToCriticalMin <= 0 {
		cfg.State.HighToCriticalMin = defaultHighToCriticalMin
	}
	if cfg.State.HistoryCap <= 0 {
		cfg.State.HistoryCap = defaultHistoryCap
	}
	if strings.TrimSpace(cfg.State.Document) == "" {
		cfg.State.Document = "state-tracker"
	}

	if cfg.Maintenance.SweepIntervalSec <= 0 {
		cfg.Maintenance.SweepIntervalSec = defaultMaintenanceSweepSec
	}
	if cfg.Maintenance.RetentionDays <= 0 {
		cfg.Maintenance.RetentionDays = defaultRetentionDays
	}
	if strings.TrimSpace(cfg.Maintenance.Document) == "" {
		cfg.Maintenance.Document = "maintenance-windows"
	}

	cfg.Persist.Backend = strings.ToLower(strings.TrimSpace(cfg.Persist.Backend))
	if cfg.Persist.Backend == "" {
		cfg.Persist.Backend = PersistBackendFile
	}
	if strings.TrimSpace(cfg.Persist.Dir) == "" {
		cfg.Persist.Dir = cfg.Agent.DataDir
	}
	cfg.Persist.URL = normalizeNATSURLs(cfg.Persist.URL)
	if len(cfg.Persist.URL) == 0 {
		cfg.Persist.URL = append([]string(nil), cfg.Channel.URL...)
	}
	if strings.TrimSpace(cfg.Persist.Bucket) == "" {
		cfg.Persist.Bucket = defaultPersistBucket
	}

	if strings.TrimSpace(cfg.Tickets.Path) == "" {
		cfg.Tickets.Path = filepath.Join(cfg.Agent.DataDir, "tickets")
	}
	if cfg.Tickets.RetentionHours <= 0 {
		cfg.Tickets.RetentionHours = defaultTicketRetentionHrs
	}
	if cfg.Tickets.PruneSec <= 0 {
		cfg.Tickets.PruneSec = defaultTicketPruneSec
	}

	if strings.TrimSpace(cfg.Playbooks.RunbookDir) == "" {
		cfg.Playbooks.RunbookDir = filepath.Join(cfg.Agent.DataDir, "runbooks")
	}

	cfg.Executor.Backend = strings.ToLower(strings.TrimSpace(cfg.Executor.Backend))
	if cfg.Executor.Backend == "" {
		cfg.Executor.Backend = ExecutorBackendDryRun
	}
	if cfg.Executor.StepTimeoutSec <= 0 {
		cfg.Executor.StepTimeoutSec = defaultStepTimeoutSec
	}
}

// Validate checks cross-field and range constraints.
// Params: cfg with defaults applied.
// Returns: first validation error.
func Validate(cfg Config) error {
	if strings.ContainsAny(cfg.Agent.ID, " .*>") {
		return fmt.Errorf("agent.id %q must not contain spaces or NATS subject tokens", cfg.Agent.ID)
	}
	if cfg.HTTP.Enabled && strings.TrimSpace(cfg.HTTP.Listen) == "" {
		return errors.New("http.listen is required")
	}
	for _, path := range []struct {
		name  string
		value string
	}{
		{"http.health_path", cfg.HTTP.HealthPath},
		{"http.ready_path", cfg.HTTP.ReadyPath},
		{"http.metrics_path", cfg.HTTP.MetricsPath},
		{"http.ingest_path", cfg.HTTP.IngestPath},
		{"http.windows_path", cfg.HTTP.WindowsPath},
	} {
		if !strings.HasPrefix(path.value, "/") {
			return fmt.Errorf("%s must start with /", path.name)
		}
	}
	if cfg.Channel.Enabled {
		for i, url := range cfg.Channel.URL {
			if url == "" {
				return fmt.Errorf("channel.url[%d] is empty", i)
			}
		}
		if cfg.Channel.MaxDeliver < -1 || cfg.Channel.MaxDeliver == 0 {
			return errors.New("channel.max_deliver must be -1 or >0")
		}
	}
	if cfg.Trust.FutureSkewSec > cfg.Trust.MaxAgeSec {
		return errors.New("trust.future_skew_sec must not exceed trust.max_age_sec")
	}
	if cfg.Trust.HMACSecretName == cfg.Trust.APIKeyName {
		return errors.New("trust.hmac_secret_name and trust.api_key_name must differ")
	}
	for i, name := range cfg.Rules.CriticalServices {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("rules.critical_services[%d] is empty", i)
		}
	}
	if cfg.Decision.EscalationThreshold > 100 {
		return errors.New("decision.escalation_threshold must be within (0,100]")
	}
	if cfg.State.FlapThreshold < 2 {
		return errors.New("state.flap_threshold must be >=2")
	}
	if cfg.State.FlapThreshold > cfg.State.HistoryCap {
		return fmt.Errorf("state.flap_threshold (%d) must not exceed state.history_cap (%d)", cfg.State.FlapThreshold, cfg.State.HistoryCap)
	}
	for resourceType, override := range cfg.State.Escalation {
		if !resourceTypePattern.MatchString(resourceType) {
			return fmt.Errorf("state.escalation.%s has invalid resource type", resourceType)
		}
		if override.WarningToHighMin < 0 || override.HighToCriticalMin < 0 {
			return fmt.Errorf("state.escalation.%s timings must be >=0", resourceType)
		}
	}
	switch cfg.Persist.Backend {
	case PersistBackendFile, PersistBackendMemory:
	case PersistBackendNATS:
		for i, url := range cfg.Persist.URL {
			if url == "" {
				return fmt.Errorf("persist.url[%d] is empty", i)
			}
		}
	default:
		return fmt.Errorf("persist.backend has unsupported value %q", cfg.Persist.Backend)
	}
	if cfg.Executor.Backend != ExecutorBackendDryRun {
		return fmt.Errorf("executor.backend has unsupported value %q", cfg.Executor.Backend)
	}
	if err := validateLogSink("log.console", cfg.Log.Console, false); err != nil {
		return err
	}
	if err := validateLogSink("log.file", cfg.Log.File, true); err != nil {
		return err
	}
	return nil
}

// normalizeNATSURLs trims spaces around each configured NATS URL.
// Params: raw URL list from config.
// Returns: normalized URL list preserving element count for validation.
func normalizeNATSURLs(urls []string) []string {
	if len(urls) == 0 {
		return nil
	}
	out := make([]string, len(urls))
	for i := range urls {
		out[i] = strings.TrimSpace(urls[i])
	}
	return out
}

// validateLogSink validates one log sink configuration.
// Params: sink name, sink values, and whether path is required.
// Returns: sink validation error.
func validateLogSink(name string, sink LogSinkConfig, requirePath bool) error {
	if !sink.Enabled {
		return nil
	}

	switch strings.ToLower(strings.TrimSpace(sink.Level)) {
	case "debug", "info", "warn", "error", "panic":
	default:
		return fmt.Errorf("%s.level has unsupported value %q", name, sink.Level)
	}

	switch strings.ToLower(strings.TrimSpace(sink.Format)) {
	case "line", "json":
	default:
		return fmt.Errorf("%s.format has unsupported value %q", name, sink.Format)
	}

	if requirePath && strings.TrimSpace(sink.Path) == "" {
		return fmt.Errorf("%s.path is required", name)
	}

	return nil
}
