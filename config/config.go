package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/user/blecore/ble/l2cap"
	"github.com/user/blecore/util"
)

// Config holds every tunable of the BLE core.
type Config struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // "text" or "json"

	Negotiator     NegotiatorConfig     `yaml:"negotiator"`
	Responsiveness ResponsivenessConfig `yaml:"responsiveness"`
	Params         ParamsConfig         `yaml:"params"`
	Advertising    AdvertisingConfig    `yaml:"advertising"`
	Scan           ScanConfig           `yaml:"scan"`
	Discovery      DiscoveryConfig      `yaml:"discovery"`
	Tracer         TracerConfig         `yaml:"tracer"`
	Journal        JournalConfig        `yaml:"journal"`

	// MemoryBudget caps heap-backed records in bytes. Zero means unlimited.
	MemoryBudget int `yaml:"memory_budget"`
}

// NegotiatorConfig controls connection parameter update retries.
type NegotiatorConfig struct {
	GracePeriod     time.Duration `yaml:"grace_period"`
	WatchdogTimeout time.Duration `yaml:"watchdog_timeout"`
	MaxAttempts     int           `yaml:"max_attempts"`
}

type ResponsivenessConfig struct {
	InactivityTimeout time.Duration `yaml:"inactivity_timeout"`
}

// ParamsConfig holds the parameter set requested for each response time.
type ParamsConfig struct {
	Max    l2cap.ConnectionParameters `yaml:"max"`
	Middle l2cap.ConnectionParameters `yaml:"middle"`
	Min    l2cap.ConnectionParameters `yaml:"min"`
}

type AdvertisingConfig struct {
	CycleInterval       time.Duration `yaml:"cycle_interval"`
	PacketOverheadBytes int           `yaml:"packet_overhead_bytes"`
}

type ScanConfig struct {
	IntervalMs    uint16 `yaml:"interval_ms"`
	WindowMs      uint16 `yaml:"window_ms"`
	BufferReports int    `yaml:"buffer_reports"`
}

type DiscoveryConfig struct {
	MaxRetries          int  `yaml:"max_retries"`
	MaxServicesPerEvent int  `yaml:"max_services_per_event"`
	CoreDumpOnTimeout   bool `yaml:"core_dump_on_timeout"`
}

type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // "stdout" or "noop"
}

// JournalConfig controls the event journal. After MaxFailures
// consecutive write errors the journal stops writing for Cooldown.
type JournalConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Path        string        `yaml:"path"`
	MaxFailures uint32        `yaml:"max_failures"`
	Cooldown    time.Duration `yaml:"cooldown"`
}

// DefaultPath returns the default config file path.
func DefaultPath() string {
	return util.GetConfigPath()
}

// Default returns a Config with the timings the core was tuned for.
func Default() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "text",
		Negotiator: NegotiatorConfig{
			GracePeriod:     5 * time.Second,
			WatchdogTimeout: 40 * time.Second,
			MaxAttempts:     3,
		},
		Responsiveness: ResponsivenessConfig{
			InactivityTimeout: 2 * time.Second,
		},
		Params: ParamsConfig{
			Max:    l2cap.MinPower(),
			Middle: l2cap.Balanced(),
			Min:    l2cap.MaxThroughput(),
		},
		Advertising: AdvertisingConfig{
			CycleInterval:       time.Second,
			PacketOverheadBytes: 16,
		},
		Scan: ScanConfig{
			IntervalMs:    100,
			WindowMs:      50,
			BufferReports: 4,
		},
		Discovery: DiscoveryConfig{
			MaxRetries:          2,
			MaxServicesPerEvent: 8,
			CoreDumpOnTimeout:   false,
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
		Journal: JournalConfig{
			MaxFailures: 5,
			Cooldown:    30 * time.Second,
		},
		MemoryBudget: 0,
	}
}

// Load reads and parses a YAML config file. Missing fields keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

// LoadOrDefault loads path when it exists and falls back to Default otherwise.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}
	return Load(path)
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be trace, debug, info, warn, or error, got %q", c.LogLevel)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format must be \"text\" or \"json\", got %q", c.LogFormat)
	}

	if c.Negotiator.GracePeriod < 0 {
		return fmt.Errorf("negotiator.grace_period must be >= 0")
	}
	if c.Negotiator.WatchdogTimeout <= 0 {
		return fmt.Errorf("negotiator.watchdog_timeout must be > 0")
	}
	if c.Negotiator.MaxAttempts < 1 {
		return fmt.Errorf("negotiator.max_attempts must be >= 1")
	}
	if c.Responsiveness.InactivityTimeout <= 0 {
		return fmt.Errorf("responsiveness.inactivity_timeout must be > 0")
	}

	for name, p := range map[string]l2cap.ConnectionParameters{
		"max": c.Params.Max, "middle": c.Params.Middle, "min": c.Params.Min,
	} {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("params.%s: %w", name, err)
		}
	}

	if c.Advertising.CycleInterval <= 0 {
		return fmt.Errorf("advertising.cycle_interval must be > 0")
	}
	if c.Advertising.PacketOverheadBytes < 0 {
		return fmt.Errorf("advertising.packet_overhead_bytes must be >= 0")
	}
	if c.Scan.WindowMs == 0 || c.Scan.WindowMs > c.Scan.IntervalMs {
		return fmt.Errorf("scan.window_ms must be in (0, interval_ms], got %d", c.Scan.WindowMs)
	}
	if c.Scan.BufferReports < 1 {
		return fmt.Errorf("scan.buffer_reports must be >= 1")
	}
	if c.Discovery.MaxRetries < 0 {
		return fmt.Errorf("discovery.max_retries must be >= 0")
	}
	if c.Discovery.MaxServicesPerEvent < 1 {
		return fmt.Errorf("discovery.max_services_per_event must be >= 1")
	}

	switch c.Tracer.Exporter {
	case "stdout", "noop", "":
	default:
		return fmt.Errorf("tracer.exporter must be \"stdout\" or \"noop\", got %q", c.Tracer.Exporter)
	}
	if c.Journal.Enabled && c.Journal.Path == "" {
		return fmt.Errorf("journal.path must be set when the journal is enabled")
	}
	if c.Journal.Cooldown < 0 {
		return fmt.Errorf("journal.cooldown must be >= 0")
	}
	if c.MemoryBudget < 0 {
		return fmt.Errorf("memory_budget must be >= 0")
	}
	return nil
}
