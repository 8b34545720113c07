// Package config provides configuration loading, validation, and hot-reload
// for both the edge gateway and central processor deployments.
//
// Configuration file: /etc/oeecore/edge-gateway.yaml or
// /etc/oeecore/central-processor.yaml (the binaries' defaults), overridden
// by -config.
// Schema version: 1
//
// Hot-reload:
//   - The process listens for SIGHUP.
//   - On SIGHUP: re-read and re-validate the config file.
//   - A valid new config is logged only: no running component picks up any
//     of its fields, so every change takes effect at the next restart.
//   - If the new config is invalid, the old config remains active and an
//     error is logged. The process does NOT crash on invalid hot-reload
//     config.
//
// Validation:
//   - All required fields must be present.
//   - Numeric ranges enforced (thresholds increasing, etc).
//   - Invalid config on startup: process refuses to start (exit code 2).
//   - Invalid config on hot-reload: logged, old config retained.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/oeecore/pipeline/internal/model"
)

// Version, GitCommit, BuildTime are injected by the build via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config is the root configuration structure shared by both deployment
// sites (§2). Not every field is consumed by every site: the edge gateway
// reads PLC/MQTT/Buffer/Backpressure; the central processor reads
// Normalizer/OEE/Faults/Sink.
type Config struct {
	SchemaVersion string `yaml:"schema_version"`

	// NodeID identifies this process. It prefixes the MQTT client ID
	// ("-edge" / "-central") and is logged at startup; the Sparkplug node_id
	// comes from sparkplug.node_id.
	NodeID string `yaml:"node_id"`

	MQTT          MQTTConfig          `yaml:"mqtt"`
	Sparkplug     SparkplugConfig     `yaml:"sparkplug"`
	Buffer        BufferConfig        `yaml:"buffer"`
	Backpressure  BackpressureConfig  `yaml:"backpressure"`
	PLC           []PLCEndpointConfig `yaml:"plc"`
	Normalizer    NormalizerConfig    `yaml:"normalizer"`
	OEE           OEEConfig           `yaml:"oee"`
	Faults        FaultsConfig        `yaml:"faults"`
	Sink          SinkConfig          `yaml:"sink"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// MQTTConfig configures the MQTT session (C3).
type MQTTConfig struct {
	BrokerHost string `yaml:"broker_host"`
	BrokerPort int    `yaml:"broker_port"`

	TLS struct {
		CA   string `yaml:"ca"`
		Cert string `yaml:"cert"`
		Key  string `yaml:"key"`
	} `yaml:"tls"`

	// ConnectTimeout bounds the initial CONNECT handshake.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// SparkplugConfig configures node/group identity (C2).
type SparkplugConfig struct {
	GroupID string `yaml:"group_id"`
	NodeID  string `yaml:"node_id"`

	// DeviceIDs lists the Sparkplug devices hosted on this node, if any.
	DeviceIDs []string `yaml:"device_ids"`

	// AliasCacheTTL bounds how long a decoder-side node/device state (C6)
	// survives without a touch before eviction. Default 24h.
	AliasCacheTTL time.Duration `yaml:"alias_cache_ttl"`
}

// BufferConfig configures the edge store-and-forward buffer (C4).
type BufferConfig struct {
	MaxBytes int64  `yaml:"max_bytes"`
	MaxCount int    `yaml:"max_count"`
	DBPath   string `yaml:"db_path"`

	// ShutdownFlushDeadline bounds the drain-on-shutdown step (§5).
	ShutdownFlushDeadline time.Duration `yaml:"shutdown_flush_deadline"`
}

// BackpressureConfig configures the control law in §4.5.
type BackpressureConfig struct {
	// Thresholds are the two fill-ratio breakpoints (default 0.5, 0.85).
	Thresholds [2]float64 `yaml:"thresholds"`

	// Multipliers are the sampling-interval multipliers for the degraded
	// and critical bands (default 2, 8).
	Multipliers [2]float64 `yaml:"multipliers"`

	// HysteresisMS is the minimum dwell time before a band transition is
	// honoured (default 5000ms).
	HysteresisMS int `yaml:"hysteresis_ms"`

	// DeadbandRaiseFactor is parsed and defaulted, but no component reads
	// it: deadband thresholds do not change with the backpressure band.
	DeadbandRaiseFactor float64 `yaml:"deadband_raise_factor"`

	// BaseSamplingMS / MaxSamplingMS bound the adaptive sampling interval
	// (§4.1: 250ms -> up to 2000ms).
	BaseSamplingMS int `yaml:"base_sampling_ms"`
	MaxSamplingMS  int `yaml:"max_sampling_ms"`
}

// PLCEndpointConfig configures a single PLC driver instance (C1).
type PLCEndpointConfig struct {
	Name       string            `yaml:"name"`
	Type       string            `yaml:"type"` // opcua | allen_bradley | siemens_s7
	Endpoint   string            `yaml:"endpoint"`
	SamplingMS int               `yaml:"sampling_ms"`
	Tags       []string          `yaml:"tags"`
	Security   map[string]string `yaml:"security"`
}

// MappingConfig is one normalizer.mappings[*] entry (C7).
type MappingConfig struct {
	Source       string            `yaml:"source"`
	SignalType   model.SignalType  `yaml:"signal_type"`
	AssetRef     string            `yaml:"asset_ref"`
	Unit         string            `yaml:"unit"`
	UnitScale    float64           `yaml:"unit_scale"`
	UnitOffset   float64           `yaml:"unit_offset"`
	MinQuality   model.Quality     `yaml:"min_quality"`
	DeadbandAbs  float64           `yaml:"deadband_abs"`
	DeadbandPct  float64           `yaml:"deadband_pct"`
}

// NormalizerConfig holds the declarative tag binding table.
type NormalizerConfig struct {
	Mappings []MappingConfig `yaml:"mappings"`
}

// OEEConfig configures the rolling-window calculator (C8).
type OEEConfig struct {
	WindowMS            int   `yaml:"window_ms"`
	TickMS              int   `yaml:"tick_ms"`
	CounterRolloverBits int   `yaml:"counter_rollover_bits"`
	MinCounterDecrease  int64 `yaml:"min_counter_decrease"`

	// IdealCycleTimeFallback is used when no cycle.time_ideal tag exists.
	IdealCycleTimeFallback time.Duration `yaml:"ideal_cycle_time_fallback"`
}

// FaultRelation declares that two fault codes on the same asset are related
// for merge purposes (§4.9, §9 Open Questions — made explicit and
// data-driven here instead of implicit in comments).
type FaultRelation struct {
	CodeA string `yaml:"code_a"`
	CodeB string `yaml:"code_b"`
}

// FaultsConfig configures the fault state machine (C9).
type FaultsConfig struct {
	DedupWindowMS int                  `yaml:"dedup_window_ms"`
	MergeWindowMS int                  `yaml:"merge_window_ms"`
	SeverityMap   map[string]string    `yaml:"severity_map"`
	Relations     []FaultRelation      `yaml:"relations"`
}

// SinkConfig configures the batched sink writer (C10).
type SinkConfig struct {
	BatchSize   int           `yaml:"batch_size"`
	FlushMS     int           `yaml:"flush_ms"`
	Endpoint    string        `yaml:"endpoint"`
	RetryQueueSize int        `yaml:"retry_queue_size"`
	RetryBaseBackoff time.Duration `yaml:"retry_base_backoff"`
	RetryMaxBackoff  time.Duration `yaml:"retry_max_backoff"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
}

// Defaults returns a Config populated with every documented default value.
func Defaults() Config {
	hostname, _ := os.Hostname()
	cfg := Config{
		SchemaVersion: "1",
		NodeID:        hostname,
	}
	cfg.MQTT.BrokerPort = 1883
	cfg.MQTT.ConnectTimeout = 30 * time.Second

	cfg.Sparkplug.AliasCacheTTL = 24 * time.Hour

	cfg.Buffer.MaxBytes = 500 * 1024 * 1024
	cfg.Buffer.MaxCount = 10000
	cfg.Buffer.DBPath = "/var/lib/oeecore/buffer.db"
	cfg.Buffer.ShutdownFlushDeadline = 10 * time.Second

	cfg.Backpressure.Thresholds = [2]float64{0.5, 0.85}
	cfg.Backpressure.Multipliers = [2]float64{2, 8}
	cfg.Backpressure.HysteresisMS = 5000
	cfg.Backpressure.DeadbandRaiseFactor = 2.0
	cfg.Backpressure.BaseSamplingMS = 250
	cfg.Backpressure.MaxSamplingMS = 2000

	cfg.OEE.WindowMS = 60 * 60 * 1000
	cfg.OEE.TickMS = 60 * 1000
	cfg.OEE.CounterRolloverBits = 32
	cfg.OEE.MinCounterDecrease = 1000
	cfg.OEE.IdealCycleTimeFallback = 10 * time.Second

	cfg.Faults.DedupWindowMS = 5 * 60 * 1000
	cfg.Faults.MergeWindowMS = 60 * 1000

	cfg.Sink.BatchSize = 1000
	cfg.Sink.FlushMS = 1000
	cfg.Sink.RetryQueueSize = 5000
	cfg.Sink.RetryBaseBackoff = time.Second
	cfg.Sink.RetryMaxBackoff = 60 * time.Second

	cfg.Observability.MetricsAddr = "127.0.0.1:9091"
	cfg.Observability.LogLevel = "info"
	cfg.Observability.LogFormat = "json"

	return cfg
}

// Load reads and validates a config file from the given path.
// Returns the merged config (defaults overridden by file values).
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks all config fields for correctness, returning a single
// error listing every violation found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.NodeID == "" {
		errs = append(errs, "node_id must not be empty")
	}
	if cfg.MQTT.BrokerHost == "" {
		errs = append(errs, "mqtt.broker_host must not be empty")
	}
	if cfg.Sparkplug.GroupID == "" {
		errs = append(errs, "sparkplug.group_id must not be empty")
	}
	if cfg.Buffer.MaxBytes < 1 {
		errs = append(errs, "buffer.max_bytes must be >= 1")
	}
	if cfg.Buffer.MaxCount < 1 {
		errs = append(errs, "buffer.max_count must be >= 1")
	}
	if cfg.Backpressure.Thresholds[0] <= 0 || cfg.Backpressure.Thresholds[1] <= cfg.Backpressure.Thresholds[0] || cfg.Backpressure.Thresholds[1] > 1.0 {
		errs = append(errs, fmt.Sprintf(
			"backpressure.thresholds must satisfy 0 < t0 < t1 <= 1.0, got %v", cfg.Backpressure.Thresholds))
	}
	if cfg.Backpressure.BaseSamplingMS < 1 || cfg.Backpressure.MaxSamplingMS < cfg.Backpressure.BaseSamplingMS {
		errs = append(errs, "backpressure.base_sampling_ms must be >= 1 and <= max_sampling_ms")
	}
	for i, p := range cfg.PLC {
		switch p.Type {
		case "opcua", "allen_bradley", "siemens_s7":
		default:
			errs = append(errs, fmt.Sprintf("plc[%d].type %q is not a recognised driver", i, p.Type))
		}
		if p.Endpoint == "" {
			errs = append(errs, fmt.Sprintf("plc[%d].endpoint must not be empty", i))
		}
		if p.SamplingMS < 1 {
			errs = append(errs, fmt.Sprintf("plc[%d].sampling_ms must be >= 1", i))
		}
	}
	for i, m := range cfg.Normalizer.Mappings {
		if m.Source == "" {
			errs = append(errs, fmt.Sprintf("normalizer.mappings[%d].source must not be empty", i))
		}
		if !m.SignalType.IsValid() {
			errs = append(errs, fmt.Sprintf("normalizer.mappings[%d].signal_type %q is not recognised", i, m.SignalType))
		}
		if m.AssetRef == "" {
			errs = append(errs, fmt.Sprintf("normalizer.mappings[%d].asset_ref must not be empty", i))
		}
	}
	if cfg.OEE.WindowMS < 1 {
		errs = append(errs, "oee.window_ms must be >= 1")
	}
	if cfg.OEE.TickMS < 1 {
		errs = append(errs, "oee.tick_ms must be >= 1")
	}
	if cfg.OEE.CounterRolloverBits != 32 && cfg.OEE.CounterRolloverBits != 64 {
		errs = append(errs, "oee.counter_rollover_bits must be 32 or 64")
	}
	if cfg.Faults.DedupWindowMS < 1 {
		errs = append(errs, "faults.dedup_window_ms must be >= 1")
	}
	if cfg.Faults.MergeWindowMS < 1 {
		errs = append(errs, "faults.merge_window_ms must be >= 1")
	}
	if cfg.Sink.BatchSize < 1 {
		errs = append(errs, "sink.batch_size must be >= 1")
	}
	if cfg.Sink.FlushMS < 1 {
		errs = append(errs, "sink.flush_ms must be >= 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", joinStrings(errs, "\n  - "))
	}
	return nil
}

func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}
