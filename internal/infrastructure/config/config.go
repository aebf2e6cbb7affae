package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/values"
)

// EnvPrefix prefixes every environment override. Sections are separated by
// a double underscore: PROAUDIT_DATABASE__MAX_CONNS=20.
const EnvPrefix = "PROAUDIT_"

// DefaultPath is read when Load is given an empty path
const DefaultPath = "configs/config.yaml"

type Config struct {
	Version     string `koanf:"version"`
	Environment string `koanf:"environment"`
	LogLevel    string `koanf:"log_level"`

	Database   DatabaseConfig   `koanf:"database"`
	Redis      RedisConfig      `koanf:"redis"`
	Evidence   EvidenceConfig   `koanf:"evidence"`
	Ledger     LedgerConfig     `koanf:"ledger"`
	Forensic   ForensicConfig   `koanf:"forensic"`
	Compliance ComplianceConfig `koanf:"compliance"`
	Audit      AuditConfig      `koanf:"audit"`
	Security   SecurityConfig   `koanf:"security"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
	Metrics    MetricsConfig    `koanf:"metrics"`
}

type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxConns        int32         `koanf:"max_conns"`
	MinConns        int32         `koanf:"min_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	// MigrationsPath overrides the embedded migrations, e.g. file://migrations
	MigrationsPath string `koanf:"migrations_path"`
}

type RedisConfig struct {
	URL         string        `koanf:"url"`
	Password    string        `koanf:"password"`
	DB          int           `koanf:"db"`
	PoolSize    int           `koanf:"pool_size"`
	DialTimeout time.Duration `koanf:"dial_timeout"`
	// Streams carrying ledger entries and auditor action log entries
	EntryStream     string `koanf:"entry_stream"`
	ActionLogStream string `koanf:"action_log_stream"`
	StreamMaxLen    int64  `koanf:"stream_max_len"`
	// DeadLetterSize bounds failed stream messages kept for redrive
	DeadLetterSize int           `koanf:"dead_letter_size"`
	RedriveEvery   time.Duration `koanf:"redrive_every"`
}

type EvidenceConfig struct {
	// Backend is memory or s3
	Backend  string `koanf:"backend"`
	Bucket   string `koanf:"bucket"`
	Prefix   string `koanf:"prefix"`
	Region   string `koanf:"region"`
	Endpoint string `koanf:"endpoint"`
	// Retention is the Object Lock period in years ("7y", "standard");
	// "none" stores without a lock
	Retention         string        `koanf:"retention"`
	VerifyConcurrency int           `koanf:"verify_concurrency"`
	MaxPayloadBytes   int64         `koanf:"max_payload_bytes"`
	RequestTimeout    time.Duration `koanf:"request_timeout"`
}

type LedgerConfig struct {
	MaxRetries       uint64        `koanf:"max_retries"`
	InitialBackoff   time.Duration `koanf:"initial_backoff"`
	MaxBackoff       time.Duration `koanf:"max_backoff"`
	StrictTimestamps bool          `koanf:"strict_timestamps"`
	// SweepInterval schedules full-chain verification of every
	// organization; zero disables the sweep
	SweepInterval    time.Duration `koanf:"sweep_interval"`
	SweepConcurrency int           `koanf:"sweep_concurrency"`
}

type ForensicConfig struct {
	BenfordMinSample    int     `koanf:"benford_min_sample"`
	SuspiciousPValue    float64 `koanf:"suspicious_p_value"`
	NonConformingPValue float64 `koanf:"non_conforming_p_value"`
	ZScoreThreshold     float64 `koanf:"zscore_threshold"`
	// Materiality is a decimal string in the organization's currency
	Materiality  string `koanf:"materiality"`
	VATRate      string `koanf:"vat_rate"`
	VATTolerance string `koanf:"vat_tolerance"`
}

type ComplianceConfig struct {
	LockWindow time.Duration `koanf:"lock_window"`
}

type AuditConfig struct {
	RuleVersion string `koanf:"rule_version"`
}

type SecurityConfig struct {
	JWTSecret string `koanf:"jwt_secret"`
	JWTIssuer string `koanf:"jwt_issuer"`
}

type TelemetryConfig struct {
	Enabled      bool    `koanf:"enabled"`
	ServiceName  string  `koanf:"service_name"`
	OTLPEndpoint string  `koanf:"otlp_endpoint"`
	SamplingRate float64 `koanf:"sampling_rate"`
}

type MetricsConfig struct {
	ListenAddr string `koanf:"listen_addr"`
}

// Defaults returns the built-in configuration
func Defaults() *Config {
	return &Config{
		Version:     "dev",
		Environment: "development",
		LogLevel:    "info",
		Database: DatabaseConfig{
			MaxConns:        20,
			MinConns:        2,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Redis: RedisConfig{
			PoolSize:        10,
			DialTimeout:     5 * time.Second,
			EntryStream:     "proaudit:ledger",
			ActionLogStream: "proaudit:auditor-actions",
			StreamMaxLen:    100000,
			DeadLetterSize:  10000,
			RedriveEvery:    30 * time.Second,
		},
		Evidence: EvidenceConfig{
			Backend:           "memory",
			Prefix:            "evidence",
			Region:            "eu-west-1",
			Retention:         "7y",
			VerifyConcurrency: 8,
			MaxPayloadBytes:   64 << 20,
			RequestTimeout:    30 * time.Second,
		},
		Ledger: LedgerConfig{
			MaxRetries:       8,
			InitialBackoff:   5 * time.Millisecond,
			MaxBackoff:       250 * time.Millisecond,
			SweepInterval:    time.Hour,
			SweepConcurrency: 4,
		},
		Forensic: ForensicConfig{
			BenfordMinSample:    100,
			SuspiciousPValue:    0.05,
			NonConformingPValue: 0.01,
			ZScoreThreshold:     3.0,
			Materiality:         "1000000",
			VATRate:             "0.075",
			VATTolerance:        "0.01",
		},
		Compliance: ComplianceConfig{
			LockWindow: 72 * time.Hour,
		},
		Audit: AuditConfig{
			RuleVersion: "2026.1",
		},
		Telemetry: TelemetryConfig{
			ServiceName:  "proaudit",
			SamplingRate: 1.0,
		},
		Metrics: MetricsConfig{
			ListenAddr: ":9464",
		},
	}
}

// Load layers defaults, the YAML file at path and PROAUDIT_ environment
// overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path == "" {
		path = DefaultPath
	}
	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}

// Validate rejects settings the services cannot run with
func (c *Config) Validate() error {
	switch c.Evidence.Backend {
	case "memory":
	case "s3":
		if c.Evidence.Bucket == "" {
			return fmt.Errorf("evidence.bucket is required for the s3 backend")
		}
		if _, err := c.Evidence.RetentionPeriod(); err != nil {
			return fmt.Errorf("evidence.retention: %w", err)
		}
	default:
		return fmt.Errorf("unknown evidence backend %q", c.Evidence.Backend)
	}
	if c.Compliance.LockWindow <= 0 {
		return fmt.Errorf("compliance.lock_window must be positive")
	}
	if c.Forensic.NonConformingPValue >= c.Forensic.SuspiciousPValue {
		return fmt.Errorf("forensic.non_conforming_p_value must be below suspicious_p_value")
	}
	if c.Audit.RuleVersion == "" {
		return fmt.Errorf("audit.rule_version is required")
	}
	return nil
}

// RetentionPeriod parses Retention. A zero period means no Object Lock.
func (e EvidenceConfig) RetentionPeriod() (values.RetentionPeriod, error) {
	switch strings.ToLower(strings.TrimSpace(e.Retention)) {
	case "", "none", "off":
		return values.RetentionPeriod{}, nil
	}
	return values.ParseRetentionPeriod(e.Retention)
}
