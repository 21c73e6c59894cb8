package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
)

type Config struct {
	Service   ServiceConfig   `koanf:"service"`
	Postgres  PostgresConfig  `koanf:"postgres"`
	Redis     RedisConfig     `koanf:"redis"`
	Broker    BrokerConfig    `koanf:"broker"`
	Ingest    IngestConfig    `koanf:"ingest"`
	Detector  DetectorConfig  `koanf:"detector"`
	Clients   ClientsConfig   `koanf:"clients"`
	Features  FeaturesConfig  `koanf:"features"`
	Alerting  AlertingConfig  `koanf:"alerting"`
	Audit     AuditConfig     `koanf:"audit"`
	Retention RetentionConfig `koanf:"retention"`
}

type ServiceConfig struct {
	InstanceID             string `koanf:"instance_id"`
	HTTPListen             string `koanf:"http_listen"`
	LogLevel               string `koanf:"log_level"`
	ShutdownTimeoutSeconds int    `koanf:"shutdown_timeout_seconds"`
}

type PostgresConfig struct {
	DSN      string `koanf:"dsn"`
	MaxConns int32  `koanf:"max_conns"`
	MinConns int32  `koanf:"min_conns"`
}

type RedisConfig struct {
	URL string `koanf:"url"`
}

type BrokerConfig struct {
	Enabled       bool       `koanf:"enabled"`
	Brokers       []string   `koanf:"brokers"`
	GroupID       string     `koanf:"group_id"`
	Topics        []string   `koanf:"topics"`
	ClientID      string     `koanf:"client_id"`
	FetchMaxBytes int32      `koanf:"fetch_max_bytes"`
	TLS           TLSConfig  `koanf:"tls"`
	SASL          SASLConfig `koanf:"sasl"`
}

type TLSConfig struct {
	Enabled  bool   `koanf:"enabled"`
	CAFile   string `koanf:"ca_file"`
	CertFile string `koanf:"cert_file"`
	KeyFile  string `koanf:"key_file"`
}

type SASLConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Mechanism string `koanf:"mechanism"`
	Username  string `koanf:"username"`
	Password  string `koanf:"password"`
}

type IngestConfig struct {
	BatchSize             int  `koanf:"batch_size"`
	FlushIntervalMs       int  `koanf:"flush_interval_ms"`
	ChannelBufferSize     int  `koanf:"channel_buffer_size"`
	MaxPayloadBytes       int  `koanf:"max_payload_bytes"`
	StoreRawBytes         bool `koanf:"store_raw_bytes"`
	StoreRawBytesCompress bool `koanf:"store_raw_bytes_compress"`
}

type DetectorConfig struct {
	RuleTimeoutSeconds int    `koanf:"rule_timeout_seconds"`
	SeasonalModel      string `koanf:"seasonal_model"`
	AnomalyLookbackHrs int    `koanf:"anomaly_lookback_hours"`
}

type ClientsConfig struct {
	AnalyzerEndpoint     string        `koanf:"analyzer_endpoint"`
	LiveStateEndpoint    string        `koanf:"live_state_endpoint"`
	PrefixOriginEnabled  bool          `koanf:"prefix_origin_enabled"`
	PrefixOriginEndpoint string        `koanf:"prefix_origin_endpoint"`
	CacheTTLSeconds      int           `koanf:"cache_ttl_seconds"`
	TimeoutSeconds       int           `koanf:"timeout_seconds"`
	RetryAttempts        int           `koanf:"retry_attempts"`
	RetryBackoffMs       int           `koanf:"retry_backoff_ms"`
	MaxInFlight          int64         `koanf:"max_in_flight"`
	Breaker              BreakerConfig `koanf:"breaker"`
}

type BreakerConfig struct {
	FailureThreshold uint32 `koanf:"failure_threshold"`
	RecoverySeconds  int    `koanf:"recovery_seconds"`
}

type FeaturesConfig struct {
	Enabled                bool   `koanf:"enabled"`
	KeyPrefix              string `koanf:"key_prefix"`
	MaterializeIntervalMin int    `koanf:"materialize_interval_min"`
	QueueSize              int    `koanf:"queue_size"`
	MaterializeWorkers     int    `koanf:"materialize_workers"`
}

type AlertingConfig struct {
	Oncall          OncallConfig `koanf:"oncall"`
	ChatWebhookURL  string       `koanf:"chat_webhook_url"`
	ChatChannel     string       `koanf:"chat_channel"`
	DedupTTLSeconds int          `koanf:"dedup_ttl_seconds"`
}

type OncallConfig struct {
	Enabled  bool   `koanf:"enabled"`
	URL      string `koanf:"url"`
	Token    string `koanf:"token"`
	Schedule string `koanf:"schedule"`
}

type AuditConfig struct {
	HMACSecret string `koanf:"hmac_secret"`
}

type RetentionConfig struct {
	UpdateDays    int    `koanf:"update_days"`
	TombstoneDays int    `koanf:"tombstone_days"`
	AnomalyDays   int    `koanf:"anomaly_days"`
	Timezone      string `koanf:"timezone"`
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load YAML file first.
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// Overlay environment variables: BGP_ORCH_BROKER__GROUP_ID → broker.group_id
	if err := k.Load(env.Provider("BGP_ORCH_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "BGP_ORCH_")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := &Config{
		Service: ServiceConfig{
			InstanceID:             "bgp-orchestrator-1",
			HTTPListen:             ":8000",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
		Postgres: PostgresConfig{
			MaxConns: 20,
			MinConns: 2,
		},
		Broker: BrokerConfig{
			ClientID:      "bgp-orchestrator",
			GroupID:       "bgp-orchestrator-consumer",
			FetchMaxBytes: 52428800,
		},
		Ingest: IngestConfig{
			BatchSize:             500,
			FlushIntervalMs:       50,
			ChannelBufferSize:     16,
			MaxPayloadBytes:       1048576,
			StoreRawBytesCompress: true,
		},
		Detector: DetectorConfig{
			RuleTimeoutSeconds: 5,
			SeasonalModel:      "additive",
			AnomalyLookbackHrs: 24,
		},
		Clients: ClientsConfig{
			PrefixOriginEndpoint: "https://ris-live.ripe.net/v1",
			CacheTTLSeconds:      300,
			TimeoutSeconds:       30,
			RetryAttempts:        3,
			RetryBackoffMs:       500,
			MaxInFlight:          8,
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				RecoverySeconds:  60,
			},
		},
		Features: FeaturesConfig{
			KeyPrefix:              "features",
			MaterializeIntervalMin: 5,
			QueueSize:              1024,
			MaterializeWorkers:     4,
		},
		Alerting: AlertingConfig{
			Oncall: OncallConfig{
				Schedule: "bgp-orchestrator-oncall",
			},
			ChatChannel:     "#noc-alerts",
			DedupTTLSeconds: 300,
		},
		Retention: RetentionConfig{
			UpdateDays:    30,
			TombstoneDays: 30,
			AnomalyDays:   90,
			Timezone:      "UTC",
		},
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Split comma-separated env strings for slice fields.
	if len(cfg.Broker.Brokers) == 1 && strings.Contains(cfg.Broker.Brokers[0], ",") {
		cfg.Broker.Brokers = strings.Split(cfg.Broker.Brokers[0], ",")
	}
	if len(cfg.Broker.Topics) == 1 && strings.Contains(cfg.Broker.Topics[0], ",") {
		cfg.Broker.Topics = strings.Split(cfg.Broker.Topics[0], ",")
	}

	if err := applyCanonicalEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyCanonicalEnv overlays the short-form environment variables used by
// deployment tooling. These win over both the YAML file and the prefixed
// BGP_ORCH_ variables.
func applyCanonicalEnv(cfg *Config) error {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Postgres.DSN = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("BROKER_BOOTSTRAP"); v != "" {
		cfg.Broker.Brokers = strings.Split(v, ",")
		cfg.Broker.Enabled = true
	}
	if v := os.Getenv("BROKER_TOPICS"); v != "" {
		cfg.Broker.Topics = strings.Split(v, ",")
	}
	if v := os.Getenv("BROKER_GROUP_ID"); v != "" {
		cfg.Broker.GroupID = v
	}
	if v := os.Getenv("ANALYZER_ENDPOINT"); v != "" {
		cfg.Clients.AnalyzerEndpoint = v
	}
	if v := os.Getenv("LIVE_STATE_ENDPOINT"); v != "" {
		cfg.Clients.LiveStateEndpoint = v
	}
	if v := os.Getenv("CHAT_WEBHOOK_URL"); v != "" {
		cfg.Alerting.ChatWebhookURL = v
	}
	if v := os.Getenv("ONCALL_URL"); v != "" {
		cfg.Alerting.Oncall.URL = v
	}
	if v := os.Getenv("ONCALL_TOKEN"); v != "" {
		cfg.Alerting.Oncall.Token = v
	}
	if v := os.Getenv("FEATURE_STORE_PATH"); v != "" {
		cfg.Features.KeyPrefix = v
	}

	boolVars := []struct {
		name string
		dst  *bool
	}{
		{"PREFIX_ORIGIN_ENABLED", &cfg.Clients.PrefixOriginEnabled},
		{"FEATURE_STORE_ENABLED", &cfg.Features.Enabled},
		{"ONCALL_ENABLED", &cfg.Alerting.Oncall.Enabled},
	}
	for _, bv := range boolVars {
		v := os.Getenv(bv.name)
		if v == "" {
			continue
		}
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: %s is not a boolean: %q", bv.name, v)
		}
		*bv.dst = parsed
	}

	intVars := []struct {
		name string
		set  func(int)
	}{
		{"RULE_TIMEOUT_SECONDS", func(n int) { cfg.Detector.RuleTimeoutSeconds = n }},
		{"CB_FAILURE_THRESHOLD", func(n int) { cfg.Clients.Breaker.FailureThreshold = uint32(n) }},
		{"CB_RECOVERY_SECONDS", func(n int) { cfg.Clients.Breaker.RecoverySeconds = n }},
		{"MATERIALIZE_INTERVAL_MIN", func(n int) { cfg.Features.MaterializeIntervalMin = n }},
	}
	for _, iv := range intVars {
		v := os.Getenv(iv.name)
		if v == "" {
			continue
		}
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s is not an integer: %q", iv.name, v)
		}
		iv.set(parsed)
	}

	return nil
}

func (c *Config) Validate() error {
	if c.Postgres.DSN == "" {
		return fmt.Errorf("config: postgres.dsn is required")
	}
	if c.Postgres.MaxConns <= 0 {
		return fmt.Errorf("config: postgres.max_conns must be > 0 (got %d)", c.Postgres.MaxConns)
	}
	if c.Postgres.MinConns < 0 {
		return fmt.Errorf("config: postgres.min_conns must be >= 0 (got %d)", c.Postgres.MinConns)
	}
	if c.Broker.Enabled {
		if len(c.Broker.Brokers) == 0 {
			return fmt.Errorf("config: broker.brokers is required when broker.enabled")
		}
		if c.Broker.GroupID == "" {
			return fmt.Errorf("config: broker.group_id is required when broker.enabled")
		}
		if len(c.Broker.Topics) == 0 {
			return fmt.Errorf("config: broker.topics is required when broker.enabled")
		}
		if c.Broker.FetchMaxBytes <= 0 {
			return fmt.Errorf("config: broker.fetch_max_bytes must be > 0 (got %d)", c.Broker.FetchMaxBytes)
		}
	}
	if c.Features.Enabled && c.Redis.URL == "" {
		return fmt.Errorf("config: redis.url is required when features.enabled")
	}
	if c.Clients.PrefixOriginEnabled && c.Redis.URL == "" {
		return fmt.Errorf("config: redis.url is required when clients.prefix_origin_enabled")
	}
	if c.Alerting.Oncall.Enabled && c.Alerting.Oncall.URL == "" {
		return fmt.Errorf("config: alerting.oncall.url is required when alerting.oncall.enabled")
	}
	if c.Ingest.BatchSize <= 0 {
		return fmt.Errorf("config: ingest.batch_size must be > 0 (got %d)", c.Ingest.BatchSize)
	}
	if c.Ingest.FlushIntervalMs <= 0 {
		return fmt.Errorf("config: ingest.flush_interval_ms must be > 0 (got %d)", c.Ingest.FlushIntervalMs)
	}
	if c.Ingest.ChannelBufferSize <= 0 {
		return fmt.Errorf("config: ingest.channel_buffer_size must be > 0 (got %d)", c.Ingest.ChannelBufferSize)
	}
	if c.Ingest.MaxPayloadBytes <= 0 {
		return fmt.Errorf("config: ingest.max_payload_bytes must be > 0 (got %d)", c.Ingest.MaxPayloadBytes)
	}
	if c.Detector.RuleTimeoutSeconds <= 0 {
		return fmt.Errorf("config: detector.rule_timeout_seconds must be > 0 (got %d)", c.Detector.RuleTimeoutSeconds)
	}
	if m := c.Detector.SeasonalModel; m != "additive" && m != "multiplicative" {
		return fmt.Errorf("config: detector.seasonal_model must be additive or multiplicative (got %q)", m)
	}
	if c.Detector.AnomalyLookbackHrs <= 0 {
		return fmt.Errorf("config: detector.anomaly_lookback_hours must be > 0 (got %d)", c.Detector.AnomalyLookbackHrs)
	}
	if c.Clients.Breaker.FailureThreshold == 0 {
		return fmt.Errorf("config: clients.breaker.failure_threshold must be > 0")
	}
	if c.Clients.Breaker.RecoverySeconds <= 0 {
		return fmt.Errorf("config: clients.breaker.recovery_seconds must be > 0 (got %d)", c.Clients.Breaker.RecoverySeconds)
	}
	if c.Clients.RetryAttempts <= 0 {
		return fmt.Errorf("config: clients.retry_attempts must be > 0 (got %d)", c.Clients.RetryAttempts)
	}
	if c.Clients.TimeoutSeconds <= 0 {
		return fmt.Errorf("config: clients.timeout_seconds must be > 0 (got %d)", c.Clients.TimeoutSeconds)
	}
	if c.Clients.MaxInFlight <= 0 {
		return fmt.Errorf("config: clients.max_in_flight must be > 0 (got %d)", c.Clients.MaxInFlight)
	}
	if c.Features.MaterializeIntervalMin <= 0 {
		return fmt.Errorf("config: features.materialize_interval_min must be > 0 (got %d)", c.Features.MaterializeIntervalMin)
	}
	if c.Features.QueueSize <= 0 {
		return fmt.Errorf("config: features.queue_size must be > 0 (got %d)", c.Features.QueueSize)
	}
	if c.Features.MaterializeWorkers <= 0 {
		return fmt.Errorf("config: features.materialize_workers must be > 0 (got %d)", c.Features.MaterializeWorkers)
	}
	if c.Retention.UpdateDays <= 0 {
		return fmt.Errorf("config: retention.update_days must be > 0 (got %d)", c.Retention.UpdateDays)
	}
	if c.Retention.TombstoneDays <= 0 {
		return fmt.Errorf("config: retention.tombstone_days must be > 0 (got %d)", c.Retention.TombstoneDays)
	}
	if c.Retention.AnomalyDays <= 0 {
		return fmt.Errorf("config: retention.anomaly_days must be > 0 (got %d)", c.Retention.AnomalyDays)
	}
	if c.Service.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("config: service.shutdown_timeout_seconds must be > 0 (got %d)", c.Service.ShutdownTimeoutSeconds)
	}
	if _, err := time.LoadLocation(c.Retention.Timezone); err != nil {
		return fmt.Errorf("config: retention.timezone is invalid: %w", err)
	}
	return nil
}

// RuleTimeout returns the per-rule evaluation deadline.
func (c *Config) RuleTimeout() time.Duration {
	return time.Duration(c.Detector.RuleTimeoutSeconds) * time.Second
}

// BuildTLSConfig creates a *tls.Config from the broker TLS settings. Returns nil if TLS is disabled.
func (b *BrokerConfig) BuildTLSConfig() (*tls.Config, error) {
	if !b.TLS.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{}
	if b.TLS.CAFile != "" {
		caPEM, err := os.ReadFile(b.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsCfg.RootCAs = pool
	}
	if b.TLS.CertFile != "" && b.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(b.TLS.CertFile, b.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

// BuildSASLMechanism creates a SASL mechanism from the broker SASL settings. Returns nil if SASL is disabled.
func (b *BrokerConfig) BuildSASLMechanism() sasl.Mechanism {
	if !b.SASL.Enabled {
		return nil
	}
	switch strings.ToUpper(b.SASL.Mechanism) {
	case "PLAIN":
		return plain.Auth{User: b.SASL.Username, Pass: b.SASL.Password}.AsMechanism()
	default:
		return nil
	}
}
