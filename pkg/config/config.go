// Package config is the options record for a tracker: queue capacity, batch
// thresholds, retry policy, consent and policy knobs, and the transport.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Queue     QueueConfig     `yaml:"queue"`
	Batch     BatchConfig     `yaml:"batch"`
	Retry     RetryConfig     `yaml:"retry"`
	Consent   ConsentConfig   `yaml:"consent"`
	Policy    PolicyConfig    `yaml:"policy"`
	Transport TransportConfig `yaml:"transport"`
	Relay     RelayConfig     `yaml:"relay"`

	// Disabled turns the tracker into a no-op.
	Disabled bool `yaml:"disabled"`
}

type QueueConfig struct {
	MaxSize int `yaml:"max_size"` // events held while consent or the provider is pending
}

type BatchConfig struct {
	MaxEvents      int           `yaml:"max_events"`
	MaxBytes       int           `yaml:"max_bytes"`
	MaxWait        time.Duration `yaml:"max_wait"`
	Concurrency    int           `yaml:"concurrency"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	Dedup          bool          `yaml:"dedup"`
}

type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	InitialDelay      time.Duration `yaml:"initial_delay"`
	Multiplier        float64       `yaml:"multiplier"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	Jitter            bool          `yaml:"jitter"`
	RetryableStatuses []int         `yaml:"retryable_statuses"`
}

type ConsentConfig struct {
	Implicit               bool   `yaml:"implicit"`
	PolicyVersion          string `yaml:"policy_version"`
	AllowEssentialOnDenied bool   `yaml:"allow_essential_on_denied"`
	Store                  string `yaml:"store"` // memory, file, sqlite
	StorePath              string `yaml:"store_path"`
}

type PolicyConfig struct {
	RespectDNT           bool     `yaml:"respect_dnt"`
	EssentialBypassesDNT bool     `yaml:"essential_bypasses_dnt"`
	TrackLocalhost       bool     `yaml:"track_localhost"`
	Domains              []string `yaml:"domains"`
	ExcludePaths         []string `yaml:"exclude_paths"`
}

type TransportConfig struct {
	Kind          string        `yaml:"kind"` // http, beacon, proxy, kafka, postgres, log
	Endpoint      string        `yaml:"endpoint"`
	ProxyEndpoint string        `yaml:"proxy_endpoint"`
	PublicKey     string        `yaml:"public_key"` // base64 HMAC public key
	Timeout       time.Duration `yaml:"timeout"`
	ReachTimeout  time.Duration `yaml:"reach_timeout"`

	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic"`

	PGDSN   string `yaml:"pg_dsn"`
	PGTable string `yaml:"pg_table"`
	PGCopy  bool   `yaml:"pg_copy"`

	LogPath string `yaml:"log_path"`
}

// RelayConfig configures the first-party relay that accepts batches posted
// by HTTP transports and forwards them through Transport.
type RelayConfig struct {
	Addr         string `yaml:"addr"`
	Secret       string `yaml:"secret"` // HMAC secret; clients sign with the derived public key
	RequireHMAC  bool   `yaml:"require_hmac"`
	MaxBodyBytes int    `yaml:"max_body_bytes"`
	RespectDNT   bool   `yaml:"respect_dnt"`
}

// DefaultRetryableStatuses are the HTTP statuses retried by default.
var DefaultRetryableStatuses = []int{408, 429, 500, 502, 503, 504}

var storeKinds = map[string]bool{"memory": true, "file": true, "sqlite": true}

var transportKinds = map[string]bool{
	"http": true, "beacon": true, "proxy": true,
	"kafka": true, "postgres": true, "log": true,
}

// Default returns the documented defaults.
func Default() Config {
	return Config{
		Queue: QueueConfig{MaxSize: 100},
		Batch: BatchConfig{
			MaxEvents:      10,
			MaxBytes:       64 << 10,
			MaxWait:        time.Second,
			Concurrency:    2,
			AttemptTimeout: 10 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts:       3,
			InitialDelay:      time.Second,
			Multiplier:        2,
			MaxDelay:          30 * time.Second,
			Jitter:            true,
			RetryableStatuses: append([]int(nil), DefaultRetryableStatuses...),
		},
		Consent: ConsentConfig{Store: "memory"},
		Policy:  PolicyConfig{RespectDNT: true},
		Transport: TransportConfig{
			Kind:       "http",
			Timeout:    10 * time.Second,
			KafkaTopic: "trackpipe.events",
			PGTable:    "events_json",
			PGCopy:     true,
		},
		Relay: RelayConfig{
			Addr:         ":8080",
			MaxBodyBytes: 1 << 20,
			RespectDNT:   true,
		},
	}
}

func getOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
func getBool(k string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(k)))
	switch v {
	case "1", "t", "true", "y", "yes":
		return true
	case "0", "f", "false", "n", "no":
		return false
	}
	return def
}
func getInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}
func getFloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f
		}
	}
	return def
}

// getDuration accepts Go durations ("1.5s") or plain milliseconds ("1500").
func getDuration(k string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return def
}

func getStringSlice(k, def string) []string {
	v := os.Getenv(k)
	if v == "" {
		v = def
	}
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func getIntSlice(k string, def []int) []int {
	parts := getStringSlice(k, "")
	if parts == nil {
		return def
	}
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return def
		}
		out = append(out, n)
	}
	return out
}

// Load reads the configuration from environment variables over Default().
func Load() Config {
	def := Default()
	return Config{
		Queue: QueueConfig{
			MaxSize: getInt("QUEUE_MAX_SIZE", def.Queue.MaxSize),
		},
		Batch: BatchConfig{
			MaxEvents:      getInt("BATCH_MAX_EVENTS", def.Batch.MaxEvents),
			MaxBytes:       getInt("BATCH_MAX_BYTES", def.Batch.MaxBytes),
			MaxWait:        getDuration("BATCH_MAX_WAIT", def.Batch.MaxWait),
			Concurrency:    getInt("SEND_CONCURRENCY", def.Batch.Concurrency),
			AttemptTimeout: getDuration("SEND_ATTEMPT_TIMEOUT", def.Batch.AttemptTimeout),
			Dedup:          getBool("BATCH_DEDUP", def.Batch.Dedup),
		},
		Retry: RetryConfig{
			MaxAttempts:       getInt("RETRY_MAX_ATTEMPTS", def.Retry.MaxAttempts),
			InitialDelay:      getDuration("RETRY_INITIAL_DELAY", def.Retry.InitialDelay),
			Multiplier:        getFloat("RETRY_MULTIPLIER", def.Retry.Multiplier),
			MaxDelay:          getDuration("RETRY_MAX_DELAY", def.Retry.MaxDelay),
			Jitter:            getBool("RETRY_JITTER", def.Retry.Jitter),
			RetryableStatuses: getIntSlice("RETRY_STATUSES", def.Retry.RetryableStatuses),
		},
		Consent: ConsentConfig{
			Implicit:               getBool("CONSENT_IMPLICIT", false),
			PolicyVersion:          getOr("CONSENT_POLICY_VERSION", ""),
			AllowEssentialOnDenied: getBool("CONSENT_ESSENTIAL_ON_DENIED", false),
			Store:                  getOr("CONSENT_STORE", def.Consent.Store),
			StorePath:              getOr("CONSENT_STORE_PATH", ""),
		},
		Policy: PolicyConfig{
			RespectDNT:           getBool("DNT_RESPECT", def.Policy.RespectDNT),
			EssentialBypassesDNT: getBool("DNT_ESSENTIAL_BYPASS", false),
			TrackLocalhost:       getBool("TRACK_LOCALHOST", false),
			Domains:              getStringSlice("TRACK_DOMAINS", ""),
			ExcludePaths:         getStringSlice("EXCLUDE_PATHS", ""),
		},
		Transport: TransportConfig{
			Kind:          getOr("TRANSPORT", def.Transport.Kind),
			Endpoint:      getOr("COLLECTOR_ENDPOINT", ""),
			ProxyEndpoint: getOr("PROXY_ENDPOINT", ""),
			PublicKey:     getOr("HMAC_PUBLIC_KEY", ""),
			Timeout:       getDuration("SEND_TIMEOUT", def.Transport.Timeout),
			ReachTimeout:  getDuration("REACH_TIMEOUT", 0),
			KafkaBrokers:  getStringSlice("KAFKA_BROKERS", "localhost:9092"),
			KafkaTopic:    getOr("KAFKA_TOPIC", def.Transport.KafkaTopic),
			PGDSN:         getOr("PG_DSN", ""),
			PGTable:       getOr("PG_TABLE", def.Transport.PGTable),
			PGCopy:        getBool("PG_COPY", def.Transport.PGCopy),
			LogPath:       getOr("LOG_PATH", ""),
		},
		Relay: RelayConfig{
			Addr:         getOr("RELAY_ADDR", def.Relay.Addr),
			Secret:       getOr("HMAC_SECRET", ""),
			RequireHMAC:  getBool("RELAY_REQUIRE_HMAC", false),
			MaxBodyBytes: getInt("RELAY_MAX_BODY_BYTES", def.Relay.MaxBodyBytes),
			RespectDNT:   getBool("RELAY_RESPECT_DNT", def.Relay.RespectDNT),
		},
		Disabled: getBool("TRACKING_DISABLED", false),
	}
}

// FromFile loads configuration from a file, auto-detecting format by extension.
// Supported extensions: .yaml, .yml, .json
func FromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return FromYAML(data)
	case ".json":
		return FromJSON(data)
	default:
		return Config{}, fmt.Errorf("unsupported config file extension: %s", ext)
	}
}

// FromYAML parses YAML data over Default(). Durations use Go syntax ("500ms").
func FromYAML(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse yaml: %w", err)
	}
	return cfg, nil
}

// FromJSON parses JSON data over Default(). JSON is read with the YAML
// decoder so durations can be written the same way in both formats.
func FromJSON(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse json: %w", err)
	}
	return cfg, nil
}

// Validate reports every impossible value at once.
func (c Config) Validate() error {
	var problems []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			problems = append(problems, fmt.Errorf(format, args...))
		}
	}

	check(c.Queue.MaxSize > 0, "queue.max_size must be positive, got %d", c.Queue.MaxSize)
	check(c.Batch.MaxEvents > 0, "batch.max_events must be positive, got %d", c.Batch.MaxEvents)
	check(c.Batch.MaxBytes > 0, "batch.max_bytes must be positive, got %d", c.Batch.MaxBytes)
	check(c.Batch.MaxWait >= 0, "batch.max_wait must not be negative")
	check(c.Batch.Concurrency > 0, "batch.concurrency must be positive, got %d", c.Batch.Concurrency)
	check(c.Retry.MaxAttempts > 0, "retry.max_attempts must be positive, got %d", c.Retry.MaxAttempts)
	check(c.Retry.InitialDelay >= 0, "retry.initial_delay must not be negative")
	check(c.Retry.Multiplier >= 1, "retry.multiplier must be at least 1, got %g", c.Retry.Multiplier)
	check(c.Retry.MaxDelay >= c.Retry.InitialDelay, "retry.max_delay must not be below retry.initial_delay")
	for _, s := range c.Retry.RetryableStatuses {
		check(s >= 100 && s <= 599, "retry.retryable_statuses: %d is not an HTTP status", s)
	}
	check(storeKinds[c.Consent.Store], "consent.store: unknown store %q", c.Consent.Store)
	check(c.Consent.Store == "memory" || c.Consent.StorePath != "", "consent.store_path is required for the %s store", c.Consent.Store)
	check(transportKinds[c.Transport.Kind], "transport.kind: unknown transport %q", c.Transport.Kind)

	switch c.Transport.Kind {
	case "http", "beacon":
		check(c.Transport.Endpoint != "", "transport.endpoint is required for %s", c.Transport.Kind)
	case "proxy":
		check(c.Transport.ProxyEndpoint != "" || c.Transport.Endpoint != "", "transport.proxy_endpoint is required for proxy")
	case "kafka":
		check(len(c.Transport.KafkaBrokers) > 0, "transport.kafka_brokers is required for kafka")
	case "postgres":
		check(c.Transport.PGDSN != "", "transport.pg_dsn is required for postgres")
	}

	return errors.Join(problems...)
}

// Validate checks the relay settings. It is separate from Config.Validate
// because only the relay binary needs them.
func (r RelayConfig) Validate() error {
	var problems []error
	if r.Addr == "" {
		problems = append(problems, errors.New("relay.addr is required"))
	}
	if r.MaxBodyBytes <= 0 {
		problems = append(problems, fmt.Errorf("relay.max_body_bytes must be positive, got %d", r.MaxBodyBytes))
	}
	if r.RequireHMAC && r.Secret == "" {
		problems = append(problems, errors.New("relay.secret is required when relay.require_hmac is set"))
	}
	return errors.Join(problems...)
}
