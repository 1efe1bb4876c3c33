// Package config provides the broker's nested configuration, loaded from
// an optional YAML file and then layered with environment-variable
// overrides and compiled-in defaults.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v2"
)

// =============================================================================
// GPU Fabric Broker - Configuration with Environment Overrides
// =============================================================================

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Heartbeat   HeartbeatConfig   `yaml:"heartbeat"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Handshake   HandshakeConfig   `yaml:"handshake"`
	Registry    RegistryConfig    `yaml:"registry"`
	Catalog     CatalogConfig     `yaml:"catalog"`
	PubSub      PubSubConfig      `yaml:"pubsub"`
	BufferPool  BufferPoolConfig  `yaml:"buffer_pool"`
	Security    SecurityConfig    `yaml:"security"`
}

type ServerConfig struct {
	Port             string   `yaml:"port"`
	Env              string   `yaml:"env"`
	Interface        string   `yaml:"interface"`
	ReadTimeoutSec   int      `yaml:"read_timeout_sec"`
	WriteTimeoutSec  int      `yaml:"write_timeout_sec"`
	IdleTimeoutSec   int      `yaml:"idle_timeout_sec"`
	ShutdownTimeout  int      `yaml:"shutdown_timeout_sec"`
	CORSAllowOrigins []string `yaml:"cors_allow_origins"`
}

// DatabaseConfig configures the durable heartbeat store and the model
// catalog reader.
type DatabaseConfig struct {
	URL      string         `yaml:"url"`
	Backend  string         `yaml:"backend"` // "postgres" | "spanner"
	Spanner  SpannerConfig  `yaml:"spanner"`
	Supabase SupabaseConfig `yaml:"supabase"`
	Redis    RedisConfig    `yaml:"redis"`
}

type SpannerConfig struct {
	ProjectID  string `yaml:"project_id"`
	InstanceID string `yaml:"instance_id"`
	DatabaseID string `yaml:"database_id"`
}

type SupabaseConfig struct {
	URL        string `yaml:"url"`
	ServiceKey string `yaml:"service_key"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

// HeartbeatConfig tunes the ingestion pipeline (§4.4).
type HeartbeatConfig struct {
	BootstrapServer   string `yaml:"bootstrap_server"`
	Topic             string `yaml:"topic"`
	Subscription      string `yaml:"subscription"`
	BatchSize         int    `yaml:"batch_size"`
	FlushIntervalMs   int    `yaml:"flush_interval_ms"`
	ChannelCapacity   int    `yaml:"channel_capacity"`
	MaxRetries        int    `yaml:"max_retries"`
	LivenessWindowSec int    `yaml:"liveness_window_sec"`
}

// SchedulerConfig tunes placement scoring and retry policy (§4.3).
type SchedulerConfig struct {
	WeightFree          float64 `yaml:"weight_free"`
	WeightPerf          float64 `yaml:"weight_perf"`
	WeightVRAM          float64 `yaml:"weight_vram"`
	WeightTherm         float64 `yaml:"weight_therm"`
	WeightRTT           float64 `yaml:"weight_rtt"`
	MaxQueuePerModel    int     `yaml:"max_queue_per_model"`
	MaxAttempts         int     `yaml:"max_attempts"`
	MaxRequestTimeSec   int     `yaml:"max_request_time_sec"`
	TokenIdleTimeoutSec int     `yaml:"token_idle_timeout_sec"`
	// ReferenceMaxTFlops/ReferenceMaxRTTMillis are the normalization
	// denominators for the perf and rtt score terms; neither is named by
	// a fixed unit in §4.3, so they are config-tunable rather than
	// hardcoded against one GPU generation.
	ReferenceMaxTFlops   uint32 `yaml:"reference_max_tflops"`
	ReferenceMaxRTTMillis uint32 `yaml:"reference_max_rtt_millis"`
}

// HandshakeConfig tunes the worker auth handshake (§4.1).
type HandshakeConfig struct {
	SharedSecret     string `yaml:"shared_secret"`
	AuthTimeoutSec   int    `yaml:"auth_timeout_sec"`
	ProtoVersion     int    `yaml:"proto_version"`
	AuthMode         string `yaml:"auth_mode"` // "hmac" | "spiffe"
	SPIFFETrustDomain string `yaml:"spiffe_trust_domain"`
}

// RegistryConfig tunes the active worker registry (§4.2).
type RegistryConfig struct {
	UseRedis          bool   `yaml:"use_redis"`
	KeyPrefix         string `yaml:"key_prefix"`
	OutgoingQueueSize int    `yaml:"outgoing_queue_size"`
}

// CatalogConfig tunes the read-only model catalog refresh cadence.
type CatalogConfig struct {
	RefreshIntervalSec int `yaml:"refresh_interval_sec"`
}

// PubSubConfig configures the Google Cloud Pub/Sub log broker used by the
// heartbeat pipeline's consumer side.
type PubSubConfig struct {
	ProjectID string `yaml:"project_id"`
	Enabled   bool   `yaml:"enabled"`
}

// BufferPoolConfig tunes the fixed-size frame buffer pool (§4.6).
type BufferPoolConfig struct {
	BufferSize      int `yaml:"buffer_size"`
	InitialCapacity int `yaml:"initial_capacity"`
	MaxPooled       int `yaml:"max_pooled"`
}

// SecurityConfig holds optional alternate-auth settings.
type SecurityConfig struct {
	SPIFFESocketPath string `yaml:"spiffe_socket_path"`
}

// =============================================================================
// Singleton Pattern with Environment Overrides
// =============================================================================

var (
	instance *Config
	once     sync.Once
)

// Get returns the singleton config instance.
func Get() *Config {
	once.Do(func() {
		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("config: failed to load config file, using defaults", "error", err)
		}
		if cfg == nil {
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		instance = cfg
	})
	return instance
}

// LoadConfig loads config from a YAML file.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides, per §6.
func (c *Config) applyEnvOverrides() {
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Server.Env = getEnv("OCX_ENV", c.Server.Env)
	c.Server.Interface = getEnv("OCX_INTERFACE", c.Server.Interface)
	if origins := getEnv("CORS_ALLOW_ORIGINS", ""); origins != "" {
		c.Server.CORSAllowOrigins = splitCSV(origins)
	}
	if v := getEnvInt("SERVER_READ_TIMEOUT_SEC", 0); v > 0 {
		c.Server.ReadTimeoutSec = v
	}
	if v := getEnvInt("SERVER_WRITE_TIMEOUT_SEC", 0); v > 0 {
		c.Server.WriteTimeoutSec = v
	}
	if v := getEnvInt("SERVER_SHUTDOWN_TIMEOUT_SEC", 0); v > 0 {
		c.Server.ShutdownTimeout = v
	}

	c.Database.URL = getEnv("DATABASE_URL", c.Database.URL)
	c.Database.Backend = getEnv("HEARTBEAT_STORE_BACKEND", c.Database.Backend)
	c.Database.Redis.URL = getEnv("REDIS_URL", c.Database.Redis.URL)
	c.Database.Spanner.ProjectID = getEnv("SPANNER_PROJECT_ID", c.Database.Spanner.ProjectID)
	c.Database.Spanner.InstanceID = getEnv("SPANNER_INSTANCE_ID", c.Database.Spanner.InstanceID)
	c.Database.Spanner.DatabaseID = getEnv("SPANNER_DATABASE_ID", c.Database.Spanner.DatabaseID)
	c.Database.Supabase.URL = getEnv("SUPABASE_URL", c.Database.Supabase.URL)
	c.Database.Supabase.ServiceKey = getEnv("SUPABASE_SERVICE_KEY", c.Database.Supabase.ServiceKey)

	c.Heartbeat.BootstrapServer = getEnv("BOOTSTRAP_SERVER", c.Heartbeat.BootstrapServer)
	c.Heartbeat.Topic = getEnv("PUBSUB_HEARTBEAT_TOPIC", c.Heartbeat.Topic)
	c.Heartbeat.Subscription = getEnv("PUBSUB_HEARTBEAT_SUB", c.Heartbeat.Subscription)
	if v := getEnvInt("HEARTBEAT_BATCH_SIZE", 0); v > 0 {
		c.Heartbeat.BatchSize = v
	}
	if v := getEnvInt("HEARTBEAT_FLUSH_INTERVAL_MS", 0); v > 0 {
		c.Heartbeat.FlushIntervalMs = v
	}

	c.PubSub.ProjectID = getEnv("PUBSUB_PROJECT_ID", c.PubSub.ProjectID)
	c.PubSub.Enabled = getEnvBool("PUBSUB_ENABLED", c.PubSub.Enabled)

	c.Handshake.SharedSecret = getEnv("SHARED_SECRET", c.Handshake.SharedSecret)
	if v := getEnvInt("AUTH_TIMEOUT_SEC", 0); v > 0 {
		c.Handshake.AuthTimeoutSec = v
	}
	c.Handshake.AuthMode = getEnv("WORKER_AUTH_MODE", c.Handshake.AuthMode)
	c.Handshake.SPIFFETrustDomain = getEnv("OCX_SPIFFE_TRUST_DOMAIN", c.Handshake.SPIFFETrustDomain)

	c.Registry.UseRedis = getEnvBool("REGISTRY_USE_REDIS", c.Registry.UseRedis)

	c.Security.SPIFFESocketPath = getEnv("SPIFFE_SOCKET_PATH", c.Security.SPIFFESocketPath)

	c.applyDefaults()
}

// applyDefaults sets sensible defaults for zero-valued config fields, per
// the weights and windows named throughout §4.
func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.ReadTimeoutSec == 0 {
		c.Server.ReadTimeoutSec = 15
	}
	if c.Server.WriteTimeoutSec == 0 {
		c.Server.WriteTimeoutSec = 15
	}
	if c.Server.IdleTimeoutSec == 0 {
		c.Server.IdleTimeoutSec = 60
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30
	}
	if len(c.Server.CORSAllowOrigins) == 0 {
		c.Server.CORSAllowOrigins = []string{"*"}
	}

	if c.Database.Backend == "" {
		c.Database.Backend = "postgres"
	}

	if c.Heartbeat.Topic == "" {
		c.Heartbeat.Topic = "worker-heartbeats"
	}
	if c.Heartbeat.Subscription == "" {
		c.Heartbeat.Subscription = "heartbeat-pipeline"
	}
	if c.Heartbeat.BatchSize == 0 {
		c.Heartbeat.BatchSize = 100
	}
	if c.Heartbeat.FlushIntervalMs == 0 {
		c.Heartbeat.FlushIntervalMs = 1000
	}
	if c.Heartbeat.ChannelCapacity == 0 {
		c.Heartbeat.ChannelCapacity = 32
	}
	if c.Heartbeat.MaxRetries == 0 {
		c.Heartbeat.MaxRetries = 3
	}
	if c.Heartbeat.LivenessWindowSec == 0 {
		c.Heartbeat.LivenessWindowSec = 15 // 3*H, H=5s
	}

	if c.Scheduler.WeightFree == 0 {
		c.Scheduler.WeightFree = 0.4
	}
	if c.Scheduler.WeightPerf == 0 {
		c.Scheduler.WeightPerf = 0.3
	}
	if c.Scheduler.WeightVRAM == 0 {
		c.Scheduler.WeightVRAM = 0.1
	}
	if c.Scheduler.WeightTherm == 0 {
		c.Scheduler.WeightTherm = 0.1
	}
	if c.Scheduler.WeightRTT == 0 {
		c.Scheduler.WeightRTT = 0.1
	}
	if c.Scheduler.MaxQueuePerModel == 0 {
		c.Scheduler.MaxQueuePerModel = 64
	}
	if c.Scheduler.MaxAttempts == 0 {
		c.Scheduler.MaxAttempts = 2
	}
	if c.Scheduler.MaxRequestTimeSec == 0 {
		c.Scheduler.MaxRequestTimeSec = 120
	}
	if c.Scheduler.TokenIdleTimeoutSec == 0 {
		c.Scheduler.TokenIdleTimeoutSec = 30
	}
	if c.Scheduler.ReferenceMaxTFlops == 0 {
		c.Scheduler.ReferenceMaxTFlops = 500
	}
	if c.Scheduler.ReferenceMaxRTTMillis == 0 {
		c.Scheduler.ReferenceMaxRTTMillis = 500
	}

	if c.Handshake.AuthTimeoutSec == 0 {
		c.Handshake.AuthTimeoutSec = 10
	}
	if c.Handshake.ProtoVersion == 0 {
		c.Handshake.ProtoVersion = 1
	}
	if c.Handshake.AuthMode == "" {
		c.Handshake.AuthMode = "hmac"
	}

	if c.Registry.KeyPrefix == "" {
		c.Registry.KeyPrefix = "gpufabric:registry:"
	}
	if c.Registry.OutgoingQueueSize == 0 {
		c.Registry.OutgoingQueueSize = 256
	}

	if c.Catalog.RefreshIntervalSec == 0 {
		c.Catalog.RefreshIntervalSec = 30
	}

	if c.BufferPool.BufferSize == 0 {
		c.BufferPool.BufferSize = 64 * 1024
	}
	if c.BufferPool.MaxPooled == 0 {
		c.BufferPool.MaxPooled = 100
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func splitCSV(s string) []string {
	parts := make([]string, 0)
	for _, p := range strings.Split(s, ",") {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// =============================================================================
// Convenience Methods
// =============================================================================

func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Server.Env == "development"
}

func (c *Config) GetPort() string {
	if c.Server.Port == "" {
		return "8080"
	}
	return c.Server.Port
}

func (c *Config) GetSupabaseURL() string {
	return c.Database.Supabase.URL
}

func (c *Config) GetSupabaseKey() string {
	return c.Database.Supabase.ServiceKey
}
