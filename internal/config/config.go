// Package config provides environment-aware configuration management for the
// world server: tick/shard topology, network budgets, cache tiers, database
// pools, partition routing and read-replica policy.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Environment represents the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Testing     Environment = "testing"
	Production  Environment = "production"
)

// ParseEnvironment validates a raw environment string.
func ParseEnvironment(raw string) (Environment, bool) {
	switch Environment(raw) {
	case Development, Testing, Production:
		return Environment(raw), true
	default:
		return "", false
	}
}

// WorldConfig tunes the tick loop and shard topology.
type WorldConfig struct {
	TickHz               int
	Shards               int
	MaxEntitiesPerShard   int
	InterestK             int
	MaxViewDistance       float64
	CellSize              float64
}

// NetworkConfig tunes the send pipeline and bandwidth budgets.
type NetworkConfig struct {
	Port                         int
	BandwidthLimitGlobalBps      int64
	BandwidthLimitPerConnBps     int64
	EnableCompression            bool
	EnableAggregation            bool
	AdaptationIntervalMS         int
	MaxNewConnectionsPerSecond   float64
}

// CacheConfig tunes one named multi-tier cache (e.g. "player", "item", "guild").
type CacheConfig struct {
	L1Size            int
	L2Size            int
	ActiveTTL         time.Duration
	InactiveTTL       time.Duration
	WriteDelay        time.Duration
	EnableWriteBehind bool
}

// PoolConfig tunes one named connection pool.
type PoolConfig struct {
	Host                string
	Port                int
	Database            string
	Username            string
	Password            string
	MinConnections      int
	MaxConnections      int
	InitialConnections  int
	AcquireTimeout      time.Duration
	IdleTimeout         time.Duration
	MaxLifetime         time.Duration
	TestOnBorrow        bool
	ValidationQuery     string
	ValidationInterval  time.Duration
}

// PartitionConfig tunes routing for one logical table.
type PartitionConfig struct {
	Strategy      string // hash|range|list|round_robin|composite
	KeyColumns    []string
	HashBuckets   int
	RangeBounds   []string
	ListMap       map[string]string
	MaxRows       int64
	MaxBytes      int64
	RetentionDays int
	AutoCreate    bool
}

// ReplicaEndpoint describes one read replica in a pool.
type ReplicaEndpoint struct {
	Host      string
	Port      int
	Weight    int
	Region    string
	MaxLagMS  int
}

// ReplicaConfig tunes a named replica pool sitting behind a primary.
type ReplicaConfig struct {
	Endpoints  []ReplicaEndpoint
	LoadPolicy string // round_robin|least_conn|weighted|latency|consistent_hash
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level  string
	Format string
}

// Config holds all application configuration.
type Config struct {
	Env Environment

	World   WorldConfig
	Network NetworkConfig
	Logging LoggingConfig

	Cache     map[string]CacheConfig
	Pool      map[string]PoolConfig
	Partition map[string]PartitionConfig
	Replica   map[string]ReplicaConfig

	MetricsEnabled bool
	MetricsPort    int

	EnableProfiling      bool
	EnableDebugEndpoints bool
	TestMode             bool
}

// Load loads configuration based on the WORLD_ENV environment variable,
// optionally layering an environment-specific .env file beneath the
// process environment.
func Load() (*Config, error) {
	envStr := os.Getenv("WORLD_ENV")
	if envStr == "" {
		envStr = string(Development)
	}

	env, ok := ParseEnvironment(envStr)
	if !ok {
		return nil, fmt.Errorf("invalid WORLD_ENV: %s (must be development, testing, or production)", envStr)
	}

	configFile := filepath.Join("config", fmt.Sprintf("%s.env", env))
	if err := godotenv.Load(configFile); err != nil {
		// Config file is optional; only warn on non-"file not found" errors
		// (e.g. parse errors) to avoid noisy logs during tests and CI runs.
		if !errors.Is(err, os.ErrNotExist) {
			fmt.Printf("Warning: Could not load %s: %v\n", configFile, err)
		}
	}

	cfg := &Config{Env: env}
	if err := cfg.loadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// loadFromEnv loads configuration from environment variables. Named
// sub-configs are seeded with one entry each: cache "default", pool
// "primary", partition "entity_snapshot" and replica "primary"; deployments with more than one named instance of a given concern
// are expected to layer a config file loaded by the caller on top of this.
func (c *Config) loadFromEnv() error {
	c.World = WorldConfig{
		TickHz:              getIntEnv("WORLD_TICK_HZ", 20),
		Shards:              getIntEnv("WORLD_SHARDS", 1),
		MaxEntitiesPerShard: getIntEnv("WORLD_MAX_ENTITIES_PER_SHARD", 50000),
		InterestK:           getIntEnv("WORLD_INTEREST_K", 64),
		MaxViewDistance:     getFloatEnv("WORLD_MAX_VIEW_DISTANCE", 150.0),
		CellSize:            getFloatEnv("WORLD_CELL_SIZE", 32.0),
	}

	c.Network = NetworkConfig{
		Port:                     getIntEnv("NETWORK_PORT", 7777),
		BandwidthLimitGlobalBps:  getInt64Env("NETWORK_BANDWIDTH_GLOBAL_BPS", 100_000_000),
		BandwidthLimitPerConnBps: getInt64Env("NETWORK_BANDWIDTH_PER_CONN_BPS", 256_000),
		EnableCompression:        getBoolEnv("NETWORK_ENABLE_COMPRESSION", true),
		EnableAggregation:        getBoolEnv("NETWORK_ENABLE_AGGREGATION", true),
		AdaptationIntervalMS:     getIntEnv("NETWORK_ADAPTATION_INTERVAL_MS", 1000),
		MaxNewConnectionsPerSecond: getFloatEnv("NETWORK_MAX_NEW_CONNECTIONS_PER_SECOND", 50),
	}

	c.Logging = LoggingConfig{
		Level:  getEnv("LOG_LEVEL", "info"),
		Format: getEnv("LOG_FORMAT", "json"),
	}

	c.Cache = map[string]CacheConfig{
		"default": {
			L1Size:            getIntEnv("CACHE_L1_SIZE", 10000),
			L2Size:            getIntEnv("CACHE_L2_SIZE", 100000),
			ActiveTTL:         getDurationEnv("CACHE_ACTIVE_TTL", 5*time.Minute),
			InactiveTTL:       getDurationEnv("CACHE_INACTIVE_TTL", 1*time.Hour),
			WriteDelay:        getDurationEnv("CACHE_WRITE_DELAY", 30*time.Second),
			EnableWriteBehind: getBoolEnv("CACHE_ENABLE_WRITE_BEHIND", true),
		},
	}

	c.Pool = map[string]PoolConfig{
		"primary": {
			Host:               getEnv("DB_HOST", "localhost"),
			Port:               getIntEnv("DB_PORT", 5432),
			Database:           getEnv("DB_NAME", "world"),
			Username:           getEnv("DB_USER", "world"),
			Password:           getEnv("DB_PASSWORD", ""),
			MinConnections:     getIntEnv("DB_MIN_CONNECTIONS", 5),
			MaxConnections:     getIntEnv("DB_MAX_CONNECTIONS", 100),
			InitialConnections: getIntEnv("DB_INITIAL_CONNECTIONS", 10),
			AcquireTimeout:     getDurationEnv("DB_ACQUIRE_TIMEOUT", 5*time.Second),
			IdleTimeout:        getDurationEnv("DB_IDLE_TIMEOUT", 10*time.Minute),
			MaxLifetime:        getDurationEnv("DB_MAX_LIFETIME", 1*time.Hour),
			TestOnBorrow:       getBoolEnv("DB_TEST_ON_BORROW", true),
			ValidationQuery:    getEnv("DB_VALIDATION_QUERY", "SELECT 1"),
			ValidationInterval: getDurationEnv("DB_VALIDATION_INTERVAL", 30*time.Second),
		},
	}

	c.Partition = map[string]PartitionConfig{
		"entity_snapshot": {
			Strategy:      getEnv("PARTITION_ENTITY_STRATEGY", "hash"),
			KeyColumns:    splitCSV(getEnv("PARTITION_ENTITY_KEY_COLUMNS", "entity_id")),
			HashBuckets:   getIntEnv("PARTITION_ENTITY_HASH_BUCKETS", 16),
			MaxRows:       getInt64Env("PARTITION_ENTITY_MAX_ROWS", 10_000_000),
			MaxBytes:      getInt64Env("PARTITION_ENTITY_MAX_BYTES", 0),
			RetentionDays: getIntEnv("PARTITION_ENTITY_RETENTION_DAYS", 0),
			AutoCreate:    getBoolEnv("PARTITION_ENTITY_AUTO_CREATE", true),
		},
	}

	c.Replica = map[string]ReplicaConfig{
		"primary": {
			LoadPolicy: getEnv("REPLICA_LOAD_POLICY", "least_conn"),
		},
	}

	c.MetricsEnabled = getBoolEnv("METRICS_ENABLED", c.Env == Production)
	c.MetricsPort = getIntEnv("METRICS_PORT", 9090)

	c.EnableProfiling = getBoolEnv("ENABLE_PROFILING", false)
	c.EnableDebugEndpoints = getBoolEnv("ENABLE_DEBUG_ENDPOINTS", false)
	c.TestMode = getBoolEnv("TEST_MODE", false)

	return nil
}

// IsDevelopment returns true if running in the development environment.
func (c *Config) IsDevelopment() bool { return c.Env == Development }

// IsTesting returns true if running in the testing environment.
func (c *Config) IsTesting() bool { return c.Env == Testing }

// IsProduction returns true if running in the production environment.
func (c *Config) IsProduction() bool { return c.Env == Production }

// Validate checks invariants across the loaded configuration.
func (c *Config) Validate() error {
	if c.IsProduction() {
		if c.EnableDebugEndpoints {
			return fmt.Errorf("ENABLE_DEBUG_ENDPOINTS must be false in production")
		}
		if c.TestMode {
			return fmt.Errorf("TEST_MODE must be false in production")
		}
	}

	if c.World.TickHz <= 0 {
		return fmt.Errorf("invalid WORLD_TICK_HZ: %d (must be positive)", c.World.TickHz)
	}
	if c.World.Shards <= 0 {
		return fmt.Errorf("invalid WORLD_SHARDS: %d (must be positive)", c.World.Shards)
	}
	if c.Network.Port < 1 || c.Network.Port > 65535 {
		return fmt.Errorf("invalid NETWORK_PORT: %d (must be between 1 and 65535)", c.Network.Port)
	}

	for name, pc := range c.Pool {
		if pc.MinConnections > pc.MaxConnections {
			return fmt.Errorf("pool %q: min_connections (%d) exceeds max_connections (%d)", name, pc.MinConnections, pc.MaxConnections)
		}
	}

	for name, pc := range c.Partition {
		switch pc.Strategy {
		case "hash", "range", "list", "round_robin", "composite":
		default:
			return fmt.Errorf("partition %q: unknown strategy %q", name, pc.Strategy)
		}
	}

	return nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getInt64Env(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
