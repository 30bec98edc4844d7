// Package config loads apipool settings from a YAML file with APIPOOL_*
// environment overrides.
package config

import "time"

// Ledger drivers accepted by Ledger.Driver.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverRedis    = "redis"
	DriverMongoDB  = "mongodb"
)

// Config is the full runtime configuration.
type Config struct {
	Log      LogConfig      `yaml:"log" json:"log"`
	Ledger   LedgerConfig   `yaml:"ledger" json:"ledger"`
	Pool     PoolConfig     `yaml:"pool" json:"pool"`
	Server   ServerConfig   `yaml:"server" json:"server"`
	Provider ProviderConfig `yaml:"provider" json:"provider"`
	Tracing  TracingConfig  `yaml:"tracing" json:"tracing"`
}

type LogConfig struct {
	Level string `yaml:"level" json:"level"`
	Debug bool   `yaml:"debug" json:"debug"`
	File  string `yaml:"file" json:"file"`
}

type LedgerConfig struct {
	Driver string      `yaml:"driver" json:"driver"`
	DSN    string      `yaml:"dsn" json:"dsn"`
	Redis  RedisConfig `yaml:"redis" json:"redis"`
	Mongo  MongoConfig `yaml:"mongo" json:"mongo"`
	// SkipMigrations leaves SQL schema management to cmd/migrate.
	SkipMigrations bool `yaml:"skip_migrations" json:"skip_migrations"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
	Prefix   string `yaml:"prefix" json:"prefix"`
}

type MongoConfig struct {
	URI      string `yaml:"uri" json:"uri"`
	Database string `yaml:"database" json:"database"`
}

type PoolConfig struct {
	KeysFile         string        `yaml:"keys_file" json:"keys_file"`
	WatchKeys        bool          `yaml:"watch_keys" json:"watch_keys"`
	CheckOnStart     bool          `yaml:"check_on_start" json:"check_on_start"`
	CheckInterval    time.Duration `yaml:"check_interval" json:"check_interval"`
	CheckConcurrency int           `yaml:"check_concurrency" json:"check_concurrency"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr" json:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	// AdminKey or AdminKeyHash (bcrypt) protects everything except
	// /healthz and /metrics. Both empty leaves the API open.
	AdminKey     string `yaml:"admin_key" json:"admin_key"`
	AdminKeyHash string `yaml:"admin_key_hash" json:"admin_key_hash"`
}

type ProviderConfig struct {
	Geocode GeocodeConfig `yaml:"geocode" json:"geocode"`
}

type GeocodeConfig struct {
	BaseURL      string        `yaml:"base_url" json:"base_url"`
	Timeout      time.Duration `yaml:"timeout" json:"timeout"`
	ProbeAddress string        `yaml:"probe_address" json:"probe_address"`
	// ProbeExpect must be contained in the formatted address returned for
	// ProbeAddress for a key to count as usable.
	ProbeExpect string `yaml:"probe_expect" json:"probe_expect"`
	// QPS caps requests per key; 0 disables the limiter.
	QPS   float64 `yaml:"qps" json:"qps"`
	Burst int     `yaml:"burst" json:"burst"`
}

type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint" json:"endpoint"`
	Insecure    *bool   `yaml:"insecure" json:"insecure,omitempty"`
	SampleRatio float64 `yaml:"sample_ratio" json:"sample_ratio"`
}
