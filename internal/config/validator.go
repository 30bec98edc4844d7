package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	log "github.com/sirupsen/logrus"
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s=%s]: %s", e.Field, e.Value, e.Message)
}

// ValidationResult holds the results of configuration validation
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
	Valid    bool
}

// AddError adds a validation error
func (r *ValidationResult) AddError(field, value, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Value: value, Message: message})
	r.Valid = false
}

// AddWarning adds a validation warning
func (r *ValidationResult) AddWarning(field, value, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Value: value, Message: message})
}

// Err joins all errors, or returns nil when valid.
func (r ValidationResult) Err() error {
	if r.Valid {
		return nil
	}
	errs := make([]error, 0, len(r.Errors))
	for _, e := range r.Errors {
		errs = append(errs, e)
	}
	return errors.Join(errs...)
}

var validDrivers = []string{DriverMemory, DriverSQLite, DriverPostgres, DriverMySQL, DriverRedis, DriverMongoDB}

// Validate validates the configuration and returns validation results
func (c *Config) Validate() ValidationResult {
	result := ValidationResult{Valid: true}

	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		result.AddError("log.level", c.Log.Level, err.Error())
	}

	if !contains(validDrivers, c.Ledger.Driver) {
		result.AddError("ledger.driver", c.Ledger.Driver,
			fmt.Sprintf("must be one of: %s", strings.Join(validDrivers, ", ")))
	}
	switch c.Ledger.Driver {
	case DriverPostgres, DriverMySQL:
		if c.Ledger.DSN == "" {
			result.AddError("ledger.dsn", "", "required when using "+c.Ledger.Driver+" ledger")
		}
	case DriverRedis:
		if c.Ledger.Redis.Addr == "" {
			result.AddError("ledger.redis.addr", "", "required when using redis ledger")
		}
		if c.Ledger.Redis.DB < 0 || c.Ledger.Redis.DB > 15 {
			result.AddError("ledger.redis.db", fmt.Sprint(c.Ledger.Redis.DB), "must be between 0 and 15")
		}
	case DriverMongoDB:
		if c.Ledger.Mongo.URI == "" {
			result.AddError("ledger.mongo.uri", "", "required when using mongodb ledger")
		}
	case DriverMemory:
		result.AddWarning("ledger.driver", c.Ledger.Driver, "memory ledger loses event history on restart")
	}

	if c.Pool.KeysFile == "" {
		result.AddWarning("pool.keys_file", "", "no keys file configured; the pool starts empty")
	}
	if c.Pool.WatchKeys && c.Pool.KeysFile == "" {
		result.AddError("pool.watch_keys", "true", "requires pool.keys_file")
	}
	if c.Pool.CheckInterval < 0 {
		result.AddError("pool.check_interval", c.Pool.CheckInterval.String(), "must not be negative")
	}
	if c.Pool.CheckConcurrency > 64 {
		result.AddWarning("pool.check_concurrency", fmt.Sprint(c.Pool.CheckConcurrency), "very high probe concurrency")
	}

	if _, _, err := net.SplitHostPort(c.Server.Addr); err != nil {
		result.AddError("server.addr", c.Server.Addr, err.Error())
	}

	if c.Server.AdminKey == "" && c.Server.AdminKeyHash == "" {
		if host, _, err := net.SplitHostPort(c.Server.Addr); err == nil && !isLoopback(host) {
			result.AddWarning("server.admin_key", "", "admin API reachable without authentication")
		}
	}

	if c.Provider.Geocode.QPS < 0 {
		result.AddError("provider.geocode.qps", fmt.Sprint(c.Provider.Geocode.QPS), "must not be negative")
	}
	if u, err := url.Parse(c.Provider.Geocode.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		result.AddError("provider.geocode.base_url", c.Provider.Geocode.BaseURL, "must be an absolute URL")
	}

	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		result.AddError("tracing.sample_ratio", fmt.Sprint(c.Tracing.SampleRatio), "must be between 0 and 1")
	}

	return result
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
