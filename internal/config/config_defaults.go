package config

import "time"

const (
	DefaultServerAddr      = "127.0.0.1:8318"
	DefaultSQLitePath      = "data/apipool.db"
	DefaultRedisPrefix     = "apipool:"
	DefaultMongoDatabase   = "apipool"
	DefaultGeocodeBaseURL  = "https://maps.googleapis.com/maps/api/geocode/json"
	DefaultGeocodeTimeout  = 10 * time.Second
	DefaultProbeAddress    = "1600 Pennsylvania Ave NW, Washington, DC 20500"
	DefaultProbeExpect     = "1600 Pennsylvania Ave NW, Washington, DC 20500, USA"
	defaultReadTimeout     = 15 * time.Second
	defaultWriteTimeout    = 30 * time.Second
	defaultShutdownTimeout = 10 * time.Second
)

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Ledger.Driver == "" {
		c.Ledger.Driver = DriverSQLite
	}
	if c.Ledger.Driver == DriverSQLite && c.Ledger.DSN == "" {
		c.Ledger.DSN = DefaultSQLitePath
	}
	if c.Ledger.Redis.Prefix == "" {
		c.Ledger.Redis.Prefix = DefaultRedisPrefix
	}
	if c.Ledger.Mongo.Database == "" {
		c.Ledger.Mongo.Database = DefaultMongoDatabase
	}
	if c.Pool.CheckConcurrency <= 0 {
		c.Pool.CheckConcurrency = 1
	}
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultServerAddr
	}
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = defaultReadTimeout
	}
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = defaultWriteTimeout
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = defaultShutdownTimeout
	}
	g := &c.Provider.Geocode
	if g.BaseURL == "" {
		g.BaseURL = DefaultGeocodeBaseURL
	}
	if g.Timeout <= 0 {
		g.Timeout = DefaultGeocodeTimeout
	}
	if g.ProbeAddress == "" {
		g.ProbeAddress = DefaultProbeAddress
	}
	if g.ProbeExpect == "" {
		g.ProbeExpect = DefaultProbeExpect
	}
}
