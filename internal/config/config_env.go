package config

import "time"

func applyEnv(c *Config) {
	setStringFromEnv("APIPOOL_LOG_LEVEL", &c.Log.Level)
	setToggleFromEnv("APIPOOL_DEBUG", func(v bool) { c.Log.Debug = v })
	setStringFromEnv("APIPOOL_LOG_FILE", &c.Log.File)

	setStringFromEnv("APIPOOL_LEDGER_DRIVER", &c.Ledger.Driver)
	setStringFromEnv("APIPOOL_LEDGER_DSN", &c.Ledger.DSN)
	setToggleFromEnv("APIPOOL_LEDGER_SKIP_MIGRATIONS", func(v bool) { c.Ledger.SkipMigrations = v })
	setStringFromEnv("APIPOOL_REDIS_ADDR", &c.Ledger.Redis.Addr)
	setStringFromEnv("APIPOOL_REDIS_PASSWORD", &c.Ledger.Redis.Password)
	setIntFromEnv("APIPOOL_REDIS_DB", func(v int) { c.Ledger.Redis.DB = v })
	setStringFromEnv("APIPOOL_REDIS_PREFIX", &c.Ledger.Redis.Prefix)
	setStringFromEnv("APIPOOL_MONGO_URI", &c.Ledger.Mongo.URI)
	setStringFromEnv("APIPOOL_MONGO_DATABASE", &c.Ledger.Mongo.Database)

	setStringFromEnv("APIPOOL_KEYS_FILE", &c.Pool.KeysFile)
	setToggleFromEnv("APIPOOL_WATCH_KEYS", func(v bool) { c.Pool.WatchKeys = v })
	setToggleFromEnv("APIPOOL_CHECK_ON_START", func(v bool) { c.Pool.CheckOnStart = v })
	setDurationFromEnv("APIPOOL_CHECK_INTERVAL", func(v time.Duration) { c.Pool.CheckInterval = v })
	setIntFromEnv("APIPOOL_CHECK_CONCURRENCY", func(v int) { c.Pool.CheckConcurrency = v })

	setStringFromEnv("APIPOOL_SERVER_ADDR", &c.Server.Addr)
	setStringFromEnv("APIPOOL_ADMIN_KEY", &c.Server.AdminKey)
	setStringFromEnv("APIPOOL_ADMIN_KEY_HASH", &c.Server.AdminKeyHash)

	setStringFromEnv("APIPOOL_GEOCODE_BASE_URL", &c.Provider.Geocode.BaseURL)
	setDurationFromEnv("APIPOOL_GEOCODE_TIMEOUT", func(v time.Duration) { c.Provider.Geocode.Timeout = v })
	setStringFromEnv("APIPOOL_GEOCODE_PROBE_ADDRESS", &c.Provider.Geocode.ProbeAddress)
	setStringFromEnv("APIPOOL_GEOCODE_PROBE_EXPECT", &c.Provider.Geocode.ProbeExpect)
	setFloatFromEnv("APIPOOL_GEOCODE_QPS", func(v float64) { c.Provider.Geocode.QPS = v })
	setIntFromEnv("APIPOOL_GEOCODE_BURST", func(v int) { c.Provider.Geocode.Burst = v })

	setStringFromEnv("APIPOOL_TRACING_ENDPOINT", &c.Tracing.Endpoint)
	setFloatFromEnv("APIPOOL_TRACING_SAMPLE_RATIO", func(v float64) { c.Tracing.SampleRatio = v })
	setToggleFromEnv("APIPOOL_TRACING_INSECURE", func(v bool) { c.Tracing.Insecure = &v })
}
