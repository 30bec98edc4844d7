package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"apipool-go/internal/caller"
	"apipool-go/internal/config"
	"apipool-go/internal/events"
	"apipool-go/internal/keysource"
	"apipool-go/internal/ledger"
	"apipool-go/internal/logging"
	"apipool-go/internal/middleware"
	"apipool-go/internal/monitoring/tracing"
	"apipool-go/internal/pool"
	"apipool-go/internal/provider/geocode"
	srv "apipool-go/internal/server"
	"apipool-go/internal/version"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file (YAML or JSON)")
	envFile := flag.String("env-file", ".env", "Optional dotenv file with APIPOOL_* overrides")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.WithError(err).Warnf("failed to read %s", *envFile)
	}
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}
	if *debug {
		cfg.Log.Debug = true
		cfg.Log.Level = "debug"
	}
	if err := logging.Setup(cfg.Log); err != nil {
		log.WithError(err).Fatal("failed to configure logging")
	}
	defer logging.Close()

	traceShutdown, err := tracing.Init(context.Background(), tracing.Config{
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		log.WithError(err).Warn("failed to initialize tracing")
	}
	defer func() {
		if traceShutdown == nil {
			return
		}
		if err := traceShutdown(context.Background()); err != nil {
			log.WithError(err).Warn("failed to shutdown tracing")
		}
	}()

	log.WithFields(log.Fields{
		"version": version.Version,
		"ledger":  cfg.Ledger.Driver,
		"addr":    cfg.Server.Addr,
	}).Info("starting apipool")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		log.WithError(err).Error("apipool stopped with error")
		os.Exit(1)
	}
	log.Info("apipool stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	store, err := openLedgerStore(ctx, cfg.Ledger)
	if err != nil {
		return err
	}
	l, err := ledger.New(ctx, store)
	if err != nil {
		_ = store.Close()
		return err
	}
	defer func() {
		if err := l.Close(); err != nil {
			log.WithError(err).Warn("failed to close ledger")
		}
	}()

	hub := events.NewHub()
	hub.Subscribe(events.AllTopics, func(_ context.Context, evt events.Event) {
		log.WithField("topic", evt.Topic).Debugf("pool event: %+v", evt.Payload)
	})
	events.On(hub, events.TopicPoolChecked, func(_ context.Context, c events.PoolChecked) {
		if c.Checked > 0 && c.Usable == 0 {
			log.WithField("retired", len(c.Retired)).Error("liveness check left no usable API key")
		}
	})

	p := pool.New(l, pool.Options{CheckConcurrency: cfg.Pool.CheckConcurrency})
	p.SetEventPublisher(hub)

	geo := cfg.Provider.Geocode
	var keys *keysource.Source
	if cfg.Pool.KeysFile != "" {
		keys = keysource.New(cfg.Pool.KeysFile, geocode.Factory(geocode.Config{
			BaseURL:      geo.BaseURL,
			Timeout:      geo.Timeout,
			ProbeAddress: geo.ProbeAddress,
			ProbeExpect:  geo.ProbeExpect,
			QPS:          geo.QPS,
			Burst:        geo.Burst,
		}), p, keysource.WithPublisher(hub))
		if _, err := keys.Load(ctx); err != nil {
			log.WithError(err).Warn("initial key load incomplete")
		}
		if cfg.Pool.WatchKeys {
			if err := keys.Watch(ctx); err != nil {
				log.WithError(err).Warn("key file watch disabled")
			}
		}
	}

	calls := caller.New(p, l, caller.Options{
		IsQuotaExceeded: caller.MatchError(geocode.ErrQuotaExceeded),
	})

	if cfg.Pool.CheckOnStart {
		if _, err := p.CheckUsable(ctx); err != nil {
			log.WithError(err).Warn("startup liveness check recorded with ledger errors")
		}
	}
	if cfg.Pool.CheckInterval > 0 {
		middleware.SafeGo("liveness-check", func() { runPeriodicCheck(ctx, p, cfg.Pool.CheckInterval) })
	}

	engine := srv.BuildEngine(srv.Dependencies{
		Pool:         p,
		Ledger:       l,
		Keys:         keys,
		Caller:       calls,
		AdminKey:     cfg.Server.AdminKey,
		AdminKeyHash: cfg.Server.AdminKeyHash,
	})
	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           engine,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("admin API listening on %s", cfg.Server.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancelShutdown()
	return httpSrv.Shutdown(shutdownCtx)
}

func runPeriodicCheck(ctx context.Context, p *pool.Pool, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := p.CheckUsable(ctx); err != nil {
				log.WithError(err).Warn("periodic liveness check recorded with ledger errors")
			}
		case <-ctx.Done():
			return
		}
	}
}
