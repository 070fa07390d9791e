// Command authd serves the authcore engine over HTTP.
//
// Configuration comes from a YAML file (-config or AUTHCORE_CONFIG) overlaid
// with AUTHCORE_* environment variables and an optional .env file. With -dev
// the daemon runs against an embedded Redis and in-memory stores.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/okada-platform/authcore"
	"github.com/okada-platform/authcore/internal/logging"
	"github.com/okada-platform/authcore/internal/settings"
	"github.com/okada-platform/authcore/metrics/export/prometheus"
	"github.com/okada-platform/authcore/storage/memory"
	"github.com/okada-platform/authcore/storage/postgres"
)

const shutdownTimeout = 15 * time.Second

func main() {
	var (
		configPath = flag.String("config", os.Getenv("AUTHCORE_CONFIG"), "path to the YAML configuration")
		dev        = flag.Bool("dev", false, "run with embedded redis and in-memory stores")
	)
	flag.Parse()

	if err := run(*configPath, *dev); err != nil {
		fmt.Fprintf(os.Stderr, "authd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, dev bool) error {
	cfg, err := settings.Load(configPath)
	if err != nil {
		return err
	}

	log, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = log.Sync() }()
	log = log.With(zap.String("env", cfg.Env))

	secLog, closeSec, err := logging.NewSecurity(cfg.Log, log)
	if err != nil {
		return fmt.Errorf("security logger: %w", err)
	}
	defer func() { _ = closeSec() }()

	engineCfg, err := cfg.EngineConfig()
	if err != nil {
		return err
	}
	interval, err := cfg.SweepInterval()
	if err != nil {
		return fmt.Errorf("sweep interval: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
	}()

	rdb, closeRedis, err := openRedis(cfg.Redis, dev, log)
	if err != nil {
		return err
	}
	closers = append(closers, closeRedis)

	b := authcore.New().
		WithConfig(engineCfg).
		WithRedis(rdb).
		WithLogger(log).
		WithAuditSink(authcore.NewZapSink(secLog)).
		WithNotifier(authcore.LogNotifier{Log: log.Named("notifier")})

	if cfg.Postgres.DSN != "" && !dev {
		db, err := postgres.Open(ctx, cfg.Postgres.Driver, cfg.Postgres.DSN)
		if err != nil {
			return err
		}
		closers = append(closers, db)
		log.Info("postgres connected",
			zap.String("driver", cfg.Postgres.Driver),
			zap.String("dsn", postgres.RedactDSN(cfg.Postgres.DSN)),
		)

		if !cfg.Postgres.SkipMigrations {
			if err := postgres.Migrate(db); err != nil {
				return err
			}
		}
		b = b.WithIdentityRepository(postgres.NewIdentities(db)).
			WithCodeRepository(postgres.NewCodes(db))
		if cfg.Postgres.Sessions {
			b = b.WithSessionStore(postgres.NewSessions(db))
		}
	} else {
		log.Warn("no postgres dsn: identities and codes are kept in memory")
		b = b.WithIdentityRepository(memory.NewIdentities()).
			WithCodeRepository(memory.NewCodes())
	}

	engine, err := b.Build()
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	defer engine.Close()

	srv := &server{engine: engine, log: log.Named("http")}
	if !cfg.Metrics.Disabled {
		srv.metrics = prometheus.New(engine).Handler()
		if cfg.Metrics.OTel {
			view, err := newOTelView(engine)
			if err != nil {
				return fmt.Errorf("otel: %w", err)
			}
			closers = append(closers, view)
			srv.otel = view
		}
	}

	httpSrv := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      srv.routes(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go runSweeper(ctx, engine, clockwork.NewRealClock(), interval, log.Named("sweeper"))

	errc := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("address", cfg.HTTP.Address))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("http: %w", err)
		}
	}

	if err := shutdown(httpSrv, shutdownTimeout); err != nil {
		log.Error("shutdown", zap.Error(err))
	}
	return nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// openRedis connects to the configured server, or starts an embedded one in
// dev mode.
func openRedis(cfg settings.Redis, dev bool, log *zap.Logger) (redis.UniversalClient, io.Closer, error) {
	if dev {
		mr, err := miniredis.Run()
		if err != nil {
			return nil, nil, fmt.Errorf("miniredis: %w", err)
		}
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		log.Warn("using embedded redis", zap.String("address", mr.Addr()))
		return client, closerFunc(func() error {
			err := client.Close()
			mr.Close()
			return err
		}), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redis %s: %w", cfg.Address, err)
	}
	return client, client, nil
}
