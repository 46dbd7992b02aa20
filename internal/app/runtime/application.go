// Package runtime assembles the custody service from configuration and owns
// the process-level lifecycle (database, redis, HTTP server).
package runtime

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"

	app "github.com/R3E-Network/custody_layer/internal/app"
	"github.com/R3E-Network/custody_layer/internal/app/httpapi"
	"github.com/R3E-Network/custody_layer/internal/app/metrics"
	"github.com/R3E-Network/custody_layer/internal/app/services/accounts"
	"github.com/R3E-Network/custody_layer/internal/app/services/custody"
	"github.com/R3E-Network/custody_layer/internal/app/storage/postgres"
	"github.com/R3E-Network/custody_layer/internal/chain/near"
	"github.com/R3E-Network/custody_layer/internal/config"
	"github.com/R3E-Network/custody_layer/internal/crypto"
	"github.com/R3E-Network/custody_layer/internal/middleware"
	"github.com/R3E-Network/custody_layer/internal/platform/migrations"
	"github.com/R3E-Network/custody_layer/internal/platform/redislock"
	"github.com/R3E-Network/custody_layer/pkg/logger"
)

// Application wires core dependencies and manages the HTTP server lifecycle.
type Application struct {
	cfg        *config.Config
	log        *logger.Logger
	app        *app.Application
	httpServer *http.Server
	db         *sql.DB
	redis      *redis.Client
}

// NewApplication constructs the service from cfg.
func NewApplication(cfg *config.Config) (*Application, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	log := logger.New(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		FilePrefix: cfg.Logging.FilePrefix,
		HostName:   cfg.Logging.HostName,
		Service:    cfg.Logging.Service,
	})

	a := &Application{cfg: cfg, log: log}
	ok := false
	defer func() {
		if !ok {
			a.closeResources()
		}
	}()

	stores, err := a.buildStores()
	if err != nil {
		return nil, fmt.Errorf("configure stores: %w", err)
	}

	facade, err := buildFacade(cfg.Near, log)
	if err != nil {
		return nil, fmt.Errorf("configure ledger: %w", err)
	}

	opts := app.Options{
		Poll: accounts.PollPolicy{
			Interval:    cfg.Lifecycle.PollInterval,
			MaxInterval: cfg.Lifecycle.PollMaxInterval,
			Multiplier:  cfg.Lifecycle.PollMultiplier,
			MaxWait:     cfg.Lifecycle.PollMaxWait,
		},
		ResumeSchedule: cfg.Lifecycle.ResumeSchedule,
	}
	if cfg.Redis.Addr != "" {
		locker, err := a.openRedisLocker()
		if err != nil {
			return nil, fmt.Errorf("configure redis lock: %w", err)
		}
		opts.Locker = locker
	}

	application, err := app.New(stores, facade, log, opts)
	if err != nil {
		return nil, err
	}
	a.app = application

	handler, err := httpapi.NewHandler(application, httpapi.Config{
		BasePath: cfg.Server.BasePath,
		Auth: middleware.AuthConfig{
			Secret:    cfg.Auth.JWTSecret,
			Issuer:    cfg.Auth.Issuer,
			Disabled:  cfg.Auth.Disabled,
			SkipPaths: []string{"/healthz", "/metrics"},
		},
		CORSOrigins:       cfg.CORS.Origins(),
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		Burst:             cfg.RateLimit.Burst,
		AuditFile:         cfg.Server.AuditFile,
	}, log)
	if err != nil {
		return nil, err
	}

	a.httpServer = &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}
	ok = true
	return a, nil
}

// App exposes the composed application, mainly for tests.
func (a *Application) App() *app.Application { return a.app }

// Handler returns the HTTP handler served by Run.
func (a *Application) Handler() http.Handler { return a.httpServer.Handler }

// Run starts the services and the HTTP server and blocks until the context
// is cancelled or the server fails.
func (a *Application) Run(ctx context.Context) error {
	if err := a.app.Start(ctx); err != nil {
		return fmt.Errorf("start services: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Infof("HTTP server listening on %s", a.httpServer.Addr)
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown stops the HTTP server, then the services, then closes the
// database and redis connections.
func (a *Application) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var errs []error
	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http server: %w", err))
	}
	if err := a.app.Stop(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("services: %w", err))
	}
	a.closeResources()
	return errors.Join(errs...)
}

func (a *Application) closeResources() {
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.WithError(err).Warn("error closing database connection")
		}
		a.db = nil
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.WithError(err).Warn("error closing redis connection")
		}
		a.redis = nil
	}
}

func (a *Application) buildStores() (app.Stores, error) {
	if a.cfg.Database.DSN == "" {
		a.log.Warn("no database configured; custody records are kept in memory")
		return app.Stores{}, nil
	}

	db, err := OpenDatabase(a.cfg.Database)
	if err != nil {
		return app.Stores{}, err
	}
	a.db = db

	if a.cfg.Database.MigrateOnStart {
		if err := migrations.Up(db); err != nil {
			return app.Stores{}, err
		}
	}

	var opts []postgres.Option
	if raw := a.cfg.Secrets.EncryptionKey; raw != "" {
		key, err := crypto.ParseKey(raw)
		if err != nil {
			return app.Stores{}, fmt.Errorf("SECRET_ENCRYPTION_KEY invalid: %w", err)
		}
		sealer, err := crypto.NewSealer(key)
		if err != nil {
			return app.Stores{}, fmt.Errorf("initialise key sealer: %w", err)
		}
		opts = append(opts, postgres.WithSealer(sealer))
	} else {
		a.log.Warn("SECRET_ENCRYPTION_KEY not set; custodial keys are stored unencrypted")
	}
	return app.Stores{Accounts: postgres.New(db, opts...)}, nil
}

func (a *Application) openRedisLocker() (*redislock.Locker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
	a.redis = client

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return redislock.New(client,
		redislock.WithTTL(a.cfg.Redis.LockTTL),
		redislock.WithLogger(a.log),
	), nil
}

func buildFacade(cfg config.NearConfig, log *logger.Logger) (*custody.Near, error) {
	client, err := near.NewClient(near.Config{RPCURL: cfg.NodeURL, Timeout: cfg.RequestTimeout})
	if err != nil {
		return nil, err
	}
	wallet := near.NewWalletClient(cfg.WalletAPIOrigin, cfg.RequestTimeout)
	return custody.NewNear(client, wallet, cfg.NetworkID,
		custody.WithRequestTimeout(cfg.RequestTimeout),
		custody.WithObserver(metrics.RecordRemoteCall),
		custody.WithLogger(log),
	), nil
}

// OpenDatabase opens and pings the configured SQL database.
func OpenDatabase(cfg config.DatabaseConfig) (*sql.DB, error) {
	if cfg.Driver == "" {
		return nil, fmt.Errorf("database driver not configured")
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database dsn not configured")
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, err
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Second)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}
