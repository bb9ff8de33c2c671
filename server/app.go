package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/devilmonastery/gatekeeper/internal/auth"
	"github.com/devilmonastery/gatekeeper/internal/auth/oauth"
	"github.com/devilmonastery/gatekeeper/internal/config"
	"github.com/devilmonastery/gatekeeper/internal/domain/repositories"
	"github.com/devilmonastery/gatekeeper/internal/domain/services"
	"github.com/devilmonastery/gatekeeper/internal/infrastructure/database/postgres"
	"github.com/devilmonastery/gatekeeper/internal/infrastructure/messaging/rabbitmq"
	"github.com/devilmonastery/gatekeeper/internal/notify"
	"github.com/devilmonastery/gatekeeper/internal/pkg/idgen"
	"github.com/devilmonastery/gatekeeper/internal/pkg/logger"
	"github.com/devilmonastery/gatekeeper/migrations"
)

type appOptions struct {
	// logNotifications forces the log dispatcher regardless of notify.driver
	logNotifications bool
}

// app holds the wired dependencies shared by the server and admin commands
type app struct {
	cfg        *config.Config
	pg         *postgres.Connection
	mq         *rabbitmq.Connection
	repos      repositories.Repositories
	codec      *auth.TokenCodec
	dispatcher notify.Dispatcher
	auth       *services.AuthService
	log        *slog.Logger
}

func openApp(ctx context.Context, command, configPath string, opts appOptions) (*app, error) {
	log := logger.WithCommand(slog.Default().With("component", "server"), command)

	if err := idgen.Initialize(1); err != nil {
		return nil, fmt.Errorf("failed to initialize ID generator: %w", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.RequireSigningSecret(); err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, log: log}

	log.Info("connecting to PostgreSQL",
		"host", cfg.Database.Postgres.Host,
		"database", cfg.Database.Postgres.Database,
		"user", cfg.Database.Postgres.User)

	a.pg, err = connectPostgres(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := a.pg.RunMigrations(migrations.FS); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to run PostgreSQL migrations: %w", err)
	}

	a.repos = repositories.Repositories{
		Identity: postgres.NewIdentityRepository(a.pg.DB),
		Audit:    postgres.NewAuditRepository(a.pg.DB),
	}

	a.codec, err = auth.NewTokenCodec([]byte(cfg.Auth.TokenSigningSecret))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create token codec: %w", err)
	}

	if opts.logNotifications || cfg.Notify.Driver == "log" {
		a.dispatcher = notify.NewLogDispatcher(slog.Default())
	} else {
		mqCfg := &rabbitmq.Config{
			URL:               cfg.Notify.RabbitMQ.URL,
			Exchange:          cfg.Notify.RabbitMQ.Exchange,
			Queue:             cfg.Notify.RabbitMQ.QueueName(),
			ReconnectInterval: cfg.Notify.RabbitMQ.ReconnectInterval,
			MaxRetries:        cfg.Notify.RabbitMQ.MaxRetries,
			PublishTimeout:    cfg.Notify.RabbitMQ.PublishTimeout,
		}
		a.mq, err = rabbitmq.Connect(ctx, mqCfg)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.dispatcher = rabbitmq.NewDispatcher(a.mq, mqCfg)
	}

	providers, err := oauth.NewRegistryFromConfig(cfg.OAuth)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to configure OAuth providers: %w", err)
	}
	log.Info("OAuth providers configured", "providers", providers.List())

	a.auth, err = services.NewAuthService(services.AuthServiceConfig{
		Identity:        a.repos.Identity,
		Audit:           a.repos.Audit,
		Hasher:          auth.NewPasswordHasher(cfg.Auth.BcryptCost),
		Codec:           a.codec,
		Providers:       providers,
		Dispatcher:      a.dispatcher,
		SessionTTL:      cfg.Auth.SessionTokenTTL,
		ResetTTL:        cfg.Auth.ResetTokenTTL,
		VerificationTTL: cfg.Auth.VerificationTokenTTL,
		BaseURL:         cfg.App.BaseURL,
		Logger:          slog.Default(),
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create auth service: %w", err)
	}

	return a, nil
}

// connectPostgres waits for the database; it often starts after the server
func connectPostgres(ctx context.Context, cfg *config.Config) (*postgres.Connection, error) {
	pg := cfg.Database.Postgres
	return postgres.ConnectWithRetry(ctx, pg.ConnectionString(), postgres.PoolOptions{
		MaxOpenConns:    pg.MaxOpenConns,
		MaxIdleConns:    pg.MaxIdleConns,
		ConnMaxLifetime: pg.ConnMaxLifetime,
	}, 10, 2*time.Second)
}

// ready reports whether the database and broker are reachable
func (a *app) ready(ctx context.Context) error {
	checks := map[string]repositories.HealthChecker{"postgres": a.pg}
	if a.mq != nil {
		checks["rabbitmq"] = a.mq
	}
	for name, check := range checks {
		if err := check.HealthCheck(ctx); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func (a *app) Close() {
	var errs []error
	if a.mq != nil {
		errs = append(errs, a.mq.Close())
	}
	if a.pg != nil {
		errs = append(errs, a.pg.Close())
	}
	if err := errors.Join(errs...); err != nil {
		a.log.Warn("error during shutdown", "error", err)
	}
}
