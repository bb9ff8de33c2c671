package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/devilmonastery/gatekeeper/internal/config"
	"github.com/devilmonastery/gatekeeper/internal/pkg/logger"
	"github.com/devilmonastery/gatekeeper/migrations"
	"github.com/devilmonastery/gatekeeper/server/internal/httpapi"
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		logLevel      string
		logFile       string
		logToStderr   bool
		alsoLogStderr bool
		logFormat     string
	)

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Gatekeeper identity server",
		Long:  "Signup, login, OAuth and password reset for Gatekeeper accounts",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupServerLogging(logLevel, logFile, logToStderr, alsoLogStderr, logFormat)
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Log file path (if specified, logs to file instead of stderr)")
	cmd.PersistentFlags().BoolVar(&logToStderr, "logtostderr", false, "Log to stderr (default behavior unless --log-file specified)")
	cmd.PersistentFlags().BoolVar(&alsoLogStderr, "alsologtostderr", false, "Log to both file and stderr")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", "json", "Log format (text, json)")

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newMigrateCommand())
	cmd.AddCommand(newUserCommand())
	cmd.AddCommand(newTokenCommand())
	cmd.AddCommand(newAuditCommand())

	return cmd
}

// setupServerLogging installs the process-wide slog logger. Without
// --log-file everything goes to stderr.
func setupServerLogging(level, file string, toStderr, alsoStderr bool, format string) error {
	l, err := logger.SetupLogger(logger.Config{
		Level:         logger.ParseLevel(level),
		LogFile:       file,
		LogToStderr:   toStderr || file == "",
		AlsoLogStderr: alsoStderr,
		Format:        format,
	})
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	slog.SetDefault(l)
	return nil
}

func newServeCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Path to config file (optional)")
	return cmd
}

func runServer(ctx context.Context, configPath string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, "serve", configPath, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	trusted, err := httpapi.ParseTrustedProxies(a.cfg.HTTP.TrustedProxies)
	if err != nil {
		return fmt.Errorf("invalid http.trusted_proxies: %w", err)
	}

	api := httpapi.New(a.auth, httpapi.Options{
		RateLimit:      a.cfg.HTTP.RateLimit,
		RateBurst:      a.cfg.HTTP.RateBurst,
		TrustedProxies: trusted,
		Ready:          a.ready,
	}, slog.Default())

	srv := &http.Server{
		Addr:              a.cfg.HTTP.Address(),
		Handler:           api.Handler(),
		ReadTimeout:       a.cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      a.cfg.HTTP.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("starting HTTP server", "address", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.log.Info("shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP server shutdown: %w", err)
	}
	return nil
}

func newMigrateCommand() *cobra.Command {
	var (
		configPath   string
		forceVersion int
	)

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrations(cmd.Context(), configPath, forceVersion)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Path to config file (optional)")
	cmd.Flags().IntVar(&forceVersion, "force-migration", -1, "Force migration version (use to fix dirty migration state)")
	return cmd
}

func runMigrations(ctx context.Context, configPath string, forceVersion int) error {
	if ctx == nil {
		ctx = context.Background()
	}
	log := slog.Default().With("component", "migrate")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	pg, err := connectPostgres(ctx, cfg)
	if err != nil {
		return err
	}
	defer pg.Close()

	if forceVersion >= 0 {
		if err := pg.ForceMigrationVersion(migrations.FS, forceVersion); err != nil {
			return err
		}
		log.Warn("migration version forced", "version", forceVersion)
		return nil
	}

	if err := pg.RunMigrations(migrations.FS); err != nil {
		return fmt.Errorf("failed to run PostgreSQL migrations: %w", err)
	}
	version, dirty, ok, err := pg.MigrationVersion(migrations.FS)
	if err != nil {
		return err
	}
	if !ok {
		log.Info("no migrations to apply")
		return nil
	}
	log.Info("schema is current", "version", version, "dirty", dirty)
	return nil
}
