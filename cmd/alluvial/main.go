package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"alluvial/config"
	"alluvial/internal/logging"
	"alluvial/internal/sqlutil"
	"alluvial/pool"
)

const version = "0.1.0"

type rootCommand struct {
	cmd        *cobra.Command
	configPath string
	cfg        config.Config
	logger     zerolog.Logger
}

func newRootCommand() *rootCommand {
	root := &rootCommand{}
	root.cmd = &cobra.Command{
		Use:           "alluvial",
		Short:         "Lease-coordinated catch-up workers over a partitioned feed",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(root.configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			root.cfg = cfg
			root.logger = logging.New(cfg.Log.Level, cfg.Log.Pretty, cmd.ErrOrStderr())
			return nil
		},
	}
	root.cmd.PersistentFlags().StringVar(&root.configPath, "config", envOr("ALLUVIAL_CONFIG", "conf/alluvial.yaml"), "YAML config file path")

	root.cmd.AddCommand(
		initCommand(root),
		partitionsCommand(root),
		appendCommand(root),
		runCommand(root),
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "alluvial:", err)
		stop()
		os.Exit(1)
	}
}

func (r *rootCommand) openDB(ctx context.Context) (*sql.DB, sqlutil.Dialect, error) {
	dialect, err := r.cfg.Dialect()
	if err != nil {
		return nil, "", err
	}
	dsn, err := r.cfg.DSN()
	if err != nil {
		return nil, "", err
	}
	db, err := sqlutil.Open(dialect, dsn, r.cfg.Database.MaxOpenConns)
	if err != nil {
		return nil, "", err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, "", fmt.Errorf("ping %s: %w", dialect, err)
	}
	return db, dialect, nil
}

func (r *rootCommand) loadRegistry() (pool.Registry, error) {
	registry, err := pool.LoadRegistry(r.cfg.Registry)
	if err != nil {
		return pool.Registry{}, fmt.Errorf("load registry %s: %w", r.cfg.Registry, err)
	}
	return registry, nil
}

func (r *rootCommand) poolFor(scope string) (pool.Pool, error) {
	registry, err := r.loadRegistry()
	if err != nil {
		return pool.Pool{}, err
	}
	p, ok := registry.PoolFor(scope)
	if !ok {
		return pool.Pool{}, fmt.Errorf("scope %q is not in registry %s", scope, r.cfg.Registry)
	}
	return p, nil
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
