package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/PortNumber53/subscription-reconciler/backend/internal/app"
	"github.com/PortNumber53/subscription-reconciler/backend/internal/config"
	"github.com/PortNumber53/subscription-reconciler/backend/internal/logging"
	"github.com/PortNumber53/subscription-reconciler/backend/internal/migrations"
	"github.com/PortNumber53/subscription-reconciler/backend/internal/store"
	"github.com/PortNumber53/subscription-reconciler/backend/internal/worker"
)

type env struct {
	cfg    config.Config
	db     *sql.DB
	logger zerolog.Logger
}

func main() {
	// Load environment variables
	_ = godotenv.Load(
		"../.env",
		"../.dev.vars",
		".env",
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	e := &env{}

	root := &cobra.Command{
		Use:          "dbtool",
		Short:        "Schema migrations and subscription maintenance",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return e.open(cmd.Context())
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if e.db != nil {
				e.db.Close()
			}
		},
		RunE: func(*cobra.Command, []string) error {
			return e.up()
		},
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply pending migrations",
			RunE: func(*cobra.Command, []string) error {
				return e.up()
			},
		},
		&cobra.Command{
			Use:   "fix",
			Short: "Roll a dirty schema version back so the failed migration re-runs",
			RunE: func(*cobra.Command, []string) error {
				e.logger.Info().Msg("attempting to fix dirty database")
				if err := migrations.FixDirtyDatabase(e.db); err != nil {
					return err
				}
				e.logger.Info().Msg("database fixed")
				return nil
			},
		},
		&cobra.Command{
			Use:   "force <version>",
			Short: "Record a schema version without running migrations",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				v, err := strconv.ParseUint(args[0], 10, 32)
				if err != nil {
					return fmt.Errorf("invalid version number %q", args[0])
				}
				if err := migrations.ForceVersion(e.db, uint(v)); err != nil {
					return err
				}
				e.logger.Info().Uint64("version", v).Msg("database version forced")
				return nil
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show the schema version and job run statistics",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return e.status(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "sweep",
			Short: "Expire lapsed fixed-term subscriptions now",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return e.runJob(cmd.Context(), worker.JobExpireSubscriptions)
			},
		},
		&cobra.Command{
			Use:   "reconcile",
			Short: "Restore missing group memberships for active subscriptions",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return e.runJob(cmd.Context(), worker.JobReconcileGroups)
			},
		},
	)

	return root
}

func (e *env) open(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	e.cfg = cfg
	e.logger = logging.Init(logging.Config{Format: "console", Level: cfg.LogLevel, Component: "dbtool"})

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	e.db = db

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

func (e *env) up() error {
	e.logger.Info().Msg("applying migrations")
	if err := migrations.Up(e.db); err != nil {
		return err
	}
	e.logger.Info().Msg("migrations applied")
	return nil
}

func (e *env) status(ctx context.Context) error {
	st, err := migrations.CurrentStatus(e.db)
	if err != nil {
		return err
	}
	switch {
	case st.Fresh:
		fmt.Println("schema: no migrations applied")
	case st.Dirty:
		fmt.Printf("schema: version %d (dirty, run `dbtool fix`)\n", st.Version)
	default:
		fmt.Printf("schema: version %d\n", st.Version)
	}
	if st.Fresh {
		return nil
	}

	runs, err := store.NewRunStore(e.db)
	if err != nil {
		return err
	}
	stats, err := runs.GetStats(ctx)
	if err != nil {
		return err
	}
	for _, s := range stats {
		last := "never"
		if s.LastStartedAt != nil {
			last = s.LastStartedAt.Format(time.RFC3339)
		}
		fmt.Printf("job %-22s total=%d completed=%d failed=%d running=%d last=%s\n",
			s.JobType, s.Total, s.Completed, s.Failed, s.Running, last)
	}
	return nil
}

// runJob runs one maintenance job through the worker so the run is recorded
// in job_runs like a scheduled one.
func (e *env) runJob(ctx context.Context, jobType string) error {
	services, err := app.New(e.cfg, e.db, nil, e.logger)
	if err != nil {
		return err
	}
	w, err := services.Worker(e.cfg, e.logger)
	if err != nil {
		return err
	}

	result, runErr := w.RunNow(ctx, jobType)
	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return runErr
}
