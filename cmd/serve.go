// -- cmd/serve.go --
package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/lifelinkhq/matchflow/api/schemas"
	"github.com/lifelinkhq/matchflow/internal/api"
	"github.com/lifelinkhq/matchflow/internal/clock"
	"github.com/lifelinkhq/matchflow/internal/decision"
	"github.com/lifelinkhq/matchflow/internal/executor"
	"github.com/lifelinkhq/matchflow/internal/learning"
	"github.com/lifelinkhq/matchflow/internal/notify"
	"github.com/lifelinkhq/matchflow/internal/observability"
	"github.com/lifelinkhq/matchflow/internal/observer"
	"github.com/lifelinkhq/matchflow/internal/orchestrator"
	"github.com/lifelinkhq/matchflow/internal/planner"
	"github.com/lifelinkhq/matchflow/internal/store"
)

// newServeCmd creates the `serve` command: the agent loop, the
// escalation sweeper, and the admin API.
func newServeCmd() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the matching agent and its admin API",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if err := viper.BindPFlag("server.addr", cmd.Flags().Lookup("addr")); err != nil {
				return err
			}
			return viper.BindPFlag("database.url", cmd.Flags().Lookup("database-url"))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx)
		},
	}

	serveCmd.Flags().String("addr", "", "admin API listen address (overrides server.addr)")
	serveCmd.Flags().String("database-url", "", "PostgreSQL connection URL (overrides database.url)")
	return serveCmd
}

func runServe(ctx context.Context) error {
	logger := observability.GetLogger()

	if cfg.Database.URL == "" {
		return errors.New("database.url is required (set MATCHFLOW_DATABASE_URL or database.url in config.yaml)")
	}

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to create connection pool: %w", err)
	}
	defer pool.Close()

	st, err := store.New(ctx, pool, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	if err := st.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}

	clk := clock.Real{}

	// Outbound side effects all flow through one rate-limited
	// dispatcher.
	dispatcher := notify.NewDispatcher(notify.NewLogTransport(logger), cfg.Notify, logger)

	var scorer schemas.ScoringClient
	var sink learning.FeedbackSink
	if client := decision.NewHTTPScoringClient(cfg.Scoring, logger); client != nil {
		scorer = client
		sink = client
	} else {
		logger.Info("Remote scoring disabled; using rule-based decisions")
	}

	obs := observer.New(st, st, clk, cfg.Observer, logger)
	engine := decision.NewEngine(scorer, clk, logger)
	plnr := planner.New(clk, logger)
	exec := executor.New(st, dispatcher, dispatcher, dispatcher, dispatcher, clk, cfg.Executor, logger)
	learn := learning.New(st, sink, clk, logger)

	orch := orchestrator.New(st, st, obs, engine, plnr, exec, learn, clk, cfg.Orchestrator, logger)
	orch.StartSweeper()
	defer orch.Close()

	server := api.NewServer(st, st, orch, learn, logger)
	if err := server.Listen(ctx, cfg.Server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("admin server error: %w", err)
	}

	logger.Info("Shutting down", zap.String("reason", "signal received"))
	return nil
}
