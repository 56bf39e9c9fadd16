package main

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/ledgerworks/stepflow"
	"github.com/ledgerworks/stepflow/dashboard"
)

var logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
	Level: slog.LevelInfo,
}))

func main() {
	migrateCmd.Flags().Int("version", stepflow.SchemaVersion, "target schema version")
	migrateCmd.Flags().Bool("down", false, "migrate down instead of up")

	dashboardCmd.Flags().Int("port", 8080, "port to listen on")

	runCmd.Flags().String("graph", "", "path to the workflow graph definition")
	runCmd.Flags().String("kind", "", "root step kind")
	runCmd.Flags().Int64("client", 0, "tenant client id")
	runCmd.Flags().Int64("chain", 0, "chain scope id for the root step")
	runCmd.Flags().Int64("origin-chain", 0, "origin chain id for dispatched steps")
	runCmd.Flags().Int64("aux-chain", 0, "aux chain id for dispatched steps")
	runCmd.Flags().String("input", "{}", "request parameters as a JSON object")

	workerCmd.Flags().String("graph", "", "path to the workflow graph definition")
	workerCmd.Flags().String("handlers", "", "path to the step handler endpoint mapping")
	workerCmd.Flags().Int64("origin-chain", 0, "origin chain id for dispatched steps")
	workerCmd.Flags().Int64("aux-chain", 0, "aux chain id for dispatched steps")
	workerCmd.Flags().Int("concurrency", 1, "number of concurrent step advancements")

	sweepCmd.Flags().String("graph", "", "path to the workflow graph definition")
	sweepCmd.Flags().Duration("older-than", 0, "minimum age of queued steps to re-drive")

	rootCmd.AddCommand(migrateCmd, workerCmd, dashboardCmd, runCmd, sweepCmd)

	cobra.CheckErr(rootCmd.Execute())
}

var rootCmd = &cobra.Command{
	Use:   "sf",
	Short: "Stepflow CLI client",
}

func newClient(cmd *cobra.Command) (*stepflow.Client, error) {
	pool, err := pgxpool.New(cmd.Context(), os.Getenv("SF_CONN"))
	if err != nil {
		return nil, err
	}

	var cache stepflow.Cache = stepflow.NewMemCache()
	if addr := os.Getenv("SF_REDIS"); addr != "" {
		cache = stepflow.NewRedisCache(redis.NewClient(&redis.Options{Addr: addr}))
	}

	return stepflow.New(pool, cache), nil
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Migrates the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		version, err := cmd.Flags().GetInt("version")
		if err != nil {
			return err
		}
		down, err := cmd.Flags().GetBool("down")
		if err != nil {
			return err
		}

		db, err := sql.Open("pgx", os.Getenv("SF_CONN"))
		if err != nil {
			return err
		}
		defer db.Close()

		if down {
			return stepflow.MigrateDownTo(cmd.Context(), db, version)
		}
		return stepflow.MigrateUpTo(cmd.Context(), db, version)
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Starts a worker pool consuming the workflow family topic",
	RunE: func(cmd *cobra.Command, args []string) error {
		graphPath, _ := cmd.Flags().GetString("graph")
		handlersPath, _ := cmd.Flags().GetString("handlers")
		originChain, _ := cmd.Flags().GetInt64("origin-chain")
		auxChain, _ := cmd.Flags().GetInt64("aux-chain")
		concurrency, _ := cmd.Flags().GetInt("concurrency")

		graph, err := stepflow.LoadGraphFile(graphPath)
		if err != nil {
			return err
		}
		handlers, err := stepflow.LoadHandlerFile(handlersPath)
		if err != nil {
			return err
		}

		client, err := newClient(cmd)
		if err != nil {
			return err
		}

		router, err := client.NewRouter(graph, handlers, stepflow.ChainScopes{
			Origin: originChain,
			Aux:    auxChain,
		}, logger)
		if err != nil {
			return err
		}

		w := client.NewWorker(router, &stepflow.WorkerOpts{Concurrency: concurrency}, logger)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		logger.Info("starting worker", "worker", w.ID(), "topic", graph.Topic, "concurrency", concurrency)

		return w.Start(ctx)
	},
}

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Starts the dashboard server",
	RunE: func(cmd *cobra.Command, args []string) error {
		port, err := cmd.Flags().GetInt("port")
		if err != nil {
			return err
		}

		client, err := newClient(cmd)
		if err != nil {
			return err
		}

		h := dashboard.New(dashboard.Config{
			Client: client,
			Logger: logger,
		}).Handler()

		logger.Info("starting dashboard", "port", port)

		return http.ListenAndServe(fmt.Sprintf(":%d", port), h)
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Starts a new workflow instance",
	RunE: func(cmd *cobra.Command, args []string) error {
		graphPath, _ := cmd.Flags().GetString("graph")
		kind, _ := cmd.Flags().GetString("kind")
		clientID, _ := cmd.Flags().GetInt64("client")
		chainID, _ := cmd.Flags().GetInt64("chain")
		originChain, _ := cmd.Flags().GetInt64("origin-chain")
		auxChain, _ := cmd.Flags().GetInt64("aux-chain")
		input, _ := cmd.Flags().GetString("input")

		graph, err := stepflow.LoadGraphFile(graphPath)
		if err != nil {
			return err
		}

		var params stepflow.Params
		if err := json.Unmarshal([]byte(input), &params); err != nil {
			return fmt.Errorf("cannot parse input: %w", err)
		}

		client, err := newClient(cmd)
		if err != nil {
			return err
		}

		d := client.NewDispatcher(graph, stepflow.ChainScopes{Origin: originChain, Aux: auxChain}, logger)

		id, err := d.CreateRoot(cmd.Context(), stepflow.StepKind(kind), clientID, chainID, params)
		if err != nil {
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Re-publishes start messages for stuck queued steps",
	RunE: func(cmd *cobra.Command, args []string) error {
		graphPath, _ := cmd.Flags().GetString("graph")
		olderThan, _ := cmd.Flags().GetDuration("older-than")

		graph, err := stepflow.LoadGraphFile(graphPath)
		if err != nil {
			return err
		}

		client, err := newClient(cmd)
		if err != nil {
			return err
		}

		s := client.NewSweeper(graph, &stepflow.SweeperOpts{OlderThan: olderThan}, logger)

		return s.Sweep(cmd.Context())
	},
}
