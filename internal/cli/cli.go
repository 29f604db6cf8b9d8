package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ignatij/taskflow/internal/config"
	internal_http "github.com/ignatij/taskflow/internal/http"
	"github.com/ignatij/taskflow/internal/log"
	internal_storage "github.com/ignatij/taskflow/internal/storage"
	"github.com/ignatij/taskflow/pkg/service"
	"github.com/ignatij/taskflow/pkg/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

func SetupCLI(rootCmd *cobra.Command) {
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().String("db", "", "Database connection string (optional if DB_* env vars are set)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: DEBUG, INFO, WARN or ERROR")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List stored batches",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig(cmd)
			store := initStore(cfg.DB)
			defer store.Close()
			if err := listBatches(os.Stdout, service.NewBatchService(store, log.GetLogger())); err != nil {
				fail("Failed to list batches: %v", err)
			}
		},
	}

	showCmd := &cobra.Command{
		Use:   "show [batch-id]",
		Short: "Show the executions of a stored batch",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig(cmd)
			store := initStore(cfg.DB)
			defer store.Close()
			if err := showBatch(os.Stdout, service.NewBatchService(store, log.GetLogger()), args[0]); err != nil {
				fail("Failed to show batch %s: %v", args[0], err)
			}
		},
	}

	reportCmd := &cobra.Command{
		Use:   "report [batch-id]",
		Short: "Render the HTML report of a stored batch",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig(cmd)
			out, _ := cmd.Flags().GetString("out")
			store := initStore(cfg.DB)
			defer store.Close()
			if err := writeReport(service.NewBatchService(store, log.GetLogger()), args[0], out); err != nil {
				fail("Failed to write report of batch %s: %v", args[0], err)
			}
		},
	}
	reportCmd.Flags().String("out", "", "Output file (defaults to stdout)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve stored batches over HTTP",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig(cmd)
			if port, _ := cmd.Flags().GetString("port"); port != "" {
				cfg.HTTPPort = port
			}
			store := initStore(cfg.DB)
			defer store.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := internal_http.StartServer(ctx, cfg.HTTPPort, store, prometheus.DefaultGatherer); err != nil {
				fail("Server error: %v", err)
			}
		},
	}
	serveCmd.Flags().String("port", "", "Port to listen on")

	demoCmd := &cobra.Command{
		Use:   "demo",
		Short: "Run the demo workflow over a batch of executions and write its report",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig(cmd)
			opts := demoOptions{
				LogsFolder:       cfg.LogsFolder,
				Workers:          cfg.Workers,
				SaveLogs:         cfg.ShouldSaveLogs(),
				ExecutionTimeout: cfg.ExecutionTimeout,
			}
			opts.Executions, _ = cmd.Flags().GetInt("executions")
			opts.FailEvery, _ = cmd.Flags().GetInt("fail-every")
			if workers, _ := cmd.Flags().GetInt("workers"); workers > 0 {
				opts.Workers = workers
			}

			var store storage.Store
			if cfg.DB != "" {
				pg := initStore(cfg.DB)
				defer pg.Close()
				store = pg
			}
			metrics, err := service.NewMetrics(prometheus.DefaultRegisterer)
			if err != nil {
				fail("Failed to register metrics: %v", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := runDemo(ctx, os.Stdout, opts, store, metrics); err != nil {
				fail("Demo failed: %v", err)
			}
		},
	}
	demoCmd.Flags().Int("executions", 8, "Number of executions")
	demoCmd.Flags().Int("workers", 0, "Number of workers (defaults to the configured value)")
	demoCmd.Flags().Int("fail-every", 4, "Make every n-th execution fail, 0 disables failures")

	rootCmd.AddCommand(listCmd, showCmd, reportCmd, serveCmd, demoCmd)
}

// loadConfig merges the config file and environment, then applies the flags
func loadConfig(cmd *cobra.Command) config.Config {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		fail("Failed to load configuration: %v", err)
	}
	if db, _ := cmd.Flags().GetString("db"); db != "" {
		cfg.DB = db
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.LogLevel = level
	}
	log.SetLevel(cfg.LogLevel)
	log.GetLogger().Debugf("Loaded configuration with logs folder %s and %d workers", cfg.LogsFolder, cfg.Workers)
	return cfg
}

func listBatches(w io.Writer, svc *service.BatchService) error {
	batches, err := svc.ListBatches()
	if err != nil {
		return err
	}
	if len(batches) == 0 {
		fmt.Fprintf(w, "No batches found.\n")
		return nil
	}
	fmt.Fprintf(w, "Batches:\n")
	for _, b := range batches {
		fmt.Fprintf(w, "- ID: %s, Name: %s, Status: %s, Workers: %d, Created: %s\n",
			b.ID, b.Name, b.Status, b.Workers, b.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

func showBatch(w io.Writer, svc *service.BatchService, id string) error {
	batch, err := svc.GetBatch(id)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Batch %s (%s): %s, %d executions, %d failed\n",
		batch.ID, batch.Name, batch.Status, len(batch.Executions), batch.Failed())
	if batch.ReportPath != "" {
		fmt.Fprintf(w, "Report: %s\n", batch.ReportPath)
	}
	for _, e := range batch.Executions {
		fmt.Fprintf(w, "- [%d] %s: %s in %s", e.Index, e.Name, e.Status, e.Duration)
		if !e.Succeeded() {
			fmt.Fprintf(w, ", task %s failed: %s", e.FailedTask, e.Error)
		}
		fmt.Fprintln(w)
	}
	return nil
}

func writeReport(svc *service.BatchService, id, out string) error {
	if out == "" {
		return svc.WriteReport(id, os.Stdout)
	}
	f, err := os.Create(out)
	if err != nil {
		return err
	}
	if err := svc.WriteReport(id, f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "Report of batch %s written to %s\n", id, out)
	return nil
}

func initStore(dbConnStr string) *internal_storage.PostgresStore {
	if dbConnStr == "" {
		fail("A database is required: use --db, TASKFLOW_DB or the DB_* variables")
	}
	store, err := internal_storage.NewPostgresStore(dbConnStr)
	if err != nil {
		fail("Failed to initialize store: %v", err)
	}
	return store
}

func fail(format string, args ...interface{}) {
	log.GetLogger().Errorf(format, args...)
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
