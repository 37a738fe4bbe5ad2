package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"proofpipe/internal/app"
	"proofpipe/internal/config"
	"proofpipe/internal/logger"
	"proofpipe/internal/queue"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:          "proofpipe",
	Short:        "Generate and ship watermarked proof images",
	Long:         `A proof generation pipeline: a deduplicating job queue, a multi-strategy transfer engine and watermarked proof rendering, backed by S3 compatible or local storage.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Drain the proof queue and serve metrics until interrupted",
	RunE: withApp(func(ctx context.Context, a *app.App, cmd *cobra.Command, log *zap.Logger) error {
		return a.Serve(ctx)
	}),
}

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Queue a proof job for one original",
	RunE: withApp(func(ctx context.Context, a *app.App, cmd *cobra.Command, log *zap.Logger) error {
		original, _ := cmd.Flags().GetString("original")
		proofKey, _ := cmd.Flags().GetString("proof")
		project, _ := cmd.Flags().GetInt64("project")
		image, _ := cmd.Flags().GetInt64("image")
		if original == "" {
			return errors.New("--original is required")
		}
		if proofKey == "" {
			proofKey = a.ProofKeyFor(original)
		}

		return a.Enqueue(ctx, []queue.Item{{
			OriginalKey: original,
			ProofKey:    proofKey,
			ProjectID:   project,
			ImageID:     image,
		}})
	}),
}

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Drain the proof queue once and exit",
	RunE: withApp(func(ctx context.Context, a *app.App, cmd *cobra.Command, log *zap.Logger) error {
		summary, err := a.Process(ctx)
		if err != nil {
			return err
		}
		return printJSON(summary)
	}),
}

var urlsCmd = &cobra.Command{
	Use:   "urls",
	Short: "Print proof URLs for every image of a project",
	RunE: withApp(func(ctx context.Context, a *app.App, cmd *cobra.Command, log *zap.Logger) error {
		project, _ := cmd.Flags().GetInt64("project")
		if project <= 0 {
			return errors.New("--project is required")
		}

		urls, err := a.URLs(ctx, project)
		if err != nil {
			return err
		}
		ids := make([]int64, 0, len(urls))
		for id := range urls {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			fmt.Printf("%d\t%s\n", id, urls[id])
		}
		return nil
	}),
}

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Catalog stored originals and queue their missing proofs",
	RunE: withApp(func(ctx context.Context, a *app.App, cmd *cobra.Command, log *zap.Logger) error {
		prefix, _ := cmd.Flags().GetString("prefix")
		project, _ := cmd.Flags().GetInt64("project")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		if project <= 0 {
			return errors.New("--project is required")
		}

		res, err := a.Backfill(ctx, prefix, project, dryRun)
		if err != nil {
			return err
		}
		return printJSON(res)
	}),
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue depth per backend",
	RunE: withApp(func(ctx context.Context, a *app.App, cmd *cobra.Command, log *zap.Logger) error {
		stats, err := a.Stats(ctx)
		if err != nil {
			return err
		}
		return printJSON(stats)
	}),
}

var activateCmd = &cobra.Command{
	Use:   "activate",
	Short: "Create the durable queue table and migrate resolvable legacy jobs",
	RunE: withApp(func(ctx context.Context, a *app.App, cmd *cobra.Command, log *zap.Logger) error {
		moved, err := a.Activate(ctx)
		if err != nil {
			return err
		}
		log.Info("Proof queue activated", zap.Int("migrated", moved))
		return nil
	}),
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default is ./config.yaml)")

	pf := rootCmd.PersistentFlags()
	pf.String("database", "./proofpipe.db", "SQLite database file")
	pf.String("log-level", "info", "Log level (debug/info/warn/error)")

	// Storage flags
	pf.String("storage-driver", "s3", "Storage driver (s3/local)")
	pf.String("endpoint", "", "S3 compatible endpoint")
	pf.String("access-key", "", "Storage access key")
	pf.String("secret-key", "", "Storage secret key")
	pf.Bool("secure", true, "Use HTTPS for storage")
	pf.String("bucket", "", "Bucket name")
	pf.String("local-root", "", "Root directory for local storage")

	// Queue and transfer flags
	pf.Int("max-attempts", 3, "Attempts before a proof job is dropped")
	pf.Int("batch-size", 10, "Jobs per drain run")
	pf.String("strategy", "auto", "Transfer strategy (auto/multiplex/socket/sequential)")
	pf.Int("concurrency", 8, "Maximum concurrent transfers")

	// Retry flags
	pf.Int("retries", 3, "Maximum retry attempts for storage calls")
	pf.Int("retry-backoff-ms", 100, "Initial retry backoff in milliseconds")
	pf.Int64("part-size", 5*1024*1024, "Part size in bytes for chunked uploads")

	serveCmd.Flags().String("metrics-addr", ":8080", "Metrics server address")

	enqueueCmd.Flags().String("original", "", "Original object key")
	enqueueCmd.Flags().String("proof", "", "Proof object key (derived when empty)")
	enqueueCmd.Flags().Int64("project", 0, "Project id")
	enqueueCmd.Flags().Int64("image", 0, "Image id")

	urlsCmd.Flags().Int64("project", 0, "Project id")

	backfillCmd.Flags().String("prefix", "", "Only list originals under this prefix")
	backfillCmd.Flags().Int64("project", 0, "Project the originals belong to")
	backfillCmd.Flags().Bool("dry-run", false, "List originals without cataloging or queueing")

	rootCmd.AddCommand(serveCmd, enqueueCmd, processCmd, urlsCmd, backfillCmd, statsCmd, activateCmd)
}

// withApp loads config, builds the app and runs fn with a context
// cancelled on SIGINT/SIGTERM
func withApp(fn func(ctx context.Context, a *app.App, cmd *cobra.Command, log *zap.Logger) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile, cmd.Flags())
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		log, err := logger.New(cfg.LogLevel)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		defer log.Sync()

		// Setup graceful shutdown
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := app.New(ctx, cfg, log)
		if err != nil {
			return fmt.Errorf("failed to create app: %w", err)
		}

		err = fn(ctx, a, cmd, log)

		if closeErr := a.Close(); closeErr != nil {
			log.Error("Error closing app", zap.Error(closeErr))
		}
		return err
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
