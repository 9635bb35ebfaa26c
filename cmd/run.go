// File: cmd/run.go
package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/acctqueue/internal/config"
	"github.com/xkilldash9x/acctqueue/internal/engine"
	"github.com/xkilldash9x/acctqueue/internal/journal"
	"github.com/xkilldash9x/acctqueue/internal/observability"
	"github.com/xkilldash9x/acctqueue/internal/records"
	"github.com/xkilldash9x/acctqueue/internal/store"
)

func newRunCmd(a *app) *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Drain the record file with a pool of workers",
		Long: `Starts the configured number of workers. Each worker repeatedly removes the
first record from the record file and hands it to the outcome journal, until the
file is empty, its per-worker limit is reached, or the command is interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPool(cmd.Context(), a.cfg, observability.GetLogger(), cmd.OutOrStdout())
		},
	}

	f := runCmd.Flags()
	f.IntP("workers", "w", 0, "number of concurrent workers")
	f.Int("per-worker", 0, "records each worker consumes before stopping (0 = until empty)")
	f.Duration("start-interval", 0, "delay between worker starts")
	f.Bool("follow", false, "wait for the record file to be refilled instead of stopping")
	f.String("journal", "", "path of the JSON-lines outcome journal")
	f.Bool("no-journal", false, "log outcomes only, do not write a journal")
	f.String("store-url", "", "PostgreSQL connection string for mirroring the journal")
	return runCmd
}

// runPool wires the cursor, journal and pool for one run and prints a summary.
func runPool(ctx context.Context, cfg *config.Config, logger *zap.Logger, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cursor := records.NewCursor(cfg.Records().Path, records.WithLogger(logger))

	var (
		handler engine.Handler = logOnlyHandler(logger)
		opts    []engine.Option
	)
	if jc := cfg.Journal(); jc.Enabled {
		var jopts []journal.Option
		if url := cfg.Store().URL; url != "" {
			st, closePool, err := openStore(ctx, url, cfg.Store().BatchSize, logger)
			if err != nil {
				return err
			}
			defer closePool()
			jopts = append(jopts, journal.WithMirror(st))
		}

		j, err := journal.Open(jc.Path, jc.Redact, logger, jopts...)
		if err != nil {
			return err
		}
		defer func() {
			if cerr := j.Close(); cerr != nil {
				logger.Warn("Failed to close journal.", zap.Error(cerr))
			}
		}()
		handler = j
		opts = append(opts, engine.WithObserver(j))
	}

	pool, err := engine.New(cfg, logger, cursor, handler, opts...)
	if err != nil {
		return fmt.Errorf("failed to create worker pool: %w", err)
	}

	started := time.Now()
	stats, runErr := pool.Run(ctx)
	printStats(out, pool.RunID(), stats, time.Since(started))
	return runErr
}

// openStore connects to PostgreSQL and prepares the outcomes table.
func openStore(ctx context.Context, url string, batchSize int, logger *zap.Logger) (*store.Store, func(), error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create database pool: %w", err)
	}
	st, err := store.New(ctx, pool, logger, batchSize)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	if err := st.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	logger.Info("Mirroring journal to PostgreSQL.", zap.Int("batch_size", batchSize))
	return st, pool.Close, nil
}

// logOnlyHandler records each consumed record in the log, without secrets.
func logOnlyHandler(logger *zap.Logger) engine.HandlerFunc {
	return func(_ context.Context, job engine.Job) error {
		logger.Info("Record consumed.",
			zap.Int("worker_id", job.WorkerID),
			zap.Int64("sequence", job.Sequence),
			zap.String("first_name", job.Record.FirstName),
			zap.String("last_name", job.Record.LastName),
		)
		return nil
	}
}

func printStats(out io.Writer, runID string, s engine.Stats, elapsed time.Duration) {
	fmt.Fprintf(out, "run %s finished in %s\n", runID, elapsed.Round(time.Millisecond))
	fmt.Fprintf(out, "  consumed:         %d\n", s.Consumed)
	fmt.Fprintf(out, "  handled:          %d\n", s.Handled)
	fmt.Fprintf(out, "  malformed:        %d\n", s.Malformed)
	fmt.Fprintf(out, "  handler failures: %d\n", s.HandlerFailures)
	fmt.Fprintf(out, "  io failures:      %d\n", s.IOFailures)
	if s.Remaining < 0 {
		fmt.Fprintf(out, "  remaining:        unknown\n")
		return
	}
	fmt.Fprintf(out, "  remaining:        %d\n", s.Remaining)
}
