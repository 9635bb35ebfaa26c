// internal/engine/pool.go
package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/acctqueue/internal/config"
	"github.com/xkilldash9x/acctqueue/internal/records"
)

// ErrAlreadyRunning is returned by Run when the pool is already draining.
var ErrAlreadyRunning = errors.New("engine: pool is already running")

// -- Interfaces for Dependency Inversion --

// RecordSource hands out records one at a time. *records.Cursor implements it.
type RecordSource interface {
	Next() (records.Record, error)
	Remaining() (int, error)
	Path() string
}

// Job is a single consumed record handed to a Handler.
type Job struct {
	RunID    string
	WorkerID int
	// Sequence orders records across the whole run, starting at 1.
	Sequence int64
	Record   records.Record
}

// Handler does the per-record work.
type Handler interface {
	Handle(ctx context.Context, job Job) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job Job) error

func (f HandlerFunc) Handle(ctx context.Context, job Job) error { return f(ctx, job) }

// Observer is told about records that did not make it through a Handler.
type Observer interface {
	RecordMalformed(runID string, workerID int, mismatch *records.SchemaMismatchError)
	RecordHandlerFailure(job Job, err error)
}

// WaitFunc blocks until the record file at path has records again.
type WaitFunc func(ctx context.Context, path string, logger *zap.Logger) error

// Stats summarizes one Run.
type Stats struct {
	Consumed        int64
	Handled         int64
	Malformed       int64
	HandlerFailures int64
	IOFailures      int64
	// Remaining is the line count after the run, or -1 if it could not be read.
	Remaining int
}

type counters struct {
	consumed, handled, malformed, handlerFailures, ioFailures atomic.Int64
}

// Pool drains a RecordSource with a bounded set of workers.
type Pool struct {
	cfg      config.Interface
	logger   *zap.Logger
	source   RecordSource
	handler  Handler
	observer Observer
	wait     WaitFunc
	runID    string

	seq      atomic.Int64
	counters counters

	stateLock sync.Mutex
	isRunning bool
}

// Option configures a Pool.
type Option func(*Pool)

// WithObserver registers an observer for malformed records and handler failures.
func WithObserver(o Observer) Option {
	return func(p *Pool) { p.observer = o }
}

// WithWaitFunc replaces records.WaitForRecords in follow mode.
func WithWaitFunc(fn WaitFunc) Option {
	return func(p *Pool) { p.wait = fn }
}

// WithRunID fixes the run identifier instead of generating one.
func WithRunID(id string) Option {
	return func(p *Pool) { p.runID = id }
}

// New validates its dependencies and returns an idle pool.
func New(cfg config.Interface, logger *zap.Logger, source RecordSource, handler Handler, opts ...Option) (*Pool, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if source == nil {
		return nil, errors.New("record source cannot be nil")
	}
	if handler == nil {
		return nil, errors.New("handler cannot be nil")
	}

	p := &Pool{
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "engine")),
		source:  source,
		handler: handler,
		wait:    records.WaitForRecords,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.runID == "" {
		p.runID = uuid.New().String()
	}
	p.logger = p.logger.With(zap.String("run_id", p.runID))
	return p, nil
}

// RunID identifies this pool's run in logs and the journal.
func (p *Pool) RunID() string { return p.runID }

// Run starts the workers and blocks until they all stop. Workers stop when the
// file is exhausted (unless following), when their per-worker cap is reached,
// on an I/O error, or when ctx is cancelled. In the last case ctx.Err() is
// returned alongside the stats gathered so far.
func (p *Pool) Run(ctx context.Context) (Stats, error) {
	p.stateLock.Lock()
	if p.isRunning {
		p.stateLock.Unlock()
		return Stats{}, ErrAlreadyRunning
	}
	p.isRunning = true
	p.stateLock.Unlock()
	defer func() {
		p.stateLock.Lock()
		p.isRunning = false
		p.stateLock.Unlock()
	}()

	engineCfg := p.cfg.Engine()
	concurrency := engineCfg.WorkerConcurrency
	if concurrency <= 0 {
		concurrency = 2
	}

	var limiter *rate.Limiter
	if engineCfg.StartInterval > 0 {
		limiter = rate.NewLimiter(rate.Every(engineCfg.StartInterval), 1)
	}

	p.logger.Info("Starting worker pool",
		zap.String("file", p.source.Path()),
		zap.Int("concurrency", concurrency),
		zap.Int("records_per_worker", engineCfg.RecordsPerWorker),
		zap.Bool("follow", p.cfg.Records().Follow),
	)

	var g errgroup.Group
	for i := 1; i <= concurrency; i++ {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				p.logger.Info("Worker start interrupted.", zap.Int("started", i-1), zap.Error(err))
				break
			}
		}
		workerID := i
		g.Go(func() error {
			p.runWorker(ctx, workerID)
			return nil
		})
	}
	_ = g.Wait()

	stats := p.snapshot()
	p.logger.Info("Worker pool finished",
		zap.Int64("consumed", stats.Consumed),
		zap.Int64("handled", stats.Handled),
		zap.Int64("malformed", stats.Malformed),
		zap.Int64("handler_failures", stats.HandlerFailures),
		zap.Int64("io_failures", stats.IOFailures),
		zap.Int("remaining", stats.Remaining),
	)
	return stats, ctx.Err()
}

func (p *Pool) snapshot() Stats {
	remaining, err := p.source.Remaining()
	if err != nil {
		p.logger.Warn("Could not count remaining records.", zap.Error(err))
		remaining = -1
	}
	return Stats{
		Consumed:        p.counters.consumed.Load(),
		Handled:         p.counters.handled.Load(),
		Malformed:       p.counters.malformed.Load(),
		HandlerFailures: p.counters.handlerFailures.Load(),
		IOFailures:      p.counters.ioFailures.Load(),
		Remaining:       remaining,
	}
}

// runWorker is the loop for a single worker goroutine. Failures are confined to
// this worker; the shared cursor lock is never held across a Handler call.
func (p *Pool) runWorker(ctx context.Context, workerID int) {
	logger := p.logger.With(zap.Int("worker_id", workerID))
	logger.Debug("Worker started")

	limit := p.cfg.Engine().RecordsPerWorker
	follow := p.cfg.Records().Follow

	for iterations := 0; limit <= 0 || iterations < limit; {
		if ctx.Err() != nil {
			logger.Info("Context cancelled, worker shutting down.", zap.Error(ctx.Err()))
			return
		}

		rec, err := p.source.Next()
		var mismatch *records.SchemaMismatchError
		switch {
		case err == nil:
		case errors.Is(err, records.ErrEndOfFile):
			if !follow {
				logger.Info("Record file exhausted, worker stopping.")
				return
			}
			if werr := p.wait(ctx, p.source.Path(), logger); werr != nil {
				if ctx.Err() == nil {
					p.counters.ioFailures.Add(1)
					logger.Error("Waiting for records failed, worker stopping.", zap.Error(werr))
				}
				return
			}
			continue
		case errors.As(err, &mismatch):
			iterations++
			p.counters.malformed.Add(1)
			logger.Warn("Skipping malformed record.", zap.Int("fields", mismatch.Got), zap.Int("want", mismatch.Want))
			if p.observer != nil {
				p.observer.RecordMalformed(p.runID, workerID, mismatch)
			}
			continue
		default:
			p.counters.ioFailures.Add(1)
			logger.Error("Failed to consume record, worker stopping.", zap.Error(err))
			return
		}

		iterations++
		p.counters.consumed.Add(1)
		job := Job{
			RunID:    p.runID,
			WorkerID: workerID,
			Sequence: p.seq.Add(1),
			Record:   rec,
		}
		p.process(ctx, job, logger)
	}
	logger.Info("Worker reached its record limit.", zap.Int("limit", limit))
}

func (p *Pool) process(ctx context.Context, job Job, logger *zap.Logger) {
	if err := p.handler.Handle(ctx, job); err != nil {
		p.counters.handlerFailures.Add(1)
		logger.Error("Handler failed for record.", zap.Int64("sequence", job.Sequence), zap.Error(err))
		if p.observer != nil {
			p.observer.RecordHandlerFailure(job, err)
		}
		return
	}
	p.counters.handled.Add(1)
	logger.Debug("Record handled.", zap.Int64("sequence", job.Sequence))
}
