package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/acctqueue/internal/journal"
)

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const createOutcomesTable = `
        CREATE TABLE IF NOT EXISTS record_outcomes (
            logged_at  TIMESTAMPTZ NOT NULL,
            run_id     TEXT        NOT NULL,
            worker_id  INTEGER     NOT NULL,
            sequence   BIGINT      NOT NULL,
            status     TEXT        NOT NULL,
            fields     JSONB       NOT NULL DEFAULT '{}',
            error      TEXT        NOT NULL DEFAULT ''
        );
    `

var outcomeColumns = []string{"logged_at", "run_id", "worker_id", "sequence", "status", "fields", "error"}

// flushTimeout bounds a flush that has no caller context.
const flushTimeout = 10 * time.Second

// queuedBatches is how many full batches may wait for the flusher before
// Write blocks.
const queuedBatches = 4

var errStoreClosed = errors.New("store is closed")

// flushRequest is one unit of work for the flusher. done and ctx are nil for
// batches queued by Write; those run under flushTimeout and their errors are
// kept for the next Flush or Close.
type flushRequest struct {
	ctx   context.Context
	batch []journal.Entry
	done  chan error
}

// Store mirrors journal entries into PostgreSQL, batching them through COPY.
// A single background flusher persists full batches in order, so Write only
// blocks when queuedBatches are already waiting. It satisfies journal.Mirror.
type Store struct {
	pool      DBPool
	log       *zap.Logger
	batchSize int

	// mu guards pending and closed, and is held while sending on requests so
	// that no send can race the close of the channel.
	mu       sync.Mutex
	pending  []journal.Entry
	closed   bool
	requests chan flushRequest
	finished chan struct{}

	errMu    sync.Mutex
	asyncErr error
}

var _ journal.Mirror = (*Store)(nil)

// New creates a new store instance, verifies the connection and starts the
// flusher. Close stops it.
func New(ctx context.Context, pool DBPool, logger *zap.Logger, batchSize int) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if batchSize <= 0 {
		batchSize = 1
	}
	s := &Store{
		pool:      pool,
		log:       logger.Named("store"),
		batchSize: batchSize,
		requests:  make(chan flushRequest, queuedBatches),
		finished:  make(chan struct{}),
	}
	go s.run()
	return s, nil
}

// EnsureSchema creates the outcomes table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, createOutcomesTable); err != nil {
		return fmt.Errorf("failed to create record_outcomes table: %w", err)
	}
	return nil
}

// Write queues e and hands a full batch to the flusher.
func (s *Store) Write(e journal.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStoreClosed
	}
	s.pending = append(s.pending, e)
	if len(s.pending) < s.batchSize {
		return nil
	}
	batch := s.pending
	s.pending = nil
	s.requests <- flushRequest{batch: batch}
	return nil
}

// Flush writes every pending entry and waits for the batches queued before it.
// The error joins this flush's failure with any earlier background failure.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	done := make(chan error, 1)
	s.requests <- flushRequest{ctx: ctx, batch: s.pending, done: done}
	s.pending = nil
	s.mu.Unlock()

	select {
	case err := <-done:
		return errors.Join(s.takeAsyncErr(), err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close flushes what is left and stops the flusher. The pool belongs to the
// caller and stays open.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	done := make(chan error, 1)
	s.requests <- flushRequest{ctx: ctx, batch: s.pending, done: done}
	s.pending = nil
	close(s.requests)
	s.mu.Unlock()

	err := <-done
	<-s.finished
	return errors.Join(s.takeAsyncErr(), err)
}

func (s *Store) run() {
	defer close(s.finished)
	for req := range s.requests {
		if req.done != nil {
			req.done <- s.flush(req.ctx, req.batch)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		err := s.flush(ctx, req.batch)
		cancel()
		if err != nil {
			s.errMu.Lock()
			s.asyncErr = errors.Join(s.asyncErr, err)
			s.errMu.Unlock()
		}
	}
}

func (s *Store) takeAsyncErr() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	err := s.asyncErr
	s.asyncErr = nil
	return err
}

// flush drops the batch whether or not it was persisted, so a dead database
// cannot grow memory without bound.
func (s *Store) flush(ctx context.Context, batch []journal.Entry) error {
	if len(batch) == 0 {
		return nil
	}
	if err := s.persist(ctx, batch); err != nil {
		s.log.Error("Dropping journal batch.", zap.Int("entries", len(batch)), zap.Error(err))
		return err
	}
	return nil
}

func (s *Store) persist(ctx context.Context, entries []journal.Entry) error {
	rows := make([][]any, len(entries))
	for i, e := range entries {
		fields := []byte("{}")
		if len(e.Fields) > 0 {
			b, err := json.Marshal(e.Fields)
			if err != nil {
				return fmt.Errorf("failed to encode fields: %w", err)
			}
			fields = b
		}
		rows[i] = []any{e.Time.UTC(), e.RunID, int32(e.WorkerID), e.Sequence, string(e.Status), fields, e.Error}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	copyCount, err := tx.CopyFrom(ctx, pgx.Identifier{"record_outcomes"}, outcomeColumns, pgx.CopyFromRows(rows))
	if err != nil {
		s.rollback(ctx, tx)
		return fmt.Errorf("failed to copy outcomes: %w", err)
	}
	if int(copyCount) != len(entries) {
		s.rollback(ctx, tx)
		return fmt.Errorf("mismatch in copied outcomes count: expected %d, got %d", len(entries), copyCount)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) rollback(ctx context.Context, tx pgx.Tx) {
	if err := tx.Rollback(ctx); err != nil {
		s.log.Error("Failed to rollback transaction", zap.Error(err))
	}
}
