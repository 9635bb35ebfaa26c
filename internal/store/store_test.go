package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/acctqueue/internal/engine"
	"github.com/xkilldash9x/acctqueue/internal/journal"
	"github.com/xkilldash9x/acctqueue/internal/records"
)

var outcomesTable = pgx.Identifier{"record_outcomes"}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newMockPool(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mockPool, err := pgxmock.NewPool(
		pgxmock.QueryMatcherOption(pgxmock.QueryMatcherEqual),
		pgxmock.MonitorPingsOption(true),
	)
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)
	return mockPool
}

func newTestStore(t *testing.T, mockPool pgxmock.PgxPoolIface, batchSize int, logger *zap.Logger) *Store {
	t.Helper()
	mockPool.ExpectPing().WillReturnError(nil)
	s, err := New(context.Background(), mockPool, logger, batchSize)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func entry(seq int64) journal.Entry {
	return journal.Entry{
		Time:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		RunID:    "run-1",
		WorkerID: 1,
		Sequence: seq,
		Status:   journal.StatusConsumed,
		Fields:   map[string]string{"first_name": "Ann", "password": "hu***"},
	}
}

// -- Test Cases --

func TestNewStore(t *testing.T) {
	t.Run("should return error if ping fails", func(t *testing.T) {
		mockPool := newMockPool(t)
		pingErr := errors.New("database unavailable")
		mockPool.ExpectPing().WillReturnError(pingErr)

		_, err := New(context.Background(), mockPool, zap.NewNop(), 10)
		require.Error(t, err)
		assert.ErrorIs(t, err, pingErr, "Error from ping should be propagated")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("non-positive batch size flushes every entry", func(t *testing.T) {
		mockPool := newMockPool(t)
		s := newTestStore(t, mockPool, 0, zap.NewNop())
		assert.Equal(t, 1, s.batchSize)
	})
}

func TestEnsureSchema(t *testing.T) {
	mockPool := newMockPool(t)
	s := newTestStore(t, mockPool, 10, zap.NewNop())

	mockPool.ExpectExec(createOutcomesTable).WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	require.NoError(t, s.EnsureSchema(context.Background()))

	execErr := errors.New("permission denied")
	mockPool.ExpectExec(createOutcomesTable).WillReturnError(execErr)
	err := s.EnsureSchema(context.Background())
	assert.ErrorIs(t, err, execErr)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestWrite_FlushesFullBatches(t *testing.T) {
	mockPool := newMockPool(t)
	s := newTestStore(t, mockPool, 2, zap.NewNop())

	require.NoError(t, s.Write(entry(1)))
	assert.NoError(t, mockPool.ExpectationsWereMet(), "a partial batch must not touch the database")

	mockPool.ExpectBegin()
	mockPool.ExpectCopyFrom(outcomesTable, outcomeColumns).WillReturnResult(2)
	mockPool.ExpectCommit()

	require.NoError(t, s.Write(entry(2)))
	assert.Empty(t, s.pending)
	require.NoError(t, s.Flush(context.Background()), "waits for the queued batch")
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestWrite_BackgroundFailureSurfacesOnFlush(t *testing.T) {
	mockPool := newMockPool(t)
	s := newTestStore(t, mockPool, 1, zap.NewNop())

	beginErr := errors.New("too many connections")
	mockPool.ExpectBegin().WillReturnError(beginErr)

	require.NoError(t, s.Write(entry(1)), "a full batch is persisted in the background")
	assert.ErrorIs(t, s.Flush(context.Background()), beginErr)
	assert.NoError(t, s.Flush(context.Background()), "a reported failure is not repeated")
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

// stalledPool is a DBPool whose transactions cannot start until release is closed.
type stalledPool struct {
	release chan struct{}
}

func (p *stalledPool) Ping(context.Context) error { return nil }

func (p *stalledPool) Begin(ctx context.Context) (pgx.Tx, error) {
	select {
	case <-p.release:
		return nil, errors.New("database went away")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *stalledPool) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}

func TestWrite_DoesNotWaitForSlowDatabase(t *testing.T) {
	pool := &stalledPool{release: make(chan struct{})}
	s, err := New(context.Background(), pool, zap.NewNop(), 1)
	require.NoError(t, err)

	returned := make(chan error, 1)
	go func() { returned <- s.Write(entry(1)) }()

	select {
	case err := <-returned:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		close(pool.release)
		t.Fatal("Write blocked on a stalled database")
	}

	close(pool.release)
	err = s.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database went away")
}

func TestWrite_AfterClose(t *testing.T) {
	mockPool := newMockPool(t)
	s := newTestStore(t, mockPool, 10, zap.NewNop())

	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Write(entry(1)), errStoreClosed)
	assert.NoError(t, s.Flush(context.Background()))
	assert.NoError(t, s.Close(), "closing twice is harmless")
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestClose_FlushesRemainder(t *testing.T) {
	mockPool := newMockPool(t)
	s := newTestStore(t, mockPool, 100, zap.NewNop())

	for i := int64(1); i <= 3; i++ {
		require.NoError(t, s.Write(entry(i)))
	}

	mockPool.ExpectBegin()
	mockPool.ExpectCopyFrom(outcomesTable, outcomeColumns).WillReturnResult(3)
	mockPool.ExpectCommit()

	require.NoError(t, s.Close())
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestFlush_EmptyIsNoop(t *testing.T) {
	mockPool := newMockPool(t)
	s := newTestStore(t, mockPool, 10, zap.NewNop())
	require.NoError(t, s.Flush(context.Background()))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestFlush_Failures(t *testing.T) {
	t.Run("copy error rolls back and drops the batch", func(t *testing.T) {
		mockPool := newMockPool(t)
		core, logs := observer.New(zapcore.ErrorLevel)
		s := newTestStore(t, mockPool, 10, zap.New(core))

		require.NoError(t, s.Write(entry(1)))

		copyErr := errors.New("connection reset")
		mockPool.ExpectBegin()
		mockPool.ExpectCopyFrom(outcomesTable, outcomeColumns).WillReturnError(copyErr)
		mockPool.ExpectRollback()

		err := s.Flush(context.Background())
		assert.ErrorIs(t, err, copyErr)
		assert.Empty(t, s.pending)
		assert.Equal(t, 1, logs.FilterMessage("Dropping journal batch.").Len())
		assert.NoError(t, mockPool.ExpectationsWereMet())

		require.NoError(t, s.Flush(context.Background()), "nothing left to flush")
	})

	t.Run("short copy count rolls back", func(t *testing.T) {
		mockPool := newMockPool(t)
		s := newTestStore(t, mockPool, 10, zap.NewNop())
		require.NoError(t, s.Write(entry(1)))
		require.NoError(t, s.Write(entry(2)))

		mockPool.ExpectBegin()
		mockPool.ExpectCopyFrom(outcomesTable, outcomeColumns).WillReturnResult(1)
		mockPool.ExpectRollback()

		err := s.Flush(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "expected 2, got 1")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("begin error", func(t *testing.T) {
		mockPool := newMockPool(t)
		s := newTestStore(t, mockPool, 10, zap.NewNop())
		require.NoError(t, s.Write(entry(1)))

		beginErr := errors.New("too many connections")
		mockPool.ExpectBegin().WillReturnError(beginErr)

		assert.ErrorIs(t, s.Flush(context.Background()), beginErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestStore_AsJournalMirror(t *testing.T) {
	mockPool := newMockPool(t)
	s := newTestStore(t, mockPool, 10, zap.NewNop())

	j, err := journal.Open(filepath.Join(t.TempDir(), "consumed.jsonl"), true, zap.NewNop(), journal.WithMirror(s))
	require.NoError(t, err)

	rec, err := records.ParseLine("Ann|Lee|1990-01-01|F|5551234|hunter2|a|b|c|d")
	require.NoError(t, err)
	require.NoError(t, j.Handle(context.Background(), engine.Job{RunID: "run-1", WorkerID: 1, Sequence: 1, Record: rec}))
	j.RecordMalformed("run-1", 1, &records.SchemaMismatchError{Got: 2, Want: records.SchemaLen})

	require.Len(t, s.pending, 2)
	assert.Equal(t, "hu***", s.pending[0].Fields["password"])
	assert.Equal(t, journal.StatusMalformed, s.pending[1].Status)

	mockPool.ExpectBegin()
	mockPool.ExpectCopyFrom(outcomesTable, outcomeColumns).WillReturnResult(2)
	mockPool.ExpectCommit()

	require.NoError(t, j.Close())
	assert.NoError(t, mockPool.ExpectationsWereMet())
}
