// Package journal appends one JSON line per record outcome so a drained record
// file leaves an auditable trail behind it.
package journal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/acctqueue/internal/engine"
	"github.com/xkilldash9x/acctqueue/internal/records"
)

// Status describes what happened to a record.
type Status string

const (
	StatusConsumed      Status = "consumed"
	StatusMalformed     Status = "malformed"
	StatusHandlerFailed Status = "handler_failed"
)

// secretFields are masked when redaction is on.
var secretFields = map[string]bool{
	"password": true,
	"token1":   true,
	"token2":   true,
	"token3":   true,
	"token4":   true,
}

// Entry is one journal line.
type Entry struct {
	Time     time.Time         `json:"time"`
	RunID    string            `json:"run_id"`
	WorkerID int               `json:"worker_id"`
	Sequence int64             `json:"sequence"`
	Status   Status            `json:"status"`
	Fields   map[string]string `json:"fields,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// Mirror receives a copy of every entry after it reaches the file.
type Mirror interface {
	Write(e Entry) error
	Close() error
}

// Journal is an append-only, concurrency-safe JSON-lines writer.
type Journal struct {
	mu     sync.Mutex
	file   *os.File
	enc    *json.Encoder
	redact bool
	mirror Mirror
	logger *zap.Logger
	now    func() time.Time
}

var _ engine.Observer = (*Journal)(nil)

// Option configures a Journal.
type Option func(*Journal)

// WithMirror copies entries to m. Mirror failures are logged and never fail a write.
func WithMirror(m Mirror) Option {
	return func(j *Journal) { j.mirror = m }
}

// Open opens path for appending, creating it if needed.
func Open(path string, redact bool, logger *zap.Logger, opts ...Option) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	j := &Journal{
		file:   f,
		enc:    json.ConfigCompatibleWithStandardLibrary.NewEncoder(f),
		redact: redact,
		logger: logger.Named("journal"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j, nil
}

// Write appends e. A zero Time is stamped with the current time.
func (j *Journal) Write(e Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return os.ErrClosed
	}
	if e.Time.IsZero() {
		e.Time = j.now().UTC()
	}
	if err := j.enc.Encode(e); err != nil {
		return fmt.Errorf("journal: encode entry: %w", err)
	}
	if j.mirror != nil {
		if err := j.mirror.Write(e); err != nil {
			j.logger.Warn("Mirror rejected journal entry.", zap.Error(err))
		}
	}
	return nil
}

// Close closes the underlying file and the mirror. Further writes fail with
// os.ErrClosed.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	if j.mirror != nil {
		err = errors.Join(err, j.mirror.Close())
	}
	return err
}

// Fields renders rec for the journal, masking secrets when redaction is on.
func (j *Journal) Fields(rec records.Record) map[string]string {
	m := rec.Map()
	if j.redact {
		for name, value := range m {
			if secretFields[name] {
				m[name] = Mask(value)
			}
		}
	}
	return m
}

// IsSecret reports whether the named record field is masked under redaction.
func IsSecret(field string) bool { return secretFields[field] }

// Mask keeps the first two characters of s.
func Mask(s string) string {
	r := []rune(s)
	if len(r) <= 2 {
		return "***"
	}
	return string(r[:2]) + "***"
}

// Handle records a successfully consumed record. It satisfies engine.Handler.
func (j *Journal) Handle(_ context.Context, job engine.Job) error {
	return j.Write(Entry{
		RunID:    job.RunID,
		WorkerID: job.WorkerID,
		Sequence: job.Sequence,
		Status:   StatusConsumed,
		Fields:   j.Fields(job.Record),
	})
}

// RecordMalformed notes a dropped line. Only its field count is kept since the
// raw line may carry unmasked secrets.
func (j *Journal) RecordMalformed(runID string, workerID int, mismatch *records.SchemaMismatchError) {
	err := j.Write(Entry{
		RunID:    runID,
		WorkerID: workerID,
		Status:   StatusMalformed,
		Error:    mismatch.Error(),
	})
	if err != nil {
		j.logger.Warn("Failed to journal malformed record.", zap.Error(err))
	}
}

// RecordHandlerFailure notes a record whose handler returned an error.
func (j *Journal) RecordHandlerFailure(job engine.Job, handlerErr error) {
	err := j.Write(Entry{
		RunID:    job.RunID,
		WorkerID: job.WorkerID,
		Sequence: job.Sequence,
		Status:   StatusHandlerFailed,
		Fields:   j.Fields(job.Record),
		Error:    handlerErr.Error(),
	})
	if err != nil {
		j.logger.Warn("Failed to journal handler failure.", zap.Error(err))
	}
}
