// internal/records/cursor.go
package records

import (
	"errors"
	"strings"

	"go.uber.org/zap"
)

// Cursor is a destructive reader bound to one record file.
// It is safe for concurrent use; all cursors on the same path share one lock.
type Cursor struct {
	path   string
	logger *zap.Logger
}

// Option configures a Cursor.
type Option func(*Cursor)

// WithLogger attaches a logger. The default discards output.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Cursor) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewCursor returns a cursor over path. The file does not need to exist yet.
func NewCursor(path string, opts ...Option) *Cursor {
	c := &Cursor{path: path, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("cursor").With(zap.String("file", path))
	return c
}

// Path returns the backing file path.
func (c *Cursor) Path() string { return c.path }

// Next consumes the first record. See ConsumeNextRecord.
func (c *Cursor) Next() (Record, error) {
	rec, err := ConsumeNextRecord(c.path)
	switch {
	case err == nil:
		c.logger.Debug("Consumed record.")
	case errors.Is(err, ErrEndOfFile):
		c.logger.Debug("Record file exhausted.")
	case errors.Is(err, ErrSchemaMismatch):
		c.logger.Warn("Dropped malformed record.", zap.Error(err))
	default:
		c.logger.Debug("Failed to consume record.", zap.Error(err))
	}
	return rec, err
}

// Remaining reports how many lines are left.
func (c *Cursor) Remaining() (int, error) {
	return CountRemainingLines(c.path)
}

// Peek decodes the first record without removing it. The file is not rewritten,
// so ';' delimiters are normalized in memory only.
func (c *Cursor) Peek() (Record, error) {
	var rec Record
	err := withLock(c.path, func(resolved string) error {
		f, err := load(resolved)
		if err != nil {
			return err
		}
		f.normalize()
		line, ok := f.first()
		if !ok {
			return ErrEndOfFile
		}
		rec, err = f.extract(strings.Count(line, Delimiter))
		return err
	})
	return rec, err
}
