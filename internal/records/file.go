// internal/records/file.go
package records

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// fileLocks holds one mutex per resolved path. Every primitive in this
// package runs under the lock of the file it touches, so concurrent callers in
// the same process never observe a half-applied rewrite.
var fileLocks sync.Map

// resolvePath returns the absolute path with symlinks followed, so a link and
// its target share one lock and the rewrite lands on the target. A missing file
// keeps its unresolved path so the later stat reports fs.ErrNotExist.
func resolvePath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("records: resolve path %q: %w", path, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return filepath.Clean(abs), nil
		}
		return "", fmt.Errorf("records: resolve path %q: %w", path, err)
	}
	return resolved, nil
}

func lockFor(path string) (*sync.Mutex, string, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, "", err
	}
	mu, _ := fileLocks.LoadOrStore(resolved, &sync.Mutex{})
	return mu.(*sync.Mutex), resolved, nil
}

// withLock runs fn with the resolved path while holding that path's lock.
func withLock(path string, fn func(resolved string) error) error {
	mu, resolved, err := lockFor(path)
	if err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	return fn(resolved)
}

// recordFile is an in-memory snapshot of the file taken under its lock.
type recordFile struct {
	path  string
	perm  fs.FileMode
	lines []string
}

func load(path string) (*recordFile, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("records: stat %s: %w", path, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("records: read %s: %w", path, err)
	}
	return &recordFile{path: path, perm: info.Mode().Perm(), lines: splitLines(string(data))}, nil
}

// splitLines breaks content on '\n'. A trailing newline does not add an empty line.
func splitLines(content string) []string {
	if content == "" {
		return nil
	}
	lines := strings.Split(content, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func (f *recordFile) content() string {
	if len(f.lines) == 0 {
		return ""
	}
	return strings.Join(f.lines, "\n") + "\n"
}

func (f *recordFile) normalize() {
	for i, line := range f.lines {
		f.lines[i] = strings.ReplaceAll(line, AltDelimiter, Delimiter)
	}
}

func (f *recordFile) first() (string, bool) {
	if len(f.lines) == 0 {
		return "", false
	}
	return strings.TrimSuffix(f.lines[0], "\r"), true
}

func (f *recordFile) pop() bool {
	if len(f.lines) == 0 {
		return false
	}
	f.lines = f.lines[1:]
	return true
}

func (f *recordFile) extract(delimiterCount int) (Record, error) {
	line, ok := f.first()
	if !ok {
		return Record{}, ErrEndOfFile
	}
	actual := strings.Count(line, Delimiter) + 1
	if delimiterCount+1 != SchemaLen || actual != SchemaLen {
		return Record{}, &SchemaMismatchError{Got: actual, Want: SchemaLen, Line: line}
	}
	return parseFields(strings.Split(line, Delimiter), line)
}

// save replaces the file through a temp file and rename so readers see either the
// old or the new content.
func (f *recordFile) save() error {
	dir := filepath.Dir(f.path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("records: create temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.WriteString(f.content()); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("records: write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("records: sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("records: close %s: %w", tmpName, err)
	}
	if err := os.Chmod(tmpName, f.perm); err != nil {
		cleanup()
		return fmt.Errorf("records: chmod %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		cleanup()
		return fmt.Errorf("records: replace %s: %w", f.path, err)
	}
	return nil
}

// NormalizeDelimiters rewrites every ';' in the file as '|'.
func NormalizeDelimiters(path string) error {
	return withLock(path, func(resolved string) error {
		f, err := load(resolved)
		if err != nil {
			return err
		}
		f.normalize()
		return f.save()
	})
}

// PopFirstLine removes the first line and persists the remainder.
// It returns ErrEndOfFile when there is nothing to remove.
func PopFirstLine(path string) error {
	return withLock(path, func(resolved string) error {
		f, err := load(resolved)
		if err != nil {
			return err
		}
		if !f.pop() {
			return ErrEndOfFile
		}
		return f.save()
	})
}

// CountDelimitersInFirstLine returns the number of '|' in the first line, or 0
// when the file is empty. ';' is not counted; normalize first.
func CountDelimitersInFirstLine(path string) (int, error) {
	var n int
	err := withLock(path, func(resolved string) error {
		f, err := load(resolved)
		if err != nil {
			return err
		}
		line, _ := f.first()
		n = strings.Count(line, Delimiter)
		return nil
	})
	return n, err
}

// ExtractRecord decodes the first line into delimiterCount+1 fields without
// modifying the file. Any disagreement with the fixed schema, whether in the
// caller's count or in the line itself, yields a *SchemaMismatchError.
func ExtractRecord(path string, delimiterCount int) (Record, error) {
	var rec Record
	err := withLock(path, func(resolved string) error {
		f, err := load(resolved)
		if err != nil {
			return err
		}
		rec, err = f.extract(delimiterCount)
		return err
	})
	return rec, err
}

// CountRemainingLines returns how many lines the file holds.
func CountRemainingLines(path string) (int, error) {
	var n int
	err := withLock(path, func(resolved string) error {
		f, err := load(resolved)
		if err != nil {
			return err
		}
		n = len(f.lines)
		return nil
	})
	return n, err
}

// ConsumeNextRecord normalizes the file, decodes its first line, removes that
// line and writes the result back, all under one lock. Each successful call hands
// a distinct line to exactly one caller.
//
// A malformed first line is removed as well and reported as a
// *SchemaMismatchError so that a single bad line cannot stall the queue.
func ConsumeNextRecord(path string) (Record, error) {
	var rec Record
	err := withLock(path, func(resolved string) error {
		var err error
		rec, err = consumeLocked(resolved)
		return err
	})
	return rec, err
}

func consumeLocked(path string) (Record, error) {
	f, err := load(path)
	if err != nil {
		return Record{}, err
	}
	f.normalize()
	line, ok := f.first()
	if !ok {
		return Record{}, ErrEndOfFile
	}
	rec, extractErr := f.extract(strings.Count(line, Delimiter))
	f.pop()
	if err := f.save(); err != nil {
		return Record{}, err
	}
	return rec, extractErr
}
