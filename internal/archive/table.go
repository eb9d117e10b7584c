// Implements the JSONL manifest table with a schema header line.

package archive

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"sync"
)

// Cloner is implemented by rows that can clone themselves.
type Cloner[T any] interface {
	Clone() T
}

// Table stores rows of T in a JSONL file and caches them in memory.
//
// The first line of the file is a schema header describing the columns of T.
// Rows are only appended.
type Table[T Cloner[T]] struct {
	path string
	mu   sync.RWMutex

	header schemaHeader
	rows   []T
}

// NewTable opens or creates the table at path.
func NewTable[T Cloner[T]](path string) (*Table[T], error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil { //nolint:gosec // G301: archive directories are shared
		return nil, fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	columns, err := schemaFromType[T]()
	if err != nil {
		return nil, err
	}
	t := &Table[T]{path: path, header: schemaHeader{Version: currentVersion, Columns: columns}}
	if err := t.load(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Table[T]) load() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, err := os.Open(t.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			t.rows = []T{}
			return nil
		}
		return fmt.Errorf("failed to open table file %s: %w", t.path, err)
	}
	defer func() {
		_ = f.Close()
	}()

	var rows []T
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	first := true
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if first {
			first = false
			var h schemaHeader
			if err := json.Unmarshal(line, &h); err != nil {
				return fmt.Errorf("failed to unmarshal header in %s: %w", t.path, err)
			}
			if err := h.Validate(); err != nil {
				return fmt.Errorf("invalid header in %s: %w", t.path, err)
			}
			if h.Version != currentVersion {
				return fmt.Errorf("unsupported table version %q in %s", h.Version, t.path)
			}
			continue
		}
		var row T
		if err := json.Unmarshal(line, &row); err != nil {
			return fmt.Errorf("failed to unmarshal row in %s: %w", t.path, err)
		}
		rows = append(rows, row)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read table file %s: %w", t.path, err)
	}
	t.rows = rows
	return nil
}

// Path returns the table file path.
func (t *Table[T]) Path() string {
	return t.path
}

// Len returns the number of rows.
func (t *Table[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rows)
}

// All returns an iterator over clones of all rows in insertion order.
func (t *Table[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		t.mu.RLock()
		defer t.mu.RUnlock()
		for _, row := range t.rows {
			if !yield(row.Clone()) {
				return
			}
		}
	}
}

// Last returns a clone of the last row matching keep.
func (t *Table[T]) Last(keep func(T) bool) (T, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for i := len(t.rows) - 1; i >= 0; i-- {
		if keep(t.rows[i]) {
			return t.rows[i].Clone(), true
		}
	}
	var zero T
	return zero, false
}

// Append adds a row and persists it. The header is written with the first
// row.
func (t *Table[T]) Append(row T) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("failed to marshal row: %w", err)
	}
	var buf []byte
	if _, err := os.Stat(t.path); errors.Is(err, os.ErrNotExist) {
		h, err := json.Marshal(&t.header)
		if err != nil {
			return fmt.Errorf("failed to marshal header: %w", err)
		}
		buf = append(append(buf, h...), '\n')
	}
	buf = append(append(buf, data...), '\n')

	f, err := os.OpenFile(t.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644) //nolint:gosec // G302: manifest is not secret
	if err != nil {
		return fmt.Errorf("failed to open table file for append: %w", err)
	}
	if _, err := f.Write(buf); err != nil {
		return errors.Join(fmt.Errorf("failed to write row: %w", err), f.Close())
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close table file: %w", err)
	}
	t.rows = append(t.rows, row.Clone())
	return nil
}
