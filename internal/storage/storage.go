// Package storage is the minimal storage-manager contract the executor
// core consumes: named, transaction-scoped heap files supporting lazy
// scan, batch append, and truncate. The core treats this contract as an
// external collaborator (spec §1) — this package ships a small
// single-process, file-backed implementation only so the core is
// runnable and testable end to end; it has no buffer pool, no page
// format, and no crash recovery, all explicit Non-goals.
package storage

import (
	"bufio"
	"encoding/gob"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/relational-db/queryexec/internal/value"
)

func init() {
	gob.Register(int64(0))
	gob.Register(float64(0))
	gob.Register("")
	gob.Register(false)
	gob.Register(time.Time{})
}

// Transaction scopes a set of heap files under a directory. Main
// transactions persist for the statement's lifetime; temp transactions
// (see NewTempTransaction) are discarded — and their directory removed —
// once the statement no longer needs intermediate runs/partitions.
type Transaction struct {
	ID  string
	dir string
}

// NewTransaction opens a transaction rooted at dir, creating it if
// necessary.
func NewTransaction(baseDir string) (*Transaction, error) {
	id := uuid.NewString()
	dir := filepath.Join(baseDir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "storage: creating transaction directory")
	}
	return &Transaction{ID: id, dir: dir}, nil
}

// NewTempTransaction opens a transaction dedicated to temp/spill files,
// isolated from the main transaction exactly as spec §5 requires.
func NewTempTransaction(baseDir string) (*Transaction, error) {
	return NewTransaction(filepath.Join(baseDir, "tmp"))
}

// Dir returns the directory this transaction's heap files live under,
// so a caller can assert on spill-file cleanup after execution.
func (t *Transaction) Dir() string { return t.dir }

// Discard removes every file created under this transaction. Safe to
// call even if individual heap files were already deleted.
func (t *Transaction) Discard() error {
	return os.RemoveAll(t.dir)
}

// Manager is the storage-manager contract consumed by the core.
type Manager interface {
	HeapFile(tx *Transaction, name string, schema []value.Type, createIfNotExists bool) (HeapFile, error)
	DeleteHeapFile(tx *Transaction, name string) error
}

// HeapFile is a named, appendable sequence of rows.
type HeapFile interface {
	Name() string
	IterScan() (RowIterator, error)
	BatchAppend(rows []value.Row) error
	Truncate() error
}

// RowIterator is a lazy cursor over a heap file's rows.
type RowIterator interface {
	Next() (value.Row, bool, error)
	Close() error
}

// FileManager is a file-backed Manager: one flat file per heap file,
// rows encoded with encoding/gob.
type FileManager struct {
	mu sync.Mutex
}

// NewFileManager constructs a FileManager.
func NewFileManager() *FileManager { return &FileManager{} }

func (m *FileManager) path(tx *Transaction, name string) string {
	return filepath.Join(tx.dir, name)
}

// HeapFile opens or creates a heap file under tx.
func (m *FileManager) HeapFile(tx *Transaction, name string, schema []value.Type, createIfNotExists bool) (HeapFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	path := m.path(tx, name)
	if createIfNotExists {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o644)
		if err != nil {
			return nil, errors.Wrapf(err, "storage: creating heap file %s", name)
		}
		f.Close()
	} else if _, err := os.Stat(path); err != nil {
		return nil, errors.Wrapf(err, "storage: heap file %s does not exist", name)
	}
	return &fileHeapFile{path: path, name: name, schema: schema}, nil
}

// DeleteHeapFile removes the file backing name under tx.
func (m *FileManager) DeleteHeapFile(tx *Transaction, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	err := os.Remove(m.path(tx, name))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "storage: deleting heap file %s", name)
	}
	return nil
}

type fileHeapFile struct {
	path   string
	name   string
	schema []value.Type
	mu     sync.Mutex
}

func (f *fileHeapFile) Name() string { return f.name }

func (f *fileHeapFile) Truncate() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrapf(err, "storage: truncating heap file %s", f.name)
	}
	return file.Close()
}

func (f *fileHeapFile) BatchAppend(rows []value.Row) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrapf(err, "storage: appending to heap file %s", f.name)
	}
	defer file.Close()
	w := bufio.NewWriter(file)
	enc := gob.NewEncoder(w)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			return errors.Wrapf(err, "storage: encoding row in %s", f.name)
		}
	}
	return w.Flush()
}

func (f *fileHeapFile) IterScan() (RowIterator, error) {
	file, err := os.Open(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &emptyIterator{}, nil
		}
		return nil, errors.Wrapf(err, "storage: opening heap file %s", f.name)
	}
	return &fileRowIterator{file: file, dec: gob.NewDecoder(bufio.NewReader(file))}, nil
}

type fileRowIterator struct {
	file *os.File
	dec  *gob.Decoder
}

func (it *fileRowIterator) Next() (value.Row, bool, error) {
	var row value.Row
	if err := it.dec.Decode(&row); err != nil {
		return nil, false, nil // EOF or malformed tail treated as end of stream
	}
	return row, true, nil
}

func (it *fileRowIterator) Close() error { return it.file.Close() }

type emptyIterator struct{}

func (emptyIterator) Next() (value.Row, bool, error) { return nil, false, nil }
func (emptyIterator) Close() error                    { return nil }

// SliceIterator adapts an in-memory row slice to RowIterator.
type SliceIterator struct {
	rows []value.Row
	pos  int
}

// NewSliceIterator wraps rows as a RowIterator.
func NewSliceIterator(rows []value.Row) *SliceIterator { return &SliceIterator{rows: rows} }

func (s *SliceIterator) Next() (value.Row, bool, error) {
	if s.pos >= len(s.rows) {
		return nil, false, nil
	}
	row := s.rows[s.pos]
	s.pos++
	return row, true, nil
}

func (s *SliceIterator) Close() error { return nil }
