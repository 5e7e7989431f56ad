package executor

import (
	"os"
	"testing"

	"github.com/relational-db/queryexec/internal/metadata"
	"github.com/relational-db/queryexec/internal/stats"
	"github.com/relational-db/queryexec/internal/storage"
	"github.com/relational-db/queryexec/internal/valexpr"
	"github.com/relational-db/queryexec/internal/value"
)

// newTestContext builds a StatementContext backed by a real file-backed
// storage manager rooted in a t.TempDir, so operators that spill (sort
// runs, hash partitions, aggregate buffers) exercise real I/O.
func newTestContext(t *testing.T) *StatementContext {
	t.Helper()
	base := t.TempDir()
	fm := storage.NewFileManager()
	tx, err := storage.NewTransaction(base)
	if err != nil {
		t.Fatalf("new transaction: %v", err)
	}
	tmpTx, err := storage.NewTempTransaction(base)
	if err != nil {
		t.Fatalf("new temp transaction: %v", err)
	}
	t.Cleanup(func() {
		tx.Discard()
		tmpTx.Discard()
	})
	return &StatementContext{
		Storage:  fm,
		Metadata: metadata.NewMapManager(),
		Stats:    stats.NewMapManager(),
		Tx:       tx,
		TmpTx:    tmpTx,
	}
}

// tempFileCount counts entries remaining under a transaction's
// directory, used to assert that an operator cleaned up its spill
// files after Close.
func tempFileCount(t *testing.T, tx *storage.Transaction) int {
	t.Helper()
	entries, err := os.ReadDir(tx.Dir())
	if err != nil {
		if os.IsNotExist(err) {
			return 0
		}
		t.Fatalf("reading dir %s: %v", tx.Dir(), err)
	}
	return len(entries)
}

// sliceOp is a fixed in-memory Pop used across tests in place of a real
// scan: a named, typed list of rows that feeds the operator under test.
type sliceOp struct {
	cache
	rows    []value.Row
	schema  []valexpr.ColumnDef
	ordered []int
	asc     []bool
	unique  map[int]bool
}

func newSliceOp(schema []valexpr.ColumnDef, rows []value.Row) *sliceOp {
	return &sliceOp{rows: rows, schema: schema}
}

func (s *sliceOp) Children() []Pop          { return nil }
func (s *sliceOp) MemoryBlocksRequired() int { return 0 }
func (s *sliceOp) VoidCachedProps()          { s.cache.void() }
func (s *sliceOp) Pstr(indent int) string    { return pstr(indent, "SliceSource") }

func (s *sliceOp) Compiled() (*CompiledProps, error) {
	return s.cache.getCompiled(func() (*CompiledProps, error) {
		lineage := metadata.NewLineage(len(s.schema))
		for i, c := range s.schema {
			ref := metadata.ColumnRef{Alias: "$slice", Column: c.Name}
			lineage[i] = map[metadata.ColumnRef]struct{}{ref: {}}
		}
		return &CompiledProps{
			OutputSchema:   s.schema,
			OutputLineage:  lineage,
			OrderedColumns: s.ordered,
			OrderedAsc:     s.asc,
			UniqueColumns:  s.unique,
		}, nil
	})
}

func (s *sliceOp) Estimated() (*EstimatedProps, error) {
	return s.cache.getEstimated(func() (*EstimatedProps, error) {
		return &EstimatedProps{RowCount: int64(len(s.rows))}, nil
	})
}

func (s *sliceOp) Execute(ctx *StatementContext) (RowSource, error) {
	cp := make([]value.Row, len(s.rows))
	copy(cp, s.rows)
	return &sliceSource{rows: cp}, nil
}

func col(name string, t value.Type) valexpr.ColumnDef { return valexpr.ColumnDef{Name: name, Type: t} }

func drain(t interface{ Fatalf(string, ...interface{}) }, src RowSource) []value.Row {
	var out []value.Row
	for {
		row, ok, err := src.Next()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !ok {
			break
		}
		out = append(out, row)
	}
	if err := src.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	return out
}
