package executor

import (
	"fmt"

	"github.com/relational-db/queryexec/internal/metadata"
	"github.com/relational-db/queryexec/internal/valexpr"
)

// IndexScanOp scans a table through a named index rather than a full
// heap scan. The index lookup path itself is not wired up yet; this
// satisfies the operator contract so a plan can reference an index
// scan node, but Execute reports the gap rather than silently falling
// back to a sequential scan.
type IndexScanOp struct {
	cache
	table     string
	alias     string
	indexName string
	mm        metadata.Manager
}

// NewIndexScanOp constructs an index scan operator over table via indexName.
func NewIndexScanOp(table, alias, indexName string, mm metadata.Manager) *IndexScanOp {
	return &IndexScanOp{table: table, alias: alias, indexName: indexName, mm: mm}
}

func (s *IndexScanOp) Children() []Pop          { return nil }
func (s *IndexScanOp) MemoryBlocksRequired() int { return 1 }
func (s *IndexScanOp) VoidCachedProps()          { s.cache.void() }
func (s *IndexScanOp) Pstr(indent int) string {
	return pstr(indent, fmt.Sprintf("IndexScan(%s via %s)", s.table, s.indexName))
}

func (s *IndexScanOp) Compiled() (*CompiledProps, error) {
	return s.cache.getCompiled(func() (*CompiledProps, error) {
		tm, err := s.mm.Table(s.table)
		if err != nil {
			return nil, newCompileError("IndexScanOp", err, "resolving table %s", s.table)
		}
		outSchema := make([]valexpr.ColumnDef, len(tm.Columns))
		lineage := metadata.NewLineage(len(tm.Columns))
		unique := map[int]bool{}
		for i, c := range tm.Columns {
			outSchema[i] = valexpr.ColumnDef{Name: c.Name, Type: toValueType(c.Type)}
			ref := metadata.ColumnRef{Alias: s.alias, Column: c.Name}
			lineage[i] = map[metadata.ColumnRef]struct{}{ref: {}}
			if tm.UniqueColumns[i] {
				unique[i] = true
			}
		}
		return &CompiledProps{
			OutputSchema:   outSchema,
			OutputLineage:  lineage,
			OrderedColumns: []int{0},
			OrderedAsc:     []bool{true},
			UniqueColumns:  unique,
		}, nil
	})
}

func (s *IndexScanOp) Estimated() (*EstimatedProps, error) {
	return s.cache.getEstimated(func() (*EstimatedProps, error) {
		return &EstimatedProps{RowCount: 1, Blocks: StatsInBlocks{SelfReads: 1, Overall: 1}}, nil
	})
}

// Execute always fails: the index lookup path (B-tree seek, RID
// fetch) has no storage-layer counterpart yet.
func (s *IndexScanOp) Execute(ctx *StatementContext) (RowSource, error) {
	return nil, newExecError("IndexScanOp", nil, "index scan over %q has no backing index yet", s.indexName)
}
