package executor

import (
	"fmt"

	"github.com/relational-db/queryexec/internal/metadata"
	"github.com/relational-db/queryexec/internal/valexpr"
	"github.com/relational-db/queryexec/internal/value"
)

// ScanOp iterates a base table's heap file. It is constructed with the
// metadata and stats managers it needs to resolve its own schema and
// cardinality — the planner wires these from the statement context at
// plan-construction time, same as every other compiled-at-construction
// input the framework requires.
type ScanOp struct {
	cache
	table    string
	alias    string
	heapName string
	mm       metadata.Manager
	sm       statsLookup
}

// statsLookup is the narrow slice of a stats.Manager a scan needs.
type statsLookup interface {
	TableStats(table string) (*tableStatsView, error)
}

// tableStatsView avoids importing the stats package's concrete type into
// the operator framework's construction signature; NewScanOp's caller
// adapts a real stats.Manager via NewScanStats.
type tableStatsView struct {
	RowCount   int64
	BlockCount int64
}

// NewScanStats adapts a stats.CollectionStats-shaped value into the view
// ScanOp consumes.
func NewScanStats(rowCount, blockCount int64) *tableStatsView {
	return &tableStatsView{RowCount: rowCount, BlockCount: blockCount}
}

// TableStats implements statsLookup: the view reports the same figures
// whichever table the scan asks about.
func (v *tableStatsView) TableStats(string) (*tableStatsView, error) { return v, nil }

// NewScanOp constructs a table scan reading heapName under alias,
// resolving schema through mm.
func NewScanOp(table, alias, heapName string, mm metadata.Manager) *ScanOp {
	if alias == "" {
		alias = table
	}
	return &ScanOp{table: table, alias: alias, heapName: heapName, mm: mm}
}

// SetStats attaches a stats source used by Estimated; optional — without
// it, Estimated falls back to a fixed placeholder cardinality. Safe to
// call after Estimated has already been computed and cached once (e.g.
// a planner that binds stats lazily): voidTree clears the stale cached
// estimate for this scan and its (nonexistent) subtree so the next
// access recomputes from the newly attached source.
func (s *ScanOp) SetStats(sm statsLookup) {
	s.sm = sm
	voidTree(s)
}

func (s *ScanOp) Children() []Pop          { return nil }
func (s *ScanOp) MemoryBlocksRequired() int { return 0 }
func (s *ScanOp) VoidCachedProps()          { s.cache.void() }
func (s *ScanOp) Pstr(indent int) string {
	return pstr(indent, fmt.Sprintf("Scan(%s AS %s)", s.table, s.alias))
}

func (s *ScanOp) Compiled() (*CompiledProps, error) {
	return s.cache.getCompiled(func() (*CompiledProps, error) {
		table, err := s.mm.Table(s.table)
		if err != nil {
			return nil, newCompileError("ScanOp", err, "resolving table %s", s.table)
		}
		schema := make([]valexpr.ColumnDef, len(table.Columns))
		lineage := metadata.NewLineage(len(table.Columns))
		unique := map[int]bool{}
		for i, c := range table.Columns {
			schema[i] = valexpr.ColumnDef{Name: c.Name, Type: toValueType(c.Type)}
			lineage[i] = map[metadata.ColumnRef]struct{}{{Alias: s.alias, Column: c.Name}: {}}
			if table.UniqueColumns[i] {
				unique[i] = true
			}
		}
		return &CompiledProps{OutputSchema: schema, OutputLineage: lineage, UniqueColumns: unique}, nil
	})
}

func toValueType(t metadata.ColumnType) value.Type {
	switch t {
	case metadata.TypeDatetime:
		return value.Datetime
	case metadata.TypeFloat:
		return value.Float
	case metadata.TypeInteger:
		return value.Integer
	case metadata.TypeBoolean:
		return value.Boolean
	case metadata.TypeVarchar:
		return value.Varchar
	default:
		return value.Any
	}
}

func (s *ScanOp) Estimated() (*EstimatedProps, error) {
	return s.cache.getEstimated(func() (*EstimatedProps, error) {
		if s.sm == nil {
			return &EstimatedProps{RowCount: 1000, Blocks: StatsInBlocks{Overall: 10}}, nil
		}
		st, err := s.sm.TableStats(s.table)
		if err != nil {
			return nil, err
		}
		return &EstimatedProps{RowCount: st.RowCount, Blocks: StatsInBlocks{Overall: st.BlockCount}}, nil
	})
}

func (s *ScanOp) Execute(ctx *StatementContext) (RowSource, error) {
	if _, err := s.Compiled(); err != nil {
		return nil, err
	}
	file, err := ctx.Storage.HeapFile(ctx.Tx, s.heapName, nil, false)
	if err != nil {
		return nil, newExecError("ScanOp", err, "opening heap file %s", s.heapName)
	}
	it, err := file.IterScan()
	if err != nil {
		return nil, newExecError("ScanOp", err, "scanning heap file %s", s.heapName)
	}
	return heapFileRowSource{it: it}, nil
}
