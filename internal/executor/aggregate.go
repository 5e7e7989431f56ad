package executor

import (
	"fmt"

	"github.com/relational-db/queryexec/internal/metadata"
	"github.com/relational-db/queryexec/internal/valexpr"
	"github.com/relational-db/queryexec/internal/value"
)

// NamedAggr pairs one aggregate-function call with its output column
// name.
type NamedAggr struct {
	Name string
	Expr valexpr.AggrExpr
}

// AggregateOp is the grouped aggregation operator: group-wise
// aggregation over a pre-sorted stream, with a dedicated external-sort
// buffer per non-incremental (or DISTINCT) aggregate.
type AggregateOp struct {
	cache
	child     Pop
	groupBy   []valexpr.Expr
	aggrs     []NamedAggr
	numBlocks int
	blockSize int
}

// NewAggregateOp constructs a grouped aggregation over child, which must
// already be sorted on groupBy. Requires numBlocks >= 3*K where K is the
// number of non-incremental aggregates (K=0 allows numBlocks >= 3).
func NewAggregateOp(child Pop, groupBy []valexpr.Expr, aggrs []NamedAggr, numBlocks, blockSize int) (*AggregateOp, error) {
	k := 0
	for _, a := range aggrs {
		if !a.Expr.IsIncremental() {
			k++
		}
	}
	min := 3
	if k > 0 {
		min = 3 * k
	}
	if numBlocks < min {
		return nil, newConfigError("AggregateOp", "numBlocks must be >= %d for %d non-incremental aggregates, got %d", min, k, numBlocks)
	}
	return &AggregateOp{child: child, groupBy: groupBy, aggrs: aggrs, numBlocks: numBlocks, blockSize: blockSize}, nil
}

func (a *AggregateOp) Children() []Pop          { return []Pop{a.child} }
func (a *AggregateOp) MemoryBlocksRequired() int { return a.numBlocks }
func (a *AggregateOp) VoidCachedProps()          { a.cache.void() }

func (a *AggregateOp) Pstr(indent int) string {
	return pstr(indent, fmt.Sprintf("Aggregate(groupBy=%d, aggrs=%d)", len(a.groupBy), len(a.aggrs)), a.child)
}

func (a *AggregateOp) numNonIncremental() int {
	k := 0
	for _, ag := range a.aggrs {
		if !ag.Expr.IsIncremental() {
			k++
		}
	}
	return k
}

func (a *AggregateOp) Compiled() (*CompiledProps, error) {
	return a.cache.getCompiled(func() (*CompiledProps, error) {
		childCompiled, err := a.child.Compiled()
		if err != nil {
			return nil, newCompileError("AggregateOp", err, "compiling child")
		}
		inputSchemas := []valexpr.Schema{{Columns: childCompiled.OutputSchema}}

		var outSchema []valexpr.ColumnDef
		lineage := metadata.NewLineage(len(a.groupBy) + len(a.aggrs))

		for i, g := range a.groupBy {
			_, t, err := g.Compile(inputSchemas)
			if err != nil {
				return nil, newCompileError("AggregateOp", err, "compiling group-by expression %d", i)
			}
			name := fmt.Sprintf("group%d", i)
			outSchema = append(outSchema, valexpr.ColumnDef{Name: name, Type: t})
			self := metadata.ColumnRef{Alias: "$aggregate", Column: name}
			if inIdx, col, ok := g.ColumnRef(); ok && inIdx == 0 {
				lineage[i] = FromInput(childCompiled.OutputLineage, col, self)
			} else {
				lineage[i] = map[metadata.ColumnRef]struct{}{self: {}}
			}
		}
		for i, ag := range a.aggrs {
			_, t, err := valexpr.CompileAggr(ag.Expr, inputSchemas)
			if err != nil {
				return nil, newCompileError("AggregateOp", err, "compiling aggregate %d", i)
			}
			outSchema = append(outSchema, valexpr.ColumnDef{Name: ag.Name, Type: t})
			idx := len(a.groupBy) + i
			self := metadata.ColumnRef{Alias: "$aggregate", Column: ag.Name}
			lineage[idx] = map[metadata.ColumnRef]struct{}{self: {}}
		}

		// Ordering: the maximal prefix of the child's ordering that lies
		// entirely within the group-by columns, in the child's order.
		groupByInputCols := map[int]int{} // child column index -> output index
		for i, g := range a.groupBy {
			if inIdx, col, ok := g.ColumnRef(); ok && inIdx == 0 {
				groupByInputCols[col] = i
			}
		}
		var orderedColumns []int
		var orderedAsc []bool
		for i, c := range childCompiled.OrderedColumns {
			outIdx, ok := groupByInputCols[c]
			if !ok {
				break
			}
			orderedColumns = append(orderedColumns, outIdx)
			orderedAsc = append(orderedAsc, childCompiled.OrderedAsc[i])
		}

		unique := map[int]bool{}
		if len(a.groupBy) == 1 {
			unique[0] = true
		}

		return &CompiledProps{
			OutputSchema:   outSchema,
			OutputLineage:  lineage,
			OrderedColumns: orderedColumns,
			OrderedAsc:     orderedAsc,
			UniqueColumns:  unique,
		}, nil
	})
}

func (a *AggregateOp) Estimated() (*EstimatedProps, error) {
	return a.cache.getEstimated(func() (*EstimatedProps, error) {
		childEst, err := a.child.Estimated()
		if err != nil {
			return nil, err
		}
		rows := childEst.RowCount
		if len(a.groupBy) > 0 {
			rows = maxInt64(1, rows/4)
		} else {
			rows = 1
		}
		k := int64(a.numNonIncremental())
		selfIO := k * childEst.Blocks.Overall
		return &EstimatedProps{
			RowCount: rows,
			Blocks: StatsInBlocks{
				SelfReads:  selfIO,
				SelfWrites: selfIO,
				Overall:    childEst.Blocks.Overall + 2*selfIO,
			},
		}, nil
	})
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// groupState is the live per-group accumulator: incremental aggregate
// states and non-incremental aggregates' external-sort buffers.
type groupState struct {
	key            value.Row
	incrStates     []*valexpr.AggrState
	nonIncrBuffers []*ExtSortBuffer
}

// Execute drives the pre-sorted child, detecting group-key changes and
// emitting one output row per completed group.
func (a *AggregateOp) Execute(ctx *StatementContext) (RowSource, error) {
	compiled, err := a.Compiled()
	if err != nil {
		return nil, err
	}
	_ = compiled
	childCompiled, err := a.child.Compiled()
	if err != nil {
		return nil, err
	}
	inputSchemas := []valexpr.Schema{{Columns: childCompiled.OutputSchema}}

	groupByFns := make([]valexpr.Fn, len(a.groupBy))
	for i, g := range a.groupBy {
		fn, _, err := g.Compile(inputSchemas)
		if err != nil {
			return nil, newCompileError("AggregateOp", err, "compiling group-by %d", i)
		}
		groupByFns[i] = fn
	}
	compiledAggrs := make([]*valexpr.CompiledAggr, len(a.aggrs))
	for i, ag := range a.aggrs {
		c, _, err := valexpr.CompileAggr(ag.Expr, inputSchemas)
		if err != nil {
			return nil, newCompileError("AggregateOp", err, "compiling aggregate %d", i)
		}
		compiledAggrs[i] = c
	}

	nonIncrIdx := []int{}
	for i, c := range compiledAggrs {
		if !c.Expr.IsIncremental() {
			nonIncrIdx = append(nonIncrIdx, i)
		}
	}
	k := len(nonIncrIdx)
	blocksPerBuffer := a.numBlocks
	if k > 0 {
		blocksPerBuffer = a.numBlocks / k
	}

	childSrc, err := a.child.Execute(ctx)
	if err != nil {
		return nil, err
	}

	src := &aggregateSource{
		op:              a,
		ctx:             ctx,
		child:           childSrc,
		groupByFns:      groupByFns,
		compiledAggrs:   compiledAggrs,
		nonIncrIdx:      nonIncrIdx,
		blocksPerBuffer: blocksPerBuffer,
		noGroupBy:       len(a.groupBy) == 0,
	}
	if src.noGroupBy {
		// With no GROUP BY, a single group is started eagerly so that
		// empty input still produces one row (e.g. COUNT(*) = 0).
		src.cur = src.newGroup(value.Row{})
	}
	return src, nil
}

type aggregateSource struct {
	op              *AggregateOp
	ctx             *StatementContext
	child           RowSource
	groupByFns      []valexpr.Fn
	compiledAggrs   []*valexpr.CompiledAggr
	nonIncrIdx      []int
	blocksPerBuffer int
	noGroupBy       bool

	cur       *groupState
	started   bool
	childDone bool
	done      bool
}

func (s *aggregateSource) newGroup(key value.Row) *groupState {
	g := &groupState{key: key}
	g.incrStates = make([]*valexpr.AggrState, len(s.compiledAggrs))
	for i, c := range s.compiledAggrs {
		if c.Expr.IsIncremental() {
			g.incrStates[i] = c.Init()
		}
	}
	g.nonIncrBuffers = make([]*ExtSortBuffer, len(s.compiledAggrs))
	for _, i := range s.nonIncrIdx {
		c := s.compiledAggrs[i]
		cmp := func(a, b value.Row) int { return value.Compare(a[0], b[0]) }
		prefix := fmt.Sprintf(".tmp-aggr-%d-%d", s.ctx.NextOpaqueID(), i)
		g.nonIncrBuffers[i] = NewExtSortBuffer("AggregateOp", s.ctx, cmp, maxIntLocal(s.blocksPerBuffer, 1), s.op.blockSize, c.Expr.Distinct, prefix)
	}
	return g
}

func maxIntLocal(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func (s *aggregateSource) finalizeGroup(g *groupState) (value.Row, error) {
	out := make(value.Row, 0, len(g.key)+len(s.compiledAggrs))
	out = append(out, g.key...)
	for i, c := range s.compiledAggrs {
		if c.Expr.IsIncremental() {
			v, err := c.Finalize(g.incrStates[i])
			if err != nil {
				return nil, newExecError("AggregateOp", err, "finalizing aggregate %d", i)
			}
			out = append(out, v)
			continue
		}
		src, err := g.nonIncrBuffers[i].IterAndClear()
		if err != nil {
			return nil, err
		}
		var vals []value.Value
		for {
			row, ok, err := src.Next()
			if err != nil {
				src.Close()
				return nil, err
			}
			if !ok {
				break
			}
			vals = append(vals, row[0])
		}
		if err := src.Close(); err != nil {
			return nil, err
		}
		v, err := c.FinalizeSorted(vals)
		if err != nil {
			return nil, newExecError("AggregateOp", err, "finalizing sorted aggregate %d", i)
		}
		out = append(out, v)
	}
	return out, nil
}

func (s *aggregateSource) Next() (value.Row, bool, error) {
	if s.done {
		return nil, false, nil
	}
	for {
		if s.childDone {
			if s.cur != nil {
				row, err := s.finalizeGroup(s.cur)
				s.cur = nil
				s.done = true
				if err != nil {
					return nil, false, err
				}
				return row, true, nil
			}
			s.done = true
			return nil, false, nil
		}
		row, ok, err := s.child.Next()
		if err != nil {
			return nil, false, err
		}
		if !ok {
			s.childDone = true
			continue
		}
		key := make(value.Row, len(s.groupByFns))
		for i, fn := range s.groupByFns {
			v, err := fn(valexpr.Env{row})
			if err != nil {
				return nil, false, newExecError("AggregateOp", err, "evaluating group-by %d", i)
			}
			key[i] = v
		}
		if s.cur == nil {
			s.cur = s.newGroup(key)
		} else if !rowEqual(s.cur.key, key) {
			out, err := s.finalizeGroup(s.cur)
			s.cur = s.newGroup(key)
			if err != nil {
				return nil, false, err
			}
			if err := s.updateGroup(s.cur, row); err != nil {
				return nil, false, err
			}
			return out, true, nil
		}
		if err := s.updateGroup(s.cur, row); err != nil {
			return nil, false, err
		}
	}
}

func (s *aggregateSource) updateGroup(g *groupState, row value.Row) error {
	for i, c := range s.compiledAggrs {
		var v value.Value
		if c.InputFn != nil {
			val, err := c.InputFn(valexpr.Env{row})
			if err != nil {
				return newExecError("AggregateOp", err, "evaluating aggregate input %d", i)
			}
			v = val
		}
		if c.Expr.IsIncremental() {
			st, err := c.Add(g.incrStates[i], v)
			if err != nil {
				return newExecError("AggregateOp", err, "updating aggregate %d", i)
			}
			g.incrStates[i] = st
		} else {
			if err := g.nonIncrBuffers[i].Add(value.Row{v}); err != nil {
				return err
			}
		}
	}
	return nil
}

func rowEqual(a, b value.Row) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !value.Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}

func (s *aggregateSource) Close() error {
	return s.child.Close()
}
