package executor

import (
	"github.com/relational-db/queryexec/internal/value"

	"github.com/relational-db/queryexec/internal/valexpr"
)

// FilterOp compiles its predicate once and emits only the rows for which
// it evaluates truthy. It has no memory cost of its own and passes
// through every compiled property of its child except row count.
type FilterOp struct {
	cache
	child Pop
	pred  valexpr.Expr
}

// NewFilterOp constructs a filter over child with the given predicate.
func NewFilterOp(child Pop, pred valexpr.Expr) *FilterOp {
	return &FilterOp{child: child, pred: pred}
}

func (f *FilterOp) Children() []Pop          { return []Pop{f.child} }
func (f *FilterOp) MemoryBlocksRequired() int { return 0 }
func (f *FilterOp) VoidCachedProps()          { f.cache.void() }
func (f *FilterOp) Pstr(indent int) string    { return pstr(indent, "Filter", f.child) }

func (f *FilterOp) Compiled() (*CompiledProps, error) {
	return f.cache.getCompiled(func() (*CompiledProps, error) {
		childCompiled, err := f.child.Compiled()
		if err != nil {
			return nil, newCompileError("FilterOp", err, "compiling child")
		}
		schema := []valexpr.Schema{{Columns: childCompiled.OutputSchema}}
		_, t, err := f.pred.Compile(schema)
		if err != nil {
			return nil, newCompileError("FilterOp", err, "compiling predicate")
		}
		if t != value.Boolean {
			return nil, newCompileError("FilterOp", nil, "predicate must be BOOLEAN, got %v", t)
		}
		return childCompiled, nil
	})
}

func (f *FilterOp) Estimated() (*EstimatedProps, error) {
	return f.cache.getEstimated(func() (*EstimatedProps, error) {
		childEst, err := f.child.Estimated()
		if err != nil {
			return nil, err
		}
		const selectivity = 0.5
		return &EstimatedProps{
			RowCount: int64(float64(childEst.RowCount) * selectivity),
			Blocks:   childEst.Blocks,
		}, nil
	})
}

func (f *FilterOp) Execute(ctx *StatementContext) (RowSource, error) {
	compiled, err := f.child.Compiled()
	if err != nil {
		return nil, err
	}
	schema := []valexpr.Schema{{Columns: compiled.OutputSchema}}
	fn, _, err := f.pred.Compile(schema)
	if err != nil {
		return nil, newCompileError("FilterOp", err, "compiling predicate")
	}
	childSrc, err := f.child.Execute(ctx)
	if err != nil {
		return nil, err
	}
	return &filterSource{child: childSrc, pred: fn}, nil
}

type filterSource struct {
	child RowSource
	pred  valexpr.Fn
}

func (s *filterSource) Next() (value.Row, bool, error) {
	for {
		row, ok, err := s.child.Next()
		if err != nil || !ok {
			return nil, ok, err
		}
		v, err := s.pred(valexpr.Env{row})
		if err != nil {
			return nil, false, newExecError("FilterOp", err, "evaluating predicate")
		}
		if v.IsNull() {
			continue
		}
		b, _ := v.AsBool()
		if b {
			return row, true, nil
		}
	}
}

func (s *filterSource) Close() error { return s.child.Close() }
