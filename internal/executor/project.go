package executor

import (
	"fmt"

	"github.com/relational-db/queryexec/internal/metadata"
	"github.com/relational-db/queryexec/internal/valexpr"
	"github.com/relational-db/queryexec/internal/value"
)

// NamedExpr pairs a projected output expression with its column name.
type NamedExpr struct {
	Name string
	Expr valexpr.Expr
}

// ProjectOp evaluates each output expression over the input row.
// Lineage is recomputed per output column: bare column references carry
// the child's lineage for that column plus a self reference; any other
// expression gets only a self reference.
type ProjectOp struct {
	cache
	child Pop
	exprs []NamedExpr
}

// NewProjectOp constructs a projection over child.
func NewProjectOp(child Pop, exprs []NamedExpr) *ProjectOp {
	return &ProjectOp{child: child, exprs: exprs}
}

func (p *ProjectOp) Children() []Pop          { return []Pop{p.child} }
func (p *ProjectOp) MemoryBlocksRequired() int { return 0 }
func (p *ProjectOp) VoidCachedProps()          { p.cache.void() }
func (p *ProjectOp) Pstr(indent int) string {
	return pstr(indent, fmt.Sprintf("Project(cols=%d)", len(p.exprs)), p.child)
}

func (p *ProjectOp) Compiled() (*CompiledProps, error) {
	return p.cache.getCompiled(func() (*CompiledProps, error) {
		childCompiled, err := p.child.Compiled()
		if err != nil {
			return nil, newCompileError("ProjectOp", err, "compiling child")
		}
		schema := []valexpr.Schema{{Columns: childCompiled.OutputSchema}}
		outSchema := make([]valexpr.ColumnDef, len(p.exprs))
		lineage := metadata.NewLineage(len(p.exprs))
		childColToOut := map[int]int{}
		for i, e := range p.exprs {
			_, t, err := e.Expr.Compile(schema)
			if err != nil {
				return nil, newCompileError("ProjectOp", err, "compiling projection %d", i)
			}
			outSchema[i] = valexpr.ColumnDef{Name: e.Name, Type: t}
			self := metadata.ColumnRef{Alias: "$project", Column: e.Name}
			if inIdx, col, ok := e.Expr.ColumnRef(); ok && inIdx == 0 {
				lineage[i] = FromInput(childCompiled.OutputLineage, col, self)
				childColToOut[col] = i
			} else {
				lineage[i] = map[metadata.ColumnRef]struct{}{self: {}}
			}
		}

		var orderedColumns []int
		var orderedAsc []bool
		for i, c := range childCompiled.OrderedColumns {
			outIdx, ok := childColToOut[c]
			if !ok {
				break
			}
			orderedColumns = append(orderedColumns, outIdx)
			orderedAsc = append(orderedAsc, childCompiled.OrderedAsc[i])
		}
		unique := map[int]bool{}
		for childCol, outIdx := range childColToOut {
			if childCompiled.UniqueColumns[childCol] {
				unique[outIdx] = true
			}
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

func (p *ProjectOp) Estimated() (*EstimatedProps, error) {
	return p.cache.getEstimated(func() (*EstimatedProps, error) {
		return p.child.Estimated()
	})
}

func (p *ProjectOp) Execute(ctx *StatementContext) (RowSource, error) {
	childCompiled, err := p.child.Compiled()
	if err != nil {
		return nil, err
	}
	schema := []valexpr.Schema{{Columns: childCompiled.OutputSchema}}
	fns := make([]valexpr.Fn, len(p.exprs))
	for i, e := range p.exprs {
		fn, _, err := e.Expr.Compile(schema)
		if err != nil {
			return nil, newCompileError("ProjectOp", err, "compiling projection %d", i)
		}
		fns[i] = fn
	}
	childSrc, err := p.child.Execute(ctx)
	if err != nil {
		return nil, err
	}
	return &projectSource{child: childSrc, fns: fns}, nil
}

type projectSource struct {
	child RowSource
	fns   []valexpr.Fn
}

func (s *projectSource) Next() (value.Row, bool, error) {
	row, ok, err := s.child.Next()
	if err != nil || !ok {
		return nil, ok, err
	}
	out := make(value.Row, len(s.fns))
	for i, fn := range s.fns {
		v, err := fn(valexpr.Env{row})
		if err != nil {
			return nil, false, newExecError("ProjectOp", err, "evaluating projection %d", i)
		}
		out[i] = v
	}
	return out, true, nil
}

func (s *projectSource) Close() error { return s.child.Close() }
