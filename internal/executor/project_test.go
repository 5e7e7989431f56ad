package executor

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relational-db/queryexec/internal/valexpr"
	"github.com/relational-db/queryexec/internal/value"
)

func TestProjectEvaluatesExpressionsAndReorders(t *testing.T) {
	schema := []valexpr.ColumnDef{col("a", value.Integer), col("b", value.Integer)}
	src := newSliceOp(schema, intRows([][2]int64{{1, 10}, {2, 20}}))
	src.ordered = []int{0}
	src.asc = []bool{true}

	op := NewProjectOp(src, []NamedExpr{
		{Name: "b", Expr: &valexpr.RelColumnRef{Input: 0, Column: 1}},
		{Name: "a", Expr: &valexpr.RelColumnRef{Input: 0, Column: 0}},
	})

	compiled, err := op.Compiled()
	require.NoError(t, err)
	require.Equal(t, []int{1}, compiled.OrderedColumns)

	ctx := newTestContext(t)
	out, err := op.Execute(ctx)
	require.NoError(t, err)
	got := drain(t, out)

	require.Equal(t, []value.Row{
		{value.Int(10), value.Int(1)},
		{value.Int(20), value.Int(2)},
	}, got)
}
