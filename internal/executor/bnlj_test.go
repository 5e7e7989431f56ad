package executor

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relational-db/queryexec/internal/valexpr"
	"github.com/relational-db/queryexec/internal/value"
)

func TestBlockNestedLoopJoinAppliesGeneralPredicate(t *testing.T) {
	outerSchema := []valexpr.ColumnDef{col("a", value.Integer)}
	outer := newSliceOp(outerSchema, []value.Row{{value.Int(1)}, {value.Int(2)}, {value.Int(3)}})
	innerSchema := []valexpr.ColumnDef{col("b", value.Integer)}
	inner := newSliceOp(innerSchema, []value.Row{{value.Int(2)}, {value.Int(3)}})

	pred := &valexpr.Binary{
		Op:   valexpr.OpLt,
		Left: &valexpr.RelColumnRef{Input: 0, Column: 0},
		Right: &valexpr.RelColumnRef{Input: 1, Column: 0},
	}
	op := NewBlockNestedLoopJoinOp(outer, inner, pred, 4, 4096)

	ctx := newTestContext(t)
	out, err := op.Execute(ctx)
	require.NoError(t, err)
	got := drain(t, out)

	want := []value.Row{
		{value.Int(1), value.Int(2)},
		{value.Int(1), value.Int(3)},
		{value.Int(2), value.Int(3)},
	}
	require.Equal(t, sortRows(want), sortRows(got))
}
