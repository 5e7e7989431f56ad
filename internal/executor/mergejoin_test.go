package executor

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relational-db/queryexec/internal/valexpr"
	"github.com/relational-db/queryexec/internal/value"
)

func TestMergeJoinMatchesEqualKeyGroups(t *testing.T) {
	leftSchema := []valexpr.ColumnDef{col("a", value.Integer), col("label", value.Varchar)}
	left := newSliceOp(leftSchema, []value.Row{
		{value.Int(1), value.Str("x")},
		{value.Int(2), value.Str("y")},
		{value.Int(2), value.Str("z")},
		{value.Int(3), value.Str("w")},
	})
	left.ordered = []int{0}
	left.asc = []bool{true}

	rightSchema := []valexpr.ColumnDef{col("c", value.Integer), col("tag", value.Varchar)}
	right := newSliceOp(rightSchema, []value.Row{
		{value.Int(2), value.Str("p")},
		{value.Int(2), value.Str("q")},
		{value.Int(4), value.Str("r")},
	})
	right.ordered = []int{0}
	right.asc = []bool{true}

	op, err := NewMergeJoinOp(left, right,
		[]valexpr.Expr{&valexpr.RelColumnRef{Input: 0, Column: 0}},
		[]valexpr.Expr{&valexpr.RelColumnRef{Input: 0, Column: 0}})
	require.NoError(t, err)

	ctx := newTestContext(t)
	out, err := op.Execute(ctx)
	require.NoError(t, err)
	got := drain(t, out)

	want := []value.Row{
		{value.Int(2), value.Str("y"), value.Int(2), value.Str("p")},
		{value.Int(2), value.Str("y"), value.Int(2), value.Str("q")},
		{value.Int(2), value.Str("z"), value.Int(2), value.Str("p")},
		{value.Int(2), value.Str("z"), value.Int(2), value.Str("q")},
	}
	require.Equal(t, sortRows(want), sortRows(got))
}

func TestMergeJoinRejectsUnorderedLeftChild(t *testing.T) {
	leftSchema := []valexpr.ColumnDef{col("a", value.Integer)}
	left := newSliceOp(leftSchema, []value.Row{{value.Int(2)}, {value.Int(1)}})
	rightSchema := []valexpr.ColumnDef{col("b", value.Integer)}
	right := newSliceOp(rightSchema, []value.Row{{value.Int(1)}})
	right.ordered = []int{0}
	right.asc = []bool{true}

	op, err := NewMergeJoinOp(left, right,
		[]valexpr.Expr{&valexpr.RelColumnRef{Input: 0, Column: 0}},
		[]valexpr.Expr{&valexpr.RelColumnRef{Input: 0, Column: 0}})
	require.NoError(t, err)

	_, err = op.Compiled()
	require.Error(t, err)
}

func TestMergeJoinRejectsUnorderedRightChild(t *testing.T) {
	leftSchema := []valexpr.ColumnDef{col("a", value.Integer)}
	left := newSliceOp(leftSchema, []value.Row{{value.Int(1)}, {value.Int(2)}})
	left.ordered = []int{0}
	left.asc = []bool{true}
	rightSchema := []valexpr.ColumnDef{col("b", value.Integer)}
	right := newSliceOp(rightSchema, []value.Row{{value.Int(2)}, {value.Int(1)}})

	op, err := NewMergeJoinOp(left, right,
		[]valexpr.Expr{&valexpr.RelColumnRef{Input: 0, Column: 0}},
		[]valexpr.Expr{&valexpr.RelColumnRef{Input: 0, Column: 0}})
	require.NoError(t, err)

	_, err = op.Compiled()
	require.Error(t, err)
}
