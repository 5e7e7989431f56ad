package executor

import (
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relational-db/queryexec/internal/valexpr"
	"github.com/relational-db/queryexec/internal/value"
)

func rowKey(r value.Row) string {
	s := ""
	for _, v := range r {
		s += fmt.Sprintf("%v|", v.Raw)
	}
	return s
}

func sortRows(rows []value.Row) []value.Row {
	out := append([]value.Row{}, rows...)
	sort.Slice(out, func(i, j int) bool { return rowKey(out[i]) < rowKey(out[j]) })
	return out
}

func TestHashJoinMatchesExpectedMultiset(t *testing.T) {
	leftSchema := []valexpr.ColumnDef{col("a", value.Integer), col("label", value.Varchar)}
	left := newSliceOp(leftSchema, []value.Row{
		{value.Int(1), value.Str("a")},
		{value.Int(2), value.Str("b")},
		{value.Int(2), value.Str("c")},
	})
	rightSchema := []valexpr.ColumnDef{col("c", value.Integer), col("tag", value.Varchar)}
	right := newSliceOp(rightSchema, []value.Row{
		{value.Int(2), value.Str("x")},
		{value.Int(3), value.Str("y")},
		{value.Int(2), value.Str("z")},
	})

	op, err := NewHashJoinOp(left, right,
		[]valexpr.Expr{&valexpr.RelColumnRef{Input: 0, Column: 0}},
		[]valexpr.Expr{&valexpr.RelColumnRef{Input: 0, Column: 0}},
		4, 4096)
	require.NoError(t, err)

	ctx := newTestContext(t)
	out, err := op.Execute(ctx)
	require.NoError(t, err)
	got := drain(t, out)

	want := []value.Row{
		{value.Int(2), value.Str("b"), value.Int(2), value.Str("x")},
		{value.Int(2), value.Str("b"), value.Int(2), value.Str("z")},
		{value.Int(2), value.Str("c"), value.Int(2), value.Str("x")},
		{value.Int(2), value.Str("c"), value.Int(2), value.Str("z")},
	}
	require.Equal(t, sortRows(want), sortRows(got))
}

func TestHashJoinNoLossAcrossPartitions(t *testing.T) {
	leftSchema := []valexpr.ColumnDef{col("a", value.Integer)}
	rightSchema := []valexpr.ColumnDef{col("b", value.Integer)}

	var leftRows, rightRows []value.Row
	var want []value.Row
	for i := int64(0); i < 30; i++ {
		leftRows = append(leftRows, value.Row{value.Int(i)})
		rightRows = append(rightRows, value.Row{value.Int(i)})
		want = append(want, value.Row{value.Int(i), value.Int(i)})
	}
	left := newSliceOp(leftSchema, leftRows)
	right := newSliceOp(rightSchema, rightRows)

	op, err := NewHashJoinOp(left, right,
		[]valexpr.Expr{&valexpr.RelColumnRef{Input: 0, Column: 0}},
		[]valexpr.Expr{&valexpr.RelColumnRef{Input: 0, Column: 0}},
		3, 64)
	require.NoError(t, err)

	ctx := newTestContext(t)
	out, err := op.Execute(ctx)
	require.NoError(t, err)
	got := drain(t, out)

	require.Equal(t, sortRows(want), sortRows(got))
}

func TestHashJoinCleansUpPartitionFiles(t *testing.T) {
	leftSchema := []valexpr.ColumnDef{col("a", value.Integer)}
	rightSchema := []valexpr.ColumnDef{col("b", value.Integer)}
	left := newSliceOp(leftSchema, []value.Row{{value.Int(1)}, {value.Int(2)}})
	right := newSliceOp(rightSchema, []value.Row{{value.Int(2)}, {value.Int(3)}})

	op, err := NewHashJoinOp(left, right,
		[]valexpr.Expr{&valexpr.RelColumnRef{Input: 0, Column: 0}},
		[]valexpr.Expr{&valexpr.RelColumnRef{Input: 0, Column: 0}},
		4, 4096)
	require.NoError(t, err)

	ctx := newTestContext(t)
	out, err := op.Execute(ctx)
	require.NoError(t, err)
	_ = drain(t, out)

	require.Equal(t, 0, tempFileCount(t, ctx.TmpTx))
}
