package executor

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relational-db/queryexec/internal/valexpr"
	"github.com/relational-db/queryexec/internal/value"
)

func TestAggregateGroupSum(t *testing.T) {
	schema := []valexpr.ColumnDef{col("a", value.Integer), col("b", value.Integer)}
	rows := intRows([][2]int64{{1, 10}, {1, 20}, {2, 30}, {2, 40}, {3, 50}})
	src := newSliceOp(schema, rows)
	src.ordered = []int{0}
	src.asc = []bool{true}

	op, err := NewAggregateOp(src,
		[]valexpr.Expr{&valexpr.RelColumnRef{Input: 0, Column: 0}},
		[]NamedAggr{{Name: "total", Expr: valexpr.AggrExpr{Kind: valexpr.AggrSum, Input: &valexpr.RelColumnRef{Input: 0, Column: 1}}}},
		3, 4096)
	require.NoError(t, err)

	ctx := newTestContext(t)
	out, err := op.Execute(ctx)
	require.NoError(t, err)
	got := drain(t, out)

	require.Equal(t, []value.Row{
		{value.Int(1), value.Flt(30)},
		{value.Int(2), value.Flt(70)},
		{value.Int(3), value.Flt(50)},
	}, got)
}

func TestAggregateDistinctCountWithSpill(t *testing.T) {
	schema := []valexpr.ColumnDef{col("a", value.Integer), col("b", value.Integer)}
	rows := intRows([][2]int64{{1, 5}, {1, 5}, {1, 6}, {2, 7}, {2, 7}})
	src := newSliceOp(schema, rows)
	src.ordered = []int{0}
	src.asc = []bool{true}

	op, err := NewAggregateOp(src,
		[]valexpr.Expr{&valexpr.RelColumnRef{Input: 0, Column: 0}},
		[]NamedAggr{{Name: "distinct_b", Expr: valexpr.AggrExpr{Kind: valexpr.AggrCount, Distinct: true, Input: &valexpr.RelColumnRef{Input: 0, Column: 1}}}},
		6, 4096)
	require.NoError(t, err)

	ctx := newTestContext(t)
	out, err := op.Execute(ctx)
	require.NoError(t, err)
	got := drain(t, out)

	require.Equal(t, intRows([][2]int64{{1, 2}, {2, 1}}), got)
}

func TestAggregateEmptyInputNoGroupBy(t *testing.T) {
	schema := []valexpr.ColumnDef{col("a", value.Integer), col("b", value.Integer)}
	src := newSliceOp(schema, nil)

	op, err := NewAggregateOp(src, nil,
		[]NamedAggr{
			{Name: "cnt", Expr: valexpr.AggrExpr{Kind: valexpr.AggrCount}},
			{Name: "total", Expr: valexpr.AggrExpr{Kind: valexpr.AggrSum, Input: &valexpr.RelColumnRef{Input: 0, Column: 1}}},
		}, 3, 4096)
	require.NoError(t, err)

	ctx := newTestContext(t)
	out, err := op.Execute(ctx)
	require.NoError(t, err)
	got := drain(t, out)

	require.Len(t, got, 1)
	cnt, err := got[0][0].AsInt()
	require.NoError(t, err)
	require.Equal(t, int64(0), cnt)
	require.True(t, got[0][1].IsNull())
}
