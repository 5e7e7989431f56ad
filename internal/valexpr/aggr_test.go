package valexpr

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relational-db/queryexec/internal/value"
)

func TestAggrExprIsIncrementalExcludesDistinct(t *testing.T) {
	require.True(t, AggrExpr{Kind: AggrSum}.IsIncremental())
	require.False(t, AggrExpr{Kind: AggrSum, Distinct: true}.IsIncremental())
	require.False(t, AggrExpr{Kind: AggrMedian}.IsIncremental())
}

func TestCompileAggrCountStar(t *testing.T) {
	c, typ, err := CompileAggr(AggrExpr{Kind: AggrCount}, nil)
	require.NoError(t, err)
	require.Equal(t, value.Integer, typ)

	s := c.Init()
	for _, v := range []value.Value{value.Int(1), value.Null(value.Integer), value.Int(2)} {
		var err error
		s, err = c.Add(s, v)
		require.NoError(t, err)
	}
	got, err := c.Finalize(s)
	require.NoError(t, err)
	require.Equal(t, value.Int(3), got, "COUNT(*) counts NULLs too")
}

func TestCompileAggrCountColumnSkipsNulls(t *testing.T) {
	schemas := schemaOf(ColumnDef{Name: "a", Type: value.Integer})
	c, _, err := CompileAggr(AggrExpr{Kind: AggrCount, Input: RelColumnRef{0, 0}}, schemas)
	require.NoError(t, err)

	s := c.Init()
	for _, v := range []value.Value{value.Int(1), value.Null(value.Integer), value.Int(2)} {
		s, err = c.Add(s, v)
		require.NoError(t, err)
	}
	got, err := c.Finalize(s)
	require.NoError(t, err)
	require.Equal(t, value.Int(2), got)
}

func TestCompileAggrSumFinalizesFloatEvenForIntegerInput(t *testing.T) {
	schemas := schemaOf(ColumnDef{Name: "a", Type: value.Integer})
	c, typ, err := CompileAggr(AggrExpr{Kind: AggrSum, Input: RelColumnRef{0, 0}}, schemas)
	require.NoError(t, err)
	require.Equal(t, value.Float, typ)

	s := c.Init()
	for _, v := range []value.Value{value.Int(10), value.Int(20)} {
		s, err = c.Add(s, v)
		require.NoError(t, err)
	}
	got, err := c.Finalize(s)
	require.NoError(t, err)
	require.Equal(t, value.Flt(30), got)
}

func TestCompileAggrSumNeverAddedIsNull(t *testing.T) {
	schemas := schemaOf(ColumnDef{Name: "a", Type: value.Integer})
	c, _, err := CompileAggr(AggrExpr{Kind: AggrSum, Input: RelColumnRef{0, 0}}, schemas)
	require.NoError(t, err)

	got, err := c.Finalize(c.Init())
	require.NoError(t, err)
	require.True(t, got.IsNull())
}

func TestCompileAggrAvgDividesByNonNullCount(t *testing.T) {
	schemas := schemaOf(ColumnDef{Name: "a", Type: value.Integer})
	c, _, err := CompileAggr(AggrExpr{Kind: AggrAvg, Input: RelColumnRef{0, 0}}, schemas)
	require.NoError(t, err)

	s := c.Init()
	for _, v := range []value.Value{value.Int(2), value.Null(value.Integer), value.Int(4)} {
		s, err = c.Add(s, v)
		require.NoError(t, err)
	}
	got, err := c.Finalize(s)
	require.NoError(t, err)
	require.Equal(t, value.Flt(3), got)
}

func TestCompileAggrMinMaxSkipNulls(t *testing.T) {
	schemas := schemaOf(ColumnDef{Name: "a", Type: value.Integer})
	minC, _, err := CompileAggr(AggrExpr{Kind: AggrMin, Input: RelColumnRef{0, 0}}, schemas)
	require.NoError(t, err)
	maxC, _, err := CompileAggr(AggrExpr{Kind: AggrMax, Input: RelColumnRef{0, 0}}, schemas)
	require.NoError(t, err)

	vals := []value.Value{value.Int(5), value.Null(value.Integer), value.Int(1), value.Int(9)}
	minS, maxS := minC.Init(), maxC.Init()
	for _, v := range vals {
		minS, err = minC.Add(minS, v)
		require.NoError(t, err)
		maxS, err = maxC.Add(maxS, v)
		require.NoError(t, err)
	}
	minGot, err := minC.Finalize(minS)
	require.NoError(t, err)
	require.Equal(t, value.Int(1), minGot)

	maxGot, err := maxC.Finalize(maxS)
	require.NoError(t, err)
	require.Equal(t, value.Int(9), maxGot)
}

func TestCompileAggrMedianFinalizeSortedEvenCount(t *testing.T) {
	c, typ, err := CompileAggr(AggrExpr{Kind: AggrMedian, Input: RelColumnRef{0, 0}}, schemaOf(ColumnDef{Name: "a", Type: value.Integer}))
	require.NoError(t, err)
	require.Equal(t, value.Float, typ)

	got, err := c.FinalizeSorted([]value.Value{value.Int(1), value.Int(2), value.Int(3), value.Int(4)})
	require.NoError(t, err)
	require.Equal(t, value.Flt(2.5), got)
}

func TestCompileAggrMedianFinalizeSortedOddCount(t *testing.T) {
	c, _, err := CompileAggr(AggrExpr{Kind: AggrMedian, Input: RelColumnRef{0, 0}}, schemaOf(ColumnDef{Name: "a", Type: value.Integer}))
	require.NoError(t, err)

	got, err := c.FinalizeSorted([]value.Value{value.Int(1), value.Int(2), value.Int(3)})
	require.NoError(t, err)
	require.Equal(t, value.Int(2), got)
}
