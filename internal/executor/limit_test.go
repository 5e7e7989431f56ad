package executor

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relational-db/queryexec/internal/valexpr"
	"github.com/relational-db/queryexec/internal/value"
)

func TestLimitSkipsOffsetThenTakesCount(t *testing.T) {
	schema := []valexpr.ColumnDef{col("a", value.Integer)}
	src := newSliceOp(schema, intRows([][2]int64{{1, 0}, {2, 0}, {3, 0}, {4, 0}, {5, 0}}))

	op := NewLimitOp(src, 1, 2)

	ctx := newTestContext(t)
	out, err := op.Execute(ctx)
	require.NoError(t, err)
	got := drain(t, out)

	require.Equal(t, intRows([][2]int64{{2, 0}, {3, 0}}), got)
}

func TestLimitZeroCountYieldsNoRows(t *testing.T) {
	schema := []valexpr.ColumnDef{col("a", value.Integer)}
	src := newSliceOp(schema, intRows([][2]int64{{1, 0}}))

	op := NewLimitOp(src, 0, 0)
	ctx := newTestContext(t)
	out, err := op.Execute(ctx)
	require.NoError(t, err)
	got := drain(t, out)

	require.Empty(t, got)
}
