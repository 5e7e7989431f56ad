package executor

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relational-db/queryexec/internal/value"
)

func intCmp(a, b value.Row) int { return value.Compare(a[0], b[0]) }

func TestPQueueDequeuesInAscendingOrderWithStableTiebreak(t *testing.T) {
	q := NewPQueue(intCmp)
	q.Enqueue(value.Row{value.Int(2), value.Str("run0")}, 0)
	q.Enqueue(value.Row{value.Int(1), value.Str("run1")}, 1)
	q.Enqueue(value.Row{value.Int(1), value.Str("run0")}, 0)

	require.Equal(t, 3, q.Len())
	row1, src1 := q.Dequeue()
	require.Equal(t, int64(1), mustInt(row1[0]))
	require.Equal(t, 0, src1, "earlier run wins the tie")

	row2, _ := q.Dequeue()
	require.Equal(t, int64(1), mustInt(row2[0]))

	row3, _ := q.Dequeue()
	require.Equal(t, int64(2), mustInt(row3[0]))
	require.Equal(t, 0, q.Len())
}

func mustInt(v value.Value) int64 {
	i, err := v.AsInt()
	if err != nil {
		panic(err)
	}
	return i
}

func TestBufferedReaderRespectsBudgetAndPushesBackOverflow(t *testing.T) {
	rows := intRows([][2]int64{{1, 0}, {2, 0}, {3, 0}, {4, 0}})
	src := &sliceSource{rows: rows}

	rowSize := rows[0].EstimatedSize()
	reader := NewBufferedReader("test", src, 1, rowSize*2)

	batch1, ok, err := reader.NextBuffer()
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, batch1, 2)

	batch2, ok, err := reader.NextBuffer()
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, batch2, 2)

	_, ok, err = reader.NextBuffer()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestBufferedReaderFailsOnOversizedRow(t *testing.T) {
	rows := []value.Row{{value.Str("a long enough string to overflow a tiny budget")}}
	src := &sliceSource{rows: rows}
	reader := NewBufferedReader("test", src, 1, 4)

	_, _, err := reader.NextBuffer()
	require.Error(t, err)
}

func TestExtSortBufferSortsInMemoryWithoutSpilling(t *testing.T) {
	ctx := newTestContext(t)
	buf := NewExtSortBuffer("test", ctx, intCmp, 100, 4096, false, "nospill")
	for _, r := range intRows([][2]int64{{3, 0}, {1, 0}, {2, 0}}) {
		require.NoError(t, buf.Add(r))
	}
	out, err := buf.IterAndClear()
	require.NoError(t, err)
	got := drain(t, out)
	require.Equal(t, intRows([][2]int64{{1, 0}, {2, 0}, {3, 0}}), got)
}

func TestExtSortBufferSpillsAndDedupsAcrossRuns(t *testing.T) {
	ctx := newTestContext(t)
	rowSize := value.Row{value.Int(0), value.Int(0)}.EstimatedSize()
	buf := NewExtSortBuffer("test", ctx, intCmp, 1, rowSize, true, "spill")
	for _, r := range intRows([][2]int64{{2, 0}, {1, 0}, {1, 0}, {3, 0}, {2, 0}}) {
		require.NoError(t, buf.Add(r))
	}
	out, err := buf.IterAndClear()
	require.NoError(t, err)
	got := drain(t, out)
	require.Equal(t, intRows([][2]int64{{1, 0}, {2, 0}, {3, 0}}), got)

	require.Equal(t, 0, tempFileCount(t, ctx.TmpTx))
}
