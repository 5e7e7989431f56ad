package executor

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relational-db/queryexec/internal/metadata"
	"github.com/relational-db/queryexec/internal/value"
)

func TestScanReadsHeapFileRows(t *testing.T) {
	mm := metadata.NewMapManager(&metadata.TableMetadata{
		TableName: "widgets",
		Columns: []metadata.ColumnInfo{
			{Name: "id", Type: metadata.TypeInteger},
			{Name: "name", Type: metadata.TypeVarchar},
		},
		UniqueColumns: map[int]bool{0: true},
	})

	ctx := newTestContext(t)
	heap, err := ctx.Storage.HeapFile(ctx.Tx, "widgets", nil, true)
	require.NoError(t, err)
	rows := []value.Row{
		{value.Int(1), value.Str("sprocket")},
		{value.Int(2), value.Str("gizmo")},
	}
	require.NoError(t, heap.BatchAppend(rows))

	scan := NewScanOp("widgets", "w", "widgets", mm)
	compiled, err := scan.Compiled()
	require.NoError(t, err)
	require.True(t, compiled.UniqueColumns[0])

	out, err := scan.Execute(ctx)
	require.NoError(t, err)
	got := drain(t, out)
	require.Equal(t, rows, got)
}
