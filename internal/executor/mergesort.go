package executor

import (
	"fmt"
	"math"

	"github.com/relational-db/queryexec/internal/storage"
	"github.com/relational-db/queryexec/internal/valexpr"
	"github.com/relational-db/queryexec/internal/value"
)

// SortKey is one ORDER BY key: an expression plus ascending/descending.
type SortKey struct {
	Expr valexpr.Expr
	Asc  bool
}

// MergeSortOp is the external merge-sort operator: multi-pass, block-
// budgeted, with a separate fan-in for the final pass.
type MergeSortOp struct {
	cache
	child          Pop
	keys           []SortKey
	numBlocks      int
	numBlocksFinal int
	blockSize      int
	id             int64
}

// NewMergeSortOp constructs a merge-sort over child. numBlocksFinal
// defaults to numBlocks when <= 0. Requires numBlocks > 2 (spec §4.2).
func NewMergeSortOp(child Pop, keys []SortKey, numBlocks, numBlocksFinal, blockSize int) (*MergeSortOp, error) {
	if numBlocks <= 2 {
		return nil, newConfigError("MergeSortOp", "numBlocks must be > 2, got %d", numBlocks)
	}
	if numBlocksFinal <= 0 {
		numBlocksFinal = numBlocks
	}
	return &MergeSortOp{child: child, keys: keys, numBlocks: numBlocks, numBlocksFinal: numBlocksFinal, blockSize: blockSize}, nil
}

func (s *MergeSortOp) Children() []Pop          { return []Pop{s.child} }
func (s *MergeSortOp) MemoryBlocksRequired() int { return s.numBlocks }
func (s *MergeSortOp) VoidCachedProps()          { s.cache.void() }

func (s *MergeSortOp) Pstr(indent int) string {
	return pstr(indent, fmt.Sprintf("MergeSort(keys=%d, B=%d, Bf=%d)", len(s.keys), s.numBlocks, s.numBlocksFinal), s.child)
}

func (s *MergeSortOp) Compiled() (*CompiledProps, error) {
	return s.cache.getCompiled(func() (*CompiledProps, error) {
		childCompiled, err := s.child.Compiled()
		if err != nil {
			return nil, newCompileError("MergeSortOp", err, "compiling child")
		}
		schema := make([]valexpr.Schema, 1)
		schema[0] = valexpr.Schema{Columns: childCompiled.OutputSchema}

		var orderedColumns []int
		var orderedAsc []bool
		for _, k := range s.keys {
			in, col, ok := k.Expr.ColumnRef()
			if !ok || in != 0 {
				// A non-column sort key ends the derivable ordering
				// prefix right away.
				break
			}
			orderedColumns = append(orderedColumns, col)
			orderedAsc = append(orderedAsc, k.Asc)
		}
		if len(orderedColumns) == len(s.keys) {
			// Every sort key was a plain column: append the child's own
			// ordering columns, in the child's order, skipping any column
			// already used as a sort key; the stable sort keeps the
			// child's order among rows with equal sort keys.
			used := map[int]bool{}
			for _, c := range orderedColumns {
				used[c] = true
			}
			for i, c := range childCompiled.OrderedColumns {
				if used[c] {
					continue
				}
				if i < len(childCompiled.OrderedColumns) {
					orderedColumns = append(orderedColumns, c)
					orderedAsc = append(orderedAsc, childCompiled.OrderedAsc[i])
				}
			}
		}

		return &CompiledProps{
			OutputSchema:   childCompiled.OutputSchema,
			OutputLineage:  childCompiled.OutputLineage,
			OrderedColumns: orderedColumns,
			OrderedAsc:     orderedAsc,
			UniqueColumns:  childCompiled.UniqueColumns,
		}, nil
	})
}

func (s *MergeSortOp) Estimated() (*EstimatedProps, error) {
	return s.cache.getEstimated(func() (*EstimatedProps, error) {
		childEst, err := s.child.Estimated()
		if err != nil {
			return nil, err
		}
		blockCount := childEst.Blocks.Overall
		if blockCount == 0 {
			blockCount = 1
		}
		numPasses := numMergeSortPasses(childEst.RowCount, s.numBlocks, s.numBlocksFinal, s.blockSize)
		selfIO := blockCount * int64(maxInt(numPasses-1, 0))
		return &EstimatedProps{
			RowCount: childEst.RowCount,
			Blocks: StatsInBlocks{
				SelfReads:  selfIO,
				SelfWrites: selfIO,
				Overall:    childEst.Blocks.Overall + 2*selfIO,
			},
		}, nil
	})
}

func numMergeSortPasses(rows int64, numBlocks, numBlocksFinal, blockSize int) int {
	if rows <= 0 {
		return 1
	}
	rowsPerBlock := int64(blockSize) / 64
	if rowsPerBlock <= 0 {
		rowsPerBlock = 1
	}
	runs := int64(math.Ceil(float64(rows) / float64(rowsPerBlock*int64(numBlocks))))
	passes := 1
	for runs > int64(numBlocksFinal) {
		runs = int64(math.Ceil(float64(runs) / float64(numBlocks-1)))
		passes++
	}
	return passes
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func (s *MergeSortOp) tmpRunName(id int64, level, run int) string {
	return fmt.Sprintf(".tmp-%d-%d-%d", id, level, run)
}

// buildComparator lowers the sort keys into a single Cmp over whole rows.
func (s *MergeSortOp) buildComparator(compiled []valexpr.Fn) Cmp {
	return func(a, b value.Row) int {
		for i, fn := range compiled {
			av, _ := fn(valexpr.Env{a})
			bv, _ := fn(valexpr.Env{b})
			c := value.Compare(av, bv)
			if c == 0 {
				continue
			}
			if !s.keys[i].Asc {
				c = -c
			}
			return c
		}
		return 0
	}
}

// Execute runs the three-phase algorithm: Pass 0 run formation, merge
// passes reducing run count to numBlocksFinal, then a final streaming
// merge straight to the output.
func (s *MergeSortOp) Execute(ctx *StatementContext) (RowSource, error) {
	compiled, err := s.Compiled()
	if err != nil {
		return nil, err
	}
	childSchema := []valexpr.Schema{{Columns: compiled.OutputSchema}}
	fns := make([]valexpr.Fn, len(s.keys))
	for i, k := range s.keys {
		fn, _, err := k.Expr.Compile(childSchema)
		if err != nil {
			return nil, newCompileError("MergeSortOp", err, "compiling sort key %d", i)
		}
		fns[i] = fn
	}
	cmp := s.buildComparator(fns)

	childSrc, err := s.child.Execute(ctx)
	if err != nil {
		return nil, err
	}

	id := ctx.NextOpaqueID()
	reader := NewBufferedReader("MergeSortOp", childSrc, s.numBlocks, s.blockSize)

	var runFiles []storage.HeapFile
	var runNames []string
	level := 0
	for {
		batch, ok, err := reader.NextBuffer()
		if err != nil {
			childSrc.Close()
			return nil, err
		}
		if !ok {
			break
		}
		stableSortRows(batch, cmp)
		name := s.tmpRunName(id, level, len(runFiles))
		file, err := ctx.Storage.HeapFile(ctx.TmpTx, name, nil, true)
		if err != nil {
			childSrc.Close()
			return nil, newExecError("MergeSortOp", err, "creating run %s", name)
		}
		if err := file.Truncate(); err != nil {
			return nil, newExecError("MergeSortOp", err, "truncating run %s", name)
		}
		if err := file.BatchAppend(batch); err != nil {
			return nil, newExecError("MergeSortOp", err, "writing run %s", name)
		}
		runFiles = append(runFiles, file)
		runNames = append(runNames, name)
	}
	if err := childSrc.Close(); err != nil {
		return nil, err
	}

	Log.WithField("op", "MergeSortOp").WithField("runs", len(runFiles)).Debug("pass 0 complete")

	for len(runFiles) > s.numBlocksFinal {
		level++
		var nextFiles []storage.HeapFile
		var nextNames []string
		for i := 0; i < len(runFiles); i += s.numBlocks - 1 {
			end := i + (s.numBlocks - 1)
			if end > len(runFiles) {
				end = len(runFiles)
			}
			group := runFiles[i:end]
			sources := make([]runSource, len(group))
			for j, f := range group {
				it, err := f.IterScan()
				if err != nil {
					return nil, newExecError("MergeSortOp", err, "scanning run for merge")
				}
				sources[j] = heapFileRunSource{it: it}
			}
			merged := iterMerge("MergeSortOp", sources, cmp, false)

			name := s.tmpRunName(id, level, len(nextFiles))
			file, err := ctx.Storage.HeapFile(ctx.TmpTx, name, nil, true)
			if err != nil {
				return nil, newExecError("MergeSortOp", err, "creating merged run %s", name)
			}
			if err := file.Truncate(); err != nil {
				return nil, err
			}
			writer := NewBufferedWriter(file, 1, s.blockSize)
			for {
				row, ok, err := merged.Next()
				if err != nil {
					return nil, err
				}
				if !ok {
					break
				}
				if err := writer.Write(row); err != nil {
					return nil, err
				}
			}
			if err := writer.Flush(); err != nil {
				return nil, err
			}
			if err := merged.Close(); err != nil {
				return nil, err
			}
			nextFiles = append(nextFiles, file)
			nextNames = append(nextNames, name)
		}
		for _, name := range runNames {
			if err := ctx.Storage.DeleteHeapFile(ctx.TmpTx, name); err != nil {
				return nil, newExecError("MergeSortOp", err, "deleting consumed run %s", name)
			}
		}
		runFiles, runNames = nextFiles, nextNames
		Log.WithField("op", "MergeSortOp").WithField("level", level).WithField("runs", len(runFiles)).Debug("merge pass complete")
	}

	sources := make([]runSource, len(runFiles))
	for i, f := range runFiles {
		it, err := f.IterScan()
		if err != nil {
			return nil, newExecError("MergeSortOp", err, "scanning final run")
		}
		sources[i] = heapFileRunSource{it: it}
	}
	final := iterMerge("MergeSortOp", sources, cmp, false)
	return &deletingSource{RowSource: final, ctx: ctx, names: runNames}, nil
}
