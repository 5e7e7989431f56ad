package executor

import (
	"fmt"

	"github.com/relational-db/queryexec/internal/metadata"
	"github.com/relational-db/queryexec/internal/valexpr"
	"github.com/relational-db/queryexec/internal/value"
)

// BlockNestedLoopJoinOp buffers the outer (left) side in memory-budgeted
// blocks and streams the inner (right) side once per outer block,
// re-driving the inner child's Execute for every block.
type BlockNestedLoopJoinOp struct {
	cache
	outer, inner Pop
	pred         valexpr.Expr
	numBlocks    int
	blockSize    int
}

// NewBlockNestedLoopJoinOp constructs a BNLJ over outer/inner with a
// general join predicate.
func NewBlockNestedLoopJoinOp(outer, inner Pop, pred valexpr.Expr, numBlocks, blockSize int) *BlockNestedLoopJoinOp {
	return &BlockNestedLoopJoinOp{outer: outer, inner: inner, pred: pred, numBlocks: numBlocks, blockSize: blockSize}
}

func (j *BlockNestedLoopJoinOp) Children() []Pop          { return []Pop{j.outer, j.inner} }
func (j *BlockNestedLoopJoinOp) MemoryBlocksRequired() int { return j.numBlocks }
func (j *BlockNestedLoopJoinOp) VoidCachedProps()          { j.cache.void() }
func (j *BlockNestedLoopJoinOp) Pstr(indent int) string {
	return pstr(indent, fmt.Sprintf("BlockNestedLoopJoin(B=%d)", j.numBlocks), j.outer, j.inner)
}

func (j *BlockNestedLoopJoinOp) Compiled() (*CompiledProps, error) {
	return j.cache.getCompiled(func() (*CompiledProps, error) {
		oc, err := j.outer.Compiled()
		if err != nil {
			return nil, newCompileError("BlockNestedLoopJoinOp", err, "compiling outer child")
		}
		ic, err := j.inner.Compiled()
		if err != nil {
			return nil, newCompileError("BlockNestedLoopJoinOp", err, "compiling inner child")
		}
		schemas := []valexpr.Schema{{Columns: oc.OutputSchema}, {Columns: ic.OutputSchema}}
		if _, t, err := j.pred.Compile(schemas); err != nil {
			return nil, newCompileError("BlockNestedLoopJoinOp", err, "compiling join predicate")
		} else if t != value.Boolean {
			return nil, newCompileError("BlockNestedLoopJoinOp", nil, "join predicate must be BOOLEAN, got %v", t)
		}
		outSchema := append(append([]valexpr.ColumnDef{}, oc.OutputSchema...), ic.OutputSchema...)
		width := len(oc.OutputSchema)
		lineage := metadata.NewLineage(len(outSchema))
		for i := range oc.OutputLineage {
			lineage[i] = oc.OutputLineage[i]
		}
		for i := range ic.OutputLineage {
			lineage[width+i] = ic.OutputLineage[i]
		}
		return &CompiledProps{OutputSchema: outSchema, OutputLineage: lineage}, nil
	})
}

func (j *BlockNestedLoopJoinOp) Estimated() (*EstimatedProps, error) {
	return j.cache.getEstimated(func() (*EstimatedProps, error) {
		oe, err := j.outer.Estimated()
		if err != nil {
			return nil, err
		}
		ie, err := j.inner.Estimated()
		if err != nil {
			return nil, err
		}
		outerBlocks := maxInt64(oe.Blocks.Overall, 1)
		numOuterPasses := (outerBlocks + int64(j.numBlocks) - 1) / int64(j.numBlocks)
		reads := outerBlocks + numOuterPasses*ie.Blocks.Overall
		return &EstimatedProps{
			RowCount: oe.RowCount * ie.RowCount / 10,
			Blocks:   StatsInBlocks{SelfReads: reads, Overall: oe.Blocks.Overall + ie.Blocks.Overall + reads},
		}, nil
	})
}

func (j *BlockNestedLoopJoinOp) Execute(ctx *StatementContext) (RowSource, error) {
	compiled, err := j.outer.Compiled()
	if err != nil {
		return nil, err
	}
	innerCompiled, err := j.inner.Compiled()
	if err != nil {
		return nil, err
	}
	schemas := []valexpr.Schema{{Columns: compiled.OutputSchema}, {Columns: innerCompiled.OutputSchema}}
	predFn, _, err := j.pred.Compile(schemas)
	if err != nil {
		return nil, newCompileError("BlockNestedLoopJoinOp", err, "compiling join predicate")
	}
	outerSrc, err := j.outer.Execute(ctx)
	if err != nil {
		return nil, err
	}
	reader := NewBufferedReader("BlockNestedLoopJoinOp", outerSrc, j.numBlocks, j.blockSize)
	return &bnljSource{j: j, ctx: ctx, reader: reader, predFn: predFn}, nil
}

type bnljSource struct {
	j      *BlockNestedLoopJoinOp
	ctx    *StatementContext
	reader *BufferedReader
	predFn valexpr.Fn

	block     []value.Row
	haveInner bool
	innerSrc  RowSource
	innerRow  value.Row
	outerIdx  int
}

// Next drives one inner Execute per buffered outer block (spec §4.7:
// "buffers the outer side in blocks, streams inner per outer block"):
// for each block, one inner scan is streamed once, and every inner row
// is cross-joined against every row already buffered in that block.
func (s *bnljSource) Next() (value.Row, bool, error) {
	for {
		if !s.haveInner {
			if len(s.block) == 0 {
				batch, ok, err := s.reader.NextBuffer()
				if err != nil {
					return nil, false, err
				}
				if !ok {
					return nil, false, nil
				}
				s.block = batch
			}
			src, err := s.j.inner.Execute(s.ctx)
			if err != nil {
				return nil, false, err
			}
			s.innerSrc = src
			s.haveInner = true
			// Force the branch below to pull a fresh inner row before
			// cross-joining against this (possibly differently sized) block.
			s.outerIdx = len(s.block)
		}
		if s.outerIdx >= len(s.block) {
			row, ok, err := s.innerSrc.Next()
			if err != nil {
				return nil, false, err
			}
			if !ok {
				s.innerSrc.Close()
				s.innerSrc = nil
				s.haveInner = false
				s.block = nil
				continue
			}
			s.innerRow = row
			s.outerIdx = 0
		}
		outerRow := s.block[s.outerIdx]
		s.outerIdx++
		v, err := s.predFn(valexpr.Env{outerRow, s.innerRow})
		if err != nil {
			return nil, false, newExecError("BlockNestedLoopJoinOp", err, "evaluating join predicate")
		}
		if v.IsNull() {
			continue
		}
		if b, _ := v.AsBool(); b {
			return value.Concat(outerRow, s.innerRow), true, nil
		}
	}
}

func (s *bnljSource) Close() error {
	if s.innerSrc != nil {
		s.innerSrc.Close()
	}
	return s.reader.Close()
}
