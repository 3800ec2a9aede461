package export

import (
	"fmt"
	"os"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-lens/internal/lens"
	"github.com/23skdu/longbow-lens/internal/logger"
	"github.com/23skdu/longbow-lens/internal/metrics"
	"github.com/23skdu/longbow-lens/internal/tokenizer"
)

// ResultSchema is the flat (layer, position) table every Arrow export
// uses. Rank and kl are nullable so runs without those artifacts still
// produce the same shape.
var ResultSchema = arrow.NewSchema([]arrow.Field{
	{Name: "layer", Type: arrow.PrimitiveTypes.Int32},
	{Name: "position", Type: arrow.PrimitiveTypes.Int32},
	{Name: "target", Type: arrow.PrimitiveTypes.Int32},
	{Name: "rank", Type: arrow.PrimitiveTypes.Int32, Nullable: true},
	{Name: "kl", Type: arrow.PrimitiveTypes.Float32, Nullable: true},
	{Name: "top_token", Type: arrow.BinaryTypes.String},
}, nil)

// BuildRecord flattens a result into one record batch with
// NumLayers*Positions rows. The caller owns the returned record and must
// Release it.
func BuildRecord(res *lens.Result, tok tokenizer.Tokenizer) arrow.Record {
	pool := memory.NewGoAllocator()
	b := array.NewRecordBuilder(pool, ResultSchema)
	defer b.Release()

	layerB := b.Field(0).(*array.Int32Builder)
	posB := b.Field(1).(*array.Int32Builder)
	targetB := b.Field(2).(*array.Int32Builder)
	rankB := b.Field(3).(*array.Int32Builder)
	klB := b.Field(4).(*array.Float32Builder)
	topB := b.Field(5).(*array.StringBuilder)

	for l := 0; l < res.NumLayers; l++ {
		for p := 0; p < res.Positions; p++ {
			layerB.Append(int32(l))
			posB.Append(int32(p))
			targetB.Append(int32(res.TargetIDs[p]))
			if res.Ranks != nil {
				rankB.Append(res.Ranks[l][p])
			} else {
				rankB.AppendNull()
			}
			if res.KL != nil {
				klB.Append(res.KL[l][p])
			} else {
				klB.AppendNull()
			}
			if top := lens.TopK(res.Logits[l][p], 1); len(top) > 0 {
				topB.Append(tok.Piece(top[0].ID))
			} else {
				topB.Append("")
			}
		}
	}
	return b.NewRecord()
}

// WriteArrowFile writes the result as a single-batch Arrow IPC file.
func WriteArrowFile(path string, res *lens.Result, tok tokenizer.Tokenizer) error {
	rec := BuildRecord(res, tok)
	defer rec.Release()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create arrow file: %w", err)
	}
	w, err := ipc.NewFileWriter(f, ipc.WithSchema(ResultSchema), ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		f.Close()
		return fmt.Errorf("arrow writer: %w", err)
	}
	if err := w.Write(rec); err != nil {
		w.Close()
		f.Close()
		return fmt.Errorf("write record batch: %w", err)
	}
	if err := w.Close(); err != nil {
		f.Close()
		return fmt.Errorf("close arrow writer: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close arrow file: %w", err)
	}

	if info, err := os.Stat(path); err == nil {
		metrics.RecordExport("arrow", int(info.Size()))
		logger.Log.Info("wrote Arrow file",
			"path", path, "bytes", info.Size(), "rows", rec.NumRows(), "run_id", res.RunID)
	}
	return nil
}
