package worker

import (
	"context"

	"github.com/ppiankov/nadag/internal/model"
)

// CellProcessor assembles the data of one grid cell.
type CellProcessor interface {
	ProcessCell(ctx context.Context, index int, bounds model.Bounds) (*model.CellOutput, error)
}

// CellJob processes one grid cell
type CellJob struct {
	Index     int
	Bounds    model.Bounds
	Processor CellProcessor
}

// Execute executes the cell job
func (j *CellJob) Execute(ctx context.Context) Result {
	out, err := j.Processor.ProcessCell(ctx, j.Index, j.Bounds)
	return &CellResult{
		Index:  j.Index,
		Bounds: j.Bounds,
		Output: out,
		Error:  err,
	}
}

// CellResult is the outcome of one cell; Output is nil when Error is set.
type CellResult struct {
	Index  int
	Bounds model.Bounds
	Output *model.CellOutput
	Error  error
}

// GetError returns the error from the cell result
func (r *CellResult) GetError() error {
	return r.Error
}

// CellRunner fans grid cells out over a worker pool
type CellRunner struct {
	processor CellProcessor
	workers   int
}

// NewCellRunner creates a runner; workers <= 1 processes cells one at a time.
func NewCellRunner(processor CellProcessor, workers int) *CellRunner {
	return &CellRunner{
		processor: processor,
		workers:   workers,
	}
}

// Run processes every cell and returns the results ordered by cell index.
func (r *CellRunner) Run(ctx context.Context, cells []model.Bounds) []*CellResult {
	if len(cells) == 0 {
		return []*CellResult{}
	}

	pool := NewPoolWithContext(ctx, r.workers)
	pool.Start()

	for i, b := range cells {
		pool.Submit(&CellJob{
			Index:     i,
			Bounds:    b,
			Processor: r.processor,
		})
	}

	results := pool.Wait()

	out := make([]*CellResult, len(cells))
	for _, res := range results {
		cr := res.(*CellResult)
		out[cr.Index] = cr
	}
	// cells never submitted because ctx ended
	for i := range out {
		if out[i] == nil {
			err := ctx.Err()
			if err == nil {
				err = context.Canceled
			}
			out[i] = &CellResult{Index: i, Bounds: cells[i], Error: err}
		}
	}

	return out
}
