package conversion

import (
	"context"
	"fmt"
	"sync"

	"rtmask/pkg/association"
	"rtmask/pkg/index"
	"rtmask/pkg/rasterize"
)

// Status summarizes the outcome of one batch pair.
type Status int

const (
	// StatusSuccess means the mask was produced without warnings
	StatusSuccess Status = iota
	// StatusWarning means the mask was produced but wanted regions were
	// missing, or contours were left open or rejected. Ignored raw regions
	// do not count.
	StatusWarning
	// StatusError means no mask was produced
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusWarning:
		return "warning"
	default:
		return "error"
	}
}

// Pair is one series/structure set conversion of a batch.
type Pair struct {
	Series        *index.ImageSeries
	StructurePath string
}

// Pairs expands index candidates into one pair per structure set.
func Pairs(candidates []index.Candidate) []Pair {
	var out []Pair
	for _, c := range candidates {
		for _, ref := range c.StructureSets {
			out = append(out, Pair{Series: c.Series, StructurePath: ref.Path})
		}
	}
	return out
}

// Outcome is the result of one batch pair. Outcomes are reported in pair
// order regardless of completion order.
type Outcome struct {
	Pair   Pair
	Status Status

	// Stage is the stage the request ended in
	Stage Stage

	Result *MaskResult
	Err    error
}

type result struct {
	index   int
	outcome Outcome
}

// Batch is a running batch conversion.
type Batch struct {
	pairs    []Pair
	cancels  []context.CancelFunc
	outcomes []Outcome
	done     chan struct{}
}

// Start converts pairs on the converter's worker pool and returns at once.
// Each pair runs under its own context derived from ctx, so one pair can be
// cancelled without affecting the others.
func (c *Converter) Start(ctx context.Context, pairs []Pair) *Batch {
	b := &Batch{
		pairs:    pairs,
		cancels:  make([]context.CancelFunc, len(pairs)),
		outcomes: make([]Outcome, len(pairs)),
		done:     make(chan struct{}),
	}
	ctxs := make([]context.Context, len(pairs))
	for i := range pairs {
		ctxs[i], b.cancels[i] = context.WithCancel(ctx)
	}

	workers := c.params.Workers
	if workers > len(pairs) {
		workers = len(pairs)
	}

	jobs := make(chan int, len(pairs))
	for i := range pairs {
		jobs <- i
	}
	close(jobs)

	resultChan := make(chan result, len(pairs))
	recorders := make([]*recorder, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		recorders[w] = c.newRecorder(w + 1)
		wg.Add(1)
		go func(rec *recorder) {
			defer wg.Done()
			for i := range jobs {
				resultChan <- result{index: i, outcome: c.convertPair(ctxs[i], i, pairs[i], rec)}
			}
		}(recorders[w])
	}

	go func() {
		wg.Wait()
		close(resultChan)
	}()

	go func() {
		defer close(b.done)
		completed := 0
		for r := range resultChan {
			b.outcomes[r.index] = r.outcome
			completed++
			if c.params.Progress != nil {
				c.params.Progress(completed, len(pairs),
					fmt.Sprintf("%s: %s", r.outcome.Pair.Series.SeriesInstanceUID, r.outcome.Status))
			}
		}
		lists := make([][]Entry, len(recorders))
		for i, rec := range recorders {
			lists[i] = rec.entries
		}
		c.params.Log.merge(lists...)
		for _, cancel := range b.cancels {
			cancel()
		}
	}()
	return b
}

// Cancel stops pair i. A pair that already finished is unaffected.
func (b *Batch) Cancel(i int) {
	if i >= 0 && i < len(b.cancels) {
		b.cancels[i]()
	}
}

// Done is closed once every pair has finished.
func (b *Batch) Done() <-chan struct{} { return b.done }

// Wait blocks until every pair has finished and returns the outcomes in
// pair order.
func (b *Batch) Wait() []Outcome {
	<-b.done
	return b.outcomes
}

// ConvertAll converts pairs and waits for the outcomes. A failing pair never
// aborts the others; the error is reserved for a converter that cannot run
// at all.
func (c *Converter) ConvertAll(ctx context.Context, pairs []Pair) ([]Outcome, error) {
	if c.params.Registry == nil {
		return nil, association.ErrNoWantedRegions
	}
	return c.Start(ctx, pairs).Wait(), nil
}

func (c *Converter) convertPair(ctx context.Context, i int, p Pair, rec *recorder) Outcome {
	rec.start(i, p.Series.SeriesInstanceUID)
	out := Outcome{Pair: p}
	if c.params.Registry == nil {
		out.Status, out.Stage, out.Err = StatusError, Failed, association.ErrNoWantedRegions
		return out
	}
	if err := ctx.Err(); err != nil {
		out.Status, out.Stage, out.Err = StatusError, Failed, err
		rec.record(Indexed, "Skipped: %v", err)
		return out
	}

	res, err := c.toMask(ctx, p.Series, p.StructurePath, rec)
	if err != nil {
		out.Status, out.Stage, out.Err = StatusError, StageOf(err), err
		return out
	}
	out.Result = res
	out.Stage = MaskReady
	out.Status = StatusSuccess
	if degraded(res) {
		out.Status = StatusWarning
	}
	return out
}

func degraded(res *MaskResult) bool {
	if len(res.Rejected) > 0 {
		return true
	}
	for _, w := range res.Warnings {
		if w.Kind != rasterize.KindIgnored {
			return true
		}
	}
	return false
}
