package chunks

import (
	"errors"
	"fmt"
	"sort"
)

var ErrPlan = errors.New("chunks: invalid bucket plan")

// Plan orders chunks by secondary length so that each micro-batch holds
// chunks of similar length, and records the padded length of every batch.
//
// Sample i of the bucketed dataset is chunk SampleIdxs[i]; it belongs to
// batch i / MicroBatchSize, whose chunks are padded to BatchMaxLens[batch]
// plus the wrapping [CLS] and [SEP].
type Plan struct {
	SampleIdxs     []int
	BatchMaxLens   []int
	MicroBatchSize int
	MaxSeqLength   int
}

// NewPlan sorts chunk ids by lens, ascending with ties kept in chunk order,
// and cuts the order into runs of microBatchSize. A run's length is its
// longest chunk, capped at maxSeqLength - 2.
func NewPlan(lens []int, microBatchSize, maxSeqLength int) (*Plan, error) {
	if microBatchSize <= 0 {
		return nil, fmt.Errorf("%w: micro batch size %d", ErrPlan,
			microBatchSize)
	}
	if maxSeqLength < 3 {
		return nil, fmt.Errorf("%w: max sequence length %d", ErrPlan,
			maxSeqLength)
	}
	order := make([]int, len(lens))
	for idx := range order {
		if lens[idx] < 0 {
			return nil, fmt.Errorf("%w: chunk %d has length %d", ErrPlan,
				idx, lens[idx])
		}
		order[idx] = idx
	}
	sort.SliceStable(order, func(i, j int) bool {
		return lens[order[i]] < lens[order[j]]
	})

	limit := maxSeqLength - 2
	batchLens := make([]int, 0, (len(order)+microBatchSize-1)/microBatchSize)
	for start := 0; start < len(order); start += microBatchSize {
		end := min(start+microBatchSize, len(order))
		longest := 0
		for _, chunkID := range order[start:end] {
			longest = max(longest, lens[chunkID])
		}
		batchLens = append(batchLens, min(longest, limit))
	}
	return &Plan{
		SampleIdxs:     order,
		BatchMaxLens:   batchLens,
		MicroBatchSize: microBatchSize,
		MaxSeqLength:   maxSeqLength,
	}, nil
}

func (plan *Plan) Len() int { return len(plan.SampleIdxs) }

func (plan *Plan) NumBatches() int { return len(plan.BatchMaxLens) }

func (plan *Plan) BatchFor(sampleID int) int {
	return sampleID / plan.MicroBatchSize
}

func (plan *Plan) ChunkFor(sampleID int) int {
	return plan.SampleIdxs[sampleID]
}

// PadTarget is the number of content tokens sample sampleID is truncated
// and padded to.
func (plan *Plan) PadTarget(sampleID int) int {
	return plan.BatchMaxLens[plan.BatchFor(sampleID)]
}

// Validate checks that the plan is a permutation of numChunks chunk ids
// with consistent batch lengths.
func (plan *Plan) Validate(numChunks int) error {
	if len(plan.SampleIdxs) != numChunks {
		return fmt.Errorf("%w: %d samples for %d chunks", ErrPlan,
			len(plan.SampleIdxs), numChunks)
	}
	if plan.MicroBatchSize <= 0 {
		return fmt.Errorf("%w: micro batch size %d", ErrPlan,
			plan.MicroBatchSize)
	}
	wantBatches := (numChunks + plan.MicroBatchSize - 1) / plan.MicroBatchSize
	if len(plan.BatchMaxLens) != wantBatches {
		return fmt.Errorf("%w: %d batches, want %d", ErrPlan,
			len(plan.BatchMaxLens), wantBatches)
	}
	seen := make([]bool, numChunks)
	for _, chunkID := range plan.SampleIdxs {
		if chunkID < 0 || chunkID >= numChunks || seen[chunkID] {
			return fmt.Errorf("%w: chunk %d repeated or out of range",
				ErrPlan, chunkID)
		}
		seen[chunkID] = true
	}
	for batch, n := range plan.BatchMaxLens {
		if n > plan.MaxSeqLength-2 {
			return fmt.Errorf("%w: batch %d length %d exceeds %d", ErrPlan,
				batch, n, plan.MaxSeqLength-2)
		}
	}
	return nil
}
