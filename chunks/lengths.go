package chunks

import (
	"context"
	"log"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/wbrown/realm_prep/tokenizer"
	"github.com/wbrown/realm_prep/types"
	"golang.org/x/sync/errgroup"
)

// Retokenize drops eod tokens, decodes the rest with source and encodes the
// text with target.
func Retokenize(tokens types.Tokens, eod types.Token,
	source, target tokenizer.Tokenizer) types.Tokens {
	text := source.Detokenize(tokens.Without(eod))
	return target.Tokenize(text)
}

const lengthsBatch = 1024

// SecondaryLengths computes every chunk's length under target, running up
// to workers re-tokenizations at once (GOMAXPROCS when workers <= 0).
func SecondaryLengths(ctx context.Context, ds *ChunkDataset,
	source, target tokenizer.Tokenizer, workers int) ([]int, error) {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	lens := make([]int, ds.Len())
	begin := time.Now()
	var done atomic.Int64

	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(workers)
	for start := 0; start < ds.Len(); start += lengthsBatch {
		start := start
		end := min(start+lengthsBatch, ds.Len())
		group.Go(func() error {
			for chunkID := start; chunkID < end; chunkID++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				_, _, tokens, err := ds.Resolve(chunkID)
				if err != nil {
					return err
				}
				lens[chunkID] = len(Retokenize(tokens, ds.eod, source,
					target))
			}
			if n := done.Add(int64(end - start)); n%(lengthsBatch*64) == 0 {
				log.Printf("Retokenized %s / %s chunks",
					humanize.Comma(n), humanize.Comma(int64(ds.Len())))
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	log.Printf("Computed %s %s lengths in %0.2fs",
		humanize.Comma(int64(len(lens))), target.Name(),
		time.Since(begin).Seconds())
	return lens, nil
}

// WithSecondaryLengths returns a copy of index with SecondaryLen set.
func WithSecondaryLengths(index []ChunkEntry, lens []int) []ChunkEntry {
	out := make([]ChunkEntry, len(index))
	copy(out, index)
	for idx := range out {
		if idx < len(lens) {
			out[idx].SecondaryLen = int64(lens[idx])
		}
	}
	return out
}

// SecondaryLens extracts the SecondaryLen column of index.
func SecondaryLens(index []ChunkEntry) []int {
	lens := make([]int, len(index))
	for idx, entry := range index {
		lens[idx] = int(entry.SecondaryLen)
	}
	return lens
}
