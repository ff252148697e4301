// Package realm_prep builds training samples for retrieval-augmented
// language model pretraining from sentence-indexed corpora.
//
// A corpus is an indexed.Reader whose sequences are sentences grouped into
// documents. The mapping package enumerates blocks of sentences once per
// configuration; the datasets here turn each block into a fixed-length
// sample on demand. Every sample is a pure function of the dataset seed and
// the sample index, so samples may be produced concurrently and in any
// order.
package realm_prep

import (
	"fmt"

	"github.com/wbrown/realm_prep/indexed"
	"github.com/wbrown/realm_prep/mapping"
	"github.com/wbrown/realm_prep/types"
)

// readBlock returns sentences [start, end) of reader.
func readBlock(reader indexed.Reader, start, end uint64) ([]types.Tokens,
	error) {
	block := make([]types.Tokens, 0, end-start)
	for idx := start; idx < end; idx++ {
		sent, err := reader.Get(int(idx))
		if err != nil {
			return nil, fmt.Errorf("sentence %d: %w", idx, err)
		}
		block = append(block, sent)
	}
	return block, nil
}

// loadMapping builds the samples mapping, going through the on-disk cache
// when the corpus has a prefix or a cache directory is given.
func loadMapping(blocks indexed.Reader, titles indexed.Reader,
	opts mapping.Options, cacheDir string) (*mapping.SamplesMapping, error) {
	if opts.DataPrefix == "" && cacheDir == "" {
		return mapping.Build(blocks, titles, opts)
	}
	return mapping.GetOrBuild(blocks, titles, opts, cacheDir)
}
