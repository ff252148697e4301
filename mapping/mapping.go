// Package mapping enumerates the blocks of a sentence-indexed corpus: runs
// of consecutive sentences from one document that fit a token budget.
// The resulting SamplesMapping is a deterministic function of its Key and is
// cached on disk so that training resumes see the exact same order.
package mapping

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/wbrown/realm_prep/indexed"
	"github.com/wbrown/realm_prep/rng"
)

var (
	ErrNoBlocks = errors.New("mapping: corpus has no eligible blocks")
	ErrBounds   = errors.New("mapping: sample unit outside document bounds")
	ErrConfig   = errors.New("mapping: invalid configuration")
)

// SampleUnit is a half-open range of corpus-global sentence indices
// [StartIdx, EndIdx) inside document DocIdx. BlockIdx numbers the block
// within one epoch, so the same block keeps its id across epochs.
type SampleUnit struct {
	StartIdx uint64
	EndIdx   uint64
	DocIdx   uint64
	BlockIdx uint64
}

// AsArray returns the unit in the column order used by the block-data
// tensors: start, end, doc, block.
func (unit SampleUnit) AsArray() [4]int64 {
	return [4]int64{int64(unit.StartIdx), int64(unit.EndIdx),
		int64(unit.DocIdx), int64(unit.BlockIdx)}
}

func (unit SampleUnit) NumSentences() int {
	return int(unit.EndIdx - unit.StartIdx)
}

// Options are the build parameters that, together with the corpus identity,
// make up the cache key.
type Options struct {
	// DataPrefix identifies the corpus and is the cache file prefix.
	DataPrefix    string
	Name          string
	Seed          int64
	NumEpochs     int
	MaxNumSamples int
	MaxSeqLength  int
	// AllowSingleSentenceBlocks keeps one-sentence blocks, including
	// truncated blocks made of a single over-long sentence.
	AllowSingleSentenceBlocks bool
}

// DefaultOptions mirrors the settings used to build a retrieval index
// mapping: one epoch, no sample cap.
func DefaultOptions() Options {
	return Options{
		Name:         "full",
		Seed:         1,
		NumEpochs:    1,
		MaxSeqLength: 288,
	}
}

// SamplesMapping is an ordered, immutable list of sample units.
type SamplesMapping struct {
	Key   Key
	Units []SampleUnit
}

func (m *SamplesMapping) Len() int { return len(m.Units) }

// At returns unit idx.
func (m *SamplesMapping) At(idx int) SampleUnit { return m.Units[idx] }

// reservedBudget returns the number of positions taken by special tokens
// and the title for doc: [CLS] block [SEP] or [CLS] title [SEP] block [SEP].
func reservedBudget(titles indexed.Reader, doc int) int {
	if titles == nil {
		return 2
	}
	return 3 + int(titles.Sizes()[doc])
}

// enumerateBlocks returns the blocks of one epoch in corpus order.
func enumerateBlocks(corpus indexed.Reader, titles indexed.Reader,
	opts Options) ([]SampleUnit, int, error) {
	docIdx := corpus.DocIdx()
	sizes := corpus.Sizes()
	numDocs := indexed.NumDocs(corpus)
	if titles != nil && len(titles.Sizes()) < numDocs {
		return nil, 0, fmt.Errorf("%w: %d titles for %d documents",
			ErrConfig, len(titles.Sizes()), numDocs)
	}
	minSentences := 2
	if opts.AllowSingleSentenceBlocks {
		minSentences = 1
	}
	blocks := make([]SampleUnit, 0, len(sizes)/4+1)
	skippedDocs := 0
	emit := func(doc int, start, end int64) {
		if int(end-start) < minSentences {
			return
		}
		blocks = append(blocks, SampleUnit{
			StartIdx: uint64(start),
			EndIdx:   uint64(end),
			DocIdx:   uint64(doc),
			BlockIdx: uint64(len(blocks)),
		})
	}

	for doc := 0; doc < numDocs; doc++ {
		docStart, docEnd := docIdx[doc], docIdx[doc+1]
		if docEnd-docStart < int64(minSentences) {
			skippedDocs++
			continue
		}
		budget := opts.MaxSeqLength - reservedBudget(titles, doc)
		if budget <= 0 {
			skippedDocs++
			continue
		}
		blockStart := docStart
		blockLen := 0
		for sent := docStart; sent < docEnd; sent++ {
			sentLen := int(sizes[sent])
			if sentLen > budget {
				emit(doc, blockStart, sent)
				if !opts.AllowSingleSentenceBlocks {
					// The rest of the document cannot be reached
					// without crossing the over-long sentence.
					if sent == docStart {
						skippedDocs++
					}
					blockStart = docEnd
					break
				}
				emit(doc, sent, sent+1)
				blockStart = sent + 1
				blockLen = 0
				continue
			}
			if blockLen+sentLen > budget {
				emit(doc, blockStart, sent)
				blockStart = sent
				blockLen = 0
			}
			blockLen += sentLen
		}
		if blockStart < docEnd {
			emit(doc, blockStart, docEnd)
		}
	}
	return blocks, skippedDocs, nil
}

// Build enumerates the blocks of corpus and lays them out over the
// requested epochs. titles may be nil, in which case no title budget is
// reserved.
func Build(corpus indexed.Reader, titles indexed.Reader,
	opts Options) (*SamplesMapping, error) {
	if opts.MaxSeqLength <= 0 {
		return nil, fmt.Errorf("%w: max sequence length %d", ErrConfig,
			opts.MaxSeqLength)
	}
	if opts.NumEpochs <= 0 && opts.MaxNumSamples <= 0 {
		return nil, fmt.Errorf("%w: need num epochs or max num samples",
			ErrConfig)
	}
	begin := time.Now()
	blocks, skipped, err := enumerateBlocks(corpus, titles, opts)
	if err != nil {
		return nil, err
	}
	if len(blocks) == 0 {
		return nil, fmt.Errorf("%w: %d documents, max seq length %d",
			ErrNoBlocks, indexed.NumDocs(corpus), opts.MaxSeqLength)
	}

	numEpochs := opts.NumEpochs
	if numEpochs <= 0 {
		numEpochs = (opts.MaxNumSamples + len(blocks) - 1) / len(blocks)
	}
	total := numEpochs * len(blocks)
	if opts.MaxNumSamples > 0 && opts.MaxNumSamples < total {
		total = opts.MaxNumSamples
	}
	units := make([]SampleUnit, 0, total)
	for epoch := 0; epoch < numEpochs && len(units) < total; epoch++ {
		perm := rng.New(uint64(opts.Seed + int64(epoch))).Perm(len(blocks))
		for _, blockIdx := range perm {
			if len(units) == total {
				break
			}
			units = append(units, blocks[blockIdx])
		}
	}

	mapping := &SamplesMapping{
		Key:   NewKey(corpus, titles, opts),
		Units: units,
	}
	log.Printf("Built %d samples from %d blocks (%d documents skipped) "+
		"over %d epochs in %0.2fs", len(units), len(blocks), skipped,
		numEpochs, time.Since(begin).Seconds())
	return mapping, nil
}

// Validate checks every unit against the corpus document boundaries.
func (m *SamplesMapping) Validate(corpus indexed.Reader) error {
	docIdx := corpus.DocIdx()
	numDocs := indexed.NumDocs(corpus)
	for idx, unit := range m.Units {
		if int(unit.DocIdx) >= numDocs {
			return fmt.Errorf("%w: unit %d names document %d of %d",
				ErrBounds, idx, unit.DocIdx, numDocs)
		}
		docStart := uint64(docIdx[unit.DocIdx])
		docEnd := uint64(docIdx[unit.DocIdx+1])
		if unit.StartIdx < docStart || unit.StartIdx >= unit.EndIdx ||
			unit.EndIdx > docEnd {
			return fmt.Errorf("%w: unit %d [%d, %d) in document %d [%d, %d)",
				ErrBounds, idx, unit.StartIdx, unit.EndIdx, unit.DocIdx,
				docStart, docEnd)
		}
	}
	return nil
}

// Stats summarizes a mapping.
type Stats struct {
	Samples          int
	UniqueBlocks     int
	MeanSentences    float64
	MaxSentences     int
	SingleSentBlocks int
}

func (m *SamplesMapping) Stats() Stats {
	stats := Stats{Samples: len(m.Units)}
	seen := make(map[uint64]bool)
	totalSentences := 0
	for _, unit := range m.Units {
		n := unit.NumSentences()
		totalSentences += n
		if n > stats.MaxSentences {
			stats.MaxSentences = n
		}
		if n == 1 {
			stats.SingleSentBlocks++
		}
		seen[unit.BlockIdx] = true
	}
	stats.UniqueBlocks = len(seen)
	if len(m.Units) > 0 {
		stats.MeanSentences = float64(totalSentences) / float64(len(m.Units))
	}
	return stats
}
