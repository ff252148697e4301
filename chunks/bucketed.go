package chunks

import (
	"fmt"

	"github.com/wbrown/realm_prep/indexed"
	"github.com/wbrown/realm_prep/rng"
	"github.com/wbrown/realm_prep/sample"
	"github.com/wbrown/realm_prep/tokenizer"
	"github.com/wbrown/realm_prep/types"
)

// BucketedConfig configures a BucketedChunkDataset. Source decodes the
// chunk tokens and Target re-encodes them for masking.
type BucketedConfig struct {
	Chunks       *ChunkDataset
	Plan         *Plan
	Source       tokenizer.Tokenizer
	Target       tokenizer.Tokenizer
	MaskedLMProb float64
	Seed         int64
}

// BucketedChunkDataset yields masked examples of chunks re-tokenized under
// Target, in plan order, each padded to its micro-batch length.
type BucketedChunkDataset struct {
	config   BucketedConfig
	builders map[int]*sample.Builder
}

func NewBucketedChunkDataset(config BucketedConfig) (*BucketedChunkDataset,
	error) {
	if config.Chunks == nil || config.Plan == nil || config.Source == nil ||
		config.Target == nil {
		return nil, fmt.Errorf("bucketed dataset: chunks, plan and both " +
			"tokenizers are required")
	}
	if err := config.Plan.Validate(config.Chunks.Len()); err != nil {
		return nil, err
	}
	base, err := sample.NewBuilder(sample.Config{
		MaxSeqLength:        config.Plan.MaxSeqLength,
		MaskedLMProb:        config.MaskedLMProb,
		Specials:            config.Target.Specials(),
		VocabIDs:            config.Target.VocabIDs(),
		AllowSingleSentence: true,
	})
	if err != nil {
		return nil, err
	}
	// One builder per distinct batch length.
	builders := make(map[int]*sample.Builder)
	for _, n := range config.Plan.BatchMaxLens {
		if _, ok := builders[n]; ok {
			continue
		}
		if builders[n], err = base.WithMaxSeqLength(n + 2); err != nil {
			return nil, err
		}
	}
	return &BucketedChunkDataset{config: config, builders: builders}, nil
}

func (ds *BucketedChunkDataset) Len() int { return ds.config.Plan.Len() }

// Get builds the example at position sampleID of the plan order. Its rng is
// seeded from the chunk id, so a chunk is masked the same way under any
// plan.
func (ds *BucketedChunkDataset) Get(sampleID int) (*sample.MaskedExample,
	error) {
	plan := ds.config.Plan
	if sampleID < 0 || sampleID >= plan.Len() {
		return nil, fmt.Errorf("%w: sample %d of %d", indexed.ErrOutOfRange,
			sampleID, plan.Len())
	}
	chunkID := plan.ChunkFor(sampleID)
	_, _, tokens, err := ds.config.Chunks.Resolve(chunkID)
	if err != nil {
		return nil, err
	}
	ids := Retokenize(tokens, ds.config.Chunks.EOD(), ds.config.Source,
		ds.config.Target)
	target := plan.PadTarget(sampleID)
	if len(ids) > target {
		ids = ids[:target]
	}
	example, err := ds.builders[target].Build([]types.Tokens{ids}, nil, nil,
		rng.ForSample(ds.config.Seed, chunkID))
	if err != nil {
		return nil, fmt.Errorf("chunk %d: %w", chunkID, err)
	}
	return example, nil
}
