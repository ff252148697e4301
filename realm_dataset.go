package realm_prep

import (
	"fmt"

	"github.com/wbrown/realm_prep/indexed"
	"github.com/wbrown/realm_prep/mapping"
	"github.com/wbrown/realm_prep/rng"
	"github.com/wbrown/realm_prep/sample"
	"github.com/wbrown/realm_prep/tokenizer"
	"github.com/wbrown/realm_prep/types"
)

// REALMConfig configures a REALMDataset. NER and Cased are optional
// corpora aligned sentence by sentence with Blocks.
type REALMConfig struct {
	Blocks       indexed.Reader
	Titles       indexed.Reader
	NER          indexed.Reader
	Cased        indexed.Reader
	Vocab        tokenizer.Vocabulary
	CasedVocab   tokenizer.Vocabulary
	Mapping      mapping.Options
	MaskedLMProb float64
	CacheDir     string
}

// REALMSample is a masked block plus the block it was drawn from, which the
// retriever treats as the gold evidence.
type REALMSample struct {
	*sample.MaskedExample
	QueryBlockIndices []int64
}

type REALMDataset struct {
	config   REALMConfig
	mapping  *mapping.SamplesMapping
	builder  *sample.Builder
	seed     int64
	oneSents bool
}

func NewREALMDataset(config REALMConfig) (*REALMDataset, error) {
	if config.Blocks == nil || config.Vocab == nil {
		return nil, fmt.Errorf("realm dataset: blocks and vocabulary " +
			"are required")
	}
	if config.Cased != nil && config.CasedVocab == nil {
		return nil, fmt.Errorf("realm dataset: cased blocks need a " +
			"cased vocabulary")
	}
	builderConfig := sample.Config{
		MaxSeqLength:        config.Mapping.MaxSeqLength,
		MaskedLMProb:        config.MaskedLMProb,
		Specials:            config.Vocab.Specials(),
		VocabIDs:            config.Vocab.VocabIDs(),
		AllowSingleSentence: config.Mapping.AllowSingleSentenceBlocks,
	}
	if config.CasedVocab != nil {
		builderConfig.CasedSpecials = config.CasedVocab.Specials()
		builderConfig.CasedVocabIDs = config.CasedVocab.VocabIDs()
	}
	builder, err := sample.NewBuilder(builderConfig)
	if err != nil {
		return nil, err
	}
	samples, err := loadMapping(config.Blocks, config.Titles, config.Mapping,
		config.CacheDir)
	if err != nil {
		return nil, err
	}
	return &REALMDataset{
		config:   config,
		mapping:  samples,
		builder:  builder,
		seed:     config.Mapping.Seed,
		oneSents: config.Mapping.AllowSingleSentenceBlocks,
	}, nil
}

func (ds *REALMDataset) Len() int { return ds.mapping.Len() }

func (ds *REALMDataset) Mapping() *mapping.SamplesMapping { return ds.mapping }

// Get builds sample idx.
func (ds *REALMDataset) Get(idx int) (*REALMSample, error) {
	if idx < 0 || idx >= ds.mapping.Len() {
		return nil, fmt.Errorf("%w: sample %d of %d", indexed.ErrOutOfRange,
			idx, ds.mapping.Len())
	}
	unit := ds.mapping.At(idx)
	block, err := readBlock(ds.config.Blocks, unit.StartIdx, unit.EndIdx)
	if err != nil {
		return nil, err
	}
	if len(block) < 2 && !ds.oneSents {
		return nil, fmt.Errorf("%w: sample %d", sample.ErrBlockTooShort, idx)
	}
	var ner, cased []types.Tokens
	if ds.config.NER != nil {
		if ner, err = readBlock(ds.config.NER, unit.StartIdx,
			unit.EndIdx); err != nil {
			return nil, fmt.Errorf("ner: %w", err)
		}
	}
	if ds.config.Cased != nil {
		if cased, err = readBlock(ds.config.Cased, unit.StartIdx,
			unit.EndIdx); err != nil {
			return nil, fmt.Errorf("cased: %w", err)
		}
	}
	example, err := ds.builder.Build(block, ner, cased,
		rng.ForSample(ds.seed, idx))
	if err != nil {
		return nil, fmt.Errorf("sample %d: %w", idx, err)
	}
	example.BlockIdx = int64(unit.BlockIdx)
	return &REALMSample{
		MaskedExample:     example,
		QueryBlockIndices: []int64{int64(unit.BlockIdx)},
	}, nil
}
