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

// ICTConfig configures an ICTDataset.
type ICTConfig struct {
	Blocks   indexed.Reader
	Titles   indexed.Reader
	Specials tokenizer.Specials
	Mapping  mapping.Options
	// QueryInBlockProb is the probability that the query sentence is
	// also left in its context.
	QueryInBlockProb float64
	UseTitles        bool
	CacheDir         string
}

// DefaultICTConfig is the single-epoch configuration used to embed a whole
// evidence corpus, with queries always kept in their blocks.
func DefaultICTConfig(blocks, titles indexed.Reader,
	specials tokenizer.Specials, dataPrefix string,
	maxSeqLength int) ICTConfig {
	opts := mapping.DefaultOptions()
	opts.DataPrefix = dataPrefix
	opts.MaxSeqLength = maxSeqLength
	return ICTConfig{
		Blocks:           blocks,
		Titles:           titles,
		Specials:         specials,
		Mapping:          opts,
		QueryInBlockProb: 1,
		UseTitles:        true,
	}
}

// ICTSample is an inverse cloze task pair: a pseudo-query sentence and the
// block of text it was extracted from.
type ICTSample struct {
	QueryTokens    types.Tokens
	QueryPadMask   []uint8
	ContextTokens  types.Tokens
	ContextPadMask []uint8
	BlockData      [4]int64
}

type ICTDataset struct {
	config  ICTConfig
	mapping *mapping.SamplesMapping
}

func NewICTDataset(config ICTConfig) (*ICTDataset, error) {
	if config.Blocks == nil {
		return nil, fmt.Errorf("ict dataset: blocks are required")
	}
	if config.UseTitles && config.Titles == nil {
		return nil, fmt.Errorf("ict dataset: titles are required")
	}
	if err := config.Specials.Require(tokenizer.CLS, tokenizer.SEP,
		tokenizer.Pad); err != nil {
		return nil, err
	}
	samples, err := loadMapping(config.Blocks, config.Titles, config.Mapping,
		config.CacheDir)
	if err != nil {
		return nil, err
	}
	return &ICTDataset{config: config, mapping: samples}, nil
}

func (ds *ICTDataset) Len() int { return ds.mapping.Len() }

func (ds *ICTDataset) Mapping() *mapping.SamplesMapping { return ds.mapping }

func (ds *ICTDataset) title(doc uint64) (types.Tokens, error) {
	if ds.config.Titles == nil {
		return nil, fmt.Errorf("ict dataset: no titles")
	}
	title, err := ds.config.Titles.Get(int(doc))
	if err != nil {
		return nil, fmt.Errorf("title %d: %w", doc, err)
	}
	if title == nil {
		title = types.Tokens{}
	}
	return title, nil
}

// Get builds sample idx.
func (ds *ICTDataset) Get(idx int) (*ICTSample, error) {
	if idx < 0 || idx >= ds.mapping.Len() {
		return nil, fmt.Errorf("%w: sample %d of %d", indexed.ErrOutOfRange,
			idx, ds.mapping.Len())
	}
	unit := ds.mapping.At(idx)
	var title types.Tokens
	if ds.config.UseTitles {
		var err error
		if title, err = ds.title(unit.DocIdx); err != nil {
			return nil, err
		}
	}
	block, err := readBlock(ds.config.Blocks, unit.StartIdx, unit.EndIdx)
	if err != nil {
		return nil, err
	}
	if len(block) < 2 && !ds.config.Mapping.AllowSingleSentenceBlocks &&
		ds.config.QueryInBlockProb != 1 {
		return nil, fmt.Errorf("%w: sample %d", sample.ErrBlockTooShort, idx)
	}
	split, err := sample.SplitQueryContext(block, title,
		ds.config.Mapping.MaxSeqLength, ds.config.QueryInBlockProb,
		ds.config.Specials, rng.ForSample(ds.config.Mapping.Seed, idx))
	if err != nil {
		return nil, fmt.Errorf("sample %d: %w", idx, err)
	}
	return &ICTSample{
		QueryTokens:    split.Query.Tokens,
		QueryPadMask:   split.Query.PadMask,
		ContextTokens:  split.Context.Tokens,
		ContextPadMask: split.Context.PadMask,
		BlockData:      unit.AsArray(),
	}, nil
}

// GetBlock encodes sentences [start, end) of document doc with the
// document title, for embedding the evidence corpus.
func (ds *ICTDataset) GetBlock(start, end, doc uint64) (sample.Padded,
	error) {
	block, err := readBlock(ds.config.Blocks, start, end)
	if err != nil {
		return sample.Padded{}, err
	}
	title, err := ds.title(doc)
	if err != nil {
		return sample.Padded{}, err
	}
	return sample.GetBlock(block, title, ds.config.Mapping.MaxSeqLength,
		ds.config.Specials)
}

// GetNullBlock encodes the empty block used when no evidence is retrieved.
func (ds *ICTDataset) GetNullBlock() (sample.Padded, error) {
	return sample.GetNullBlock(ds.config.Mapping.MaxSeqLength,
		ds.config.Specials)
}
