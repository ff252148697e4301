package realm_prep

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wbrown/realm_prep/indexed"
	"github.com/wbrown/realm_prep/mapping"
	"github.com/wbrown/realm_prep/tokenizer"
	"github.com/wbrown/realm_prep/types"
)

func testVocab() *tokenizer.Vocab {
	tokens := []string{"[PAD]", "[UNK]", "[CLS]", "[SEP]", "[MASK]"}
	for i := 5; i < 60; i++ {
		tokens = append(tokens, fmt.Sprintf("w%d", i))
	}
	vocab := tokenizer.NewVocab(tokens)
	vocab.ResolveSpecials(tokenizer.BertSpecialNames)
	return vocab
}

// testCorpus returns 12 documents of three to five short sentences and one
// title per document.
func testCorpus() (*indexed.InMemory, *indexed.InMemory) {
	docs := make([][]types.Tokens, 0, 12)
	titles := make([]types.Tokens, 0, 12)
	next := 5
	for d := 0; d < 12; d++ {
		doc := make([]types.Tokens, 0, 5)
		for s := 0; s < 3+d%3; s++ {
			sent := make(types.Tokens, 2+(d+s)%4)
			for i := range sent {
				sent[i] = types.Token(next)
				next = 5 + (next-4)%55
			}
			doc = append(doc, sent)
		}
		docs = append(docs, doc)
		titles = append(titles, types.Tokens{types.Token(5 + d)})
	}
	return indexed.NewInMemory(docs), indexed.NewInMemorySequences(titles)
}

func testMappingOptions() mapping.Options {
	return mapping.Options{
		Name:         "test",
		Seed:         1234,
		NumEpochs:    2,
		MaxSeqLength: 16,
	}
}

func TestREALMDataset(t *testing.T) {
	blocks, titles := testCorpus()
	vocab := testVocab()
	ds, err := NewREALMDataset(REALMConfig{
		Blocks:       blocks,
		Titles:       titles,
		Vocab:        vocab,
		Mapping:      testMappingOptions(),
		MaskedLMProb: 0.15,
	})
	require.NoError(t, err)
	require.Greater(t, ds.Len(), 0)

	cls := vocab.Specials().MustGet(tokenizer.CLS)
	for idx := 0; idx < ds.Len(); idx++ {
		s, err := ds.Get(idx)
		require.NoError(t, err)
		unit := ds.Mapping().At(idx)
		assert.Equal(t, []int64{int64(unit.BlockIdx)}, s.QueryBlockIndices)
		assert.Equal(t, int64(unit.BlockIdx), s.BlockIdx)
		assert.Equal(t, cls, s.Tokens[0])
		assert.Len(t, s.Tokens, 16)
		assert.NotEmpty(t, s.MaskedPositions)
	}

	first, err := ds.Get(3)
	require.NoError(t, err)
	again, err := ds.Get(3)
	require.NoError(t, err)
	assert.Equal(t, first, again)

	_, err = ds.Get(ds.Len())
	assert.ErrorIs(t, err, indexed.ErrOutOfRange)
}

func TestREALMDatasetUsesMappingCache(t *testing.T) {
	blocks, titles := testCorpus()
	opts := testMappingOptions()
	opts.DataPrefix = filepath.Join(t.TempDir(), "wiki")
	ds, err := NewREALMDataset(REALMConfig{
		Blocks:       blocks,
		Titles:       titles,
		Vocab:        testVocab(),
		Mapping:      opts,
		MaskedLMProb: 0.15,
	})
	require.NoError(t, err)
	assert.FileExists(t, mapping.CachePath("", opts, true))

	reloaded, err := NewREALMDataset(REALMConfig{
		Blocks:       blocks,
		Titles:       titles,
		Vocab:        testVocab(),
		Mapping:      opts,
		MaskedLMProb: 0.15,
	})
	require.NoError(t, err)
	assert.Equal(t, ds.Mapping().Units, reloaded.Mapping().Units)
}

func TestREALMDatasetCasedNeedsVocab(t *testing.T) {
	blocks, titles := testCorpus()
	_, err := NewREALMDataset(REALMConfig{
		Blocks:  blocks,
		Titles:  titles,
		Cased:   blocks,
		Vocab:   testVocab(),
		Mapping: testMappingOptions(),
	})
	assert.Error(t, err)
}

func TestICTDataset(t *testing.T) {
	blocks, titles := testCorpus()
	vocab := testVocab()
	specials := vocab.Specials()
	config := DefaultICTConfig(blocks, titles, specials, "", 16)
	config.Mapping.Seed = 99
	ds, err := NewICTDataset(config)
	require.NoError(t, err)
	require.Greater(t, ds.Len(), 0)

	cls := specials.MustGet(tokenizer.CLS)
	sep := specials.MustGet(tokenizer.SEP)
	for idx := 0; idx < ds.Len(); idx++ {
		s, err := ds.Get(idx)
		require.NoError(t, err)
		unit := ds.Mapping().At(idx)
		assert.Equal(t, unit.AsArray(), s.BlockData)
		assert.Len(t, s.QueryTokens, 16)
		assert.Len(t, s.ContextTokens, 16)

		title, err := titles.Get(int(unit.DocIdx))
		require.NoError(t, err)
		assert.Equal(t, types.Tokens{cls, title[0], sep},
			s.ContextTokens[:3])
		// The query is kept in its context.
		assert.Contains(t, s.ContextTokens, s.QueryTokens[1])
	}

	first, err := ds.Get(1)
	require.NoError(t, err)
	again, err := ds.Get(1)
	require.NoError(t, err)
	assert.Equal(t, first, again)
}

func TestICTDatasetBlocks(t *testing.T) {
	blocks, titles := testCorpus()
	specials := testVocab().Specials()
	ds, err := NewICTDataset(DefaultICTConfig(blocks, titles, specials, "",
		16))
	require.NoError(t, err)

	unit := ds.Mapping().At(0)
	padded, err := ds.GetBlock(unit.StartIdx, unit.EndIdx, unit.DocIdx)
	require.NoError(t, err)
	assert.Len(t, padded.Tokens, 16)
	assert.Equal(t, specials.MustGet(tokenizer.CLS), padded.Tokens[0])

	null, err := ds.GetNullBlock()
	require.NoError(t, err)
	assert.Equal(t, []uint8{1, 1, 1, 0}, null.PadMask[:4])

	config := DefaultICTConfig(blocks, nil, specials, "", 16)
	_, err = NewICTDataset(config)
	assert.Error(t, err)
}
