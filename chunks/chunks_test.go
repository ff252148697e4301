package chunks

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wbrown/realm_prep/indexed"
	"github.com/wbrown/realm_prep/sample"
	"github.com/wbrown/realm_prep/tokenizer"
	"github.com/wbrown/realm_prep/types"
)

// wordTokenizer is a whitespace tokenizer over a fixed word list.
type wordTokenizer struct {
	*tokenizer.Vocab
}

func (w wordTokenizer) Name() string { return "words" }

func (w wordTokenizer) Tokenize(text string) types.Tokens {
	tokens := make(types.Tokens, 0)
	for _, word := range strings.Fields(text) {
		if id, ok := w.TokenToID(word); ok {
			tokens = append(tokens, id)
		}
	}
	return tokens
}

func (w wordTokenizer) Detokenize(tokens types.Tokens) string {
	words := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if word, ok := w.IDToToken(tok); ok {
			words = append(words, word)
		}
	}
	return strings.Join(words, " ")
}

func newSource() wordTokenizer {
	vocab := tokenizer.NewVocab([]string{"<|endoftext|>", "the", "quick",
		"brown", "fox", "jumps", "over", "lazy", "dog", "unbelievable"})
	vocab.ResolveSpecials(tokenizer.BertSpecialNames)
	return wordTokenizer{vocab}
}

const targetVocab = `[PAD]
[UNK]
[CLS]
[SEP]
[MASK]
the
quick
brown
fox
jump
##s
##ed
over
lazy
dog
.
,
cafe
un
##believ
##able
`

func newTarget(t *testing.T) *tokenizer.WordPiece {
	wp, err := tokenizer.NewWordPiece("bert-test",
		strings.NewReader(targetVocab), true)
	require.NoError(t, err)
	return wp
}

func newTestChunks(t *testing.T) *ChunkDataset {
	first := indexed.NewInMemorySequences([]types.Tokens{
		{1, 2, 3, 4},
		{5, 6, 1, 7, 8},
	})
	second := indexed.NewInMemorySequences([]types.Tokens{{9, 8}})
	index := []ChunkEntry{
		{DocID: 0, Start: 0, End: 4},
		{DocID: 1, Start: 0, End: 3},
		{DocID: 1, Start: 3, End: 5},
		{DocID: 0, Start: 0, End: 2},
	}
	ds, err := NewChunkDataset([]indexed.Reader{first, second},
		[]int{0, 3, 4}, index, 5, 0)
	require.NoError(t, err)
	return ds
}

func TestResolve(t *testing.T) {
	ds := newTestChunks(t)
	assert.Equal(t, 4, ds.Len())

	datasetID, docID, tokens, err := ds.Resolve(1)
	require.NoError(t, err)
	assert.Equal(t, 0, datasetID)
	assert.Equal(t, 1, docID)
	assert.Equal(t, types.Tokens{5, 6, 1, 0, 0}, tokens)

	datasetID, docID, tokens, err = ds.Resolve(3)
	require.NoError(t, err)
	assert.Equal(t, 1, datasetID)
	assert.Equal(t, 0, docID)
	assert.Equal(t, types.Tokens{9, 8, 0, 0, 0}, tokens)

	chunk, err := ds.Chunk(2)
	require.NoError(t, err)
	assert.Equal(t, Chunk{DatasetID: 0, DocID: 1, Start: 3, End: 5}, chunk)

	_, _, _, err = ds.Resolve(4)
	assert.ErrorIs(t, err, indexed.ErrOutOfRange)
}

func TestResolveRejectsLongChunk(t *testing.T) {
	data := indexed.NewInMemorySequences([]types.Tokens{{1, 2, 3, 4, 5, 6}})
	ds, err := NewChunkDataset([]indexed.Reader{data}, []int{0, 1},
		[]ChunkEntry{{DocID: 0, Start: 0, End: 6}}, 5, 0)
	require.NoError(t, err)
	_, _, _, err = ds.Resolve(0)
	assert.ErrorIs(t, err, ErrChunkTooLong)
}

func TestNewChunkDatasetValidatesOffsets(t *testing.T) {
	data := indexed.NewInMemorySequences([]types.Tokens{{1, 2}})
	index := []ChunkEntry{{End: 1}, {Start: 1, End: 2}}
	readers := []indexed.Reader{data, data}
	for _, offsets := range [][]int{
		{0, 2},
		{0, 2, 1},
		{0, 1, 3},
		{1, 1, 2},
	} {
		_, err := NewChunkDataset(readers, offsets, index, 4, 0)
		assert.ErrorIs(t, err, ErrOffsets, "offsets %v", offsets)
	}
	_, err := NewChunkDataset(readers, []int{0, 1, 2}, index, 4, 0)
	assert.NoError(t, err)
}

func TestSecondaryLengths(t *testing.T) {
	ds := newTestChunks(t)
	lens, err := SecondaryLengths(context.Background(), ds, newSource(),
		newTarget(t), 2)
	require.NoError(t, err)
	assert.Equal(t, []int{4, 4, 2, 4}, lens)

	index := WithSecondaryLengths(ds.Index(), lens)
	assert.Equal(t, lens, SecondaryLens(index))
	assert.Equal(t, int64(0), ds.Index()[0].SecondaryLen)
}

func TestNewPlan(t *testing.T) {
	plan, err := NewPlan([]int{5, 1, 3, 1, 9}, 2, 8)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 2, 0, 4}, plan.SampleIdxs)
	assert.Equal(t, []int{1, 5, 6}, plan.BatchMaxLens)
	assert.Equal(t, 3, plan.NumBatches())
	assert.Equal(t, 2, plan.BatchFor(4))
	assert.Equal(t, 4, plan.ChunkFor(4))
	assert.Equal(t, 5, plan.PadTarget(2))
	assert.Equal(t, 5, plan.PadTarget(3))
	assert.NoError(t, plan.Validate(5))
	assert.ErrorIs(t, plan.Validate(6), ErrPlan)

	_, err = NewPlan([]int{1}, 0, 8)
	assert.ErrorIs(t, err, ErrPlan)
	_, err = NewPlan([]int{-1}, 1, 8)
	assert.ErrorIs(t, err, ErrPlan)
}

func TestPlanCache(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plans.db")
	cache, err := OpenPlanCache(path)
	require.NoError(t, err)

	lens := make([]int, 1000)
	for idx := range lens {
		lens[idx] = (idx * 37) % 200
	}
	key := PlanKey{Corpus: "wiki", Tokenizer: "bert-large-uncased",
		MicroBatchSize: 16, MaxSeqLength: 128}
	builds := 0
	build := func() (*Plan, error) {
		builds++
		return NewPlan(lens, key.MicroBatchSize, key.MaxSeqLength)
	}

	first, hit, err := cache.GetOrBuild(key, build)
	require.NoError(t, err)
	assert.False(t, hit)
	second, hit, err := cache.GetOrBuild(key, build)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, builds)

	other := key
	other.MicroBatchSize = 32
	missing, err := cache.Get(other)
	require.NoError(t, err)
	assert.Nil(t, missing)
	require.NoError(t, cache.Close())

	cache, err = OpenPlanCache(path)
	require.NoError(t, err)
	defer cache.Close()
	reloaded, err := cache.Get(key)
	require.NoError(t, err)
	assert.Equal(t, first, reloaded)
}

func TestPlanEncodingIncompressible(t *testing.T) {
	plan := &Plan{SampleIdxs: []int{0}, BatchMaxLens: []int{1},
		MicroBatchSize: 1, MaxSeqLength: 3}
	key := PlanKey{Corpus: "c", Tokenizer: "t", MicroBatchSize: 1,
		MaxSeqLength: 3}
	data, err := encodePlan(key, plan)
	require.NoError(t, err)
	gotKey, got, err := decodePlan(data)
	require.NoError(t, err)
	assert.Equal(t, key, gotKey)
	assert.Equal(t, plan, got)

	_, _, err = decodePlan(data[:5])
	assert.ErrorIs(t, err, ErrCorruptPlan)
}

func TestBucketedChunkDataset(t *testing.T) {
	ds := newTestChunks(t)
	source, target := newSource(), newTarget(t)
	lens, err := SecondaryLengths(context.Background(), ds, source, target, 1)
	require.NoError(t, err)
	plan, err := NewPlan(lens, 2, 6)
	require.NoError(t, err)

	bucketed, err := NewBucketedChunkDataset(BucketedConfig{
		Chunks:       ds,
		Plan:         plan,
		Source:       source,
		Target:       target,
		MaskedLMProb: 0.15,
		Seed:         1234,
	})
	require.NoError(t, err)
	assert.Equal(t, 4, bucketed.Len())

	example, err := bucketed.Get(0)
	require.NoError(t, err)
	assert.Equal(t, types.Tokens{2, 13, 14, 3, 0, 0}, unmask(example))
	assert.Equal(t, []uint8{1, 1, 1, 1, 0, 0}, example.PadMask)

	example, err = bucketed.Get(2)
	require.NoError(t, err)
	assert.Equal(t, types.Tokens{2, 9, 10, 12, 5, 3}, unmask(example))

	again, err := bucketed.Get(2)
	require.NoError(t, err)
	assert.Equal(t, example, again)

	// A tighter max sequence length truncates to the batch target.
	plan, err = NewPlan(lens, 2, 5)
	require.NoError(t, err)
	bucketed, err = NewBucketedChunkDataset(BucketedConfig{
		Chunks: ds, Plan: plan, Source: source, Target: target,
		MaskedLMProb: 0.15, Seed: 1234,
	})
	require.NoError(t, err)
	example, err = bucketed.Get(2)
	require.NoError(t, err)
	assert.Equal(t, types.Tokens{2, 9, 10, 12, 3}, unmask(example))

	_, err = bucketed.Get(4)
	assert.ErrorIs(t, err, indexed.ErrOutOfRange)
}

func unmask(example *sample.MaskedExample) types.Tokens {
	out := make(types.Tokens, len(example.Tokens))
	for idx, tok := range example.Tokens {
		if example.Labels[idx] != sample.IgnoreLabel {
			out[idx] = types.Token(example.Labels[idx])
		} else {
			out[idx] = tok
		}
	}
	return out
}

func TestIndexFileRoundTrip(t *testing.T) {
	first := indexed.NewInMemorySequences([]types.Tokens{
		{1, 2, 3, 4, 5}, {6, 7},
	})
	second := indexed.NewInMemorySequences([]types.Tokens{{8, 9, 10}})
	offsets, index, err := BuildIndex([]indexed.Reader{first, second}, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 4, 6}, offsets)
	assert.Equal(t, []ChunkEntry{
		{DocID: 0, Start: 0, End: 2},
		{DocID: 0, Start: 2, End: 4},
		{DocID: 0, Start: 4, End: 5},
		{DocID: 1, Start: 0, End: 2},
		{DocID: 0, Start: 0, End: 2},
		{DocID: 0, Start: 2, End: 3},
	}, index)

	index = WithSecondaryLengths(index, []int{3, 3, 1, 2, 2, 1})
	path := filepath.Join(t.TempDir(), "chunks.idx")
	require.NoError(t, WriteIndexFile(path, 2, offsets, index))
	chunkLen, gotOffsets, gotIndex, err := ReadIndexFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, chunkLen)
	assert.Equal(t, offsets, gotOffsets)
	assert.Equal(t, index, gotIndex)

	_, err = NewChunkDataset([]indexed.Reader{first, second}, gotOffsets,
		gotIndex, 2, 0)
	assert.NoError(t, err)
}

func TestLoadOrBuildIndexRebuildsForNewChunkLen(t *testing.T) {
	datasets := []indexed.Reader{indexed.NewInMemorySequences(
		[]types.Tokens{{1, 2, 3, 4, 5}, {6, 7}})}
	path := filepath.Join(t.TempDir(), "chunks.idx")

	offsets, index, err := LoadOrBuildIndex(path, datasets, 4)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 3}, offsets)
	index = WithSecondaryLengths(index, []int{4, 1, 2})
	require.NoError(t, WriteIndexFile(path, 4, offsets, index))

	// Same chunk length keeps the stored secondary lengths.
	_, reused, err := LoadOrBuildIndex(path, datasets, 4)
	require.NoError(t, err)
	assert.Equal(t, index, reused)

	offsets, index, err = LoadOrBuildIndex(path, datasets, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 4}, offsets)
	_, err = NewChunkDataset(datasets, offsets, index, 2, 0)
	require.NoError(t, err)
	chunkLen, _, stored, err := ReadIndexFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, chunkLen)
	assert.Equal(t, index, stored)
}
