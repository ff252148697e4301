package mapping

import (
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wbrown/realm_prep/indexed"
	"github.com/wbrown/realm_prep/types"
)

// doc builds a document whose sentences have the given token counts.
func doc(lens ...int) []types.Tokens {
	sents := make([]types.Tokens, len(lens))
	for i, n := range lens {
		sents[i] = make(types.Tokens, n)
		for j := range sents[i] {
			sents[i][j] = types.Token(100 + j)
		}
	}
	return sents
}

func corpus(docs ...[]types.Tokens) *indexed.InMemory {
	return indexed.NewInMemory(docs)
}

func sortedUnits(units []SampleUnit) []SampleUnit {
	out := append([]SampleUnit(nil), units...)
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartIdx < out[j].StartIdx
	})
	return out
}

func testOptions(msl int) Options {
	return Options{
		DataPrefix:   "corpus",
		Name:         "test",
		Seed:         1234,
		NumEpochs:    1,
		MaxSeqLength: msl,
	}
}

func TestBuildSkipsDocumentWithOverlongSentence(t *testing.T) {
	c := corpus(doc(5, 5), doc(40), doc(3, 3, 3))
	mapping, err := Build(c, nil, testOptions(40))
	require.NoError(t, err)
	require.Equal(t, 2, mapping.Len())

	units := sortedUnits(mapping.Units)
	assert.Equal(t, uint64(0), units[0].StartIdx)
	assert.Equal(t, uint64(2), units[0].EndIdx)
	assert.Equal(t, uint64(0), units[0].DocIdx)
	assert.Equal(t, uint64(3), units[1].StartIdx)
	assert.Equal(t, uint64(6), units[1].EndIdx)
	assert.Equal(t, uint64(2), units[1].DocIdx)
	assert.NoError(t, mapping.Validate(c))
}

func TestBuildReservesTitleBudget(t *testing.T) {
	c := corpus(doc(10, 10, 10))
	titles := indexed.NewInMemorySequences([]types.Tokens{make(types.Tokens, 5)})

	// 30 - (3 + 5) leaves room for two sentences; the third is a lone
	// single-sentence block.
	mapping, err := Build(c, titles, testOptions(30))
	require.NoError(t, err)
	require.Equal(t, 1, mapping.Len())
	assert.Equal(t, SampleUnit{StartIdx: 0, EndIdx: 2}, mapping.At(0))

	opts := testOptions(30)
	opts.AllowSingleSentenceBlocks = true
	mapping, err = Build(c, titles, opts)
	require.NoError(t, err)
	require.Equal(t, 2, mapping.Len())

	// Without titles the whole document fits in 30 - 2.
	mapping, err = Build(c, nil, testOptions(32))
	require.NoError(t, err)
	require.Equal(t, 1, mapping.Len())
	assert.Equal(t, uint64(3), mapping.At(0).EndIdx)
}

func TestBuildOverlongSentenceMidDocument(t *testing.T) {
	c := corpus(doc(5, 5, 50, 5, 5))
	mapping, err := Build(c, nil, testOptions(40))
	require.NoError(t, err)
	require.Equal(t, 1, mapping.Len())
	assert.Equal(t, uint64(2), mapping.At(0).EndIdx)

	opts := testOptions(40)
	opts.AllowSingleSentenceBlocks = true
	mapping, err = Build(c, nil, opts)
	require.NoError(t, err)
	units := sortedUnits(mapping.Units)
	require.Len(t, units, 3)
	assert.Equal(t, [2]uint64{0, 2}, [2]uint64{units[0].StartIdx, units[0].EndIdx})
	assert.Equal(t, [2]uint64{2, 3}, [2]uint64{units[1].StartIdx, units[1].EndIdx})
	assert.Equal(t, [2]uint64{3, 5}, [2]uint64{units[2].StartIdx, units[2].EndIdx})
}

func TestBuildBlocksRespectBudget(t *testing.T) {
	docs := make([][]types.Tokens, 0, 20)
	for i := 0; i < 20; i++ {
		docs = append(docs, doc(4+i%7, 9, 3+i%5, 12, 6, 1+i%3))
	}
	c := corpus(docs...)
	mapping, err := Build(c, nil, testOptions(24))
	require.NoError(t, err)
	require.NoError(t, mapping.Validate(c))
	for _, unit := range mapping.Units {
		total := 0
		for s := unit.StartIdx; s < unit.EndIdx; s++ {
			total += int(c.Sizes()[s])
		}
		assert.LessOrEqual(t, total, 22)
		assert.GreaterOrEqual(t, unit.NumSentences(), 2)
	}
}

func TestBuildDeterministic(t *testing.T) {
	docs := make([][]types.Tokens, 0, 50)
	for i := 0; i < 50; i++ {
		docs = append(docs, doc(3, 3))
	}
	c := corpus(docs...)
	first, err := Build(c, nil, testOptions(16))
	require.NoError(t, err)
	second, err := Build(c, nil, testOptions(16))
	require.NoError(t, err)
	assert.Equal(t, first.Units, second.Units)

	opts := testOptions(16)
	opts.Seed++
	other, err := Build(c, nil, opts)
	require.NoError(t, err)
	assert.NotEqual(t, first.Units, other.Units)
	assert.ElementsMatch(t, first.Units, other.Units)
}

func TestBuildEpochsAndSampleCap(t *testing.T) {
	c := corpus(doc(2, 2), doc(2, 2), doc(2, 2), doc(2, 2), doc(2, 2))
	opts := testOptions(16)
	opts.NumEpochs = 2
	mapping, err := Build(c, nil, opts)
	require.NoError(t, err)
	require.Equal(t, 10, mapping.Len())
	for epoch := 0; epoch < 2; epoch++ {
		seen := map[uint64]bool{}
		for _, unit := range mapping.Units[epoch*5 : epoch*5+5] {
			seen[unit.BlockIdx] = true
		}
		assert.Len(t, seen, 5)
	}
	stats := mapping.Stats()
	assert.Equal(t, 10, stats.Samples)
	assert.Equal(t, 5, stats.UniqueBlocks)
	assert.Equal(t, 2, stats.MaxSentences)

	opts.NumEpochs = 0
	opts.MaxNumSamples = 7
	mapping, err = Build(c, nil, opts)
	require.NoError(t, err)
	assert.Equal(t, 7, mapping.Len())
}

func TestBuildNoBlocks(t *testing.T) {
	c := corpus(doc(4), doc(6))
	_, err := Build(c, nil, testOptions(40))
	assert.ErrorIs(t, err, ErrNoBlocks)

	_, err = Build(c, nil, Options{MaxSeqLength: 40})
	assert.ErrorIs(t, err, ErrConfig)
}

func TestValidateRejectsOutOfBounds(t *testing.T) {
	c := corpus(doc(2, 2), doc(2, 2))
	mapping := &SamplesMapping{Units: []SampleUnit{
		{StartIdx: 1, EndIdx: 3, DocIdx: 0},
	}}
	assert.ErrorIs(t, mapping.Validate(c), ErrBounds)
	mapping.Units[0] = SampleUnit{StartIdx: 0, EndIdx: 2, DocIdx: 9}
	assert.ErrorIs(t, mapping.Validate(c), ErrBounds)
}

func TestCachePath(t *testing.T) {
	opts := testOptions(288)
	opts.DataPrefix = "/data/wiki_sentences"
	assert.Equal(t,
		"/data/wiki_sentences_test_indexmap_1ep_0mns_288msl_1234s.map.zst",
		CachePath("", opts, false))
	opts.AllowSingleSentenceBlocks = true
	assert.Equal(t,
		"/cache/wiki_sentences_test_indexmap_1ep_0mns_288msl_1234s_1sentok.map.zst",
		CachePath("/cache", opts, false))
	assert.Equal(t,
		"/cache/wiki_sentences_test_indexmap_1ep_0mns_288msl_1234s_1sentok_titles.map.zst",
		CachePath("/cache", opts, true))
}

func TestGetOrBuildRoundTrip(t *testing.T) {
	dir := t.TempDir()
	c := corpus(doc(3, 3, 3), doc(5, 5), doc(2, 2, 2, 2))
	opts := testOptions(12)
	opts.NumEpochs = 3

	built, err := GetOrBuild(c, nil, opts, dir)
	require.NoError(t, err)
	path := CachePath(dir, opts, false)
	assert.FileExists(t, path)

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, built.Key, loaded.Key)
	assert.Equal(t, built.Units, loaded.Units)

	again, err := GetOrBuild(c, nil, opts, dir)
	require.NoError(t, err)
	assert.Equal(t, built.Units, again.Units)

	// Same file name, different corpus.
	bigger := corpus(doc(3, 3, 3), doc(5, 5), doc(2, 2, 2, 2), doc(1, 1))
	rebuilt, err := GetOrBuild(bigger, nil, opts, dir)
	require.NoError(t, err)
	fresh, err := Build(bigger, nil, opts)
	require.NoError(t, err)
	assert.Equal(t, fresh.Units, rebuilt.Units)
	stored, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, fresh.Key, stored.Key)
}

func TestGetOrBuildSeparatesTitledMappings(t *testing.T) {
	dir := t.TempDir()
	c := corpus(doc(5, 5, 5, 5))
	titles := indexed.NewInMemorySequences([]types.Tokens{
		{1, 2, 3, 4, 5, 6},
	})
	opts := testOptions(20)

	plain, err := GetOrBuild(c, nil, opts, dir)
	require.NoError(t, err)
	titled, err := GetOrBuild(c, titles, opts, dir)
	require.NoError(t, err)

	fresh, err := Build(c, titles, opts)
	require.NoError(t, err)
	assert.Equal(t, sortedUnits(fresh.Units), sortedUnits(titled.Units))
	assert.Len(t, titled.Units, 2)
	assert.Len(t, plain.Units, 1)
	assert.FileExists(t, CachePath(dir, opts, false))
	assert.FileExists(t, CachePath(dir, opts, true))

	again, err := GetOrBuild(c, titles, opts, dir)
	require.NoError(t, err)
	assert.Equal(t, titled.Units, again.Units)
}

func TestGetOrBuildRebuildsOnChangedSizes(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(12)
	before := corpus(doc(5, 5), doc(3, 3, 3))
	_, err := GetOrBuild(before, nil, opts, dir)
	require.NoError(t, err)

	// Same sequence and document counts, different lengths.
	after := corpus(doc(5, 5), doc(5, 5, 5))
	cached, err := GetOrBuild(after, nil, opts, dir)
	require.NoError(t, err)
	fresh, err := Build(after, nil, opts)
	require.NoError(t, err)
	assert.Equal(t, fresh.Units, cached.Units)
	assert.NotEqual(t, NewKey(before, nil, opts), NewKey(after, nil, opts))
}

func TestLoadRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.map.zst")
	require.NoError(t, os.WriteFile(path, []byte("not a mapping"), 0644))
	_, err := Load(path)
	assert.Error(t, err)
}
