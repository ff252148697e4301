// Package sample turns blocks of token sequences into fixed-length model
// inputs: masked-LM examples and query/context pairs.
package sample

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/wbrown/realm_prep/rng"
	"github.com/wbrown/realm_prep/tokenizer"
	"github.com/wbrown/realm_prep/types"
)

var (
	ErrBlockTooShort = errors.New("sample: block has fewer than 2 sentences")
	ErrMisaligned    = errors.New("sample: auxiliary tokens not aligned " +
		"with block")
	ErrTooLong = errors.New("sample: sequence longer than max length")
	ErrConfig  = errors.New("sample: invalid configuration")
)

// IgnoreLabel marks positions that carry no masked-LM loss.
const IgnoreLabel int64 = -1

// MaskedExample is one masked-LM training input of a fixed length.
type MaskedExample struct {
	Tokens  types.Tokens
	PadMask []uint8
	// Labels holds the original id at masked positions and IgnoreLabel
	// elsewhere.
	Labels          []int64
	LossMask        []uint8
	MaskedPositions []int
	MaskedLabels    types.Tokens
	// NERMask flags entity-tagged positions; nil without an NER mask.
	NERMask  []uint8
	BlockIdx int64
}

// Config parameterizes masked example construction.
type Config struct {
	MaxSeqLength int
	MaskedLMProb float64
	Specials     tokenizer.Specials
	VocabIDs     types.Tokens
	// AllowSingleSentence accepts one-sentence blocks.
	AllowSingleSentence bool
	// CasedSpecials and CasedVocabIDs describe the vocabulary of cased
	// token variants. They are only needed when cased tokens are passed.
	CasedSpecials tokenizer.Specials
	CasedVocabIDs types.Tokens
}

// Builder builds masked examples for one validated Config. It holds no
// mutable state and may be shared between goroutines.
type Builder struct {
	config Config
	cls    types.Token
	sep    types.Token
	mask   types.Token
	pad    types.Token
	cased  bool
}

func NewBuilder(config Config) (*Builder, error) {
	if err := config.Specials.Require(tokenizer.CLS, tokenizer.SEP,
		tokenizer.Mask, tokenizer.Pad); err != nil {
		return nil, err
	}
	if len(config.VocabIDs) == 0 {
		return nil, fmt.Errorf("%w: empty vocabulary", ErrConfig)
	}
	if config.MaxSeqLength < 2 {
		return nil, fmt.Errorf("%w: max sequence length %d", ErrConfig,
			config.MaxSeqLength)
	}
	if config.MaskedLMProb < 0 || config.MaskedLMProb > 1 {
		return nil, fmt.Errorf("%w: masked lm prob %v", ErrConfig,
			config.MaskedLMProb)
	}
	builder := &Builder{
		config: config,
		cls:    config.Specials.MustGet(tokenizer.CLS),
		sep:    config.Specials.MustGet(tokenizer.SEP),
		mask:   config.Specials.MustGet(tokenizer.Mask),
		pad:    config.Specials.MustGet(tokenizer.Pad),
	}
	if len(config.CasedVocabIDs) > 0 {
		if err := config.CasedSpecials.Require(tokenizer.CLS,
			tokenizer.SEP, tokenizer.Mask, tokenizer.Pad); err != nil {
			return nil, fmt.Errorf("cased vocabulary: %w", err)
		}
		builder.cased = true
	}
	return builder, nil
}

func (builder *Builder) Config() Config { return builder.config }

// WithMaxSeqLength returns a builder that truncates and pads to n.
func (builder *Builder) WithMaxSeqLength(n int) (*Builder, error) {
	config := builder.config
	config.MaxSeqLength = n
	return NewBuilder(config)
}

// BuildMaskedExample validates config and builds one example.
func BuildMaskedExample(block []types.Tokens, config Config,
	ner []types.Tokens, cased []types.Tokens,
	r *rng.RNG) (*MaskedExample, error) {
	builder, err := NewBuilder(config)
	if err != nil {
		return nil, err
	}
	return builder.Build(block, ner, cased, r)
}

func checkAligned(block []types.Tokens, other []types.Tokens,
	what string) error {
	if other == nil {
		return nil
	}
	if len(other) != len(block) {
		return fmt.Errorf("%w: %d %s sentences for %d block sentences",
			ErrMisaligned, len(other), what, len(block))
	}
	for idx := range block {
		if len(other[idx]) != len(block[idx]) {
			return fmt.Errorf("%w: %s sentence %d has %d tokens, "+
				"block has %d", ErrMisaligned, what, idx, len(other[idx]),
				len(block[idx]))
		}
	}
	return nil
}

// concatTruncate joins sentences and keeps at most limit tokens.
func concatTruncate(sents []types.Tokens, limit int) types.Tokens {
	if limit < 0 {
		limit = 0
	}
	out := make(types.Tokens, 0, limit)
	for _, sent := range sents {
		room := limit - len(out)
		if room <= 0 {
			break
		}
		if len(sent) > room {
			sent = sent[:room]
		}
		out = append(out, sent...)
	}
	return out
}

// maskQuota is the number of positions to mask among n candidates.
func maskQuota(prob float64, n int) int {
	if n == 0 {
		return 0
	}
	quota := int(math.Round(prob * float64(n)))
	if quota < 1 {
		quota = 1
	}
	if quota > n {
		quota = n
	}
	return quota
}

// Build assembles `[CLS] block [SEP]`, truncated and padded to the max
// sequence length, and masks about MaskedLMProb of the non-special
// positions. ner and cased may be nil; when given they must match the
// block sentence by sentence.
func (builder *Builder) Build(block []types.Tokens, ner []types.Tokens,
	cased []types.Tokens, r *rng.RNG) (*MaskedExample, error) {
	if len(block) < 2 && !builder.config.AllowSingleSentence {
		return nil, fmt.Errorf("%w: got %d", ErrBlockTooShort, len(block))
	}
	if err := checkAligned(block, ner, "ner"); err != nil {
		return nil, err
	}
	if err := checkAligned(block, cased, "cased"); err != nil {
		return nil, err
	}
	if cased != nil && !builder.cased {
		return nil, fmt.Errorf("%w: cased tokens without a cased vocabulary",
			ErrConfig)
	}

	maxLen := builder.config.MaxSeqLength
	body := concatTruncate(block, maxLen-2)
	seqLen := len(body) + 2

	example := &MaskedExample{
		Tokens:   make(types.Tokens, maxLen),
		PadMask:  make([]uint8, maxLen),
		Labels:   make([]int64, maxLen),
		LossMask: make([]uint8, maxLen),
	}
	pad, mask, vocab := builder.pad, builder.mask, builder.config.VocabIDs
	var emitted types.Tokens
	if cased != nil {
		casedBody := concatTruncate(cased, maxLen-2)
		emitted = append(types.Tokens{
			builder.config.CasedSpecials.MustGet(tokenizer.CLS)},
			casedBody...)
		emitted = append(emitted,
			builder.config.CasedSpecials.MustGet(tokenizer.SEP))
		pad = builder.config.CasedSpecials.MustGet(tokenizer.Pad)
		mask = builder.config.CasedSpecials.MustGet(tokenizer.Mask)
		vocab = builder.config.CasedVocabIDs
	} else {
		emitted = append(types.Tokens{builder.cls}, body...)
		emitted = append(emitted, builder.sep)
	}
	copy(example.Tokens, emitted)
	for idx := range example.Labels {
		example.Labels[idx] = IgnoreLabel
		if idx < seqLen {
			example.PadMask[idx] = 1
		} else {
			example.Tokens[idx] = pad
		}
	}

	var entity []bool
	if ner != nil {
		nerBody := concatTruncate(ner, maxLen-2)
		example.NERMask = make([]uint8, maxLen)
		entity = make([]bool, seqLen)
		for idx, tag := range nerBody {
			if tag != 0 {
				example.NERMask[idx+1] = 1
				entity[idx+1] = true
			}
		}
	}

	// Candidate positions, offset by one for the leading CLS.
	candidates := make([]int, 0, len(body))
	for idx, tok := range body {
		if !builder.config.Specials.IsSpecial(tok) {
			candidates = append(candidates, idx+1)
		}
	}
	selected := selectPositions(candidates, entity,
		maskQuota(builder.config.MaskedLMProb, len(candidates)), r)
	sort.Ints(selected)

	example.MaskedPositions = selected
	example.MaskedLabels = make(types.Tokens, len(selected))
	for idx, pos := range selected {
		original := body[pos-1]
		example.MaskedLabels[idx] = original
		example.Labels[pos] = int64(original)
		example.LossMask[pos] = 1
		if r.Float64() < 0.8 {
			example.Tokens[pos] = mask
		} else if r.Float64() >= 0.5 {
			example.Tokens[pos] = vocab[r.Intn(len(vocab))]
		}
	}
	return example, nil
}

// selectPositions picks quota positions from candidates. Entity-tagged
// positions are drawn first, in random order; the rest of the quota is
// filled uniformly from the remaining candidates.
func selectPositions(candidates []int, entity []bool, quota int,
	r *rng.RNG) []int {
	if quota == 0 {
		return []int{}
	}
	if entity == nil {
		pool := append([]int(nil), candidates...)
		r.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
		return pool[:quota]
	}
	tagged := make([]int, 0, len(candidates))
	plain := make([]int, 0, len(candidates))
	for _, pos := range candidates {
		if entity[pos] {
			tagged = append(tagged, pos)
		} else {
			plain = append(plain, pos)
		}
	}
	r.Shuffle(len(tagged), func(i, j int) {
		tagged[i], tagged[j] = tagged[j], tagged[i]
	})
	if len(tagged) >= quota {
		return tagged[:quota]
	}
	r.Shuffle(len(plain), func(i, j int) { plain[i], plain[j] = plain[j], plain[i] })
	return append(tagged, plain[:quota-len(tagged)]...)
}
