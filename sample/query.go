package sample

import (
	"fmt"

	"github.com/wbrown/realm_prep/rng"
	"github.com/wbrown/realm_prep/tokenizer"
	"github.com/wbrown/realm_prep/types"
)

// Padded is a token sequence right-padded to a fixed length with its
// real/padding mask.
type Padded struct {
	Tokens  types.Tokens
	PadMask []uint8
}

// ConcatAndPad wraps tokens as `[CLS] tokens [SEP]`, or as
// `[CLS] title [SEP] tokens [SEP]` when title is non-nil, and pads with
// PAD to maxSeqLength. An empty non-nil title still gets its separators.
func ConcatAndPad(tokens types.Tokens, title types.Tokens, maxSeqLength int,
	specials tokenizer.Specials) (Padded, error) {
	if err := specials.Require(tokenizer.CLS, tokenizer.SEP,
		tokenizer.Pad); err != nil {
		return Padded{}, err
	}
	cls := specials.MustGet(tokenizer.CLS)
	sep := specials.MustGet(tokenizer.SEP)
	pad := specials.MustGet(tokenizer.Pad)

	seq := make(types.Tokens, 0, maxSeqLength)
	seq = append(seq, cls)
	if title != nil {
		seq = append(seq, title...)
		seq = append(seq, sep)
	}
	seq = append(seq, tokens...)
	seq = append(seq, sep)
	if len(seq) > maxSeqLength {
		return Padded{}, fmt.Errorf("%w: %d tokens, max %d", ErrTooLong,
			len(seq), maxSeqLength)
	}
	padded := Padded{PadMask: make([]uint8, maxSeqLength)}
	for idx := range padded.PadMask[:len(seq)] {
		padded.PadMask[idx] = 1
	}
	for len(seq) < maxSeqLength {
		seq = append(seq, pad)
	}
	padded.Tokens = seq
	return padded, nil
}

// TitlePadOffset is the number of positions a context of maxSeqLength
// loses to its wrapping tokens and title.
func TitlePadOffset(title types.Tokens) int {
	if title == nil {
		return 2
	}
	return 3 + len(title)
}

// QueryContext is a pseudo-query sentence and the context it came from.
type QueryContext struct {
	Query   Padded
	Context Padded
}

// SplitQueryContext picks one sentence of block as the query. With
// probability queryInBlockProb the sentence also stays in the context,
// otherwise it is removed from it. title may be nil.
func SplitQueryContext(block []types.Tokens, title types.Tokens,
	maxSeqLength int, queryInBlockProb float64,
	specials tokenizer.Specials, r *rng.RNG) (*QueryContext, error) {
	if len(block) == 0 {
		return nil, fmt.Errorf("%w: empty block", ErrBlockTooShort)
	}
	offset := TitlePadOffset(title)
	if maxSeqLength < offset {
		return nil, fmt.Errorf("%w: title of %d tokens leaves no room in %d",
			ErrTooLong, len(title), maxSeqLength)
	}

	queryIdx := r.IntRange(0, len(block)-1)
	query := block[queryIdx]
	context := block
	if r.Float64() >= queryInBlockProb {
		context = make([]types.Tokens, 0, len(block)-1)
		context = append(context, block[:queryIdx]...)
		context = append(context, block[queryIdx+1:]...)
	}
	if len(query) > maxSeqLength-2 {
		query = query[:maxSeqLength-2]
	}

	queryPadded, err := ConcatAndPad(query, nil, maxSeqLength, specials)
	if err != nil {
		return nil, err
	}
	contextPadded, err := ConcatAndPad(
		concatTruncate(context, maxSeqLength-offset), title, maxSeqLength,
		specials)
	if err != nil {
		return nil, err
	}
	return &QueryContext{Query: queryPadded, Context: contextPadded}, nil
}

// GetBlock encodes a retrieval block with its title and no query.
func GetBlock(block []types.Tokens, title types.Tokens, maxSeqLength int,
	specials tokenizer.Specials) (Padded, error) {
	if title == nil {
		title = types.Tokens{}
	}
	return ConcatAndPad(
		concatTruncate(block, maxSeqLength-TitlePadOffset(title)), title,
		maxSeqLength, specials)
}

// GetNullBlock encodes the empty placeholder block used when nothing was
// retrieved: `[CLS] [SEP] [SEP]` and padding.
func GetNullBlock(maxSeqLength int, specials tokenizer.Specials) (Padded,
	error) {
	return ConcatAndPad(types.Tokens{}, types.Tokens{}, maxSeqLength, specials)
}
