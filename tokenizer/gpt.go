package tokenizer

import (
	"sort"

	"github.com/wbrown/gpt_bpe"
	"github.com/wbrown/realm_prep/types"
)

// GPTBPE adapts a gpt_bpe encoder to the Tokenizer interface. Its EOD
// special is the encoder's end-of-text token.
type GPTBPE struct {
	name     string
	encoder  *gpt_bpe.GPTEncoder
	ids      types.Tokens
	specials Specials
}

// NewGPTBPE resolves a gpt_bpe vocabulary id such as "gpt2-tokenizer" or a
// Hugging Face model id.
func NewGPTBPE(vocabId string) (*GPTBPE, error) {
	encoder, err := gpt_bpe.NewEncoder(vocabId)
	if err != nil {
		return nil, err
	}
	return WrapGPTEncoder(vocabId, encoder), nil
}

// WrapGPTEncoder wraps an already constructed encoder.
func WrapGPTEncoder(name string, encoder *gpt_bpe.GPTEncoder) *GPTBPE {
	ids := make(types.Tokens, 0, len(encoder.Encoder))
	for _, tok := range encoder.Encoder {
		ids = append(ids, types.Token(tok))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	bpe := &GPTBPE{name: name, encoder: encoder, ids: ids}
	bpe.specials.Set(EOD, types.Token(encoder.EosToken))
	bpe.specials.Set(Pad, types.Token(encoder.PadToken))
	return bpe
}

func (bpe *GPTBPE) Name() string           { return bpe.name }
func (bpe *GPTBPE) VocabSize() int         { return len(bpe.ids) }
func (bpe *GPTBPE) VocabIDs() types.Tokens { return bpe.ids }
func (bpe *GPTBPE) Specials() Specials     { return bpe.specials }

func (bpe *GPTBPE) IDToToken(id types.Token) (string, bool) {
	if int(id) >= len(bpe.ids) {
		return "", false
	}
	return bpe.Detokenize(types.Tokens{id}), true
}

func (bpe *GPTBPE) TokenToID(token string) (types.Token, bool) {
	if tok := bpe.encoder.Get(token); tok != nil {
		return types.Token(*tok), true
	}
	return 0, false
}

func (bpe *GPTBPE) Tokenize(text string) types.Tokens {
	encoded := bpe.encoder.Encode(&text)
	out := make(types.Tokens, len(*encoded))
	for i, tok := range *encoded {
		out[i] = types.Token(tok)
	}
	return out
}

func (bpe *GPTBPE) Detokenize(tokens types.Tokens) string {
	native := make(gpt_bpe.Tokens, len(tokens))
	for i, tok := range tokens {
		native[i] = gpt_bpe.Token(tok)
	}
	return bpe.encoder.Decode(&native)
}
