// Package tokenizer defines the vocabulary and tokenizer handles consumed by
// the example builders, plus the concrete WordPiece, GPT-2 BPE and
// SentencePiece-vocabulary implementations.
//
// Handles are constructed explicitly and passed to whatever needs them;
// there is no process-wide tokenizer. Two tokenizers may coexist (for
// example a GPT-2 source and a WordPiece target during re-tokenization) and
// callers must not assume they share a vocabulary.
package tokenizer

import (
	"errors"
	"fmt"
	"strings"

	"github.com/wbrown/realm_prep/types"
)

var ErrMissingSpecial = errors.New("tokenizer: missing special token")

// SpecialID names a special token role.
type SpecialID uint8

const (
	CLS SpecialID = iota
	SEP
	Mask
	Pad
	EOD
	numSpecials
)

func (id SpecialID) String() string {
	switch id {
	case CLS:
		return "cls"
	case SEP:
		return "sep"
	case Mask:
		return "mask"
	case Pad:
		return "pad"
	case EOD:
		return "eod"
	}
	return fmt.Sprintf("special(%d)", uint8(id))
}

// Specials holds the ids of the special tokens a vocabulary defines.
type Specials struct {
	ids [numSpecials]types.Token
	has [numSpecials]bool
}

func (s *Specials) Set(id SpecialID, tok types.Token) {
	s.ids[id] = tok
	s.has[id] = true
}

func (s Specials) Get(id SpecialID) (types.Token, bool) {
	return s.ids[id], s.has[id]
}

// MustGet returns the id for a role that Require has already validated.
func (s Specials) MustGet(id SpecialID) types.Token {
	if !s.has[id] {
		panic(fmt.Sprintf("tokenizer: special %s not set", id))
	}
	return s.ids[id]
}

// Require returns ErrMissingSpecial naming every role in ids that is unset.
func (s Specials) Require(ids ...SpecialID) error {
	missing := make([]string, 0)
	for _, id := range ids {
		if !s.has[id] {
			missing = append(missing, id.String())
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingSpecial,
			strings.Join(missing, ", "))
	}
	return nil
}

// IsSpecial reports whether tok is one of the set special ids.
func (s Specials) IsSpecial(tok types.Token) bool {
	for id := SpecialID(0); id < numSpecials; id++ {
		if s.has[id] && s.ids[id] == tok {
			return true
		}
	}
	return false
}

// Vocabulary enumerates ids and maps them to and from their string form.
type Vocabulary interface {
	VocabSize() int
	VocabIDs() types.Tokens
	IDToToken(id types.Token) (string, bool)
	TokenToID(token string) (types.Token, bool)
	Specials() Specials
}

// Tokenizer is a Vocabulary that can also encode and decode text.
type Tokenizer interface {
	Vocabulary
	Name() string
	Tokenize(text string) types.Tokens
	Detokenize(tokens types.Tokens) string
}

// Vocab is a dense id -> token table with a reverse map.
type Vocab struct {
	tokens   []string
	ids      map[string]types.Token
	specials Specials
}

// NewVocab builds a Vocab where tokens[i] has id i. Later duplicates do not
// override the first id assigned to a string.
func NewVocab(tokens []string) *Vocab {
	vocab := &Vocab{
		tokens: tokens,
		ids:    make(map[string]types.Token, len(tokens)),
	}
	for idx, tok := range tokens {
		if _, seen := vocab.ids[tok]; !seen {
			vocab.ids[tok] = types.Token(idx)
		}
	}
	return vocab
}

// ResolveSpecials looks up each role's candidate strings in order and sets
// the first one found.
func (vocab *Vocab) ResolveSpecials(candidates map[SpecialID][]string) {
	for id, names := range candidates {
		for _, name := range names {
			if tok, ok := vocab.ids[name]; ok {
				vocab.specials.Set(id, tok)
				break
			}
		}
	}
}

func (vocab *Vocab) VocabSize() int { return len(vocab.tokens) }

func (vocab *Vocab) VocabIDs() types.Tokens {
	ids := make(types.Tokens, len(vocab.tokens))
	for i := range ids {
		ids[i] = types.Token(i)
	}
	return ids
}

func (vocab *Vocab) IDToToken(id types.Token) (string, bool) {
	if int(id) >= len(vocab.tokens) {
		return "", false
	}
	return vocab.tokens[id], true
}

func (vocab *Vocab) TokenToID(token string) (types.Token, bool) {
	id, ok := vocab.ids[token]
	return id, ok
}

func (vocab *Vocab) Specials() Specials { return vocab.specials }

// BertSpecialNames are the conventional BERT special strings.
var BertSpecialNames = map[SpecialID][]string{
	CLS:  {"[CLS]", "<cls>"},
	SEP:  {"[SEP]", "<sep>"},
	Mask: {"[MASK]", "<mask>"},
	Pad:  {"[PAD]", "<pad>"},
	EOD:  {"[EOD]", "</s>", "<|endoftext|>"},
}
