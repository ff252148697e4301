package tokenizer

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"unicode"

	lru "github.com/hashicorp/golang-lru"
	"github.com/wbrown/realm_prep/types"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const WORDPIECE_LRU_SZ = 65536
const maxInputCharsPerWord = 100

// WordPiece is a BERT-style tokenizer: basic whitespace/punctuation
// splitting followed by greedy longest-match-first subword lookup.
type WordPiece struct {
	*Vocab
	name       string
	lowerCase  bool
	unk        types.Token
	neverSplit map[string]bool
	cache      *lru.ARCCache
	LruHits    atomic.Int64
	LruMisses  atomic.Int64
}

// NewWordPieceFromFile loads a `vocab.txt` (one token per line, line number
// is the id).
func NewWordPieceFromFile(path string, lowerCase bool) (*WordPiece, error) {
	vocabFile, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer vocabFile.Close()
	return NewWordPiece(path, vocabFile, lowerCase)
}

// NewWordPiece reads a vocabulary from r. Missing [UNK], [CLS], [SEP],
// [MASK] or [PAD] entries are a configuration error.
func NewWordPiece(name string, r io.Reader, lowerCase bool) (*WordPiece,
	error) {
	tokens := make([]string, 0, 32768)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		tokens = append(tokens, strings.TrimRight(scanner.Text(), "\r\n"))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	vocab := NewVocab(tokens)
	vocab.ResolveSpecials(BertSpecialNames)
	if err := vocab.specials.Require(CLS, SEP, Mask, Pad); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	unk, ok := vocab.ids["[UNK]"]
	if !ok {
		return nil, fmt.Errorf("%s: %w: unk", name, ErrMissingSpecial)
	}
	cache, _ := lru.NewARC(WORDPIECE_LRU_SZ)
	neverSplit := make(map[string]bool)
	for _, names := range BertSpecialNames {
		for _, special := range names {
			if _, ok := vocab.ids[special]; ok {
				neverSplit[special] = true
			}
		}
	}
	neverSplit["[UNK]"] = true
	return &WordPiece{
		Vocab:      vocab,
		name:       name,
		lowerCase:  lowerCase,
		unk:        unk,
		neverSplit: neverSplit,
		cache:      cache,
	}, nil
}

func (wp *WordPiece) Name() string { return wp.name }

// Tokenize splits text into words and each word into vocabulary pieces.
func (wp *WordPiece) Tokenize(text string) types.Tokens {
	encoded := make(types.Tokens, 0, len(text)/4+1)
	for _, word := range wp.basicTokenize(text) {
		encoded = append(encoded, wp.wordPieces(word)...)
	}
	return encoded
}

// Detokenize joins pieces with spaces and glues `##` continuations.
func (wp *WordPiece) Detokenize(tokens types.Tokens) string {
	pieces := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if piece, ok := wp.IDToToken(tok); ok {
			pieces = append(pieces, piece)
		}
	}
	joined := strings.Join(pieces, " ")
	return strings.TrimSpace(strings.ReplaceAll(joined, " ##", ""))
}

func (wp *WordPiece) wordPieces(word string) types.Tokens {
	if cached, ok := wp.cache.Get(word); ok {
		wp.LruHits.Add(1)
		return cached.(types.Tokens)
	}
	wp.LruMisses.Add(1)
	pieces := wp.greedyPieces(word)
	wp.cache.Add(word, pieces)
	return pieces
}

func (wp *WordPiece) greedyPieces(word string) types.Tokens {
	if id, ok := wp.ids[word]; ok && wp.neverSplit[word] {
		return types.Tokens{id}
	}
	chars := []rune(word)
	if len(chars) > maxInputCharsPerWord {
		return types.Tokens{wp.unk}
	}
	pieces := make(types.Tokens, 0, 4)
	start := 0
	for start < len(chars) {
		end := len(chars)
		found := false
		var piece types.Token
		for start < end {
			substr := string(chars[start:end])
			if start > 0 {
				substr = "##" + substr
			}
			if id, ok := wp.ids[substr]; ok {
				piece = id
				found = true
				break
			}
			end--
		}
		if !found {
			return types.Tokens{wp.unk}
		}
		pieces = append(pieces, piece)
		start = end
	}
	return pieces
}

var accentStripper = runes.Remove(runes.In(unicode.Mn))

func stripAccents(text string) string {
	t := transform.Chain(norm.NFD, accentStripper, norm.NFC)
	stripped, _, err := transform.String(t, text)
	if err != nil {
		return text
	}
	return stripped
}

func isPunctuation(r rune) bool {
	if (r >= 33 && r <= 47) || (r >= 58 && r <= 64) ||
		(r >= 91 && r <= 96) || (r >= 123 && r <= 126) {
		return true
	}
	return unicode.IsPunct(r)
}

func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r) || unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r) || unicode.Is(unicode.Hangul, r)
}

// basicTokenize cleans text and splits it on whitespace, punctuation and
// CJK characters. Special token strings pass through untouched.
func (wp *WordPiece) basicTokenize(text string) []string {
	words := make([]string, 0, len(text)/4+1)
	for _, field := range strings.Fields(text) {
		if wp.neverSplit[field] {
			words = append(words, field)
			continue
		}
		if wp.lowerCase {
			field = stripAccents(strings.ToLower(field))
		}
		current := make([]rune, 0, len(field))
		flush := func() {
			if len(current) > 0 {
				words = append(words, string(current))
				current = current[:0]
			}
		}
		for _, r := range field {
			switch {
			case r == 0 || r == unicode.ReplacementChar ||
				(unicode.IsControl(r) && !unicode.IsSpace(r)):
				continue
			case isPunctuation(r) || isCJK(r):
				flush()
				words = append(words, string(r))
			default:
				current = append(current, r)
			}
		}
		flush()
	}
	return words
}
