package indexed

import (
	"fmt"

	"github.com/wbrown/realm_prep/types"
)

// InMemory is a Reader over sequences held in memory. It is used for small
// corpora such as title sets and in tests.
type InMemory struct {
	seqs   []types.Tokens
	sizes  []int32
	docIdx []int64
}

// NewInMemory builds a Reader from documents of sequences.
func NewInMemory(docs [][]types.Tokens) *InMemory {
	mem := &InMemory{docIdx: []int64{0}}
	for _, doc := range docs {
		for _, seq := range doc {
			mem.seqs = append(mem.seqs, seq)
			mem.sizes = append(mem.sizes, int32(len(seq)))
		}
		mem.docIdx = append(mem.docIdx, int64(len(mem.seqs)))
	}
	return mem
}

// NewInMemorySequences builds a Reader where every sequence is its own
// document, the layout used by title corpora.
func NewInMemorySequences(seqs []types.Tokens) *InMemory {
	docs := make([][]types.Tokens, len(seqs))
	for i, seq := range seqs {
		docs[i] = []types.Tokens{seq}
	}
	return NewInMemory(docs)
}

func (mem *InMemory) Len() int        { return len(mem.seqs) }
func (mem *InMemory) Sizes() []int32  { return mem.sizes }
func (mem *InMemory) DocIdx() []int64 { return mem.docIdx }

func (mem *InMemory) Get(idx int) (types.Tokens, error) {
	if idx < 0 || idx >= len(mem.seqs) {
		return nil, fmt.Errorf("%w: %d of %d", ErrOutOfRange, idx,
			len(mem.seqs))
	}
	out := make(types.Tokens, len(mem.seqs[idx]))
	copy(out, mem.seqs[idx])
	return out, nil
}

func (mem *InMemory) GetRange(idx, offset, length int) (types.Tokens, error) {
	seq, err := mem.Get(idx)
	if err != nil {
		return nil, err
	}
	if offset < 0 || length < 0 || offset+length > len(seq) {
		return nil, fmt.Errorf("%w: range [%d:%d] of sequence %d with %d "+
			"tokens", ErrOutOfRange, offset, offset+length, idx, len(seq))
	}
	return seq[offset : offset+length], nil
}
