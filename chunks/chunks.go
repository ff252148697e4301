// Package chunks serves fixed-length token chunks out of several indexed
// datasets, and re-serves them under a second tokenizer in an order that
// groups chunks of similar length into the same micro-batch.
package chunks

import (
	"errors"
	"fmt"

	"github.com/wbrown/realm_prep/indexed"
	"github.com/wbrown/realm_prep/types"
)

var (
	ErrOffsets      = errors.New("chunks: invalid dataset offsets")
	ErrChunkTooLong = errors.New("chunks: chunk longer than max chunk length")
)

// ChunkEntry locates one chunk: tokens [Start, End) of sequence DocID in
// its dataset. SecondaryLen is the chunk's length under the re-tokenizing
// tokenizer, filled in by SecondaryLengths.
type ChunkEntry struct {
	DocID        int64
	Start        int64
	End          int64
	SecondaryLen int64
}

func (entry ChunkEntry) Len() int { return int(entry.End - entry.Start) }

// Chunk is a resolved ChunkEntry with the dataset it belongs to.
type Chunk struct {
	DatasetID int
	DocID     int
	Start     int64
	End       int64
}

// ChunkDataset maps a global chunk id to tokens. Chunks
// [offsets[i], offsets[i+1]) of the index belong to datasets[i].
type ChunkDataset struct {
	datasets    []indexed.Reader
	offsets     []int
	index       []ChunkEntry
	datasetIDs  []int32
	maxChunkLen int
	eod         types.Token
}

func NewChunkDataset(datasets []indexed.Reader, offsets []int,
	index []ChunkEntry, maxChunkLen int, eod types.Token) (*ChunkDataset,
	error) {
	if len(offsets) != len(datasets)+1 {
		return nil, fmt.Errorf("%w: %d offsets for %d datasets", ErrOffsets,
			len(offsets), len(datasets))
	}
	if offsets[0] != 0 {
		return nil, fmt.Errorf("%w: first offset is %d", ErrOffsets,
			offsets[0])
	}
	for idx := 1; idx < len(offsets); idx++ {
		if offsets[idx] < offsets[idx-1] {
			return nil, fmt.Errorf("%w: offset %d decreases (%d < %d)",
				ErrOffsets, idx, offsets[idx], offsets[idx-1])
		}
	}
	if last := offsets[len(offsets)-1]; last != len(index) {
		return nil, fmt.Errorf("%w: last offset %d, index has %d chunks",
			ErrOffsets, last, len(index))
	}
	if maxChunkLen <= 0 {
		return nil, fmt.Errorf("chunks: max chunk length %d", maxChunkLen)
	}
	datasetIDs := make([]int32, len(index))
	for ds := 0; ds < len(datasets); ds++ {
		for chunk := offsets[ds]; chunk < offsets[ds+1]; chunk++ {
			datasetIDs[chunk] = int32(ds)
		}
	}
	return &ChunkDataset{
		datasets:    datasets,
		offsets:     offsets,
		index:       index,
		datasetIDs:  datasetIDs,
		maxChunkLen: maxChunkLen,
		eod:         eod,
	}, nil
}

func (ds *ChunkDataset) Len() int            { return len(ds.index) }
func (ds *ChunkDataset) MaxChunkLen() int    { return ds.maxChunkLen }
func (ds *ChunkDataset) EOD() types.Token    { return ds.eod }
func (ds *ChunkDataset) Index() []ChunkEntry { return ds.index }

func (ds *ChunkDataset) checkID(chunkID int) error {
	if chunkID < 0 || chunkID >= len(ds.index) {
		return fmt.Errorf("%w: chunk %d of %d", indexed.ErrOutOfRange,
			chunkID, len(ds.index))
	}
	return nil
}

// Chunk returns the location of chunkID.
func (ds *ChunkDataset) Chunk(chunkID int) (Chunk, error) {
	if err := ds.checkID(chunkID); err != nil {
		return Chunk{}, err
	}
	entry := ds.index[chunkID]
	return Chunk{
		DatasetID: int(ds.datasetIDs[chunkID]),
		DocID:     int(entry.DocID),
		Start:     entry.Start,
		End:       entry.End,
	}, nil
}

// Resolve reads chunkID and right-pads it with EOD to the max chunk length.
func (ds *ChunkDataset) Resolve(chunkID int) (datasetID, docID int,
	tokens types.Tokens, err error) {
	chunk, err := ds.Chunk(chunkID)
	if err != nil {
		return 0, 0, nil, err
	}
	length := int(chunk.End - chunk.Start)
	if length > ds.maxChunkLen || length < 0 {
		return 0, 0, nil, fmt.Errorf("%w: chunk %d has %d tokens, max %d",
			ErrChunkTooLong, chunkID, length, ds.maxChunkLen)
	}
	raw, err := ds.datasets[chunk.DatasetID].GetRange(chunk.DocID,
		int(chunk.Start), length)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("chunk %d: %w", chunkID, err)
	}
	tokens = make(types.Tokens, ds.maxChunkLen)
	copy(tokens, raw)
	for idx := length; idx < ds.maxChunkLen; idx++ {
		tokens[idx] = ds.eod
	}
	return chunk.DatasetID, chunk.DocID, tokens, nil
}
