package chunks

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/wbrown/realm_prep/indexed"
)

// Chunk index files hold the dataset offsets and the chunk entries:
//
//	magic "CHKIDX02" | chunk len uint64 | n uint64 | n+1 offsets uint64 |
//	count uint64 | count x (doc, start, end, secondary len) int64
//
// all little-endian.
const indexMagic = "CHKIDX02"

// BuildIndex cuts every sequence of every dataset into consecutive chunks
// of at most chunkLen tokens.
func BuildIndex(datasets []indexed.Reader, chunkLen int) ([]int,
	[]ChunkEntry, error) {
	if chunkLen <= 0 {
		return nil, nil, fmt.Errorf("chunks: chunk length %d", chunkLen)
	}
	offsets := make([]int, 0, len(datasets)+1)
	index := make([]ChunkEntry, 0)
	offsets = append(offsets, 0)
	for _, ds := range datasets {
		for doc, size := range ds.Sizes() {
			for start := 0; start < int(size); start += chunkLen {
				index = append(index, ChunkEntry{
					DocID: int64(doc),
					Start: int64(start),
					End:   int64(min(start+chunkLen, int(size))),
				})
			}
		}
		offsets = append(offsets, len(index))
	}
	return offsets, index, nil
}

func WriteIndexFile(path string, chunkLen int, offsets []int,
	index []ChunkEntry) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	writer := bufio.NewWriter(file)
	le := binary.LittleEndian
	buf := []byte(indexMagic)
	buf = le.AppendUint64(buf, uint64(chunkLen))
	buf = le.AppendUint64(buf, uint64(len(offsets)-1))
	for _, offset := range offsets {
		buf = le.AppendUint64(buf, uint64(offset))
	}
	buf = le.AppendUint64(buf, uint64(len(index)))
	if _, err := writer.Write(buf); err != nil {
		file.Close()
		return err
	}
	row := make([]byte, 32)
	for _, entry := range index {
		le.PutUint64(row[0:], uint64(entry.DocID))
		le.PutUint64(row[8:], uint64(entry.Start))
		le.PutUint64(row[16:], uint64(entry.End))
		le.PutUint64(row[24:], uint64(entry.SecondaryLen))
		if _, err := writer.Write(row); err != nil {
			file.Close()
			return err
		}
	}
	if err := writer.Flush(); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// ReadIndexFile returns the chunk length, offsets and entries stored at
// path.
func ReadIndexFile(path string) (int, []int, []ChunkEntry, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, nil, nil, err
	}
	defer file.Close()
	reader := bufio.NewReader(file)
	le := binary.LittleEndian

	magic := make([]byte, len(indexMagic))
	if _, err := io.ReadFull(reader, magic); err != nil {
		return 0, nil, nil, err
	}
	if string(magic) != indexMagic {
		return 0, nil, nil, fmt.Errorf("%s: not a chunk index", path)
	}
	word := make([]byte, 8)
	readU64 := func() (uint64, error) {
		if _, err := io.ReadFull(reader, word); err != nil {
			return 0, fmt.Errorf("%s: %w", path, err)
		}
		return le.Uint64(word), nil
	}
	chunkLen, err := readU64()
	if err != nil {
		return 0, nil, nil, err
	}
	numDatasets, err := readU64()
	if err != nil {
		return 0, nil, nil, err
	}
	offsets := make([]int, numDatasets+1)
	for idx := range offsets {
		offset, err := readU64()
		if err != nil {
			return 0, nil, nil, err
		}
		offsets[idx] = int(offset)
	}
	count, err := readU64()
	if err != nil {
		return 0, nil, nil, err
	}
	index := make([]ChunkEntry, count)
	row := make([]byte, 32)
	for idx := range index {
		if _, err := io.ReadFull(reader, row); err != nil {
			return 0, nil, nil, fmt.Errorf("%s: chunk %d: %w", path, idx,
				err)
		}
		index[idx] = ChunkEntry{
			DocID:        int64(le.Uint64(row[0:])),
			Start:        int64(le.Uint64(row[8:])),
			End:          int64(le.Uint64(row[16:])),
			SecondaryLen: int64(le.Uint64(row[24:])),
		}
	}
	return int(chunkLen), offsets, index, nil
}

// LoadOrBuildIndex reads the index at path when it was cut with chunkLen
// over the same number of datasets. Otherwise the index is rebuilt from
// datasets and written to path.
func LoadOrBuildIndex(path string, datasets []indexed.Reader,
	chunkLen int) ([]int, []ChunkEntry, error) {
	if _, statErr := os.Stat(path); statErr == nil {
		storedLen, offsets, index, err := ReadIndexFile(path)
		if err != nil {
			return nil, nil, err
		}
		if storedLen == chunkLen && len(offsets) == len(datasets)+1 {
			log.Printf("Read %d chunks from %s", len(index), path)
			return offsets, index, nil
		}
		log.Printf("Rebuilding %s: cut at %d tokens over %d datasets, "+
			"want %d over %d", path, storedLen, len(offsets)-1, chunkLen,
			len(datasets))
	}
	offsets, index, err := BuildIndex(datasets, chunkLen)
	if err != nil {
		return nil, nil, err
	}
	if err := WriteIndexFile(path, chunkLen, offsets, index); err != nil {
		return nil, nil, err
	}
	return offsets, index, nil
}
