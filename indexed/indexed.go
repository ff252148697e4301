// Package indexed reads and writes the memory-mapped indexed corpus format
// (`MMIDIDX`): a `.bin` file of packed token ids and an `.idx` file holding
// per-sequence sizes, byte pointers and document boundaries.
//
// A sequence is usually one sentence. Documents are contiguous ranges of
// sequences described by DocIdx: document d spans sequences
// [DocIdx()[d], DocIdx()[d+1]).
package indexed

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/wbrown/realm_prep/types"
)

var (
	hdrMagic = []byte("MMIDIDX\x00\x00")

	ErrBadIndex   = errors.New("indexed: malformed index file")
	ErrOutOfRange = errors.New("indexed: sequence index out of range")
)

const indexVersion = uint64(1)

// Reader is random access into a tokenized corpus. Implementations are
// read-only and safe for concurrent use.
type Reader interface {
	// Len returns the number of sequences.
	Len() int
	// Get returns the tokens of sequence idx.
	Get(idx int) (types.Tokens, error)
	// GetRange returns length tokens of sequence idx starting at offset.
	GetRange(idx, offset, length int) (types.Tokens, error)
	// Sizes returns the token count of every sequence.
	Sizes() []int32
	// DocIdx returns document boundaries, len(DocIdx()) == NumDocs()+1.
	DocIdx() []int64
}

// NumDocs returns the number of documents described by r's DocIdx.
func NumDocs(r Reader) int {
	docIdx := r.DocIdx()
	if len(docIdx) == 0 {
		return 0
	}
	return len(docIdx) - 1
}

// IdxPath and BinPath derive the two file names from a corpus prefix.
func IdxPath(prefix string) string { return prefix + ".idx" }
func BinPath(prefix string) string { return prefix + ".bin" }

// Exists reports whether both files of the corpus at prefix are present.
func Exists(prefix string) bool {
	if _, err := os.Stat(IdxPath(prefix)); err != nil {
		return false
	}
	_, err := os.Stat(BinPath(prefix))
	return err == nil
}

// MMapReader is the mmap-backed Reader for an on-disk corpus.
type MMapReader struct {
	prefix   string
	dtype    types.DType
	sizes    []int32
	pointers []int64
	docIdx   []int64
	idxFile  *os.File
	binFile  *os.File
	idxData  []byte
	binData  []byte
	release  []func() error
}

// Open maps the corpus stored at prefix (without extension).
func Open(prefix string) (*MMapReader, error) {
	reader := &MMapReader{prefix: prefix}
	idxFile, err := os.Open(IdxPath(prefix))
	if err != nil {
		return nil, err
	}
	reader.idxFile = idxFile
	idxData, idxRelease, err := MapFile(idxFile)
	if err != nil {
		reader.Close()
		return nil, fmt.Errorf("error trying to mmap %s: %w",
			IdxPath(prefix), err)
	}
	reader.idxData = idxData
	reader.release = append(reader.release, idxRelease)
	if parseErr := reader.parseIndex(); parseErr != nil {
		reader.Close()
		return nil, parseErr
	}

	binFile, err := os.Open(BinPath(prefix))
	if err != nil {
		reader.Close()
		return nil, err
	}
	reader.binFile = binFile
	binData, binRelease, err := MapFile(binFile)
	if err != nil {
		reader.Close()
		return nil, fmt.Errorf("error trying to mmap %s: %w",
			BinPath(prefix), err)
	}
	reader.binData = binData
	reader.release = append(reader.release, binRelease)
	return reader, nil
}

func (reader *MMapReader) parseIndex() error {
	data := reader.idxData
	headerLen := len(hdrMagic) + 8 + 1 + 8 + 8
	if len(data) < headerLen || !bytes.Equal(data[:len(hdrMagic)], hdrMagic) {
		return fmt.Errorf("%w: %s: bad magic", ErrBadIndex,
			IdxPath(reader.prefix))
	}
	off := len(hdrMagic)
	version := binary.LittleEndian.Uint64(data[off:])
	off += 8
	if version != indexVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrBadIndex, version)
	}
	reader.dtype = types.DType(data[off])
	off += 1
	if reader.dtype.Size() == 0 {
		return fmt.Errorf("%w: unsupported dtype code %d", ErrBadIndex,
			reader.dtype)
	}
	numSeqs := int(binary.LittleEndian.Uint64(data[off:]))
	off += 8
	numDocIdx := int(binary.LittleEndian.Uint64(data[off:]))
	off += 8
	if len(data) < off+numSeqs*4+numSeqs*8+numDocIdx*8 {
		return fmt.Errorf("%w: truncated index (%d sequences, %d docs)",
			ErrBadIndex, numSeqs, numDocIdx)
	}
	reader.sizes = make([]int32, numSeqs)
	for i := range reader.sizes {
		reader.sizes[i] = int32(binary.LittleEndian.Uint32(data[off:]))
		off += 4
	}
	reader.pointers = make([]int64, numSeqs)
	for i := range reader.pointers {
		reader.pointers[i] = int64(binary.LittleEndian.Uint64(data[off:]))
		off += 8
	}
	reader.docIdx = make([]int64, numDocIdx)
	for i := range reader.docIdx {
		reader.docIdx[i] = int64(binary.LittleEndian.Uint64(data[off:]))
		off += 8
	}
	return nil
}

func (reader *MMapReader) Len() int           { return len(reader.sizes) }
func (reader *MMapReader) Sizes() []int32     { return reader.sizes }
func (reader *MMapReader) DocIdx() []int64    { return reader.docIdx }
func (reader *MMapReader) DType() types.DType { return reader.dtype }
func (reader *MMapReader) Prefix() string     { return reader.prefix }

func (reader *MMapReader) Get(idx int) (types.Tokens, error) {
	if idx < 0 || idx >= len(reader.sizes) {
		return nil, fmt.Errorf("%w: %d of %d", ErrOutOfRange, idx,
			len(reader.sizes))
	}
	return reader.GetRange(idx, 0, int(reader.sizes[idx]))
}

func (reader *MMapReader) GetRange(idx, offset, length int) (types.Tokens,
	error) {
	if idx < 0 || idx >= len(reader.sizes) {
		return nil, fmt.Errorf("%w: %d of %d", ErrOutOfRange, idx,
			len(reader.sizes))
	}
	if offset < 0 || length < 0 || offset+length > int(reader.sizes[idx]) {
		return nil, fmt.Errorf("%w: range [%d:%d] of sequence %d with %d "+
			"tokens", ErrOutOfRange, offset, offset+length, idx,
			reader.sizes[idx])
	}
	elemSize := reader.dtype.Size()
	begin := reader.pointers[idx] + int64(offset*elemSize)
	end := begin + int64(length*elemSize)
	if end > int64(len(reader.binData)) {
		return nil, fmt.Errorf("%w: sequence %d points past end of %s",
			ErrBadIndex, idx, BinPath(reader.prefix))
	}
	return types.TokensFromBin(reader.binData[begin:end], reader.dtype), nil
}

// Close unmaps and closes both files.
func (reader *MMapReader) Close() error {
	var firstErr error
	for _, release := range reader.release {
		if err := release(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	reader.release = nil
	for _, file := range []*os.File{reader.idxFile, reader.binFile} {
		if file == nil {
			continue
		}
		if err := file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	reader.idxFile, reader.binFile = nil, nil
	return firstErr
}
