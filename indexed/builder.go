package indexed

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/wbrown/realm_prep/types"
)

// Builder streams sequences into a `.bin` file and writes the matching
// `.idx` on Finalize.
type Builder struct {
	prefix  string
	dtype   types.DType
	binFile *os.File
	binBuf  *bufio.Writer
	sizes   []int32
	ptrs    []int64
	docIdx  []int64
	offset  int64
	done    bool
}

// NewBuilder creates (truncating) the `.bin` file for prefix.
func NewBuilder(prefix string, dtype types.DType) (*Builder, error) {
	if dtype.Size() == 0 {
		return nil, fmt.Errorf("unsupported dtype code %d", dtype)
	}
	binFile, err := os.OpenFile(BinPath(prefix),
		os.O_TRUNC|os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	return &Builder{
		prefix:  prefix,
		dtype:   dtype,
		binFile: binFile,
		binBuf:  bufio.NewWriterSize(binFile, 4*1024*1024),
		docIdx:  []int64{0},
	}, nil
}

// AddItem appends one sequence.
func (builder *Builder) AddItem(tokens types.Tokens) error {
	if builder.done {
		return errors.New("indexed: builder already finalized")
	}
	bin, err := tokens.ToBin(builder.dtype)
	if err != nil {
		return err
	}
	if _, err := builder.binBuf.Write(*bin); err != nil {
		return err
	}
	builder.sizes = append(builder.sizes, int32(len(tokens)))
	builder.ptrs = append(builder.ptrs, builder.offset)
	builder.offset += int64(len(*bin))
	return nil
}

// EndDocument closes the current document at the last added sequence.
func (builder *Builder) EndDocument() {
	builder.docIdx = append(builder.docIdx, int64(len(builder.sizes)))
}

// NumItems returns the number of sequences added so far.
func (builder *Builder) NumItems() int {
	return len(builder.sizes)
}

// Finalize flushes the `.bin` file and writes the `.idx` file.
func (builder *Builder) Finalize() error {
	if builder.done {
		return nil
	}
	builder.done = true
	if err := builder.binBuf.Flush(); err != nil {
		builder.binFile.Close()
		return err
	}
	if err := builder.binFile.Close(); err != nil {
		return err
	}

	idxFile, err := os.OpenFile(IdxPath(builder.prefix),
		os.O_TRUNC|os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(idxFile)
	header := make([]byte, 0, len(hdrMagic)+25)
	header = append(header, hdrMagic...)
	header = binary.LittleEndian.AppendUint64(header, indexVersion)
	header = append(header, byte(builder.dtype))
	header = binary.LittleEndian.AppendUint64(header, uint64(len(builder.sizes)))
	header = binary.LittleEndian.AppendUint64(header, uint64(len(builder.docIdx)))
	if _, err := w.Write(header); err != nil {
		idxFile.Close()
		return err
	}
	for _, arr := range []interface{}{builder.sizes, builder.ptrs,
		builder.docIdx} {
		if err := binary.Write(w, binary.LittleEndian, arr); err != nil {
			idxFile.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		idxFile.Close()
		return err
	}
	return idxFile.Close()
}
