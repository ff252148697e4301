package merge

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
)

var ErrBadShard = errors.New("merge: bad shard file")

// Shard files hold a row-major float32 matrix:
//
//	magic "EMBSHRD1" | rows uint64 | features uint64 | rows*features float32
//
// all little-endian.
const (
	shardMagic      = "EMBSHRD1"
	shardHeaderSize = len(shardMagic) + 16
)

type shardHeader struct {
	Rows     int
	Features int
}

func (hdr shardHeader) payloadBytes(rows int) int64 {
	return int64(rows) * int64(hdr.Features) * 4
}

func parseHeader(data []byte) (shardHeader, error) {
	if len(data) < shardHeaderSize {
		return shardHeader{}, fmt.Errorf("%w: %d header bytes", ErrBadShard,
			len(data))
	}
	if string(data[:len(shardMagic)]) != shardMagic {
		return shardHeader{}, fmt.Errorf("%w: bad magic %q", ErrBadShard,
			data[:len(shardMagic)])
	}
	rows := binary.LittleEndian.Uint64(data[8:])
	features := binary.LittleEndian.Uint64(data[16:])
	if rows > math.MaxInt32*16 || features > math.MaxInt32 {
		return shardHeader{}, fmt.Errorf("%w: %d x %d", ErrBadShard, rows,
			features)
	}
	return shardHeader{Rows: int(rows), Features: int(features)}, nil
}

func encodeHeader(hdr shardHeader) []byte {
	buf := make([]byte, shardHeaderSize)
	copy(buf, shardMagic)
	binary.LittleEndian.PutUint64(buf[8:], uint64(hdr.Rows))
	binary.LittleEndian.PutUint64(buf[16:], uint64(hdr.Features))
	return buf
}

// decodeFloats converts little-endian float32 bytes.
func decodeFloats(data []byte) []float32 {
	out := make([]float32, len(data)/4)
	for idx := range out {
		out[idx] = math.Float32frombits(
			binary.LittleEndian.Uint32(data[idx*4:]))
	}
	return out
}

func writeShard(w io.Writer, rows, features int, data []float32) error {
	if len(data) != rows*features {
		return fmt.Errorf("%w: %d values for %d x %d", ErrBadShard,
			len(data), rows, features)
	}
	writer := bufio.NewWriter(w)
	if _, err := writer.Write(encodeHeader(shardHeader{rows,
		features})); err != nil {
		return err
	}
	var word [4]byte
	for _, v := range data {
		binary.LittleEndian.PutUint32(word[:], math.Float32bits(v))
		if _, err := writer.Write(word[:]); err != nil {
			return err
		}
	}
	return writer.Flush()
}

// WriteShard writes a rows x features matrix to path.
func WriteShard(path string, rows, features int, data []float32) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := writeShard(file, rows, features, data); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}
