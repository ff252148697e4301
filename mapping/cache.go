package mapping

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/zstd"
	"github.com/wbrown/realm_prep/indexed"
)

var ErrCorrupt = errors.New("mapping: corrupt cache file")

const cacheMagic = "BLKMAP01"

// Key is everything a SamplesMapping depends on. Two mappings with equal
// keys are identical. Sentence and title lengths enter through their
// checksums, since they decide where blocks close.
type Key struct {
	DataPrefix                string `json:"data_prefix"`
	NumSequences              int    `json:"num_sequences"`
	NumDocs                   int    `json:"num_docs"`
	SizesCRC                  uint32 `json:"sizes_crc"`
	UseTitles                 bool   `json:"use_titles"`
	NumTitles                 int    `json:"num_titles"`
	TitleSizesCRC             uint32 `json:"title_sizes_crc"`
	Name                      string `json:"name"`
	Seed                      int64  `json:"seed"`
	NumEpochs                 int    `json:"num_epochs"`
	MaxNumSamples             int    `json:"max_num_samples"`
	MaxSeqLength              int    `json:"max_seq_length"`
	AllowSingleSentenceBlocks bool   `json:"allow_single_sentence_blocks"`
}

// NewKey describes the mapping Build(corpus, titles, opts) would produce.
// titles may be nil.
func NewKey(corpus indexed.Reader, titles indexed.Reader, opts Options) Key {
	key := Key{
		DataPrefix:                opts.DataPrefix,
		NumSequences:              corpus.Len(),
		NumDocs:                   indexed.NumDocs(corpus),
		SizesCRC:                  sizesCRC(corpus.Sizes()),
		Name:                      opts.Name,
		Seed:                      opts.Seed,
		NumEpochs:                 opts.NumEpochs,
		MaxNumSamples:             opts.MaxNumSamples,
		MaxSeqLength:              opts.MaxSeqLength,
		AllowSingleSentenceBlocks: opts.AllowSingleSentenceBlocks,
	}
	if titles != nil {
		key.UseTitles = true
		key.NumTitles = titles.Len()
		key.TitleSizesCRC = sizesCRC(titles.Sizes())
	}
	return key
}

func sizesCRC(sizes []int32) uint32 {
	crc := crc32.NewIEEE()
	var buf [4]byte
	for _, size := range sizes {
		binary.LittleEndian.PutUint32(buf[:], uint32(size))
		crc.Write(buf[:])
	}
	return crc.Sum32()
}

// CachePath returns the cache file name for opts, placed next to the corpus
// unless dir is set. Mappings built with titles get a _titles suffix.
func CachePath(dir string, opts Options, useTitles bool) string {
	name := fmt.Sprintf("%s_%s_indexmap_%dep_%dmns_%dmsl_%ds",
		filepath.Base(opts.DataPrefix), opts.Name, opts.NumEpochs,
		opts.MaxNumSamples, opts.MaxSeqLength, opts.Seed)
	if opts.AllowSingleSentenceBlocks {
		name += "_1sentok"
	}
	if useTitles {
		name += "_titles"
	}
	name += ".map.zst"
	if dir == "" {
		dir = filepath.Dir(opts.DataPrefix)
	}
	return filepath.Join(dir, name)
}

// Save writes the mapping to path as a zstd stream.
func (m *SamplesMapping) Save(path string) (err error) {
	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			file.Close()
			os.Remove(tmpPath)
		}
	}()
	enc, err := zstd.NewWriter(file,
		zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return err
	}
	writer := bufio.NewWriter(enc)
	if err = m.encode(writer); err != nil {
		return err
	}
	if err = writer.Flush(); err != nil {
		return err
	}
	if err = enc.Close(); err != nil {
		return err
	}
	if err = file.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

func (m *SamplesMapping) encode(w io.Writer) error {
	keyBytes, err := json.Marshal(m.Key)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(w, cacheMagic); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian,
		uint32(len(keyBytes))); err != nil {
		return err
	}
	if _, err := w.Write(keyBytes); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian,
		uint64(len(m.Units))); err != nil {
		return err
	}
	crc := crc32.NewIEEE()
	out := io.MultiWriter(w, crc)
	var row [32]byte
	for _, unit := range m.Units {
		binary.LittleEndian.PutUint64(row[0:], unit.StartIdx)
		binary.LittleEndian.PutUint64(row[8:], unit.EndIdx)
		binary.LittleEndian.PutUint64(row[16:], unit.DocIdx)
		binary.LittleEndian.PutUint64(row[24:], unit.BlockIdx)
		if _, err := out.Write(row[:]); err != nil {
			return err
		}
	}
	return binary.Write(w, binary.LittleEndian, crc.Sum32())
}

// Load reads a mapping previously written by Save.
func Load(path string) (*SamplesMapping, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	dec, err := zstd.NewReader(file)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return decode(bufio.NewReader(dec))
}

func decode(r io.Reader) (*SamplesMapping, error) {
	magic := make([]byte, len(cacheMagic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if string(magic) != cacheMagic {
		return nil, fmt.Errorf("%w: bad magic %q", ErrCorrupt, magic)
	}
	var keyLen uint32
	if err := binary.Read(r, binary.LittleEndian, &keyLen); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	keyBytes := make([]byte, keyLen)
	if _, err := io.ReadFull(r, keyBytes); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	mapping := &SamplesMapping{}
	if err := json.Unmarshal(keyBytes, &mapping.Key); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	var count uint64
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	crc := crc32.NewIEEE()
	in := io.TeeReader(r, crc)
	mapping.Units = make([]SampleUnit, 0, count)
	var row [32]byte
	for idx := uint64(0); idx < count; idx++ {
		if _, err := io.ReadFull(in, row[:]); err != nil {
			return nil, fmt.Errorf("%w: unit %d: %v", ErrCorrupt, idx, err)
		}
		mapping.Units = append(mapping.Units, SampleUnit{
			StartIdx: binary.LittleEndian.Uint64(row[0:]),
			EndIdx:   binary.LittleEndian.Uint64(row[8:]),
			DocIdx:   binary.LittleEndian.Uint64(row[16:]),
			BlockIdx: binary.LittleEndian.Uint64(row[24:]),
		})
	}
	var stored uint32
	if err := binary.Read(r, binary.LittleEndian, &stored); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if stored != crc.Sum32() {
		return nil, fmt.Errorf("%w: checksum %08x, expected %08x",
			ErrCorrupt, crc.Sum32(), stored)
	}
	return mapping, nil
}

// GetOrBuild loads the cached mapping for opts from dir, building and
// saving it on a miss. A cache file whose key differs from the request is
// stale and gets rebuilt in place.
func GetOrBuild(corpus indexed.Reader, titles indexed.Reader, opts Options,
	dir string) (*SamplesMapping, error) {
	path := CachePath(dir, opts, titles != nil)
	want := NewKey(corpus, titles, opts)
	if _, statErr := os.Stat(path); statErr == nil {
		mapping, err := Load(path)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", path, err)
		}
		if mapping.Key == want {
			log.Printf("Loaded %d samples from %s", mapping.Len(), path)
			return mapping, nil
		}
		log.Printf("Rebuilding stale %s: has %+v, want %+v", path,
			mapping.Key, want)
	}
	mapping, err := Build(corpus, titles, opts)
	if err != nil {
		return nil, err
	}
	if err := mapping.Save(path); err != nil {
		return nil, fmt.Errorf("saving %s: %w", path, err)
	}
	if info, err := os.Stat(path); err == nil {
		log.Printf("Wrote %d samples to %s (%s)", mapping.Len(), path,
			humanize.Bytes(uint64(info.Size())))
	}
	return mapping, nil
}
