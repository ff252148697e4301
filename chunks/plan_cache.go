package chunks

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pierrec/lz4/v4"
	"go.etcd.io/bbolt"
)

var (
	ErrCorruptPlan = errors.New("chunks: corrupt cached plan")

	bucketPlans = []byte("plans")
)

// PlanKey identifies a plan: the chunk corpus, the tokenizer that produced
// the lengths and the batching parameters. A change to any of them is a
// different plan.
type PlanKey struct {
	Corpus         string `json:"corpus"`
	Tokenizer      string `json:"tokenizer"`
	MicroBatchSize int    `json:"micro_batch_size"`
	MaxSeqLength   int    `json:"max_seq_length"`
}

func (key PlanKey) Fingerprint() string {
	keyBytes, _ := json.Marshal(key)
	sum := sha256.Sum256(keyBytes)
	return hex.EncodeToString(sum[:16])
}

// PlanCache stores plans in a bbolt database, LZ4-compressed.
type PlanCache struct {
	db *bbolt.DB
}

func OpenPlanCache(path string) (*PlanCache, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketPlans)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &PlanCache{db: db}, nil
}

func (cache *PlanCache) Close() error {
	return cache.db.Close()
}

// Get returns the plan stored under key, or nil if there is none.
func (cache *PlanCache) Get(key PlanKey) (*Plan, error) {
	var plan *Plan
	err := cache.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketPlans).Get([]byte(key.Fingerprint()))
		if data == nil {
			return nil
		}
		stored, decoded, err := decodePlan(data)
		if err != nil {
			return err
		}
		if stored != key {
			return nil
		}
		plan = decoded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return plan, nil
}

func (cache *PlanCache) Put(key PlanKey, plan *Plan) error {
	data, err := encodePlan(key, plan)
	if err != nil {
		return err
	}
	return cache.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPlans).Put([]byte(key.Fingerprint()), data)
	})
}

// GetOrBuild returns the cached plan for key, calling build and storing its
// result on a miss.
func (cache *PlanCache) GetOrBuild(key PlanKey,
	build func() (*Plan, error)) (plan *Plan, hit bool, err error) {
	if plan, err = cache.Get(key); err != nil || plan != nil {
		return plan, plan != nil, err
	}
	if plan, err = build(); err != nil {
		return nil, false, err
	}
	return plan, false, cache.Put(key, plan)
}

// encodePlan lays out the key and plan as
// [keyLen u32][key json][mbs u32][msl u32][n u64][n x u32][b u64][b x u32]
// and compresses it into [rawLen u32][lz4Len u32][lz4 block].
func encodePlan(key PlanKey, plan *Plan) ([]byte, error) {
	keyBytes, err := json.Marshal(key)
	if err != nil {
		return nil, err
	}
	raw := bytes.NewBuffer(make([]byte, 0,
		32+len(keyBytes)+4*(len(plan.SampleIdxs)+len(plan.BatchMaxLens))))
	le := binary.LittleEndian
	raw.Write(le.AppendUint32(nil, uint32(len(keyBytes))))
	raw.Write(keyBytes)
	raw.Write(le.AppendUint32(nil, uint32(plan.MicroBatchSize)))
	raw.Write(le.AppendUint32(nil, uint32(plan.MaxSeqLength)))
	raw.Write(le.AppendUint64(nil, uint64(len(plan.SampleIdxs))))
	for _, chunkID := range plan.SampleIdxs {
		raw.Write(le.AppendUint32(nil, uint32(chunkID)))
	}
	raw.Write(le.AppendUint64(nil, uint64(len(plan.BatchMaxLens))))
	for _, n := range plan.BatchMaxLens {
		raw.Write(le.AppendUint32(nil, uint32(n)))
	}

	src := raw.Bytes()
	compressed := make([]byte, 8+lz4.CompressBlockBound(len(src)))
	n, err := lz4.CompressBlock(src, compressed[8:], nil)
	if err != nil {
		return nil, err
	}
	le.PutUint32(compressed[0:], uint32(len(src)))
	if n == 0 {
		// Incompressible, store as is.
		le.PutUint32(compressed[4:], 0)
		return append(compressed[:8], src...), nil
	}
	le.PutUint32(compressed[4:], uint32(n))
	return compressed[:8+n], nil
}

func decodePlan(data []byte) (PlanKey, *Plan, error) {
	le := binary.LittleEndian
	if len(data) < 8 {
		return PlanKey{}, nil, fmt.Errorf("%w: %d bytes", ErrCorruptPlan,
			len(data))
	}
	rawLen := le.Uint32(data[0:])
	compLen := le.Uint32(data[4:])
	var raw []byte
	if compLen == 0 {
		if uint32(len(data)-8) < rawLen {
			return PlanKey{}, nil, fmt.Errorf("%w: short block",
				ErrCorruptPlan)
		}
		raw = data[8 : 8+rawLen]
	} else {
		if uint32(len(data)-8) < compLen {
			return PlanKey{}, nil, fmt.Errorf("%w: short block",
				ErrCorruptPlan)
		}
		raw = make([]byte, rawLen)
		n, err := lz4.UncompressBlock(data[8:8+compLen], raw)
		if err != nil {
			return PlanKey{}, nil, fmt.Errorf("%w: %v", ErrCorruptPlan, err)
		}
		if uint32(n) != rawLen {
			return PlanKey{}, nil, fmt.Errorf("%w: size mismatch",
				ErrCorruptPlan)
		}
	}

	reader := planReader{buf: raw}
	keyBytes := reader.bytes(int(reader.u32()))
	var key PlanKey
	if reader.err == nil {
		if err := json.Unmarshal(keyBytes, &key); err != nil {
			return PlanKey{}, nil, fmt.Errorf("%w: %v", ErrCorruptPlan, err)
		}
	}
	plan := &Plan{
		MicroBatchSize: int(reader.u32()),
		MaxSeqLength:   int(reader.u32()),
	}
	plan.SampleIdxs = reader.u32s(reader.u64())
	plan.BatchMaxLens = reader.u32s(reader.u64())
	if reader.err != nil {
		return PlanKey{}, nil, reader.err
	}
	return key, plan, nil
}

// planReader reads little-endian fields, remembering the first short read.
type planReader struct {
	buf []byte
	err error
}

func (r *planReader) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || n > len(r.buf) {
		r.err = fmt.Errorf("%w: truncated", ErrCorruptPlan)
		return nil
	}
	out := r.buf[:n]
	r.buf = r.buf[n:]
	return out
}

func (r *planReader) u32() uint32 {
	if b := r.bytes(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (r *planReader) u64() uint64 {
	if b := r.bytes(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (r *planReader) u32s(n uint64) []int {
	if n > uint64(len(r.buf)/4) {
		r.err = fmt.Errorf("%w: truncated", ErrCorruptPlan)
		return nil
	}
	out := make([]int, n)
	for idx := range out {
		out[idx] = int(r.u32())
	}
	return out
}
