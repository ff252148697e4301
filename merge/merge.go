// Package merge assembles a training matrix from a fraction of the rows of
// many embedding shards. Shards are loaded in groups bounded by a row
// budget; within a group they are read concurrently and copied into
// disjoint row ranges of one preallocated matrix.
package merge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var (
	ErrRowMismatch     = errors.New("merge: row count mismatch")
	ErrFeatureMismatch = errors.New("merge: feature count mismatch")
)

type Options struct {
	// LoadFraction of each shard's rows is loaded, rounded down.
	LoadFraction float64
	// MaxGroupRows bounds the rows loaded by one group of shards. A shard
	// larger than the bound forms a group on its own. <= 0 is unbounded.
	MaxGroupRows int
	// MaxWorkers bounds concurrent shard loads in a group; <= 0 means one
	// worker per shard.
	MaxWorkers int
	// IOBytesPerSec throttles shard reads; <= 0 disables throttling.
	IOBytesPerSec int
	// Progress, when set, is called after each shard is copied. It may be
	// called from several goroutines at once.
	Progress func(rowsDone, rowsTotal int)
}

func DefaultOptions() Options {
	return Options{
		LoadFraction: 1,
		MaxGroupRows: 1 << 24,
	}
}

// TrainingMatrix is a dense row-major float32 matrix.
type TrainingMatrix struct {
	Rows     int
	Features int
	Data     []float32
}

// Row returns row idx, sharing storage with the matrix.
func (m *TrainingMatrix) Row(idx int) []float32 {
	return m.Data[idx*m.Features : (idx+1)*m.Features]
}

// Save writes the matrix in shard format.
func (m *TrainingMatrix) Save(path string) error {
	return WriteShard(path, m.Rows, m.Features, m.Data)
}

// TrainingFileName names the merged matrix for a load fraction.
func TrainingFileName(dir string, loadFraction float64) string {
	return filepath.Join(dir, fmt.Sprintf("train_%.3f.emb", loadFraction))
}

// LoadCounts returns floor(fraction * rows) for each shard.
func LoadCounts(rows []int, fraction float64) []int {
	loads := make([]int, len(rows))
	for idx, n := range rows {
		loads[idx] = int(math.Floor(fraction * float64(n)))
	}
	return loads
}

// RowOffsets returns the first output row of each shard and the total.
func RowOffsets(loads []int) ([]int, int) {
	offsets := make([]int, len(loads))
	total := 0
	for idx, n := range loads {
		offsets[idx] = total
		total += n
	}
	return offsets, total
}

// GroupShards partitions shard indices, in order, into groups whose loads
// sum to at most maxRows.
func GroupShards(loads []int, maxRows int) [][]int {
	groups := make([][]int, 0)
	var current []int
	currentRows := 0
	for idx, n := range loads {
		if len(current) > 0 && maxRows > 0 && currentRows+n > maxRows {
			groups = append(groups, current)
			current, currentRows = nil, 0
		}
		current = append(current, idx)
		currentRows += n
	}
	if len(current) > 0 {
		groups = append(groups, current)
	}
	return groups
}

// waitIO blocks until the limiter admits n bytes.
func waitIO(ctx context.Context, limiter *rate.Limiter, n int64) error {
	if limiter == nil {
		return nil
	}
	burst := int64(limiter.Burst())
	for n > 0 {
		step := min(n, burst)
		if err := limiter.WaitN(ctx, int(step)); err != nil {
			return err
		}
		n -= step
	}
	return nil
}

// Merge loads LoadFraction of the rows of every shard in paths, in path
// order, into one matrix. Any shard failure aborts the merge and no matrix
// is returned.
func Merge(ctx context.Context, src ShardSource, paths []string,
	opts Options) (*TrainingMatrix, error) {
	if opts.LoadFraction < 0 || opts.LoadFraction > 1 {
		return nil, fmt.Errorf("merge: load fraction %v outside [0, 1]",
			opts.LoadFraction)
	}
	begin := time.Now()
	rows := make([]int, len(paths))
	features := -1
	for idx, path := range paths {
		n, f, err := src.Rows(ctx, path)
		if err != nil {
			return nil, err
		}
		if features >= 0 && f != features {
			return nil, fmt.Errorf("%w: %s has %d features, expected %d",
				ErrFeatureMismatch, path, f, features)
		}
		rows[idx], features = n, f
	}
	if features < 0 {
		features = 0
	}
	loads := LoadCounts(rows, opts.LoadFraction)
	offsets, total := RowOffsets(loads)
	groups := GroupShards(loads, opts.MaxGroupRows)
	log.Printf("Merging %d of %d rows from %d shards in %d groups "+
		"(%d features, %s)", total, sum(rows), len(paths), len(groups),
		features, humanize.Bytes(uint64(total)*uint64(features)*4))

	matrix := &TrainingMatrix{
		Rows:     total,
		Features: features,
		Data:     make([]float32, total*features),
	}
	var limiter *rate.Limiter
	if opts.IOBytesPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.IOBytesPerSec),
			opts.IOBytesPerSec)
	}
	var filled atomic.Int64

	for groupIdx, group := range groups {
		groupBegin := time.Now()
		workers := len(group)
		if opts.MaxWorkers > 0 && opts.MaxWorkers < workers {
			workers = opts.MaxWorkers
		}
		eg, gctx := errgroup.WithContext(ctx)
		eg.SetLimit(workers)
		var groupBytes atomic.Int64
		for _, shard := range group {
			shard := shard
			eg.Go(func() error {
				path, n := paths[shard], loads[shard]
				size := int64(n) * int64(features) * 4
				if err := waitIO(gctx, limiter, size); err != nil {
					return err
				}
				buf, f, err := src.Load(gctx, path, n)
				if err != nil {
					return err
				}
				if f != features || len(buf) != n*features {
					return fmt.Errorf("%w: %s gave %d values of %d "+
						"features, expected %d rows of %d", ErrRowMismatch,
						path, len(buf), f, n, features)
				}
				start := offsets[shard] * features
				copy(matrix.Data[start:start+len(buf)], buf)
				groupBytes.Add(size)
				done := filled.Add(int64(n))
				if opts.Progress != nil {
					opts.Progress(int(done), total)
				}
				return nil
			})
		}
		if err := eg.Wait(); err != nil {
			return nil, err
		}
		elapsed := time.Since(groupBegin).Seconds()
		log.Printf("Group %d/%d: %d shards, %s in %0.2fs (%s/s)",
			groupIdx+1, len(groups), len(group),
			humanize.Bytes(uint64(groupBytes.Load())), elapsed,
			humanize.Bytes(uint64(float64(groupBytes.Load())/
				max(elapsed, 1e-9))))
	}

	if int(filled.Load()) != total {
		return nil, fmt.Errorf("%w: filled %d of %d rows", ErrRowMismatch,
			filled.Load(), total)
	}
	log.Printf("Merged %d rows in %0.2fs", total,
		time.Since(begin).Seconds())
	return matrix, nil
}

func sum(values []int) int {
	total := 0
	for _, v := range values {
		total += v
	}
	return total
}

// MergeToFile merges paths and saves the result as
// TrainingFileName(dir, opts.LoadFraction), returning the file name.
func MergeToFile(ctx context.Context, src ShardSource, paths []string,
	dir string, opts Options) (string, error) {
	matrix, err := Merge(ctx, src, paths, opts)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	path := TrainingFileName(dir, opts.LoadFraction)
	if err := matrix.Save(path); err != nil {
		return "", err
	}
	return path, nil
}
