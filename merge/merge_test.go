package merge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testFeatures = 2

// shardValues fills shard s with row r, feature f = 100*s + r + f/2.
func shardValues(shard, rows int) []float32 {
	data := make([]float32, rows*testFeatures)
	for r := 0; r < rows; r++ {
		for f := 0; f < testFeatures; f++ {
			data[r*testFeatures+f] = float32(100*shard+r) + float32(f)/2
		}
	}
	return data
}

func writeTestShards(t *testing.T, rows ...int) []string {
	dir := t.TempDir()
	paths := make([]string, len(rows))
	for idx, n := range rows {
		paths[idx] = filepath.Join(dir, fmt.Sprintf("blocks_%03d.emb", idx))
		require.NoError(t, WriteShard(paths[idx], n, testFeatures,
			shardValues(idx, n)))
	}
	return paths
}

func expectedMatrix(loads ...int) []float32 {
	out := make([]float32, 0)
	for shard, n := range loads {
		out = append(out, shardValues(shard, n)...)
	}
	return out
}

func TestLoadCountsAndOffsets(t *testing.T) {
	loads := LoadCounts([]int{5, 7, 3}, 0.5)
	assert.Equal(t, []int{2, 3, 1}, loads)
	offsets, total := RowOffsets(loads)
	assert.Equal(t, []int{0, 2, 5}, offsets)
	assert.Equal(t, 6, total)
}

func TestGroupShards(t *testing.T) {
	assert.Equal(t, [][]int{{0}, {1, 2}}, GroupShards([]int{2, 3, 1}, 4))
	assert.Equal(t, [][]int{{0, 1, 2}}, GroupShards([]int{2, 3, 1}, 0))
	assert.Equal(t, [][]int{{0}, {1}, {2}}, GroupShards([]int{1, 10, 1}, 4))
	assert.Equal(t, [][]int{}, GroupShards(nil, 4))
}

func TestMergeLocal(t *testing.T) {
	paths := writeTestShards(t, 5, 7, 3)
	var mu sync.Mutex
	lastDone := 0
	opts := Options{
		LoadFraction: 0.5,
		MaxGroupRows: 4,
		Progress: func(done, total int) {
			mu.Lock()
			defer mu.Unlock()
			lastDone = max(lastDone, done)
			assert.Equal(t, 6, total)
		},
	}
	matrix, err := Merge(context.Background(), LocalSource{}, paths, opts)
	require.NoError(t, err)
	assert.Equal(t, 6, matrix.Rows)
	assert.Equal(t, testFeatures, matrix.Features)
	assert.Equal(t, expectedMatrix(2, 3, 1), matrix.Data)
	assert.Equal(t, []float32{100, 100.5}, matrix.Row(2))
	assert.Equal(t, 6, lastDone)
}

func TestMergeWorkerLimitAndThrottle(t *testing.T) {
	paths := writeTestShards(t, 4, 4, 4, 4)
	matrix, err := Merge(context.Background(), LocalSource{}, paths, Options{
		LoadFraction:  1,
		MaxWorkers:    1,
		IOBytesPerSec: 1 << 20,
	})
	require.NoError(t, err)
	assert.Equal(t, expectedMatrix(4, 4, 4, 4), matrix.Data)

	matrix, err = Merge(context.Background(), LocalSource{}, paths, Options{
		LoadFraction: 0,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, matrix.Rows)
	assert.Empty(t, matrix.Data)
}

// failingSource wraps LocalSource and fails to load one path.
type failingSource struct {
	LocalSource
	fail string
}

var errInjected = errors.New("injected failure")

func (src failingSource) Load(ctx context.Context, path string,
	nRows int) ([]float32, int, error) {
	if path == src.fail {
		return nil, 0, errInjected
	}
	return src.LocalSource.Load(ctx, path, nRows)
}

func TestMergeAbortsOnShardFailure(t *testing.T) {
	paths := writeTestShards(t, 5, 7, 3)
	matrix, err := Merge(context.Background(),
		failingSource{fail: paths[1]}, paths, Options{LoadFraction: 0.5})
	assert.ErrorIs(t, err, errInjected)
	assert.Nil(t, matrix)

	paths = append(paths, filepath.Join(t.TempDir(), "missing.emb"))
	matrix, err = Merge(context.Background(), LocalSource{}, paths,
		Options{LoadFraction: 0.5})
	assert.Error(t, err)
	assert.Nil(t, matrix)
}

func TestMergeFeatureMismatch(t *testing.T) {
	paths := writeTestShards(t, 2)
	odd := filepath.Join(t.TempDir(), "odd.emb")
	require.NoError(t, WriteShard(odd, 1, 3, []float32{1, 2, 3}))
	_, err := Merge(context.Background(), LocalSource{},
		append(paths, odd), DefaultOptions())
	assert.ErrorIs(t, err, ErrFeatureMismatch)
}

func TestSaveRoundTrip(t *testing.T) {
	paths := writeTestShards(t, 5, 7, 3)
	dir := t.TempDir()
	path, err := MergeToFile(context.Background(), LocalSource{}, paths, dir,
		Options{LoadFraction: 0.5})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "train_0.500.emb"), path)

	rows, features, err := LocalSource{}.Rows(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 6, rows)
	assert.Equal(t, testFeatures, features)
	data, _, err := LocalSource{}.Load(context.Background(), path, rows)
	require.NoError(t, err)
	assert.Equal(t, expectedMatrix(2, 3, 1), data)

	_, _, err = LocalSource{}.Load(context.Background(), path, rows+1)
	assert.ErrorIs(t, err, ErrRowMismatch)
}

func TestBadShard(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.emb")
	require.NoError(t, os.WriteFile(path,
		[]byte("NOTASHARD_______________"), 0644))
	_, _, err := LocalSource{}.Rows(context.Background(), path)
	assert.ErrorIs(t, err, ErrBadShard)
	_, _, err = LocalSource{}.Load(context.Background(), path, 0)
	assert.ErrorIs(t, err, ErrBadShard)
}

func TestLocalSourceHonorsCanceledContext(t *testing.T) {
	paths := writeTestShards(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := LocalSource{}.Rows(ctx, paths[0])
	assert.ErrorIs(t, err, context.Canceled)
	_, _, err = LocalSource{}.Load(ctx, paths[0], 1)
	assert.ErrorIs(t, err, context.Canceled)

	matrix, err := Merge(ctx, LocalSource{}, paths, DefaultOptions())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, matrix)
}

// S3MockClient serves objects from memory, honoring byte ranges.
type S3MockClient struct {
	mu       sync.Mutex
	Objects  map[string][]byte
	Requests int
}

func (m *S3MockClient) GetObjectWithContext(ctx aws.Context,
	input *s3.GetObjectInput, opts ...request.Option) (*s3.GetObjectOutput,
	error) {
	m.mu.Lock()
	m.Requests++
	m.mu.Unlock()
	data, ok := m.Objects[*input.Bucket+"/"+*input.Key]
	if !ok {
		return nil, fmt.Errorf("no such key: %s", *input.Key)
	}
	if input.Range != nil {
		var start, end int
		if _, err := fmt.Sscanf(*input.Range, "bytes=%d-%d", &start,
			&end); err != nil {
			return nil, err
		}
		end = min(end+1, len(data))
		data = data[start:end]
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: aws.Int64(int64(len(data))),
	}, nil
}

func TestMergeS3(t *testing.T) {
	client := &S3MockClient{Objects: map[string][]byte{}}
	paths := make([]string, 0)
	for shard, rows := range []int{5, 7, 3} {
		var buf bytes.Buffer
		require.NoError(t, writeShard(&buf, rows, testFeatures,
			shardValues(shard, rows)))
		key := fmt.Sprintf("embeddings/blocks_%03d.emb", shard)
		client.Objects["bucket/"+key] = buf.Bytes()
		paths = append(paths, "s3://bucket/"+key)
	}
	src := &S3Source{Client: client}
	shardSrc, err := SourceFor(paths[0], src)
	require.NoError(t, err)
	assert.Equal(t, src, shardSrc)

	matrix, err := Merge(context.Background(), shardSrc, paths,
		Options{LoadFraction: 0.5, MaxGroupRows: 4})
	require.NoError(t, err)
	assert.Equal(t, expectedMatrix(2, 3, 1), matrix.Data)
	assert.Greater(t, client.Requests, 0)

	_, err = SourceFor(paths[0], nil)
	assert.Error(t, err)
	local, err := SourceFor("/tmp/x.emb", nil)
	require.NoError(t, err)
	assert.Equal(t, LocalSource{}, local)
}

func TestParseS3Path(t *testing.T) {
	bucket, key, err := ParseS3Path("s3://corpus/embed/a.emb")
	require.NoError(t, err)
	assert.Equal(t, "corpus", bucket)
	assert.Equal(t, "embed/a.emb", key)
	for _, bad := range []string{"/local/a.emb", "s3://bucket", "s3:///key"} {
		_, _, err := ParseS3Path(bad)
		assert.Error(t, err, bad)
	}
}
