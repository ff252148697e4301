package merge

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/wbrown/realm_prep/indexed"
)

// ShardSource reads shard files. Rows reports a shard's shape without
// reading its payload; Load returns its first nRows rows.
type ShardSource interface {
	Rows(ctx context.Context, path string) (rows, features int, err error)
	Load(ctx context.Context, path string, nRows int) ([]float32, int, error)
}

// LocalSource reads shards from the local filesystem through mmap.
type LocalSource struct{}

func (LocalSource) Rows(ctx context.Context, path string) (int, int, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	file, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer file.Close()
	buf := make([]byte, shardHeaderSize)
	if _, err := io.ReadFull(file, buf); err != nil {
		return 0, 0, fmt.Errorf("%w: %s: %v", ErrBadShard, path, err)
	}
	hdr, err := parseHeader(buf)
	if err != nil {
		return 0, 0, fmt.Errorf("%s: %w", path, err)
	}
	return hdr.Rows, hdr.Features, nil
}

func (LocalSource) Load(ctx context.Context, path string,
	nRows int) ([]float32, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer file.Close()
	data, release, err := indexed.MapFile(file)
	if err != nil {
		return nil, 0, fmt.Errorf("error trying to mmap %s: %w", path, err)
	}
	defer release()
	hdr, err := parseHeader(data)
	if err != nil {
		return nil, 0, fmt.Errorf("%s: %w", path, err)
	}
	if nRows < 0 || nRows > hdr.Rows {
		return nil, 0, fmt.Errorf("%w: %s: %d of %d rows", ErrRowMismatch,
			path, nRows, hdr.Rows)
	}
	end := int64(shardHeaderSize) + hdr.payloadBytes(nRows)
	if int64(len(data)) < int64(shardHeaderSize)+hdr.payloadBytes(hdr.Rows) {
		return nil, 0, fmt.Errorf("%w: %s truncated", ErrBadShard, path)
	}
	return decodeFloats(data[shardHeaderSize:end]), hdr.Features, nil
}

// S3Client is the part of the S3 API used by S3Source.
type S3Client interface {
	GetObjectWithContext(ctx aws.Context, input *s3.GetObjectInput,
		opts ...request.Option) (*s3.GetObjectOutput, error)
}

// S3Source reads shards named s3://bucket/key with ranged GETs.
type S3Source struct {
	Client S3Client
}

func NewS3Source(region string) (*S3Source, error) {
	sess, err := session.NewSession(&aws.Config{
		Region: aws.String(region),
	})
	if err != nil {
		return nil, err
	}
	return &S3Source{Client: s3.New(sess)}, nil
}

// ParseS3Path splits s3://bucket/key.
func ParseS3Path(path string) (bucket, key string, err error) {
	trimmed, ok := strings.CutPrefix(path, "s3://")
	if !ok {
		return "", "", fmt.Errorf("not an s3 path: %s", path)
	}
	bucket, key, ok = strings.Cut(trimmed, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("s3 path needs a bucket and key: %s", path)
	}
	return bucket, key, nil
}

func (src *S3Source) readRange(ctx context.Context, path string,
	start, length int64) ([]byte, error) {
	bucket, key, err := ParseS3Path(path)
	if err != nil {
		return nil, err
	}
	out, err := src.Client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", start, start+length-1)),
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	defer out.Body.Close()
	buf := make([]byte, length)
	if _, err := io.ReadFull(out.Body, buf); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBadShard, path, err)
	}
	return buf, nil
}

func (src *S3Source) Rows(ctx context.Context, path string) (int, int,
	error) {
	buf, err := src.readRange(ctx, path, 0, int64(shardHeaderSize))
	if err != nil {
		return 0, 0, err
	}
	hdr, err := parseHeader(buf)
	if err != nil {
		return 0, 0, fmt.Errorf("%s: %w", path, err)
	}
	return hdr.Rows, hdr.Features, nil
}

func (src *S3Source) Load(ctx context.Context, path string,
	nRows int) ([]float32, int, error) {
	rows, features, err := src.Rows(ctx, path)
	if err != nil {
		return nil, 0, err
	}
	if nRows < 0 || nRows > rows {
		return nil, 0, fmt.Errorf("%w: %s: %d of %d rows", ErrRowMismatch,
			path, nRows, rows)
	}
	hdr := shardHeader{Rows: rows, Features: features}
	if nRows == 0 || features == 0 {
		return []float32{}, features, nil
	}
	buf, err := src.readRange(ctx, path, int64(shardHeaderSize),
		hdr.payloadBytes(nRows))
	if err != nil {
		return nil, 0, err
	}
	return decodeFloats(buf), features, nil
}

// SourceFor picks the S3 source for s3:// paths and the local one
// otherwise. s3src may be nil when no path is remote.
func SourceFor(path string, s3src *S3Source) (ShardSource, error) {
	if strings.HasPrefix(path, "s3://") {
		if s3src == nil {
			return nil, fmt.Errorf("no s3 client configured for %s", path)
		}
		return s3src, nil
	}
	return LocalSource{}, nil
}
