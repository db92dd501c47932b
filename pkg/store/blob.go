package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MaxImageSize bounds downloads. A 16-bit chunk sequence cannot address
// more than this with the largest chunk a BLE write can carry.
const MaxImageSize = 16 << 20

// BlobSource fetches firmware images by path.
type BlobSource interface {
	Get(ctx context.Context, path string) ([]byte, error)
}

// DirSource serves images from a local directory. Paths cannot escape it.
type DirSource struct {
	root string
}

func NewDirSource(root string) *DirSource {
	return &DirSource{root: root}
}

func (d *DirSource) Get(_ context.Context, path string) ([]byte, error) {
	root, err := os.OpenRoot(d.root)
	if err != nil {
		return nil, fmt.Errorf("open firmware dir: %w", err)
	}
	defer func() { _ = root.Close() }()

	f, err := root.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("firmware %s: %w", path, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("open firmware %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	return readLimited(f, path)
}

// S3Source serves images from an S3 compatible bucket.
type S3Source struct {
	client *minio.Client
	bucket string
}

func NewS3Source(opts *S3Options) (*S3Source, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKeyID, opts.SecretAccessKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	return &S3Source{client: client, bucket: opts.Bucket}, nil
}

// CheckBucket verifies the bucket exists. Unlike a hub it never creates one.
func (s *S3Source) CheckBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		return fmt.Errorf("bucket %s: %w", s.bucket, ErrNotFound)
	}
	return nil
}

func (s *S3Source) Get(ctx context.Context, path string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, path, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", path, err)
	}
	defer func() { _ = obj.Close() }()

	data, err := readLimited(obj, path)
	if err != nil {
		var resp minio.ErrorResponse
		if errors.As(err, &resp) && resp.Code == "NoSuchKey" {
			return nil, fmt.Errorf("firmware %s: %w", path, ErrNotFound)
		}
		return nil, err
	}
	return data, nil
}

func readLimited(r io.Reader, path string) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxImageSize+1))
	if err != nil {
		return nil, fmt.Errorf("read firmware %s: %w", path, err)
	}
	if len(data) > MaxImageSize {
		return nil, fmt.Errorf("firmware %s exceeds %d bytes", path, MaxImageSize)
	}
	return data, nil
}
