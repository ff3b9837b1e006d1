package artifact

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/curbwatch/hotspots/engine/domain"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectAPI is the subset of *minio.Client used by MinioStore.
type ObjectAPI interface {
	StatObject(ctx context.Context, bucket, object string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
	PutObject(ctx context.Context, bucket, object string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	CopyObject(ctx context.Context, dst minio.CopyDestOptions, src minio.CopySrcOptions) (minio.UploadInfo, error)
	RemoveObject(ctx context.Context, bucket, object string, opts minio.RemoveObjectOptions) error
}

// MinioStore keeps artifacts in an S3-compatible bucket. Images are uploaded
// to a staging key and copied to their final key after the metadata object
// is written.
type MinioStore struct {
	client ObjectAPI
	bucket string
	prefix string
}

// MinioConfig holds connection settings.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	Secure    bool
}

// NewMinioStore connects to MinIO and makes sure the bucket exists.
func NewMinioStore(ctx context.Context, cfg MinioConfig) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}
	return NewMinioStoreWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewMinioStoreWithClient wraps an existing client.
func NewMinioStoreWithClient(client ObjectAPI, bucket, prefix string) *MinioStore {
	return &MinioStore{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

func (s *MinioStore) key(name string) string {
	return path.Join(s.prefix, name)
}

func (s *MinioStore) stagingKey(k Key) string {
	return path.Join(s.prefix, ".staging", k.Dir(), k.ImageID+ImageExt)
}

// Exists stats the image object.
func (s *MinioStore) Exists(ctx context.Context, k Key) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, s.key(k.ImageName()), minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if notFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat %s: %w", k, err)
}

// Put uploads the verified image to staging, writes metadata, then copies
// the image to its final key.
func (s *MinioStore) Put(ctx context.Context, k Key, body io.Reader, size int64, meta Metadata) (int64, error) {
	if ok, err := s.Exists(ctx, k); err != nil {
		return 0, err
	} else if ok {
		return 0, fmt.Errorf("%w: %s", domain.ErrAlreadyPersisted, k)
	}

	staging := s.stagingKey(k)
	v := &verifier{r: body, want: size}
	info, err := s.client.PutObject(ctx, s.bucket, staging, v, size, minio.PutObjectOptions{ContentType: "image/jpeg"})
	if err != nil {
		s.remove(ctx, staging)
		if v.err != nil {
			return v.n, v.err
		}
		return v.n, fmt.Errorf("%w: upload %s: %v", domain.ErrDownloadFailed, k, err)
	}
	if size >= 0 && info.Size != size {
		s.remove(ctx, staging)
		return info.Size, fmt.Errorf("%w: stored %d of %d bytes", domain.ErrTruncated, info.Size, size)
	}

	meta.Bytes = v.n
	data, err := meta.Encode()
	if err != nil {
		s.remove(ctx, staging)
		return v.n, err
	}
	if _, err := s.client.PutObject(ctx, s.bucket, s.key(k.MetaName()), bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"}); err != nil {
		s.remove(ctx, staging)
		return v.n, fmt.Errorf("write metadata %s: %w", k, err)
	}

	_, err = s.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: s.bucket, Object: s.key(k.ImageName())},
		minio.CopySrcOptions{Bucket: s.bucket, Object: staging},
	)
	s.remove(ctx, staging)
	if err != nil {
		return v.n, fmt.Errorf("commit %s: %w", k, err)
	}
	return v.n, nil
}

func (s *MinioStore) remove(ctx context.Context, object string) {
	_ = s.client.RemoveObject(ctx, s.bucket, object, minio.RemoveObjectOptions{})
}

func notFound(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NotFound"
}
