package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/ovenzeze/open-interpreter/internal/logger"
)

// Config holds MinIO connection settings
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
}

type objectInfo struct {
	Key      string
	Size     int64
	Modified time.Time
}

// bucket is the slice of object storage the archive needs.
type bucket interface {
	Ensure(ctx context.Context) error
	Upload(ctx context.Context, name string, data []byte, contentType string) error
	Download(ctx context.Context, name string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]objectInfo, error)
	Delete(ctx context.Context, name string) error
	Reachable(ctx context.Context) error
}

var errNoSuchKey = errors.New("no such key")

type minioBucket struct {
	mc   *minio.Client
	name string
}

func newMinioBucket(cfg Config) (*minioBucket, error) {
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return &minioBucket{mc: mc, name: cfg.Bucket}, nil
}

// Ensure creates the bucket if it doesn't exist
func (b *minioBucket) Ensure(ctx context.Context) error {
	exists, err := b.mc.BucketExists(ctx, b.name)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", b.name, err)
	}

	if !exists {
		if err := b.mc.MakeBucket(ctx, b.name, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket %s: %w", b.name, err)
		}
		logger.Info("bucket created", "bucket", b.name)
	}

	return nil
}

func (b *minioBucket) Upload(ctx context.Context, name string, data []byte, contentType string) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err := b.mc.PutObject(ctx, b.name, name, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("upload %s/%s: %w", b.name, name, err)
	}

	logger.Debug("object uploaded", "bucket", b.name, "name", name, "size", len(data))
	return nil
}

func (b *minioBucket) Download(ctx context.Context, name string) ([]byte, error) {
	obj, err := b.mc.GetObject(ctx, b.name, name, minio.GetObjectOptions{})
	if err != nil {
		return nil, b.wrap("get", name, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, b.wrap("read", name, err)
	}

	return data, nil
}

func (b *minioBucket) wrap(op, name string, err error) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return fmt.Errorf("%s %s/%s: %w", op, b.name, name, errNoSuchKey)
	}
	return fmt.Errorf("%s %s/%s: %w", op, b.name, name, err)
}

func (b *minioBucket) List(ctx context.Context, prefix string) ([]objectInfo, error) {
	var out []objectInfo

	opts := minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}

	for obj := range b.mc.ListObjects(ctx, b.name, opts) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list %s: %w", b.name, obj.Err)
		}
		out = append(out, objectInfo{Key: obj.Key, Size: obj.Size, Modified: obj.LastModified})
	}

	return out, nil
}

func (b *minioBucket) Delete(ctx context.Context, name string) error {
	if err := b.mc.RemoveObject(ctx, b.name, name, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete %s/%s: %w", b.name, name, err)
	}
	return nil
}

func (b *minioBucket) Reachable(ctx context.Context) error {
	_, err := b.mc.BucketExists(ctx, b.name)
	return err
}
