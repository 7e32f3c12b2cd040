// Package artifact stores diagnostic snapshots captured when an attempt
// fails.
package artifact

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Store interface {
	// Save writes data under key and returns a reference a human can follow.
	Save(ctx context.Context, key, contentType string, data []byte) (string, error)
}

type Dir struct{ root string }

var _ Store = (*Dir)(nil)

func NewDir(root string) *Dir { return &Dir{root: root} }

func (d *Dir) Save(ctx context.Context, key, contentType string, data []byte) (string, error) {
	p := filepath.Join(d.root, filepath.FromSlash(clean(key)))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return "", err
	}
	return p, nil
}

type Minio struct {
	client *minio.Client
	bucket string
}

var _ Store = (*Minio)(nil)

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

func NewMinio(ctx context.Context, cfg MinioConfig) (*Minio, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("minio bucket check: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("minio make bucket: %w", err)
		}
	}
	return &Minio{client: client, bucket: cfg.Bucket}, nil
}

func (m *Minio) Save(ctx context.Context, key, contentType string, data []byte) (string, error) {
	key = clean(key)
	_, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("s3://%s/%s", m.bucket, key), nil
}

// Discard drops artifacts.
type Discard struct{}

func (Discard) Save(context.Context, string, string, []byte) (string, error) { return "", nil }

func clean(key string) string {
	key = strings.ReplaceAll(key, "..", "_")
	return strings.TrimLeft(key, "/")
}
