package attachment

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectStore keeps attachment bytes in a MinIO bucket, keyed by content
// hash so repeat uploads of identical bytes are idempotent.
type ObjectStore struct {
	client *minio.Client
	bucket string
}

type ObjectStoreConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

func NewObjectStore(ctx context.Context, cfg ObjectStoreConfig) (*ObjectStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}
	return &ObjectStore{client: client, bucket: cfg.Bucket}, nil
}

// Put stores fileBytes under their content hash and returns the hash and
// the object URL recorded on the attachment.
func (s *ObjectStore) Put(ctx context.Context, documentID, filename, contentType string, fileBytes []byte) (hash string, url string, err error) {
	hash = Hash(fileBytes)
	key := fmt.Sprintf("%s/%s", documentID, hash)

	_, err = s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(fileBytes), int64(len(fileBytes)), minio.PutObjectOptions{
		ContentType: contentType,
		UserMetadata: map[string]string{
			"filename": filename,
		},
	})
	if err != nil {
		return "", "", fmt.Errorf("put attachment object: %w", err)
	}
	return hash, fmt.Sprintf("/objects/%s/%s", s.bucket, key), nil
}

// PresignGet returns a time-limited download URL for an attachment object.
func (s *ObjectStore) PresignGet(ctx context.Context, documentID, hash string, expiry time.Duration) (string, error) {
	key := fmt.Sprintf("%s/%s", documentID, hash)
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, expiry, nil)
	if err != nil {
		return "", fmt.Errorf("presign attachment object: %w", err)
	}
	return u.String(), nil
}
