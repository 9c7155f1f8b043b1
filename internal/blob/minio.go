// Package blob provides object storage for uploaded files via MinIO.
package blob

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog/log"
)

// MaxUploadSize is the largest accepted file, enforced at the HTTP layer.
const MaxUploadSize = 10 << 20 // 10MB

// allowedTypes lists the MIME types accepted for upload.
var allowedTypes = map[string]bool{
	"image/jpeg":    true,
	"image/jpg":     true,
	"image/png":     true,
	"image/gif":     true,
	"image/webp":    true,
	"image/svg+xml": true,

	"application/pdf":    true,
	"text/plain":         true,
	"text/markdown":      true,
	"application/msword": true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true,

	"application/zip":              true,
	"application/x-rar-compressed": true,
	"application/x-7z-compressed":  true,

	"application/json": true,
	"text/csv":         true,
}

// IsAllowedType reports whether a MIME type may be uploaded.
func IsAllowedType(mimeType string) bool {
	return allowedTypes[mimeType]
}

// Config holds MinIO connection settings.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	// PublicURL is the externally reachable base URL for stored objects,
	// e.g. "http://localhost:9000". Defaults to the endpoint.
	PublicURL string
}

// Store wraps a MinIO client scoped to a single bucket.
type Store struct {
	client    *minio.Client
	bucket    string
	publicURL string
}

// UploadResult describes a stored object.
type UploadResult struct {
	FileName     string `json:"fileName"`
	FileURL      string `json:"fileUrl"`
	Size         int64  `json:"size"`
	MimeType     string `json:"mimeType"`
	OriginalName string `json:"originalName"`
}

// NewStore connects to MinIO and ensures the bucket exists. Objects under
// public/ are readable without credentials.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	publicURL := cfg.PublicURL
	if publicURL == "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		publicURL = scheme + "://" + cfg.Endpoint
	}

	s := &Store{
		client:    client,
		bucket:    cfg.Bucket,
		publicURL: strings.TrimRight(publicURL, "/"),
	}

	if err := s.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}

	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: "us-east-1"}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}

	policy := fmt.Sprintf(`{
		"Version": "2012-10-17",
		"Statement": [
			{
				"Effect": "Allow",
				"Principal": {"AWS": ["*"]},
				"Action": ["s3:GetObject"],
				"Resource": ["arn:aws:s3:::%s/public/*"]
			}
		]
	}`, s.bucket)

	if err := s.client.SetBucketPolicy(ctx, s.bucket, policy); err != nil {
		log.Warn().Err(err).Str("bucket", s.bucket).Msg("set bucket policy failed")
	}

	log.Info().Str("bucket", s.bucket).Msg("bucket created")
	return nil
}

// Upload stores a file under folder/ with a timestamped object name and
// returns its public URL.
func (s *Store) Upload(ctx context.Context, r io.Reader, size int64, mimeType, originalName, folder string) (UploadResult, error) {
	if folder == "" {
		folder = "uploads"
	}

	objectName := fmt.Sprintf("%s/%d-%s", folder, time.Now().UnixMilli(), sanitizeName(originalName))

	_, err := s.client.PutObject(ctx, s.bucket, objectName, r, size, minio.PutObjectOptions{
		ContentType: mimeType,
	})
	if err != nil {
		return UploadResult{}, fmt.Errorf("put object %s: %w", objectName, err)
	}

	return UploadResult{
		FileName:     objectName,
		FileURL:      fmt.Sprintf("%s/%s/%s", s.publicURL, s.bucket, objectName),
		Size:         size,
		MimeType:     mimeType,
		OriginalName: originalName,
	}, nil
}

// Delete removes an object by its full name (folder/file).
func (s *Store) Delete(ctx context.Context, objectName string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, objectName, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove object %s: %w", objectName, err)
	}
	return nil
}

// PresignedURL returns a time-limited download URL for a private object.
func (s *Store) PresignedURL(ctx context.Context, objectName string, expiry time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, objectName, expiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign object %s: %w", objectName, err)
	}
	return u.String(), nil
}

// Exists reports whether an object is present in the bucket.
func (s *Store) Exists(ctx context.Context, objectName string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, objectName, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return false, nil
		}
		return false, fmt.Errorf("stat object %s: %w", objectName, err)
	}
	return true, nil
}

// sanitizeName strips path components and characters that are awkward in
// object keys and URLs.
func sanitizeName(name string) string {
	name = path.Base(name)
	if name == "." || name == "/" {
		return "file"
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "file"
	}
	return b.String()
}
