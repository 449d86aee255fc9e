// Package s3 publishes objects to an S3-compatible object store.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/danmuck/seedmint/internal/backend"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog/log"
)

const Name = "s3"

var (
	ErrMissingEndpoint = errors.New("s3: endpoint required")
	ErrMissingBucket   = errors.New("s3: bucket required")
)

type Config struct {
	Endpoint        string
	Region          string
	Bucket          string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	UseSSL          bool
	// PublicBaseURL replaces the endpoint-derived location when set, e.g. a
	// CDN in front of the bucket.
	PublicBaseURL string
}

// ObjectPutter is the part of the minio client the uploader needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, bucket, objectName string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

type Uploader struct {
	cfg    Config
	client ObjectPutter
}

// New dials nothing; the minio client connects lazily on first put.
func New(cfg Config) (*Uploader, error) {
	if err := validate(cfg); err != nil {
		return nil, err
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("s3: new client: %w", err)
	}
	return NewWithClient(cfg, client)
}

func NewWithClient(cfg Config, client ObjectPutter) (*Uploader, error) {
	if err := validate(cfg); err != nil {
		return nil, err
	}
	if client == nil {
		return nil, errors.New("s3: client is nil")
	}
	return &Uploader{cfg: cfg, client: client}, nil
}

func validate(cfg Config) error {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return ErrMissingEndpoint
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return ErrMissingBucket
	}
	return nil
}

func (u *Uploader) Name() string { return Name }

// Upload puts data at <prefix>/<key>. The same key always maps to the same
// object so repeated uploads overwrite in place.
func (u *Uploader) Upload(ctx context.Context, data []byte, key string) (string, error) {
	object := u.ObjectName(key)
	contentType := mime.TypeByExtension(path.Ext(key))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	start := time.Now()
	info, err := u.client.PutObject(ctx, u.cfg.Bucket, object, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", &backend.UploadError{Backend: Name, Key: key, Cause: err}
	}
	log.Debug().
		Str("bucket", u.cfg.Bucket).
		Str("object", object).
		Str("etag", info.ETag).
		Int("bytes", len(data)).
		Dur("duration", time.Since(start)).
		Msg("s3.Uploader.Upload ok")
	return u.Location(object), nil
}

func (u *Uploader) ObjectName(key string) string {
	key = strings.TrimLeft(key, "/")
	prefix := strings.Trim(u.cfg.Prefix, "/")
	if prefix == "" {
		return key
	}
	return path.Join(prefix, key)
}

// Location resolves the public URL of an object name.
func (u *Uploader) Location(object string) string {
	escaped := escapePath(object)
	if base := strings.TrimRight(u.cfg.PublicBaseURL, "/"); base != "" {
		return base + "/" + escaped
	}
	scheme := "http"
	if u.cfg.UseSSL {
		scheme = "https"
	}
	endpoint := strings.TrimRight(u.cfg.Endpoint, "/")
	return fmt.Sprintf("%s://%s/%s/%s", scheme, endpoint, u.cfg.Bucket, escaped)
}

func escapePath(object string) string {
	parts := strings.Split(object, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

var _ backend.Uploader = (*Uploader)(nil)
