// Package minioblob stores encrypted attachments in an S3-compatible bucket.
package minioblob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/matheus3301/parley/internal/remote"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Config describes the object store endpoint.
type Config struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	UseSSL        bool
	PublicBaseURL string
}

// Store implements remote.Blobs.
type Store struct {
	client  *minio.Client
	baseURL string
}

// New creates a client for cfg. No request is made until first use.
func New(cfg Config) (*Store, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("minioblob: endpoint is required")
	}
	cl, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}

	base := cfg.PublicBaseURL
	if base == "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		base = scheme + "://" + cfg.Endpoint
	}
	return &Store{client: cl, baseURL: strings.TrimRight(base, "/")}, nil
}

func (s *Store) Upload(ctx context.Context, bucket, path string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, bucket, path, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return mapErr(err)
	}
	return nil
}

func (s *Store) Download(ctx context.Context, bucket, path string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, bucket, path, minio.GetObjectOptions{})
	if err != nil {
		return nil, mapErr(err)
	}
	defer func() { _ = obj.Close() }()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, mapErr(err)
	}
	return data, nil
}

func (s *Store) PublicURL(bucket, path string) string {
	segs := strings.Split(path, "/")
	for i, seg := range segs {
		segs[i] = url.PathEscape(seg)
	}
	return s.baseURL + "/" + bucket + "/" + strings.Join(segs, "/")
}

func mapErr(err error) error {
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket":
		return fmt.Errorf("%w: %s", remote.ErrNotFound, resp.Message)
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
		return fmt.Errorf("%w: %s", remote.ErrUnauthorized, resp.Message)
	}
	return err
}
