// Package s3 writes archive objects to MinIO or any S3-compatible endpoint.
//
// Objects carry user metadata next to their body so a later archive run can
// tell whether a key already holds the batch it is about to write.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/textql/textql/internal/storage"
)

// maxMetadataBytes is the S3 limit on the combined size of user metadata.
const maxMetadataBytes = 2048

type Config struct {
	Endpoint         string
	Region           string
	Bucket           string
	AccessKeyID      string
	SecretAccessKey  string
	UseSSL           bool
	Prefix           string
	AutoCreateBucket bool
}

func (c Config) validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("s3 endpoint is required")
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("s3 bucket is required")
	}
	return nil
}

type putRequest struct {
	Bucket      string
	Key         string
	Body        io.Reader
	Size        int64
	ContentType string
	Metadata    map[string]string
}

// backend is the slice of the S3 API the store needs.
type backend interface {
	PutObject(ctx context.Context, req putRequest) (storage.ObjectInfo, error)
	StatObject(ctx context.Context, bucket, key string) (storage.ObjectInfo, error)
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket, region string) error
}

type Store struct {
	backend backend
	bucket  string
	root    []string
}

var _ storage.ObjectStore = (*Store)(nil)

func New(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	mc, err := dialMinio(cfg)
	if err != nil {
		return nil, err
	}
	store, err := newStore(cfg.Bucket, cfg.Prefix, mc)
	if err != nil {
		return nil, err
	}
	if cfg.AutoCreateBucket {
		if err := store.ensureBucket(ctx, strings.TrimSpace(cfg.Region)); err != nil {
			return nil, err
		}
	}
	return store, nil
}

func newStore(bucket, prefix string, b backend) (*Store, error) {
	if b == nil {
		return nil, errors.New("s3 backend is required")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	root, err := splitKey(prefix)
	if err != nil {
		return nil, fmt.Errorf("s3 prefix: %w", err)
	}
	return &Store{backend: b, bucket: bucket, root: root}, nil
}

// Put uploads body under key, below the configured prefix. Metadata keys are
// stored lower case.
func (s *Store) Put(ctx context.Context, key string, body io.Reader, size int64, opts storage.PutOptions) (storage.ObjectInfo, error) {
	full, err := s.objectKey(key)
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	metadata, err := normalizeMetadata(opts.Metadata)
	if err != nil {
		return storage.ObjectInfo{}, fmt.Errorf("put object %q: %w", full, err)
	}
	info, err := s.backend.PutObject(ctx, putRequest{
		Bucket:      s.bucket,
		Key:         full,
		Body:        body,
		Size:        size,
		ContentType: opts.ContentType,
		Metadata:    metadata,
	})
	if err != nil {
		return storage.ObjectInfo{}, fmt.Errorf("put object %q: %w", full, err)
	}
	info.Key = s.relativeKey(info.Key)
	info.Metadata = metadata
	return info, nil
}

// Stat reports storage.ErrObjectNotFound when key does not exist.
func (s *Store) Stat(ctx context.Context, key string) (storage.ObjectInfo, error) {
	full, err := s.objectKey(key)
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	info, err := s.backend.StatObject(ctx, s.bucket, full)
	switch {
	case errors.Is(err, storage.ErrObjectNotFound):
		return storage.ObjectInfo{}, storage.ErrObjectNotFound
	case err != nil:
		return storage.ObjectInfo{}, fmt.Errorf("stat object %q: %w", full, err)
	}
	info.Key = s.relativeKey(info.Key)
	info.Metadata = lowerKeys(info.Metadata)
	return info, nil
}

func (s *Store) ensureBucket(ctx context.Context, region string) error {
	exists, err := s.backend.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %q: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.backend.MakeBucket(ctx, s.bucket, region); err != nil {
		return fmt.Errorf("create bucket %q: %w", s.bucket, err)
	}
	return nil
}

func (s *Store) objectKey(key string) (string, error) {
	segments, err := splitKey(key)
	if err != nil {
		return "", err
	}
	if len(segments) == 0 {
		return "", fmt.Errorf("%w: key is empty", storage.ErrInvalidKey)
	}
	return strings.Join(append(append([]string(nil), s.root...), segments...), "/"), nil
}

func (s *Store) relativeKey(full string) string {
	if len(s.root) == 0 {
		return full
	}
	return strings.TrimPrefix(full, strings.Join(s.root, "/")+"/")
}

// splitKey breaks a slash separated key into segments, dropping empty and "."
// segments. Any ".." segment is rejected rather than resolved.
func splitKey(key string) ([]string, error) {
	var segments []string
	for _, segment := range strings.Split(strings.TrimSpace(key), "/") {
		switch segment {
		case "", ".":
			continue
		case "..":
			return nil, fmt.Errorf("%w: %q escapes its prefix", storage.ErrInvalidKey, key)
		}
		segments = append(segments, segment)
	}
	return segments, nil
}

func normalizeMetadata(in map[string]string) (map[string]string, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(in))
	total := 0
	for key, value := range in {
		key = strings.ToLower(strings.TrimSpace(key))
		if !validMetadataKey(key) {
			return nil, fmt.Errorf("invalid metadata key %q", key)
		}
		for _, r := range value {
			if r < 0x20 || r > 0x7e {
				return nil, fmt.Errorf("metadata %q must be printable ASCII", key)
			}
		}
		total += len(key) + len(value)
		out[key] = value
	}
	if total > maxMetadataBytes {
		return nil, fmt.Errorf("metadata is %d bytes, limit is %d", total, maxMetadataBytes)
	}
	return out, nil
}

func validMetadataKey(key string) bool {
	if key == "" {
		return false
	}
	for _, r := range key {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '-' {
			return false
		}
	}
	return true
}

func lowerKeys(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for key, value := range in {
		out[strings.ToLower(key)] = value
	}
	return out
}

// hostAndTLS accepts either a bare host:port or a URL. An https URL forces TLS.
func hostAndTLS(raw string, useSSL bool) (string, bool, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		if raw == "" {
			return "", false, errors.New("endpoint is required")
		}
		return raw, useSSL, nil
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", false, fmt.Errorf("parse endpoint URL: %w", err)
	}
	switch parsed.Scheme {
	case "http", "https":
	default:
		return "", false, fmt.Errorf("unsupported endpoint scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return "", false, errors.New("endpoint host is required")
	}
	return parsed.Host, useSSL || parsed.Scheme == "https", nil
}

func dialMinio(cfg Config) (*minioBackend, error) {
	host, secure, err := hostAndTLS(cfg.Endpoint, cfg.UseSSL)
	if err != nil {
		return nil, err
	}
	mc, err := minio.New(host, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: secure,
		Region: strings.TrimSpace(cfg.Region),
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}
	return &minioBackend{mc: mc}, nil
}

type minioBackend struct {
	mc *minio.Client
}

func (m *minioBackend) PutObject(ctx context.Context, req putRequest) (storage.ObjectInfo, error) {
	uploaded, err := m.mc.PutObject(ctx, req.Bucket, req.Key, req.Body, req.Size, minio.PutObjectOptions{
		ContentType:  req.ContentType,
		UserMetadata: req.Metadata,
	})
	if err != nil {
		return storage.ObjectInfo{}, translateErr(err)
	}
	return storage.ObjectInfo{
		Key:          uploaded.Key,
		Size:         uploaded.Size,
		ETag:         uploaded.ETag,
		LastModified: uploaded.LastModified,
	}, nil
}

func (m *minioBackend) StatObject(ctx context.Context, bucket, key string) (storage.ObjectInfo, error) {
	obj, err := m.mc.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return storage.ObjectInfo{}, translateErr(err)
	}
	return storage.ObjectInfo{
		Key:          obj.Key,
		Size:         obj.Size,
		ETag:         obj.ETag,
		LastModified: obj.LastModified,
		Metadata:     obj.UserMetadata,
	}, nil
}

func (m *minioBackend) BucketExists(ctx context.Context, bucket string) (bool, error) {
	ok, err := m.mc.BucketExists(ctx, bucket)
	return ok, translateErr(err)
}

func (m *minioBackend) MakeBucket(ctx context.Context, bucket, region string) error {
	return translateErr(m.mc.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region}))
}

func translateErr(err error) error {
	if err == nil {
		return nil
	}
	if code := minio.ToErrorResponse(err).Code; code == "NoSuchKey" || code == "NoSuchBucket" || code == "NotFound" {
		return storage.ErrObjectNotFound
	}
	return err
}
