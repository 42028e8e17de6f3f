package report

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/foundry-server/foundry/spawn"
)

// Store persists report documents under hierarchical keys.
type Store interface {
	// Put writes data at key, creating intermediate levels as needed.
	Put(ctx context.Context, key string, data []byte) error
}

// Archiver saves failure reports to a store.
type Archiver struct {
	store Store
}

// NewArchiver creates an archiver on top of a store.
func NewArchiver(store Store) *Archiver {
	return &Archiver{store: store}
}

// Save persists the report and returns its storage key.
func (a *Archiver) Save(ctx context.Context, r *Report) (string, error) {
	data, err := r.Marshal()
	if err != nil {
		return "", fmt.Errorf("marshal spawn failure report: %w", err)
	}
	key := r.Key()
	if err := a.store.Put(ctx, key, data); err != nil {
		return "", fmt.Errorf("store spawn failure report: %w", err)
	}
	return key, nil
}

// ArchiveFailure builds and saves a report for a spawn failure. This is
// the engine's archiver hook; the spawner calls it best-effort on every
// failed attempt.
func (a *Archiver) ArchiveFailure(ctx context.Context, e *spawn.Error, appRoot, appEnv string) (string, error) {
	return a.Save(ctx, Build(e, appRoot, appEnv))
}

// Verify Archiver satisfies the engine's hook.
var _ spawn.FailureArchiver = (*Archiver)(nil)

// FileStore stores reports under a local base directory.
type FileStore struct {
	base string
}

// NewFileStore creates a filesystem-backed store rooted at base.
func NewFileStore(base string) (*FileStore, error) {
	if base == "" {
		return nil, errors.New("file store requires a base directory")
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("create report base dir: %w", err)
	}
	return &FileStore{base: base}, nil
}

// Put writes data to <base>/<key>.
func (s *FileStore) Put(_ context.Context, key string, data []byte) error {
	path := filepath.Join(s.base, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// S3Config holds configuration for the S3 report store.
type S3Config struct {
	// Bucket is the S3 bucket name (required).
	Bucket string
	// Prefix is the key prefix within the bucket (optional).
	Prefix string
	// Region is the AWS region (optional, uses default chain if empty).
	Region string
	// Endpoint is a custom S3 endpoint URL for S3-compatible providers
	// (e.g. Cloudflare R2, MinIO). Empty uses the default AWS endpoint.
	Endpoint string
	// UsePathStyle forces path-style addressing (bucket in path, not
	// subdomain). Required by most S3-compatible providers.
	UsePathStyle bool
}

// Validate checks that required S3 configuration is present.
func (c *S3Config) Validate() error {
	if c.Bucket == "" {
		return errors.New("S3 bucket is required")
	}
	return nil
}

// ParseS3Path parses a path in format "bucket/prefix" or "bucket".
func ParseS3Path(path string) (bucket, prefix string) {
	parts := strings.SplitN(path, "/", 2)
	bucket = parts[0]
	if len(parts) > 1 {
		prefix = parts[1]
	}
	return bucket, prefix
}

// s3API is the slice of the S3 client the store uses; narrowed for
// test fakes.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Store stores reports in an S3 bucket.
type S3Store struct {
	client s3API
	cfg    S3Config
}

// NewS3Store creates an S3-backed store using the AWS SDK default
// credential chain (env vars, shared config, IAM role).
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsConfig, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = &endpoint
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return &S3Store{
		client: s3.NewFromConfig(awsConfig, s3Opts...),
		cfg:    cfg,
	}, nil
}

// Put uploads data at <prefix>/<key>.
func (s *S3Store) Put(ctx context.Context, key string, data []byte) error {
	fullKey := key
	if s.cfg.Prefix != "" {
		fullKey = s.cfg.Prefix + "/" + key
	}
	contentType := "application/json"
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &s.cfg.Bucket,
		Key:         &fullKey,
		Body:        bytes.NewReader(data),
		ContentType: &contentType,
	})
	return err
}
