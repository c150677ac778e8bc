package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3DiagnosticStore archives diagnostics in S3-compatible storage.
type S3DiagnosticStore struct {
	client     *s3.Client
	bucket     string
	prefix     string
	localCache string
	now        func() time.Time
}

// S3Config holds S3 configuration
type S3Config struct {
	Bucket          string
	Prefix          string // e.g., "diagnostics/"
	Region          string
	Endpoint        string // For MinIO/local S3
	AccessKeyID     string
	SecretAccessKey string
	LocalCacheDir   string
}

// NewS3DiagnosticStore creates a new S3-backed diagnostic store
func NewS3DiagnosticStore(ctx context.Context, cfg S3Config) (*S3DiagnosticStore, error) {
	optFns := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		optFns = append(optFns, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var clientOpts []func(*s3.Options)
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // Required for MinIO
		})
	}

	if cfg.LocalCacheDir != "" {
		if err := os.MkdirAll(cfg.LocalCacheDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
	}

	return &S3DiagnosticStore{
		client:     s3.NewFromConfig(awsCfg, clientOpts...),
		bucket:     cfg.Bucket,
		prefix:     cfg.Prefix,
		localCache: cfg.LocalCacheDir,
		now:        time.Now,
	}, nil
}

// Store uploads one attempt's diagnostic text.
func (s *S3DiagnosticStore) Store(ctx context.Context, invocationID string, attempt int, diagnostic []byte) (string, error) {
	key := s.buildKey(invocationID, attempt)

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(diagnostic),
		ContentType: aws.String("text/plain"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload diagnostic to S3: %w", err)
	}

	if s.localCache != "" {
		_ = os.WriteFile(filepath.Join(s.localCache, filepath.Base(key)), diagnostic, 0644)
	}

	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// Retrieve fetches a diagnostic, preferring the local cache.
func (s *S3DiagnosticStore) Retrieve(ctx context.Context, reference string) ([]byte, error) {
	key := extractKey(reference)

	if s.localCache != "" {
		if data, err := os.ReadFile(filepath.Join(s.localCache, filepath.Base(key))); err == nil {
			return data, nil
		}
	}

	output, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get diagnostic from S3: %w", err)
	}
	defer output.Body.Close()

	data, err := io.ReadAll(output.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read diagnostic: %w", err)
	}

	if s.localCache != "" {
		_ = os.WriteFile(filepath.Join(s.localCache, filepath.Base(key)), data, 0644)
	}
	return data, nil
}

func (s *S3DiagnosticStore) buildKey(invocationID string, attempt int) string {
	return fmt.Sprintf("%s%s/%s", s.prefix, s.now().Format("2006/01/02"), diagnosticName(invocationID, attempt))
}

// extractKey strips the s3://bucket/ prefix from a reference.
func extractKey(reference string) string {
	rest, ok := strings.CutPrefix(reference, "s3://")
	if !ok {
		return reference
	}
	if _, key, found := strings.Cut(rest, "/"); found {
		return key
	}
	return rest
}

func diagnosticName(invocationID string, attempt int) string {
	return fmt.Sprintf("%s-attempt%d.txt", invocationID, attempt)
}

// LocalDiagnosticStore keeps diagnostics on the local filesystem.
type LocalDiagnosticStore struct {
	basePath string
}

func NewLocalDiagnosticStore(basePath string) (*LocalDiagnosticStore, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create diagnostic directory: %w", err)
	}
	return &LocalDiagnosticStore{basePath: basePath}, nil
}

func (l *LocalDiagnosticStore) Store(_ context.Context, invocationID string, attempt int, diagnostic []byte) (string, error) {
	path := filepath.Join(l.basePath, diagnosticName(invocationID, attempt))
	if err := os.WriteFile(path, diagnostic, 0644); err != nil {
		return "", fmt.Errorf("failed to write diagnostic: %w", err)
	}
	return path, nil
}

// Retrieve reads a diagnostic previously stored under this store's base path.
func (l *LocalDiagnosticStore) Retrieve(_ context.Context, reference string) ([]byte, error) {
	rel, err := filepath.Rel(l.basePath, reference)
	if err != nil || strings.HasPrefix(rel, "..") {
		return nil, ErrNotFound
	}
	data, err := os.ReadFile(reference)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	return data, err
}

var (
	_ DiagnosticStore = (*S3DiagnosticStore)(nil)
	_ DiagnosticStore = (*LocalDiagnosticStore)(nil)
)
