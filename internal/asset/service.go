// Package asset provides time-limited signed references to protected media
// objects in R2/S3-compatible storage. Whether a caller may receive one is
// decided by the access gate in the API layer from verification state; this
// package only mints the reference.
package asset

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

var (
	// ErrMissingKey is returned when no asset key is supplied.
	ErrMissingKey = errors.New("asset key is required")

	// ErrInvalidKey is returned when the asset key contains path traversal
	// or other disallowed characters.
	ErrInvalidKey = errors.New("invalid asset key")

	// ErrSigning is returned when the storage backend's signing call
	// fails. It deliberately carries no credential or endpoint detail.
	ErrSigning = errors.New("failed to sign asset reference")
)

// SignedReference is a time-limited URL granting temporary read access to a
// protected media object. No caching beyond its TTL: each call may mint a
// new one.
type SignedReference struct {
	URL       string
	ExpiresIn time.Duration
}

// Signer mints signed references for asset keys.
type Signer interface {
	SignedReference(ctx context.Context, assetKey string) (*SignedReference, error)
}

// Service implements Signer against R2/S3-compatible object storage.
type Service struct {
	presignClient *s3.PresignClient
	bucketName    string
	ttl           time.Duration
}

// ServiceConfig holds configuration for the asset signing service.
type ServiceConfig struct {
	BucketName      string
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string
	TTL             time.Duration // Default: 1 hour
}

// NewService creates a new asset signing service with the given configuration.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.BucketName == "" {
		return nil, errors.New("bucket name is required")
	}
	if cfg.AccessKeyID == "" {
		return nil, errors.New("access key ID is required")
	}
	if cfg.SecretAccessKey == "" {
		return nil, errors.New("secret access key is required")
	}
	if cfg.Endpoint == "" {
		return nil, errors.New("endpoint is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}

	// R2-compatible client configuration
	s3Client := s3.New(s3.Options{
		Region: "auto", // R2 uses auto region
		Credentials: aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"", // No session token for R2
		)),
		BaseEndpoint: aws.String(cfg.Endpoint),
		UsePathStyle: true, // R2 requires path-style addressing
	})

	return &Service{
		presignClient: s3.NewPresignClient(s3Client),
		bucketName:    cfg.BucketName,
		ttl:           cfg.TTL,
	}, nil
}

// ValidateKey checks an asset key for presence and path safety.
func ValidateKey(key string) error {
	if key == "" {
		return ErrMissingKey
	}
	if strings.Contains(key, "..") || strings.HasPrefix(key, "/") {
		return ErrInvalidKey
	}
	for _, r := range key {
		valid := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') ||
			r == '-' || r == '_' || r == '/' || r == '.'
		if !valid {
			return ErrInvalidKey
		}
	}
	return nil
}

// SignedReference mints a presigned GET URL for the asset key.
func (s *Service) SignedReference(ctx context.Context, assetKey string) (*SignedReference, error) {
	if err := ValidateKey(assetKey); err != nil {
		return nil, err
	}

	getObjectInput := &s3.GetObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(assetKey),
	}

	presignedReq, err := s.presignClient.PresignGetObject(ctx, getObjectInput, func(opts *s3.PresignOptions) {
		opts.Expires = s.ttl
	})
	if err != nil {
		// Wrap with a stable sentinel; the raw SDK error can carry
		// endpoint and credential context that must not reach callers.
		return nil, fmt.Errorf("%w: presign get object", ErrSigning)
	}

	return &SignedReference{
		URL:       presignedReq.URL,
		ExpiresIn: s.ttl,
	}, nil
}
