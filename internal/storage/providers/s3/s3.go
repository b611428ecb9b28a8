// Package s3 implements storage.Provider on an S3-compatible bucket.
package s3

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/memohai/deskbridge/internal/config"
)

// PutObjectAPI is the subset of the S3 client the provider uses.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *awss3.PutObjectInput, optFns ...func(*awss3.Options)) (*awss3.PutObjectOutput, error)
}

type Provider struct {
	client    PutObjectAPI
	bucket    string
	keyPrefix string
	baseURL   string
}

// New builds a client from static credentials. An empty endpoint targets AWS.
func New(cfg config.S3StorageConfig) (*Provider, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	opts := awss3.Options{
		Region:                     region,
		UsePathStyle:               cfg.PathStyle,
		RequestChecksumCalculation: aws.RequestChecksumCalculationWhenRequired,
	}
	if cfg.AccessKeyID != "" {
		opts.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(strings.TrimRight(cfg.Endpoint, "/"))
	}
	return NewWithClient(awss3.New(opts), cfg), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client PutObjectAPI, cfg config.S3StorageConfig) *Provider {
	base := strings.TrimRight(cfg.PublicBaseURL, "/")
	if base == "" {
		switch {
		case cfg.Endpoint != "":
			base = strings.TrimRight(cfg.Endpoint, "/") + "/" + cfg.Bucket
		case cfg.Region != "":
			base = fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.Bucket, cfg.Region)
		default:
			base = fmt.Sprintf("https://%s.s3.amazonaws.com", cfg.Bucket)
		}
	}
	return &Provider{
		client:    client,
		bucket:    cfg.Bucket,
		keyPrefix: strings.Trim(cfg.KeyPrefix, "/"),
		baseURL:   base,
	}
}

func (p *Provider) objectKey(key string) string {
	if p.keyPrefix == "" {
		return key
	}
	return path.Join(p.keyPrefix, key)
}

// Put uploads reader under key. Visibility is left to the bucket policy.
func (p *Provider) Put(ctx context.Context, key string, reader io.Reader, contentType string) error {
	input := &awss3.PutObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(p.objectKey(key)),
		Body:   reader,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := p.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("s3 put %s: %w", key, err)
	}
	return nil
}

func (p *Provider) URL(key string) string {
	segments := strings.Split(p.objectKey(key), "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return p.baseURL + "/" + strings.Join(segments, "/")
}
