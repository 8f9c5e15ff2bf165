package mailbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3Config configures the S3 mailbox.
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string // custom endpoint, e.g. MinIO
	Profile  string

	AccessKeyID     string
	SecretAccessKey string
}

// S3API is the subset of the S3 client the mailbox uses.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3 stores each feedback payload as an object; the mailbox key is the
// object key. Reviewers can answer with any S3 client.
type S3 struct {
	client S3API
	bucket string
}

// NewS3 loads AWS configuration and creates the mailbox.
func NewS3(ctx context.Context, conf S3Config) (*S3, error) {
	if conf.Bucket == "" {
		return nil, errors.New("s3 mailbox: bucket required")
	}

	var opts []func(*config.LoadOptions) error
	if conf.Region != "" {
		opts = append(opts, config.WithRegion(conf.Region))
	}
	if conf.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(conf.Profile))
	}
	if conf.AccessKeyID != "" && conf.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(conf.AccessKeyID, conf.SecretAccessKey, ""),
		))
	}
	if conf.Endpoint != "" {
		opts = append(opts, config.WithBaseEndpoint(conf.Endpoint))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		// Custom endpoints (MinIO, localstack) generally need path-style addressing.
		o.UsePathStyle = conf.Endpoint != ""
	})
	return NewS3WithClient(client, conf.Bucket), nil
}

// NewS3WithClient wraps an existing client.
func NewS3WithClient(client S3API, bucket string) *S3 {
	return &S3{client: client, bucket: bucket}
}

// Put uploads payload as the object key.
func (m *S3) Put(ctx context.Context, key string, payload []byte) error {
	_, err := m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(m.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String(contentType(key)),
	})
	if err != nil {
		return fmt.Errorf("writing s3://%s/%s: %w", m.bucket, key, err)
	}
	return nil
}

// Get downloads the object key.
func (m *S3) Get(ctx context.Context, key string) ([]byte, bool, error) {
	out, err := m.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("reading s3://%s/%s: %w", m.bucket, key, err)
	}
	defer out.Body.Close()

	payload, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, false, fmt.Errorf("reading s3://%s/%s: %w", m.bucket, key, err)
	}
	return payload, true, nil
}

// Delete removes the object key. S3 treats missing keys as deleted.
func (m *S3) Delete(ctx context.Context, key string) error {
	_, err := m.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("deleting s3://%s/%s: %w", m.bucket, key, err)
	}
	return nil
}

// Close is a no-op; the SDK client holds no resources that need releasing.
func (m *S3) Close() error { return nil }

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

func contentType(key string) string {
	if strings.HasSuffix(key, ".json") {
		return "application/json"
	}
	return "application/octet-stream"
}
