// Package source reads input documents from the local filesystem or from
// S3-compatible object storage (s3://bucket/key).
package source

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const s3Scheme = "s3://"

// GetObjectAPI is the subset of the S3 client used to fetch objects.
type GetObjectAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Options configures the S3 client created on first use.
type S3Options struct {
	Region string
	// Endpoint overrides the service endpoint for MinIO or R2.
	Endpoint string
}

// Reader reads whole documents by path.
type Reader struct {
	opts   S3Options
	client GetObjectAPI
}

// New creates a Reader. The S3 client is only created when an s3:// path is
// read, so local-only runs need no AWS configuration.
func New(opts S3Options) *Reader {
	return &Reader{opts: opts}
}

// NewWithClient creates a Reader with a custom S3 client, used for testing.
func NewWithClient(client GetObjectAPI) *Reader {
	return &Reader{client: client}
}

// IsRemote reports whether path names an S3 object.
func IsRemote(path string) bool {
	return strings.HasPrefix(path, s3Scheme)
}

// ReadFile returns the full contents of path.
func (r *Reader) ReadFile(ctx context.Context, path string) ([]byte, error) {
	if !IsRemote(path) {
		return os.ReadFile(path)
	}

	bucket, key, err := splitS3Path(path)
	if err != nil {
		return nil, err
	}

	client, err := r.s3Client(ctx)
	if err != nil {
		return nil, err
	}

	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get object: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object body: %w", err)
	}
	return data, nil
}

func (r *Reader) s3Client(ctx context.Context) (GetObjectAPI, error) {
	if r.client != nil {
		return r.client, nil
	}

	var opts []func(*awsconfig.LoadOptions) error
	if r.opts.Region != "" {
		opts = append(opts, awsconfig.WithRegion(r.opts.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	endpoint := r.opts.Endpoint
	r.client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true // Required for MinIO and some S3-compatible services
		}
	})
	return r.client, nil
}

// splitS3Path splits s3://bucket/key into its parts.
func splitS3Path(path string) (bucket, key string, err error) {
	rest := strings.TrimPrefix(path, s3Scheme)
	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("invalid s3 path %q: want s3://bucket/key", path)
	}
	return bucket, key, nil
}
