package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/kalambet/storevoice/internal/failure"
)

const s3Scheme = "s3://"

// S3Options configures the object storage client.
type S3Options struct {
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

type objectGetter interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3 downloads s3://bucket/key references into a temporary directory.
type S3 struct {
	client objectGetter
	tmpDir string
}

// NewS3 builds an S3 resolver from the default AWS credential chain, or
// from static credentials when both keys are set.
func NewS3(ctx context.Context, opts S3Options) (*S3, error) {
	var optFns []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		optFns = append(optFns, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		optFns = append(optFns, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3{client: client}, nil
}

// Resolve downloads the object to a temporary file.
func (r *S3) Resolve(ctx context.Context, mediaPath string) (File, error) {
	bucket, key, err := parseS3Path(mediaPath)
	if err != nil {
		return File{}, failure.New(failure.MediaUnreadable, err)
	}

	out, err := r.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFoundError(err) {
			return File{}, failure.New(failure.MediaUnreadable, fmt.Errorf("%w: %s", ErrNotFound, mediaPath))
		}
		return File{}, failure.New(failure.StorageUnavailable, fmt.Errorf("getting %s: %w", mediaPath, err))
	}
	defer out.Body.Close()

	tmp, err := os.CreateTemp(r.tmpDir, "media-*"+path.Ext(key))
	if err != nil {
		return File{}, fmt.Errorf("creating temp file: %w", err)
	}
	cleanup := func() { os.Remove(tmp.Name()) }

	if _, err := io.Copy(tmp, out.Body); err != nil {
		tmp.Close()
		cleanup()
		return File{}, failure.New(failure.StorageUnavailable, fmt.Errorf("downloading %s: %w", mediaPath, err))
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return File{}, fmt.Errorf("closing temp file: %w", err)
	}
	return File{Path: tmp.Name(), release: cleanup}, nil
}

func parseS3Path(p string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(p, s3Scheme)
	if !ok {
		return "", "", fmt.Errorf("not an s3 reference: %q", p)
	}
	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("malformed s3 reference: %q", p)
	}
	return bucket, key, nil
}

func isNotFoundError(err error) bool {
	var nsk *s3types.NoSuchKey
	var nse *s3types.NotFound
	var nsb *s3types.NoSuchBucket
	return errors.As(err, &nsk) || errors.As(err, &nse) || errors.As(err, &nsb)
}
