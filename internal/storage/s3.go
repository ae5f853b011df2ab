package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

type S3Credentials struct {
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
}

type S3Config struct {
	Region      string        `yaml:"region"`
	Bucket      string        `yaml:"bucket"`
	Endpoint    string        `yaml:"endpoint"`
	Credentials S3Credentials `yaml:"credentials"`
}

// S3Store keeps objects in a bucket. Ranged reads map to GetObject with a Range header,
// so seeking never downloads the whole object.
type S3Store struct {
	bucket *string
	client *s3.Client
}

func NewS3Store(ctx context.Context, conf S3Config) (*S3Store, error) {
	if conf.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is empty")
	}

	awsConf, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, err
	}

	// If creds are provided in the configuration, they are directly forwarded to the client as static credentials.
	if conf.Credentials.AccessKey != "" && conf.Credentials.SecretKey != "" {
		awsConf.Credentials = credentials.NewStaticCredentialsProvider(conf.Credentials.AccessKey, conf.Credentials.SecretKey, "")
	}
	if conf.Region != "" {
		awsConf.Region = conf.Region
	}

	client := s3.NewFromConfig(awsConf, func(o *s3.Options) {
		if conf.Endpoint != "" {
			o.BaseEndpoint = aws.String(conf.Endpoint)
			o.UsePathStyle = true
		}
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})

	return &S3Store{bucket: aws.String(conf.Bucket), client: client}, nil
}

func (s *S3Store) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	body, size, cleanup, err := seekableBody(r)
	if err != nil {
		return 0, err
	}
	defer cleanup()

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        s.bucket,
		Key:           &key,
		Body:          body,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return 0, err
	}
	return size, nil
}

func (s *S3Store) Open(ctx context.Context, key string) (Object, error) {
	size, err := s.head(ctx, key)
	if err != nil {
		return nil, err
	}
	return &s3Object{store: s, key: key, size: size}, nil
}

// Delete checks existence first: DeleteObject succeeds on missing keys, and callers
// need to know when metadata pointed at nothing.
func (s *S3Store) Delete(ctx context.Context, key string) error {
	if _, err := s.head(ctx, key); err != nil {
		return err
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: s.bucket,
		Key:    &key,
	})
	return err
}

func (s *S3Store) List(ctx context.Context) ([]string, error) {
	var keys []string
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{Bucket: s.bucket})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

func (s *S3Store) head(ctx context.Context, key string) (int64, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: s.bucket,
		Key:    &key,
	})
	if err != nil {
		if isNotFound(err) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return aws.ToInt64(out.ContentLength), nil
}

type s3Object struct {
	store *S3Store
	key   string
	size  int64
}

func (o *s3Object) Size() int64 { return o.size }

func (o *s3Object) ReadRange(ctx context.Context, offset, length int64) (io.ReadCloser, error) {
	if err := checkRange(o.size, offset, length); err != nil {
		return nil, err
	}
	if length == 0 {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}

	out, err := o.store.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: o.store.bucket,
		Key:    &o.key,
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return out.Body, nil
}

func (o *s3Object) Close() error { return nil }

func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	var respErr *smithyhttp.ResponseError
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusNotFound
}

// seekableBody gives PutObject a body with a known length, spooling to a temp file
// when the caller's reader cannot seek.
func seekableBody(r io.Reader) (io.ReadSeeker, int64, func(), error) {
	if rs, ok := r.(io.ReadSeeker); ok {
		start, err := rs.Seek(0, io.SeekCurrent)
		if err != nil {
			return nil, 0, nil, err
		}
		end, err := rs.Seek(0, io.SeekEnd)
		if err != nil {
			return nil, 0, nil, err
		}
		if _, err := rs.Seek(start, io.SeekStart); err != nil {
			return nil, 0, nil, err
		}
		return rs, end - start, func() {}, nil
	}

	tmp, err := os.CreateTemp("", "pulse-upload-*")
	if err != nil {
		return nil, 0, nil, err
	}
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}
	n, err := io.Copy(tmp, r)
	if err != nil {
		cleanup()
		return nil, 0, nil, err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		cleanup()
		return nil, 0, nil, err
	}
	return tmp, n, cleanup, nil
}
