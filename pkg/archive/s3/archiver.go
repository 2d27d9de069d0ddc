package s3

import (
	"bytes"
	"context"
	"encoding/json"
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

	"github.com/quantumhub/execgate/pkg/archive"
	"github.com/quantumhub/execgate/pkg/job"
)

// Archiver stores one JSON object per terminal job result.
type Archiver struct {
	client *s3.Client
	bucket string
	prefix string
}

var _ archive.Archiver = (*Archiver)(nil)

// New creates an S3 archiver with the given configuration.
func New(ctx context.Context, cfg Config) (*Archiver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("s3 archive: load aws config: %w", err)
	}

	s3Opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}
		},
	}
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	return &Archiver{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

func loadAWSConfig(ctx context.Context, cfg Config) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error

	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}

	// Custom endpoints get no default region; AWS S3 falls back to
	// the standard one.
	if awsCfg.Region == "" && cfg.Endpoint == "" {
		awsCfg.Region = DefaultAWSRegion
	}
	return awsCfg, nil
}

func (a *Archiver) key(jobID string) string {
	return a.prefix + jobID + ".json"
}

// Archive uploads the result as a JSON object keyed by job id,
// overwriting any previous copy.
func (a *Archiver) Archive(ctx context.Context, res *job.Result) error {
	body, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("s3 archive: encode result: %w", err)
	}

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(a.key(res.JobID)),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String("application/json"),
	})
	if err != nil {
		return a.wrapError("Archive", res.JobID, err)
	}
	return nil
}

// Fetch retrieves a previously archived result.
func (a *Archiver) Fetch(ctx context.Context, jobID string) (*job.Result, error) {
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.key(jobID)),
	})
	if err != nil {
		return nil, a.wrapError("Fetch", jobID, err)
	}
	defer out.Body.Close()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("s3 archive: read object: %w", err)
	}
	var res job.Result
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("s3 archive: decode result: %w", err)
	}
	return &res, nil
}

// wrapError maps S3 failures onto the archive sentinel errors.
func (a *Archiver) wrapError(op, jobID string, err error) error {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return fmt.Errorf("s3 archive %s %s: %w", op, jobID, archive.ErrNotArchived)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return fmt.Errorf("s3 archive %s %s: %w", op, jobID, archive.ErrNotArchived)
		case "SlowDown", "Throttling", "RequestLimitExceeded", "ServiceUnavailable", "InternalError":
			return fmt.Errorf("s3 archive %s %s: %w: %v", op, jobID, archive.ErrUnavailable, err)
		}
	}

	msg := err.Error()
	if strings.Contains(msg, "NoSuchKey") || strings.Contains(msg, "404") {
		return fmt.Errorf("s3 archive %s %s: %w", op, jobID, archive.ErrNotArchived)
	}
	return fmt.Errorf("s3 archive %s %s: %w", op, jobID, err)
}
