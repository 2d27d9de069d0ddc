// Package s3 archives job results to AWS S3 or S3-compatible storage.
package s3

import "fmt"

// Config configures the S3 archiver.
//
// Authentication follows the AWS SDK v2 default chain unless explicit
// credentials are provided. For S3-compatible stores (MinIO, Wasabi),
// set Endpoint and typically ForcePathStyle.
type Config struct {
	// Bucket is the S3 bucket name (required).
	Bucket string

	// Prefix is prepended to every object key, e.g. "results/".
	Prefix string

	// Region is the AWS region. Defaults to us-east-1 for AWS S3 when
	// not resolvable from environment or profile.
	Region string

	// Endpoint is a custom endpoint URL for S3-compatible stores.
	// Leave empty for AWS S3.
	Endpoint string

	// Profile is the AWS profile name from shared config.
	Profile string

	// AccessKeyID and SecretAccessKey are explicit credentials. Both
	// must be set together; they take precedence over the chain.
	AccessKeyID     string
	SecretAccessKey string

	// ForcePathStyle forces path-style URLs. Required for most
	// S3-compatible stores.
	ForcePathStyle bool
}

// DefaultAWSRegion is the fallback region when none is specified.
const DefaultAWSRegion = "us-east-1"

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Bucket == "" {
		return fmt.Errorf("s3 archive: bucket name is required")
	}
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return fmt.Errorf("s3 archive: access key id and secret access key must be provided together")
	}
	return nil
}
