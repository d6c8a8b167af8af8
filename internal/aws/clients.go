// Package aws builds the AWS SDK clients used to fetch routing data.
package aws

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/client"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
)

// DefaultRegion is used when neither the options nor the shared AWS
// config name one.
const DefaultRegion = "us-east-1"

// S3API defines the interface for S3 operations
type S3API interface {
	HeadObjectWithContext(ctx context.Context, input *s3.HeadObjectInput, opts ...request.Option) (*s3.HeadObjectOutput, error)
	GetObjectWithContext(ctx context.Context, input *s3.GetObjectInput, opts ...request.Option) (*s3.GetObjectOutput, error)
}

// Options selects the credentials and endpoint. Empty fields fall back to
// the default credential chain and the shared config.
type Options struct {
	Region  string
	Profile string
	// Endpoint points at an S3-compatible store; it forces path-style
	// addressing.
	Endpoint string
}

// NewSession creates an AWS session with the retry policy used for every
// call.
func NewSession(opts Options) (*session.Session, error) {
	awsConfig := aws.Config{
		Retryer: client.DefaultRetryer{
			NumMaxRetries:    5,
			MinRetryDelay:    100 * time.Millisecond,
			MinThrottleDelay: 500 * time.Millisecond,
			MaxRetryDelay:    5 * time.Second,
			MaxThrottleDelay: 30 * time.Second,
		},
	}
	if opts.Region != "" {
		awsConfig.Region = aws.String(opts.Region)
	}
	if opts.Endpoint != "" {
		awsConfig.Endpoint = aws.String(opts.Endpoint)
		awsConfig.S3ForcePathStyle = aws.Bool(true)
	}

	sess, err := session.NewSessionWithOptions(session.Options{
		Config:            awsConfig,
		Profile:           opts.Profile,
		SharedConfigState: session.SharedConfigEnable,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}
	if aws.StringValue(sess.Config.Region) == "" {
		sess.Config.Region = aws.String(DefaultRegion)
	}
	return sess, nil
}

// NewS3Client returns an S3 client for opts.
func NewS3Client(opts Options) (S3API, error) {
	sess, err := NewSession(opts)
	if err != nil {
		return nil, err
	}
	return s3.New(sess), nil
}

// IsNotFound reports whether err is a missing bucket or key.
func IsNotFound(err error) bool {
	var awsErr awserr.Error
	if !errors.As(err, &awsErr) {
		return false
	}
	switch awsErr.Code() {
	case s3.ErrCodeNoSuchKey, s3.ErrCodeNoSuchBucket, "NotFound":
		return true
	}
	return false
}

// DescribeError turns common SDK failures into an actionable message.
func DescribeError(err error, bucket, key string) error {
	var awsErr awserr.Error
	if !errors.As(err, &awsErr) {
		return fmt.Errorf("s3://%s/%s: %w", bucket, key, err)
	}
	switch awsErr.Code() {
	case "NoCredentialProviders":
		return fmt.Errorf("AWS credentials not found. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY or configure a profile: %w", err)
	case "ExpiredToken", "TokenRefreshRequired":
		return fmt.Errorf("AWS credentials have expired: %w", err)
	case "AccessDenied", "Forbidden":
		return fmt.Errorf("access denied to s3://%s/%s; s3:GetObject is required: %w", bucket, key, err)
	case s3.ErrCodeNoSuchBucket:
		return fmt.Errorf("S3 bucket '%s' does not exist: %w", bucket, err)
	default:
		return fmt.Errorf("S3 operation failed (%s) for s3://%s/%s: %w", awsErr.Code(), bucket, key, err)
	}
}
