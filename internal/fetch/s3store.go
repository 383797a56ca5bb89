package fetch

import (
	"context"
	"errors"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithy "github.com/aws/smithy-go"

	"github.com/Ap3pp3rs94/batchforge/internal/bundlerrors"
)

// s3API is the subset of the S3 client GetObject needs; lets tests
// substitute a fake without a real network client.
type s3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3ObjectStore adapts the aws-sdk-go-v2 S3 client to the ObjectStore
// interface FetchPool consumes, mapping AWS error shapes onto this
// engine's typed taxonomy (spec §7).
type S3ObjectStore struct {
	client s3API
}

// NewS3ObjectStore wraps client.
func NewS3ObjectStore(client s3API) *S3ObjectStore {
	return &S3ObjectStore{client: client}
}

func (s *S3ObjectStore) GetObject(ctx context.Context, container, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(container),
		Key:    aws.String(key),
	})
	if err == nil {
		return out.Body, nil
	}

	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return nil, bundlerrors.Wrap(bundlerrors.ObjectNotFound, "object not found", err,
			map[string]string{"container": container, "key": key})
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return nil, bundlerrors.Wrap(bundlerrors.ObjectNotFound, "object not found", err,
				map[string]string{"container": container, "key": key})
		case "AccessDenied":
			return nil, bundlerrors.Wrap(bundlerrors.AccessDenied, "access denied", err,
				map[string]string{"container": container, "key": key})
		case "SlowDown", "RequestLimitExceeded", "ThrottlingException":
			return nil, bundlerrors.Wrap(bundlerrors.StoreThrottled, "store throttled", err,
				map[string]string{"container": container, "key": key})
		}
	}
	return nil, bundlerrors.Wrap(bundlerrors.StoreTimeout, "object store call failed", err,
		map[string]string{"container": container, "key": key})
}
