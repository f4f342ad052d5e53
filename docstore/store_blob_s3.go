package docstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

// S3BlobStore implements BlobStore using AWS S3. Object ETags are the version
// tokens, conditional writes use If-Match and creates use If-None-Match.
type S3BlobStore struct {
	Client *s3.Client
	Bucket string
	Prefix string
}

// NewS3BlobStore creates a new S3-backed blob store.
// The prefix is optional and will be prepended to all keys.
func NewS3BlobStore(client *s3.Client, bucket, prefix string) *S3BlobStore {
	return &S3BlobStore{
		Client: client,
		Bucket: bucket,
		Prefix: prefix,
	}
}

func (s *S3BlobStore) fullKey(key string) string {
	return s.Prefix + normalizeKey(key)
}

func (s *S3BlobStore) Get(ctx context.Context, path string) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result, err := s.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.fullKey(path)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("get object %s: %w", path, err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", path, err)
	}

	return &Document{
		Path:    normalizeKey(path),
		Content: data,
		Version: aws.ToString(result.ETag),
	}, nil
}

// Put uploads content. CreateOnly becomes If-None-Match: *, any other
// non-empty expectedVersion an If-Match precondition. A 412 response maps to
// ErrConflict.
func (s *S3BlobStore) Put(ctx context.Context, path string, content []byte, expectedVersion string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.Bucket),
		Key:         aws.String(s.fullKey(path)),
		Body:        bytes.NewReader(content),
		ContentType: aws.String("application/json"),
	}
	switch expectedVersion {
	case "":
	case CreateOnly:
		input.IfNoneMatch = aws.String("*")
	default:
		input.IfMatch = aws.String(expectedVersion)
	}

	result, err := s.Client.PutObject(ctx, input)
	if err != nil {
		var responseErr *smithyhttp.ResponseError
		if errors.As(err, &responseErr) && isS3PreconditionStatus(responseErr.HTTPStatusCode()) {
			return "", fmt.Errorf("%w: version mismatch for %s", ErrConflict, path)
		}
		return "", fmt.Errorf("put object %s: %w", path, err)
	}
	return aws.ToString(result.ETag), nil
}

// isS3PreconditionStatus reports a failed If-Match/If-None-Match. S3 answers
// 409 when a concurrent conditional write to the same key wins the race.
func isS3PreconditionStatus(code int) bool {
	return code == http.StatusPreconditionFailed || code == http.StatusConflict
}

// List uses a "/" delimiter so common prefixes come back as directories.
func (s *S3BlobStore) List(ctx context.Context, prefix string) ([]BlobEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	listPrefix := s.fullKey(prefix)
	if listPrefix != "" && !strings.HasSuffix(listPrefix, "/") {
		listPrefix += "/"
	}

	keys := make([]string, 0)
	var token *string
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		out, err := s.Client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.Bucket),
			Prefix:            aws.String(listPrefix),
			Delimiter:         aws.String("/"),
			ContinuationToken: token,
		})
		if err != nil {
			if isS3NotFound(err) {
				return []BlobEntry{}, nil
			}
			return nil, fmt.Errorf("list objects for prefix %s: %w", prefix, err)
		}

		for _, obj := range out.Contents {
			keys = append(keys, strings.TrimPrefix(aws.ToString(obj.Key), s.Prefix))
		}
		for _, cp := range out.CommonPrefixes {
			// a trailing child segment marks the prefix as a directory
			keys = append(keys, strings.TrimPrefix(aws.ToString(cp.Prefix), s.Prefix)+"_")
		}

		if !aws.ToBool(out.IsTruncated) || out.NextContinuationToken == nil {
			break
		}
		token = out.NextContinuationToken
	}

	return immediateChildren(prefix, keys), nil
}

func isS3NotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &noSuchKey) || errors.As(err, &notFound)
}
