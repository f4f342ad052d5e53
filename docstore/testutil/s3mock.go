// Package testutil provides in-process fakes of the external services the
// document store talks to.
package testutil

import (
	"context"
	"fmt"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
	"github.com/redis/go-redis/v9"
)

// MockS3 is a gofakes3 server with a client pointed at it and one bucket
// already created.
type MockS3 struct {
	Server *httptest.Server
	Client *s3.Client
	Bucket string
}

func StartMockS3(ctx context.Context, bucket string) (*MockS3, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	faker := gofakes3.New(s3mem.New())
	server := httptest.NewServer(faker.Server())

	cfg, err := config.LoadDefaultConfig(
		ctx,
		config.WithRegion("us-east-1"),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("test", "test", "")),
	)
	if err != nil {
		server.Close()
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
		o.BaseEndpoint = aws.String(server.URL)
	})

	if _, err := client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucket)}); err != nil {
		server.Close()
		return nil, fmt.Errorf("create bucket %q: %w", bucket, err)
	}

	return &MockS3{Server: server, Client: client, Bucket: bucket}, nil
}

func (m *MockS3) Close() {
	if m == nil || m.Server == nil {
		return
	}
	m.Server.Close()
}

// StartMockS3T starts a MockS3 that is closed when t finishes.
func StartMockS3T(t testing.TB, bucket string) *MockS3 {
	t.Helper()
	m, err := StartMockS3(context.Background(), bucket)
	if err != nil {
		t.Fatalf("start mock s3: %v", err)
	}
	t.Cleanup(m.Close)
	return m
}

// StartRedisT runs miniredis for the duration of t and returns a client for it.
func StartRedisT(t testing.TB) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}
