package s3blob

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormaliseEndpoint(t *testing.T) {
	assert.Equal(t, "https://minio.local:9000", normaliseEndpoint("https://minio.local:9000", false))
	assert.Equal(t, "http://minio.local:9000", normaliseEndpoint("minio.local:9000", false))
	assert.Equal(t, "https://minio.local:9000", normaliseEndpoint("minio.local:9000", true))
	assert.Equal(t, "http://localhost:9000", normaliseEndpoint("localhost:9000", false))
	assert.Equal(t, "https://s3.example.com", normaliseEndpoint("s3.example.com", true))
}

func TestNewRequiresRegion(t *testing.T) {
	_, err := New(context.Background(), ClientConfig{Bucket: "agents"})
	require.Error(t, err)
}

func TestFetcherResolveBucket(t *testing.T) {
	c, err := New(context.Background(), ClientConfig{Region: "us-east-1", AccessKey: "k", SecretKey: "s"})
	require.NoError(t, err)
	f := NewFetcher(c)

	_, err = f.resolve("")
	require.Error(t, err)
	b, err := f.resolve("explicit")
	require.NoError(t, err)
	assert.Equal(t, "explicit", b)

	c, err = New(context.Background(), ClientConfig{Region: "us-east-1", Bucket: "agents", AccessKey: "k", SecretKey: "s"})
	require.NoError(t, err)
	b, err = NewFetcher(c).resolve("")
	require.NoError(t, err)
	assert.Equal(t, "agents", b)
}

type statusErr int

func (e statusErr) Error() string       { return fmt.Sprintf("status %d", int(e)) }
func (e statusErr) HTTPStatusCode() int { return int(e) }

func TestIsNotFound(t *testing.T) {
	assert.True(t, isNotFound(&types.NoSuchKey{}))
	assert.True(t, isNotFound(fmt.Errorf("wrapped: %w", &types.NotFound{})))
	assert.True(t, isNotFound(statusErr(404)))
	assert.False(t, isNotFound(statusErr(403)))
	assert.False(t, isNotFound(errors.New("boom")))
}
