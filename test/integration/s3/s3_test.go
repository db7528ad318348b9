//go:build integration

package s3_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/marmos91/auvault/pkg/store/content"
	s3store "github.com/marmos91/auvault/pkg/store/content/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestS3 creates an S3 client and test bucket for integration tests.
//
// It connects to Localstack (or other S3-compatible endpoint) and creates a
// test bucket that is emptied and deleted when the test ends.
func setupTestS3(t *testing.T, bucketName string) *s3.Client {
	t.Helper()
	ctx := context.Background()

	endpoint := os.Getenv("LOCALSTACK_ENDPOINT")
	if endpoint == "" {
		endpoint = "http://localhost:4566"
	}

	cfg, err := awsConfig.LoadDefaultConfig(ctx,
		awsConfig.WithRegion("us-east-1"),
		awsConfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("test", "test", "")),
	)
	require.NoError(t, err, "failed to load AWS config")

	// Path-style URLs are required for Localstack
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	})

	_, err = client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucketName)})
	require.NoError(t, err, "failed to create test bucket")

	t.Cleanup(func() {
		listResp, _ := client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{Bucket: aws.String(bucketName)})
		if listResp != nil {
			for _, obj := range listResp.Contents {
				_, _ = client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(bucketName), Key: obj.Key})
			}
		}
		_, _ = client.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(bucketName)})
	})

	return client
}

// TestArchiveSealed_Integration archives sealed segments to Localstack and
// downloads them back.
//
// Prerequisites:
//   - Localstack running on localhost:4566
//   - Run with: go test -tags=integration ./test/integration/s3/...
//
// To start Localstack:
//
//	docker run --rm -p 4566:4566 localstack/localstack
func TestArchiveSealed_Integration(t *testing.T) {
	ctx := context.Background()
	bucketName := "auvault-test-bucket"
	client := setupTestS3(t, bucketName)

	// ========================================================================
	// Setup: a stem with several sealed segments
	// ========================================================================

	store, err := content.NewSegmentStore(ctx, content.Config{
		RootDir:        t.TempDir(),
		MaxSegmentSize: 4096,
		Compression:    content.CompressionGzip,
	})
	require.NoError(t, err)
	defer store.Close()

	for i := 0; i < 8; i++ {
		staging := store.NewStaging()
		_, err := staging.Write(bytes.Repeat([]byte(fmt.Sprintf("record-%d ", i)), 300))
		require.NoError(t, err)
		_, err = store.Append(ctx, "au1/WARC", content.Record{
			TargetURI: fmt.Sprintf("http://example.org/page%d", i),
			Content:   staging,
		})
		require.NoError(t, staging.Close())
		require.NoError(t, err)
	}

	sealed, err := store.SealedSegments("au1/WARC")
	require.NoError(t, err)
	require.NotEmpty(t, sealed)

	// ========================================================================
	// Archive twice: the second run must skip everything
	// ========================================================================

	archiver, err := s3store.NewArchiver(s3store.ArchiverConfig{
		Client:    client,
		Bucket:    bucketName,
		KeyPrefix: "vault",
	})
	require.NoError(t, err)

	stats, err := archiver.ArchiveSealed(ctx, store, "au1/WARC")
	require.NoError(t, err)
	assert.Equal(t, len(sealed), stats.Uploaded)

	stats, err = archiver.ArchiveSealed(ctx, store, "au1/WARC")
	require.NoError(t, err)
	assert.Zero(t, stats.Uploaded)
	assert.Equal(t, len(sealed), stats.Skipped)

	// ========================================================================
	// Verify: archived objects are byte-identical to the segments
	// ========================================================================

	for _, seg := range sealed {
		out, err := client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(bucketName),
			Key:    aws.String(archiver.ObjectKey(seg)),
		})
		require.NoError(t, err)
		remote, err := io.ReadAll(out.Body)
		_ = out.Body.Close()
		require.NoError(t, err)

		local, err := os.ReadFile(seg.Path)
		require.NoError(t, err)
		assert.Equal(t, local, remote, "segment %d", seg.Index)
	}
}
