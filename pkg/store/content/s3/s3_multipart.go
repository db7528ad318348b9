package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/marmos91/auvault/internal/logger"
)

// multipartUpload streams body to key in PartSize parts.
//
// Parts are uploaded sequentially: the bandwidth limiter already bounds
// throughput, and a sealed segment is read once from disk. On any failure
// the upload is aborted so no orphaned parts are left billed in the bucket.
func (a *Archiver) multipartUpload(ctx context.Context, key string, body io.Reader) (err error) {
	// ========================================================================
	// Step 1: Initiate the upload
	// ========================================================================

	start := time.Now()
	created, err := a.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	a.metrics.ObserveOperation("CreateMultipartUpload", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("failed to create multipart upload for %s: %w", key, err)
	}
	uploadID := created.UploadId

	defer func() {
		if err == nil {
			return
		}
		// Use a fresh context: ctx may be the reason we are aborting.
		abortCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, abortErr := a.client.AbortMultipartUpload(abortCtx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(a.bucket),
			Key:      aws.String(key),
			UploadId: uploadID,
		}); abortErr != nil {
			logger.Warn("Failed to abort multipart upload %s for %s: %v", aws.ToString(uploadID), key, abortErr)
		}
	}()

	// ========================================================================
	// Step 2: Upload parts
	// ========================================================================

	var parts []types.CompletedPart
	buf := make([]byte, a.partSize)
	for partNumber := int32(1); ; partNumber++ {
		n, readErr := io.ReadFull(body, buf)
		if readErr != nil && !errors.Is(readErr, io.ErrUnexpectedEOF) && !errors.Is(readErr, io.EOF) {
			return fmt.Errorf("failed to read segment for %s: %w", key, readErr)
		}
		if n == 0 {
			break
		}

		start := time.Now()
		out, err := a.client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:        aws.String(a.bucket),
			Key:           aws.String(key),
			UploadId:      uploadID,
			PartNumber:    aws.Int32(partNumber),
			Body:          bytes.NewReader(buf[:n]),
			ContentLength: aws.Int64(int64(n)),
		})
		a.metrics.ObserveOperation("UploadPart", time.Since(start), err)
		if err != nil {
			return fmt.Errorf("failed to upload part %d of %s: %w", partNumber, key, err)
		}
		parts = append(parts, types.CompletedPart{
			ETag:       out.ETag,
			PartNumber: aws.Int32(partNumber),
		})

		if readErr != nil {
			break
		}
	}

	// ========================================================================
	// Step 3: Complete the upload
	// ========================================================================

	start = time.Now()
	_, err = a.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(a.bucket),
		Key:             aws.String(key),
		UploadId:        uploadID,
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	a.metrics.ObserveOperation("CompleteMultipartUpload", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("failed to complete multipart upload for %s: %w", key, err)
	}
	return nil
}
