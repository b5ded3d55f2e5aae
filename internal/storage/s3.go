// Package storage wraps the object store used for large artifacts and
// audit archives. Keys are UTF-8; bucket and region come from configuration.
package storage

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jmoiron/sqlx"

	"github.com/developer-mesh/llm-gateway/internal/config"
	"github.com/developer-mesh/llm-gateway/pkg/models"
	"github.com/developer-mesh/llm-gateway/pkg/observability"
)

// ObjectStore is the client surface for bucket operations.
type ObjectStore struct {
	client   *s3.Client
	uploader *manager.Uploader
	presign  *s3.PresignClient
	bucket   string
	timeout  time.Duration
	logger   observability.Logger
}

// NewObjectStore creates an object store bound to the configured bucket.
func NewObjectStore(client *s3.Client, cfg config.ObjectStoreConfig, logger observability.Logger) *ObjectStore {
	timeout := cfg.UploadTimeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &ObjectStore{
		client:   client,
		uploader: manager.NewUploader(client),
		presign:  s3.NewPresignClient(client),
		bucket:   cfg.Bucket,
		timeout:  timeout,
		logger:   logger.WithPrefix("object_store"),
	}
}

// PutObject stores data under key. Large uploads go through the managed
// uploader with the long-object timeout.
func (o *ObjectStore) PutObject(ctx context.Context, key string, data io.Reader) error {
	upCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	_, err := o.uploader.Upload(upCtx, &s3.PutObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(key),
		Body:   data,
	})
	if err != nil {
		return models.WrapError(models.KindTransient, fmt.Sprintf("failed to put object %s", key), err)
	}
	return nil
}

// GetObject fetches the object body for key. The caller closes the reader.
func (o *ObjectStore) GetObject(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := o.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, models.WrapError(models.KindTransient, fmt.Sprintf("failed to get object %s", key), err)
	}
	return out.Body, nil
}

// HeadObject reports whether key exists and its size.
func (o *ObjectStore) HeadObject(ctx context.Context, key string) (int64, error) {
	out, err := o.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, models.WrapError(models.KindTransient, fmt.Sprintf("failed to head object %s", key), err)
	}
	return aws.ToInt64(out.ContentLength), nil
}

// DeleteObject removes key from the bucket.
func (o *ObjectStore) DeleteObject(ctx context.Context, key string) error {
	_, err := o.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return models.WrapError(models.KindTransient, fmt.Sprintf("failed to delete object %s", key), err)
	}
	return nil
}

// ListObjects lists keys under a prefix, up to max entries.
func (o *ObjectStore) ListObjects(ctx context.Context, prefix string, max int32) ([]string, error) {
	out, err := o.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(o.bucket),
		Prefix:  aws.String(prefix),
		MaxKeys: aws.Int32(max),
	})
	if err != nil {
		return nil, models.WrapError(models.KindTransient, "failed to list objects", err)
	}
	keys := make([]string, 0, len(out.Contents))
	for _, obj := range out.Contents {
		keys = append(keys, aws.ToString(obj.Key))
	}
	return keys, nil
}

// PresignGet generates a time-limited download URL for key.
func (o *ObjectStore) PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	req, err := o.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", models.WrapError(models.KindTransient, fmt.Sprintf("failed to presign %s", key), err)
	}
	return req.URL, nil
}

// ArchiveAudit exports audit rows older than cutoff to the object store as
// gzipped JSON lines and prunes them from the relational store once the
// upload has succeeded. A failed prune loses nothing: the rows survive and
// the next run re-archives them under its own time-addressed key.
func (o *ObjectStore) ArchiveAudit(ctx context.Context, db *sqlx.DB, cutoff time.Time) (int, error) {
	var records []models.AuditRecord
	err := db.SelectContext(ctx, &records,
		`SELECT request_id, timestamp, user_id, audit_reason, model_id, operation,
		        temperature, max_tokens, processing_time_ms, success, error_kind,
		        error_detail, input_tokens, output_tokens
		 FROM audit_log WHERE timestamp < $1 ORDER BY timestamp`, cutoff.UTC())
	if err != nil {
		return 0, models.WrapError(models.KindBackingStoreUnavailable, "audit archive query failed", err)
	}
	if len(records) == 0 {
		return 0, nil
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	enc := json.NewEncoder(zw)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return 0, models.WrapError(models.KindProtocolError, "audit archive encode failed", err)
		}
	}
	if err := zw.Close(); err != nil {
		return 0, models.WrapError(models.KindProtocolError, "audit archive compress failed", err)
	}

	key := fmt.Sprintf("audit-archive/%s.jsonl.gz", cutoff.UTC().Format("2006-01-02T15-04-05"))
	if err := o.PutObject(ctx, key, &buf); err != nil {
		return 0, err
	}

	if _, err := db.ExecContext(ctx, `DELETE FROM audit_log WHERE timestamp < $1`, cutoff.UTC()); err != nil {
		// The archive upload already succeeded; rows will be re-archived
		// next run, which is safe because keys are time-addressed.
		o.logger.Warn("archived audit rows were not pruned", map[string]interface{}{
			"error": err.Error(),
		})
	}
	o.logger.Info("archived audit records", map[string]interface{}{
		"key": key, "rows": len(records),
	})
	return len(records), nil
}
