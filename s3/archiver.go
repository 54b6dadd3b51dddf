// Package s3 preserves replaced copy documents in an S3 bucket and packages
// the deferred-action handler that performs the write after a batch commits.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/formbridge/fab"
	"github.com/formbridge/fab/batch"
	"github.com/formbridge/fab/form"
)

// Documents above this size transfer in multipart chunks of the same size.
const largeObjectMinSize = 10 * 1024 * 1024

var marshaler = fab.NewMarshaler()

// Archiver writes replaced copy documents to a bucket, one JSON object per
// version. A rewrite of the same version lands on the same key, which keeps
// redelivered archive actions harmless.
type Archiver struct {
	client *awss3.Client
}

func NewArchiver(client *awss3.Client) (*Archiver, error) {
	if client == nil {
		return nil, fmt.Errorf("client parameter can't be nil")
	}
	return &Archiver{client: client}, nil
}

// ObjectKey is where a copy version lives in the bucket.
func ObjectKey(scope fab.Scope, cp *form.Copy) string {
	return fmt.Sprintf("%s/%s/v%d.json", scope.Tenant, cp.FormID, cp.Version)
}

// Archive uploads one copy document as JSON. Large documents go through the
// multipart transfer manager.
func (a *Archiver) Archive(ctx context.Context, bucket string, scope fab.Scope, cp *form.Copy) error {
	ba, err := marshaler.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode copy of form %s: %w", cp.FormID, err)
	}
	input := &awss3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(ObjectKey(scope, cp)),
		Body:        bytes.NewReader(ba),
		ContentType: aws.String("application/json"),
	}
	if len(ba) > largeObjectMinSize {
		uploader := manager.NewUploader(a.client, func(u *manager.Uploader) {
			u.PartSize = largeObjectMinSize
		})
		if _, err := uploader.Upload(ctx, input); err != nil {
			return fmt.Errorf("upload copy of form %s to bucket %s: %w", cp.FormID, bucket, err)
		}
		return nil
	}
	if _, err := a.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("upload copy of form %s to bucket %s: %w", cp.FormID, bucket, err)
	}
	return nil
}

// Fetch reads an archived copy document back from the bucket.
func (a *Archiver) Fetch(ctx context.Context, bucket, key string) (*form.Copy, error) {
	downloader := manager.NewDownloader(a.client, func(d *manager.Downloader) {
		d.PartSize = largeObjectMinSize
	})
	buffer := manager.NewWriteAtBuffer([]byte{})
	if _, err := downloader.Download(ctx, buffer, &awss3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}); err != nil {
		return nil, fmt.Errorf("download %s from bucket %s: %w", key, bucket, err)
	}
	var cp form.Copy
	if err := marshaler.Unmarshal(buffer.Bytes(), &cp); err != nil {
		return nil, fmt.Errorf("decode archived copy %s: %w", key, err)
	}
	return &cp, nil
}

// EnsureBucket creates the archive bucket if it does not exist yet.
func (a *Archiver) EnsureBucket(ctx context.Context, bucket, region string) error {
	input := &awss3.CreateBucketInput{Bucket: aws.String(bucket)}
	// us-east-1 rejects an explicit location constraint.
	if region != "" && region != "us-east-1" {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(region),
		}
	}
	_, err := a.client.CreateBucket(ctx, input)
	var owned *types.BucketAlreadyOwnedByYou
	var taken *types.BucketAlreadyExists
	if errors.As(err, &owned) || errors.As(err, &taken) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("couldn't create bucket %s in region %s, details: %v", bucket, region, err)
	}
	return nil
}

// Handler returns the deferred-action handler for copy archive actions. A
// payload without a copy document is a no-op, so redelivered or hand-built
// actions never fail the drain.
func (a *Archiver) Handler() batch.ActionHandler {
	return func(ctx context.Context, _ fab.Scope, action batch.Action) error {
		p, ok := action.Payload.(batch.ArchivePayload)
		if !ok {
			return fmt.Errorf("action %s carries %T, want batch.ArchivePayload", action.Kind, action.Payload)
		}
		if p.Copy == nil {
			return nil
		}
		return a.Archive(ctx, p.Bucket, p.Scope, p.Copy)
	}
}
