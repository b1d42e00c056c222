// Package archive stores permanently deleted user records outside the primary database.
package archive

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

// Archiver persists user snapshots.
type Archiver interface {
	PutUser(ctx context.Context, appID, userID uuid.UUID, record []byte) error
}

// Key returns the object key of a user snapshot.
func Key(appID, userID uuid.UUID) string {
	return fmt.Sprintf("users/%s/%s.json", appID, userID)
}

type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3 writes snapshots to a bucket.
type S3 struct {
	client objectPutter
	bucket string
}

// Options configure the S3 client.
type Options struct {
	Bucket          string
	Region          string
	Endpoint        string // S3-compatible endpoint, e.g. MinIO; empty uses AWS
	AccessKeyID     string
	SecretAccessKey string
}

// NewS3 builds an archiver from the default AWS config plus opts.
func NewS3(ctx context.Context, opts Options) (*S3, error) {
	loaders := []func(*config.LoadOptions) error{config.WithRegion(opts.Region)}
	if opts.AccessKeyID != "" {
		loaders = append(loaders, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loaders...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3{client: client, bucket: opts.Bucket}, nil
}

// PutUser uploads the JSON snapshot under Key(appID, userID).
func (a *S3) PutUser(ctx context.Context, appID, userID uuid.UUID, record []byte) error {
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(Key(appID, userID)),
		Body:        bytes.NewReader(record),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", Key(appID, userID), err)
	}
	return nil
}

// Discard drops snapshots. Used when no bucket is configured.
type Discard struct{ Log *zap.Logger }

func (d Discard) PutUser(_ context.Context, appID, userID uuid.UUID, _ []byte) error {
	if d.Log != nil {
		d.Log.Warn("archive disabled, snapshot dropped",
			zap.String("app_id", appID.String()), zap.String("user_id", userID.String()))
	}
	return nil
}
