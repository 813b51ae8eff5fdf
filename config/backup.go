package config

import (
	"context"
	"fmt"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/hupe1980/segtable/blobstore"
	"github.com/hupe1980/segtable/blobstore/minio"
	"github.com/hupe1980/segtable/blobstore/s3"
)

// Backup selects the blob store backups are written to.
type Backup struct {
	Kind string `yaml:"kind" validate:"required,oneof=local s3 minio"`
	// Path is the root directory of a local store.
	Path string `yaml:"path" validate:"required_if=Kind local"`

	Bucket   string `yaml:"bucket" validate:"required_unless=Kind local"`
	Prefix   string `yaml:"prefix"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint" validate:"required_if=Kind minio"`

	// MinIO credentials.
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	Secure       bool   `yaml:"secure"`
	CreateBucket bool   `yaml:"create_bucket"`

	// DynamoDBTable turns the CURRENT update into a conditional write.
	// Only valid with kind s3.
	DynamoDBTable string `yaml:"dynamodb_table" validate:"excluded_unless=Kind s3"`
}

// Open connects to the configured store.
func (b *Backup) Open(ctx context.Context) (blobstore.BlobStore, error) {
	switch b.Kind {
	case "local":
		return blobstore.NewLocalStore(b.Path), nil
	case "minio":
		return minio.New(ctx, minio.Config{
			Endpoint:     b.Endpoint,
			AccessKey:    b.AccessKey,
			SecretKey:    b.SecretKey,
			Secure:       b.Secure,
			Region:       b.Region,
			Bucket:       b.Bucket,
			Prefix:       b.Prefix,
			CreateBucket: b.CreateBucket,
		})
	case "s3":
		opts := []s3.Option{s3.WithPrefix(b.Prefix)}
		if b.Region != "" {
			opts = append(opts, s3.WithRegion(b.Region))
		}
		if b.Endpoint != "" {
			opts = append(opts, s3.WithEndpoint(b.Endpoint))
		}
		store, err := s3.New(ctx, b.Bucket, opts...)
		if err != nil {
			return nil, err
		}
		if b.DynamoDBTable == "" {
			return store, nil
		}
		var loadOpts []func(*awsconfig.LoadOptions) error
		if b.Region != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(b.Region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		return s3.NewDDBCommitStore(store, dynamodb.NewFromConfig(awsCfg), b.DynamoDBTable, b.BaseURI()), nil
	}
	return nil, fmt.Errorf("%w: unknown backup kind %q", ErrInvalid, b.Kind)
}

// BaseURI identifies the store, e.g. s3://bucket/prefix. It partitions the
// commit table between stores.
func (b *Backup) BaseURI() string {
	switch b.Kind {
	case "local":
		return "file://" + b.Path
	default:
		return b.Kind + "://" + strings.TrimSuffix(b.Bucket+"/"+strings.TrimPrefix(b.Prefix, "/"), "/")
	}
}
