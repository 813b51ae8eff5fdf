// Package s3 provides Amazon S3 implementations of blobstore.BlobStore.
//
// # Usage
//
//	store, err := s3.New(ctx, "my-bucket",
//	    s3.WithPrefix("backups/"),
//	    s3.WithRegion("us-east-1"),
//	)
//
//	manifestName, err := tbl.Backup(ctx, store, "nightly")
//
// Wrap the store in a DDBCommitStore when several writers may back up into
// the same prefix:
//
//	commits := s3.NewDDBCommitStore(store, dynamodb.NewFromConfig(cfg), "segtable-commits", "s3://my-bucket/backups/")
//
// # Features
//
//   - Range reads for efficient partial fetches
//   - Multipart uploads with CRC32C checksums
//   - Automatic pagination for listing
//   - Configurable prefix for multi-tenant isolation
package s3
