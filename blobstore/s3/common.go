package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/hupe1980/segtable/blobstore"
)

// objectBlob is a backup file stored as one S3 object. Its size is taken
// from HEAD at open time and every read is a ranged GET.
type objectBlob struct {
	client Client
	bucket string
	key    string
	size   int64
}

func (b *objectBlob) Close() error { return nil }

func (b *objectBlob) Size() int64 { return b.size }

// get issues a GET for the inclusive byte range [off, off+n-1], clamped to
// the object size.
func (b *objectBlob) get(ctx context.Context, off, n int64) (io.ReadCloser, int64, error) {
	if off >= b.size {
		return nil, 0, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	last := min(off+n, b.size) - 1
	resp, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", off, last)),
	})
	if err != nil {
		return nil, 0, notFound(err)
	}
	return resp.Body, last - off + 1, nil
}

// ReadAt fills p from off. It returns io.EOF when p reaches past the end
// of the object.
func (b *objectBlob) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	body, want, err := b.get(ctx, off, int64(len(p)))
	if err != nil {
		return 0, err
	}
	defer func() { _ = body.Close() }()

	n, err := io.ReadFull(body, p[:want])
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return n, io.EOF
		}
		return n, err
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// ReadRange streams n bytes from off, fewer at the end of the object.
func (b *objectBlob) ReadRange(ctx context.Context, off, n int64) (blobstore.ReadCloser, error) {
	body, _, err := b.get(ctx, off, n)
	if err != nil {
		return nil, err
	}
	return body, nil
}

// notFound maps the two shapes S3 uses for a missing key onto
// blobstore.ErrNotFound.
func notFound(err error) error {
	var nf *types.NotFound
	var nsk *types.NoSuchKey
	if errors.As(err, &nf) || errors.As(err, &nsk) {
		return fmt.Errorf("%w: %w", blobstore.ErrNotFound, err)
	}
	return err
}

// listObjects returns the keys under fullPrefix relative to rootPrefix,
// sorted.
func listObjects(ctx context.Context, client Client, bucket, fullPrefix, rootPrefix string) ([]string, error) {
	var names []string
	pages := s3.NewListObjectsV2Paginator(client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(fullPrefix),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			name := aws.ToString(obj.Key)
			if rootPrefix != "" && len(name) > len(rootPrefix) {
				if rel, ok := strings.CutPrefix(name, rootPrefix); ok {
					name = strings.TrimPrefix(rel, "/")
				}
			}
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names, nil
}

func openBlob(ctx context.Context, client Client, bucket, key string) (*objectBlob, error) {
	head, err := client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, notFound(err)
	}
	return &objectBlob{client: client, bucket: bucket, key: key, size: aws.ToInt64(head.ContentLength)}, nil
}
