package site

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/bmatcuk/doublestar/v4"
)

// deleteBatchSize is the S3 DeleteObjects limit.
const deleteBatchSize = 1000

// singlePartLimit keeps uploads below the multipart threshold so object
// ETags stay plain md5 sums and the mirror plan can compare them.
const singlePartLimit = 512 * 1024 * 1024

// S3API is the slice of the S3 client the publisher needs.
type S3API interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// Uploader is the slice of the transfer manager the publisher needs.
type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// Publisher mirrors a local directory into a bucket: objects missing or
// changed locally are uploaded, objects absent locally are deleted, so the
// bucket always converges to an exact copy of the directory.
type Publisher struct {
	api      S3API
	uploader Uploader
	exclude  []string
	logger   *slog.Logger
}

// PublisherOptions configures a Publisher.
type PublisherOptions struct {
	// Exclude holds doublestar patterns (relative to the published
	// directory) that are never uploaded, e.g. "**/*.map".
	Exclude []string
	Logger  *slog.Logger
}

// NewPublisher returns a Publisher backed by the given S3 client.
func NewPublisher(client *s3.Client, opts PublisherOptions) *Publisher {
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = singlePartLimit
	})
	return newPublisher(client, uploader, opts)
}

func newPublisher(api S3API, uploader Uploader, opts PublisherOptions) *Publisher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{api: api, uploader: uploader, exclude: opts.Exclude, logger: logger}
}

// Summary reports what a Mirror call changed.
type Summary struct {
	Uploaded int
	Deleted  int
}

// Mirror publishes dir into bucket. A cancelled context returns the partial
// summary with the error; callers may keep whatever made it up.
func (p *Publisher) Mirror(ctx context.Context, dir, bucket string) (Summary, error) {
	var sum Summary

	local, err := p.scanLocal(dir)
	if err != nil {
		return sum, err
	}
	remote, err := p.scanRemote(ctx, bucket)
	if err != nil {
		return sum, err
	}

	uploads, deletes := plan(local, remote)

	for _, key := range uploads {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		if err := p.upload(ctx, dir, bucket, key); err != nil {
			return sum, fmt.Errorf("uploading %s: %w", key, err)
		}
		sum.Uploaded++
	}

	for start := 0; start < len(deletes); start += deleteBatchSize {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		end := min(start+deleteBatchSize, len(deletes))
		if err := p.deleteBatch(ctx, bucket, deletes[start:end]); err != nil {
			return sum, fmt.Errorf("deleting stale objects: %w", err)
		}
		sum.Deleted += end - start
	}

	p.logger.Info("published site", "bucket", bucket, "uploaded", sum.Uploaded, "deleted", sum.Deleted)
	return sum, nil
}

// plan computes the upload and delete sets from local and remote content
// hashes. Keys present in both with equal hashes are untouched. A remote
// ETag from a multipart upload contains a "-" and never equals an md5, so
// any object above singlePartLimit re-uploads on every pass.
func plan(local, remote map[string]string) (uploads, deletes []string) {
	for key, etag := range local {
		if remote[key] != etag {
			uploads = append(uploads, key)
		}
	}
	for key := range remote {
		if _, ok := local[key]; !ok {
			deletes = append(deletes, key)
		}
	}
	sort.Strings(uploads)
	sort.Strings(deletes)
	return uploads, deletes
}

func (p *Publisher) scanLocal(dir string) (map[string]string, error) {
	files := make(map[string]string)
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		for _, pattern := range p.exclude {
			if ok, _ := doublestar.Match(pattern, rel); ok {
				return nil
			}
		}
		sum, err := fileMD5(path)
		if err != nil {
			return err
		}
		files[rel] = sum
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", dir, err)
	}
	return files, nil
}

func (p *Publisher) scanRemote(ctx context.Context, bucket string) (map[string]string, error) {
	objects := make(map[string]string)
	var token *string
	for {
		out, err := p.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(bucket),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("listing bucket %s: %w", bucket, err)
		}
		for _, obj := range out.Contents {
			objects[aws.ToString(obj.Key)] = strings.Trim(aws.ToString(obj.ETag), `"`)
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		token = out.NextContinuationToken
	}
	return objects, nil
}

func (p *Publisher) upload(ctx context.Context, dir, bucket, key string) error {
	f, err := os.Open(filepath.Join(dir, filepath.FromSlash(key)))
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = p.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(contentType(key)),
	})
	return err
}

func (p *Publisher) deleteBatch(ctx context.Context, bucket string, keys []string) error {
	ids := make([]s3types.ObjectIdentifier, len(keys))
	for i, key := range keys {
		ids[i] = s3types.ObjectIdentifier{Key: aws.String(key)}
	}
	_, err := p.api.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(bucket),
		Delete: &s3types.Delete{Objects: ids, Quiet: aws.Bool(true)},
	})
	return err
}

func contentType(key string) string {
	if ct := mime.TypeByExtension(filepath.Ext(key)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func fileMD5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
