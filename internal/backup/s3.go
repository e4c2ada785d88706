package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/hatemosphere/solbot-guard/internal/gziputil"
)

// S3Config holds configuration for the S3 snapshot provider.
type S3Config struct {
	Bucket         string
	Region         string // default: "us-east-1"
	Endpoint       string // custom endpoint for MinIO, R2, B2, etc.
	Prefix         string // key prefix (default: "solbot-guard/")
	ForcePathStyle bool   // force path-style addressing (for MinIO)
}

// S3Provider implements Provider for S3-compatible storage.
type S3Provider struct {
	client *s3.Client
	bucket string
	prefix string
	sse    types.ServerSideEncryption
}

// NewS3Provider creates a new S3-compatible backup provider.
func NewS3Provider(ctx context.Context, cfg S3Config) (*S3Provider, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("S3 bucket name is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "solbot-guard/"
	}

	optFns := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.Endpoint != "" {
		optFns = append(optFns, awsconfig.WithBaseEndpoint(cfg.Endpoint))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	clientOpts := []func(*s3.Options){}
	if cfg.ForcePathStyle {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(awsCfg, clientOpts...)
	p := newS3Provider(client, cfg.Bucket, cfg.Prefix)
	p.sse = types.ServerSideEncryptionAes256
	return p, nil
}

// newS3Provider wraps an existing client; tests pass an s3-mock client.
func newS3Provider(client *s3.Client, bucket, prefix string) *S3Provider {
	return &S3Provider{client: client, bucket: bucket, prefix: prefix}
}

func (p *S3Provider) Name() string { return "s3" }

// Upload puts the snapshot at prefix + base name. Providers built by
// NewS3Provider request server-side encryption.
func (p *S3Provider) Upload(ctx context.Context, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open snapshot: %w", err)
	}
	defer f.Close()

	name := filepath.Base(localPath)
	key := p.prefix + name
	contentType, err := sniffContentType(f)
	if err != nil {
		return "", fmt.Errorf("read snapshot: %w", err)
	}

	_, err = p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(p.bucket),
		Key:                  aws.String(key),
		Body:                 f,
		ContentType:          aws.String(contentType),
		ServerSideEncryption: p.sse,
		Metadata:             map[string]string{"snapshot": name},
	})
	if err != nil {
		return "", fmt.Errorf("upload to s3://%s/%s: %w", p.bucket, key, err)
	}

	slog.Info("snapshot uploaded", "bucket", p.bucket, "key", key)
	return key, nil
}

// sniffContentType checks the gzip magic and rewinds f.
func sniffContentType(f *os.File) (string, error) {
	head := make([]byte, 3)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	if gziputil.IsGzipped(head[:n]) {
		return "application/gzip", nil
	}
	return "application/vnd.sqlite3", nil
}

// List returns the snapshots under the prefix newest-first. Other objects
// sharing the prefix are ignored so retention never touches them. Snapshot
// names embed a UTC timestamp, so key order is creation order.
func (p *S3Provider) List(ctx context.Context) ([]Snapshot, error) {
	var snaps []Snapshot

	paginator := s3.NewListObjectsV2Paginator(p.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(p.bucket),
		Prefix: aws.String(p.prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list s3://%s/%s: %w", p.bucket, p.prefix, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if !isSnapshotName(path.Base(key)) {
				continue
			}
			snaps = append(snaps, Snapshot{
				Key:          key,
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
	}

	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Key > snaps[j].Key })
	return snaps, nil
}

// Delete removes a single object from S3.
func (p *S3Provider) Delete(ctx context.Context, key string) error {
	_, err := p.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete s3://%s/%s: %w", p.bucket, key, err)
	}
	slog.Info("snapshot pruned", "bucket", p.bucket, "key", key)
	return nil
}
