// Package s3 mirrors the compiled routing databases from an S3 prefix into
// the local data directory.
package s3

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3"

	awsclients "github.com/dan-v/geotunnel/internal/aws"
	"github.com/dan-v/geotunnel/internal/metrics"
	"github.com/dan-v/geotunnel/pkg/shared"
)

// Location is a parsed s3://bucket/prefix URL. Query parameters region,
// profile and endpoint select the client.
type Location struct {
	Bucket string
	Prefix string
	awsclients.Options
}

// ParseURL parses s3://bucket[/prefix][?region=..&profile=..&endpoint=..].
func ParseURL(raw string) (Location, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Location{}, fmt.Errorf("invalid remote data url: %w", err)
	}
	if u.Scheme != "s3" {
		return Location{}, fmt.Errorf("remote data url must use the s3 scheme, got %q", u.Scheme)
	}
	if u.Host == "" {
		return Location{}, fmt.Errorf("remote data url %q has no bucket", raw)
	}
	q := u.Query()
	return Location{
		Bucket: u.Host,
		Prefix: strings.Trim(u.Path, "/"),
		Options: awsclients.Options{
			Region:   q.Get("region"),
			Profile:  q.Get("profile"),
			Endpoint: q.Get("endpoint"),
		},
	}, nil
}

// Key is the object key of name under the prefix.
func (l Location) Key(name string) string {
	if l.Prefix == "" {
		return name
	}
	return path.Join(l.Prefix, name)
}

func (l Location) String() string {
	return "s3://" + l.Bucket + "/" + l.Prefix
}

// Fetcher downloads objects that are newer than, or missing from, the
// local copies.
type Fetcher struct {
	client awsclients.S3API
	loc    Location
	logger *slog.Logger
}

// New creates a fetcher over an existing client.
func New(client awsclients.S3API, loc Location, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = shared.Component("s3")
	}
	return &Fetcher{client: client, loc: loc, logger: logger}
}

// Sync brings each named file in dir up to date and returns the names it
// downloaded. Objects missing from the bucket are skipped with a warning;
// the routing engine treats the matching local file as optional.
func (f *Fetcher) Sync(ctx context.Context, dir string, names ...string) ([]string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dir, err)
	}

	var updated []string
	for _, name := range names {
		key := f.loc.Key(name)
		local := filepath.Join(dir, name)

		start := time.Now()
		head, err := f.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(f.loc.Bucket),
			Key:    aws.String(key),
		})
		metrics.RecordRemoteDataOperation(time.Since(start), err)
		if err != nil {
			if awsclients.IsNotFound(err) {
				f.logger.Warn("remote rule data not found", "bucket", f.loc.Bucket, "key", key)
				continue
			}
			return updated, awsclients.DescribeError(err, f.loc.Bucket, key)
		}

		remoteTime := aws.TimeValue(head.LastModified)
		if upToDate(local, aws.Int64Value(head.ContentLength), remoteTime) {
			f.logger.Debug("rule data up to date", "file", local)
			continue
		}

		n, err := f.download(ctx, key, local, remoteTime)
		if err != nil {
			return updated, err
		}
		shared.LogStoragef("Downloaded %s (%d bytes) from s3://%s/%s", name, n, f.loc.Bucket, key)
		updated = append(updated, name)
	}
	return updated, nil
}

func upToDate(local string, size int64, remoteTime time.Time) bool {
	fi, err := os.Stat(local)
	if err != nil {
		return false
	}
	return fi.Size() == size && !fi.ModTime().Before(remoteTime)
}

// download writes the object next to local and renames it into place, so
// a reader never sees a partial database.
func (f *Fetcher) download(ctx context.Context, key, local string, modTime time.Time) (int64, error) {
	start := time.Now()
	obj, err := f.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(f.loc.Bucket),
		Key:    aws.String(key),
	})
	metrics.RecordRemoteDataOperation(time.Since(start), err)
	if err != nil {
		return 0, awsclients.DescribeError(err, f.loc.Bucket, key)
	}
	defer obj.Body.Close()

	tmp, err := os.CreateTemp(filepath.Dir(local), "."+filepath.Base(local)+".*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, obj.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, fmt.Errorf("failed to download s3://%s/%s: %w", f.loc.Bucket, key, err)
	}
	if err := os.Rename(tmp.Name(), local); err != nil {
		return 0, fmt.Errorf("failed to install %s: %w", local, err)
	}
	if !modTime.IsZero() {
		os.Chtimes(local, modTime, modTime)
	}
	return n, nil
}

// Download parses rawURL, builds a client and syncs names into dir.
func Download(ctx context.Context, rawURL, dir string, names ...string) ([]string, error) {
	loc, err := ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	client, err := awsclients.NewS3Client(loc.Options)
	if err != nil {
		return nil, err
	}
	return New(client, loc, nil).Sync(ctx, dir, names...)
}
