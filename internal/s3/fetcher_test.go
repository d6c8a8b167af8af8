package s3

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
)

type object struct {
	data    []byte
	modTime time.Time
}

// fakeS3 serves objects from memory and counts GetObject calls.
type fakeS3 struct {
	objects map[string]object
	gets    int
}

func (f *fakeS3) HeadObjectWithContext(ctx context.Context, in *s3.HeadObjectInput, _ ...request.Option) (*s3.HeadObjectOutput, error) {
	obj, ok := f.objects[aws.StringValue(in.Bucket)+"/"+aws.StringValue(in.Key)]
	if !ok {
		return nil, awserr.New("NotFound", "Not Found", nil)
	}
	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(obj.data))),
		LastModified:  aws.Time(obj.modTime),
	}, nil
}

func (f *fakeS3) GetObjectWithContext(ctx context.Context, in *s3.GetObjectInput, _ ...request.Option) (*s3.GetObjectOutput, error) {
	f.gets++
	obj, ok := f.objects[aws.StringValue(in.Bucket)+"/"+aws.StringValue(in.Key)]
	if !ok {
		return nil, awserr.New(s3.ErrCodeNoSuchKey, "missing", nil)
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(obj.data))}, nil
}

func TestParseURL(t *testing.T) {
	tests := []struct {
		raw     string
		bucket  string
		prefix  string
		region  string
		wantErr bool
	}{
		{raw: "s3://rules", bucket: "rules"},
		{raw: "s3://rules/geo/v2/", bucket: "rules", prefix: "geo/v2"},
		{raw: "s3://rules/geo?region=eu-west-1&endpoint=http://minio:9000", bucket: "rules", prefix: "geo", region: "eu-west-1"},
		{raw: "https://rules/geo", wantErr: true},
		{raw: "s3:///geo", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			loc, err := ParseURL(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Expected error for %q", tt.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseURL failed: %v", err)
			}
			if loc.Bucket != tt.bucket || loc.Prefix != tt.prefix || loc.Region != tt.region {
				t.Errorf("Expected %s/%s region %q, got %+v", tt.bucket, tt.prefix, tt.region, loc)
			}
		})
	}

	loc, _ := ParseURL("s3://rules/geo")
	if got := loc.Key("geosite.pak"); got != "geo/geosite.pak" {
		t.Errorf("Expected key geo/geosite.pak, got %s", got)
	}
}

func TestSync(t *testing.T) {
	modTime := time.Now().Add(-time.Hour).Truncate(time.Second)
	fake := &fakeS3{objects: map[string]object{
		"rules/geo/geosite.pak": {data: []byte("pak-bytes"), modTime: modTime},
	}}
	loc, _ := ParseURL("s3://rules/geo")
	f := New(fake, loc, nil)
	dir := filepath.Join(t.TempDir(), "data")

	updated, err := f.Sync(context.Background(), dir, "geosite.pak", "GeoLite2-Country.mmdb")
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if len(updated) != 1 || updated[0] != "geosite.pak" {
		t.Fatalf("Expected only geosite.pak downloaded, got %v", updated)
	}
	data, err := os.ReadFile(filepath.Join(dir, "geosite.pak"))
	if err != nil || string(data) != "pak-bytes" {
		t.Fatalf("Expected downloaded content, got %q (%v)", data, err)
	}
	if _, err := os.Stat(filepath.Join(dir, "GeoLite2-Country.mmdb")); !os.IsNotExist(err) {
		t.Error("Expected missing object to leave no local file")
	}

	// A second sync finds the local copy current.
	updated, err = f.Sync(context.Background(), dir, "geosite.pak")
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if len(updated) != 0 || fake.gets != 1 {
		t.Errorf("Expected no re-download, got updated=%v gets=%d", updated, fake.gets)
	}

	// A newer object replaces it.
	fake.objects["rules/geo/geosite.pak"] = object{data: []byte("pak-bytes-v2"), modTime: modTime.Add(time.Minute)}
	if updated, _ = f.Sync(context.Background(), dir, "geosite.pak"); len(updated) != 1 {
		t.Errorf("Expected re-download of the newer object, got %v", updated)
	}
	data, _ = os.ReadFile(filepath.Join(dir, "geosite.pak"))
	if string(data) != "pak-bytes-v2" {
		t.Errorf("Expected updated content, got %q", data)
	}
}

func TestSyncReportsAccessErrors(t *testing.T) {
	denied := deniedS3{}
	loc, _ := ParseURL("s3://rules")
	if _, err := New(denied, loc, nil).Sync(context.Background(), t.TempDir(), "geosite.pak"); err == nil {
		t.Fatal("Expected an access error")
	}
}

type deniedS3 struct{}

func (deniedS3) HeadObjectWithContext(context.Context, *s3.HeadObjectInput, ...request.Option) (*s3.HeadObjectOutput, error) {
	return nil, awserr.New("AccessDenied", "denied", nil)
}

func (deniedS3) GetObjectWithContext(context.Context, *s3.GetObjectInput, ...request.Option) (*s3.GetObjectOutput, error) {
	return nil, awserr.New("AccessDenied", "denied", nil)
}
