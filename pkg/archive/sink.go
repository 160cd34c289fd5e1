package archive

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// Sink stores archive objects under a name.
type Sink interface {
	Put(ctx context.Context, name string, data []byte, contentType string) error
	Close() error
}

// SinkType names an archive backend.
type SinkType string

const (
	SinkTypeFile SinkType = "file"
	SinkTypeS3   SinkType = "s3"
	SinkTypeGCS  SinkType = "gs"
)

// OpenSink opens the sink addressed by uri:
//
//	/var/lib/conveyor/archive        local directory
//	file:///var/lib/conveyor/archive local directory
//	s3://bucket/prefix?region=eu-west-1&endpoint=http://minio:9000
//	gs://bucket/prefix               needs a build with -tags gcp
func OpenSink(ctx context.Context, uri string) (Sink, error) {
	if uri == "" {
		return nil, fmt.Errorf("archive sink is required")
	}
	if !strings.Contains(uri, "://") {
		return NewFileSink(uri)
	}
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid sink %q: %w", uri, err)
	}
	prefix := strings.TrimPrefix(u.Path, "/")
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	switch SinkType(u.Scheme) {
	case SinkTypeFile:
		return NewFileSink(u.Path)
	case SinkTypeS3:
		if u.Host == "" {
			return nil, fmt.Errorf("s3 sink needs a bucket")
		}
		q := u.Query()
		return NewS3Sink(ctx, S3SinkConfig{
			Bucket:   u.Host,
			Prefix:   prefix,
			Region:   q.Get("region"),
			Endpoint: q.Get("endpoint"),
		})
	case SinkTypeGCS:
		if u.Host == "" {
			return nil, fmt.Errorf("gs sink needs a bucket")
		}
		return newGCSSink(ctx, u.Host, prefix)
	default:
		return nil, fmt.Errorf("unsupported archive sink scheme: %s", u.Scheme)
	}
}

// FileSink writes objects into a local directory.
type FileSink struct {
	dir string
}

func NewFileSink(dir string) (*FileSink, error) {
	//nolint:gosec // G301: archive directory is shared with operators
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to ensure archive dir: %w", err)
	}
	return &FileSink{dir: dir}, nil
}

// Put writes data atomically: a reader never sees a partial object.
func (s *FileSink) Put(_ context.Context, name string, data []byte, _ string) error {
	path := filepath.Join(s.dir, filepath.Clean("/"+name))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".archive-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("archive write failed: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (s *FileSink) Close() error { return nil }
