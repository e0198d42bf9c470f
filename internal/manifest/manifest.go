// Package manifest reads the record files named by a BATCH message. Files are
// JSON lines, optionally gzip or zstd compressed, on local disk or in S3.
package manifest

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	kgzip "github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"tidewater/internal/jsoncodec"
	"tidewater/internal/logging"
	"tidewater/internal/protocol"
)

var ErrUnsupported = errors.New("manifest: unsupported encoding")

// DefaultConfigLoader allows overriding the AWS config loader for testing.
var DefaultConfigLoader = awsconfig.LoadDefaultConfig

// ObjectGetter is the part of the S3 client the reader uses.
type ObjectGetter interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type Options struct {
	// S3 is built from the default AWS config on first use when nil.
	S3       ObjectGetter
	Region   string
	Endpoint string // custom endpoint, e.g. localstack or minio
}

type Reader struct {
	opts Options

	mu sync.Mutex
	s3 ObjectGetter
}

func NewReader(opts Options) *Reader {
	return &Reader{opts: opts, s3: opts.S3}
}

// Records calls fn for every record of every file in manifest, in order.
func (r *Reader) Records(ctx context.Context, enc protocol.Encoding, manifest []string, fn func(map[string]any) error) error {
	if f := strings.ToLower(enc.Format); f != "" && f != "jsonl" {
		return fmt.Errorf("%w: format %q", ErrUnsupported, enc.Format)
	}
	for _, path := range manifest {
		if err := r.readFile(ctx, path, enc.Compression, fn); err != nil {
			return fmt.Errorf("manifest %s: %w", path, err)
		}
	}
	return nil
}

func (r *Reader) readFile(ctx context.Context, path, compression string, fn func(map[string]any) error) error {
	raw, err := r.Open(ctx, path)
	if err != nil {
		return err
	}
	defer raw.Close()

	body, err := decompress(raw, compression)
	if err != nil {
		return err
	}
	defer body.Close()

	br := bufio.NewReaderSize(body, 1<<20)
	n := 0
	for {
		line, err := br.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			n++
			var rec map[string]any
			if uerr := jsoncodec.Unmarshal(line, &rec); uerr != nil {
				return fmt.Errorf("line %d: %w", n, uerr)
			}
			if rec == nil {
				return fmt.Errorf("line %d: record is not an object", n)
			}
			if ferr := fn(rec); ferr != nil {
				return ferr
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
	}
	logging.L().Debug("manifest file read", "path", path, "records", n)
	return nil
}

// Open returns the raw bytes of one manifest entry: a local path, a file://
// URL or an s3://bucket/key URL.
func (r *Reader) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	u, err := url.Parse(path)
	if err != nil || u.Scheme == "" {
		return os.Open(path)
	}
	switch u.Scheme {
	case "file":
		return os.Open(u.Path)
	case "s3":
		cli, err := r.client(ctx)
		if err != nil {
			return nil, err
		}
		out, err := cli.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(u.Host),
			Key:    aws.String(strings.TrimPrefix(u.Path, "/")),
		})
		if err != nil {
			return nil, err
		}
		return out.Body, nil
	default:
		return nil, fmt.Errorf("%w: scheme %q", ErrUnsupported, u.Scheme)
	}
}

func (r *Reader) client(ctx context.Context) (ObjectGetter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.s3 != nil {
		return r.s3, nil
	}
	var loadOpts []func(*awsconfig.LoadOptions) error
	if r.opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(r.opts.Region))
	}
	cfg, err := DefaultConfigLoader(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	r.s3 = s3.NewFromConfig(cfg, func(o *s3.Options) {
		if r.opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(r.opts.Endpoint)
			o.UsePathStyle = true
		}
	})
	return r.s3, nil
}

func decompress(r io.Reader, compression string) (io.ReadCloser, error) {
	switch strings.ToLower(compression) {
	case "", "none":
		return io.NopCloser(r), nil
	case "gzip":
		return kgzip.NewReader(r)
	case "zstd":
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return dec.IOReadCloser(), nil
	default:
		return nil, fmt.Errorf("%w: compression %q", ErrUnsupported, compression)
	}
}
