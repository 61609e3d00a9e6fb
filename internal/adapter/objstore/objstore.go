// Package objstore reads catalog assets from local disk, S3 and HTTP(S).
package objstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"
)

var ErrNotFound = errors.New("object not found")

// S3API is the part of the S3 client the reader uses.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type Config struct {
	Region      string
	Endpoint    string
	PathStyle   bool
	HTTPTimeout time.Duration
	TempDir     string
}

type Reader struct {
	cfg  Config
	log  zerolog.Logger
	http *http.Client

	s3Once sync.Once
	s3     S3API
	s3Err  error
}

type Option func(*Reader)

// WithS3Client replaces the lazily built S3 client.
func WithS3Client(c S3API) Option {
	return func(r *Reader) {
		r.s3Once.Do(func() {})
		r.s3 = c
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(r *Reader) { r.http = c }
}

func New(cfg Config, log zerolog.Logger, opts ...Option) *Reader {
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 60 * time.Second
	}
	r := &Reader{
		cfg:  cfg,
		log:  log.With().Str("component", "objstore").Logger(),
		http: &http.Client{Timeout: cfg.HTTPTimeout},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Open streams the object at href. Supported schemes are file, s3, http and
// https; an href without a scheme is a local path.
func (r *Reader) Open(ctx context.Context, href string) (io.ReadCloser, error) {
	u, err := url.Parse(href)
	if err != nil || len(u.Scheme) <= 1 {
		// Windows drive letters parse as a one-letter scheme.
		return openFile(href)
	}
	switch strings.ToLower(u.Scheme) {
	case "file":
		return openFile(u.Path)
	case "s3":
		return r.openS3(ctx, u.Host, strings.TrimPrefix(u.Path, "/"))
	case "http", "https":
		return r.openHTTP(ctx, href)
	default:
		return nil, fmt.Errorf("unsupported asset scheme %q", u.Scheme)
	}
}

// ReadAll returns the whole object at href.
func (r *Reader) ReadAll(ctx context.Context, href string) ([]byte, error) {
	rc, err := r.Open(ctx, href)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", href, err)
	}
	return b, nil
}

// LocalPath returns a filesystem path holding the object. Remote objects are
// downloaded into the temp dir; the returned cleanup removes the download and
// is a no-op for local files.
func (r *Reader) LocalPath(ctx context.Context, href string) (string, func(), error) {
	if p, ok := localPath(href); ok {
		if _, err := os.Stat(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return "", nil, fmt.Errorf("%w: %s", ErrNotFound, p)
			}
			return "", nil, fmt.Errorf("failed to stat %s: %w", p, err)
		}
		return p, func() {}, nil
	}

	f, err := os.CreateTemp(r.cfg.TempDir, "asset-*"+path.Ext(strings.SplitN(href, "?", 2)[0]))
	if err != nil {
		return "", nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	cleanup := func() { _ = os.Remove(f.Name()) }
	if err := r.download(ctx, href, f); err != nil {
		cleanup()
		return "", nil, err
	}
	return f.Name(), cleanup, nil
}

// LocalPathWithSidecars is LocalPath for rasters described by files next to
// them, such as the .hdr of an EHdr grid. Sidecars share the asset's name with
// the given extensions and land beside the returned path. A missing required
// sidecar fails with ErrNotFound; missing optional ones are skipped.
func (r *Reader) LocalPathWithSidecars(ctx context.Context, href string, required, optional []string) (string, func(), error) {
	if p, ok := localPath(href); ok {
		for _, ext := range required {
			sc, _ := localPath(Sidecar(href, ext))
			if _, err := os.Stat(sc); err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return "", nil, fmt.Errorf("%w: %s", ErrNotFound, sc)
				}
				return "", nil, fmt.Errorf("failed to stat %s: %w", sc, err)
			}
		}
		return r.LocalPath(ctx, p)
	}

	dir, err := os.MkdirTemp(r.cfg.TempDir, "asset-*")
	if err != nil {
		return "", nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	cleanup := func() { _ = os.RemoveAll(dir) }
	name := path.Base(strings.SplitN(href, "?", 2)[0])
	stem := strings.TrimSuffix(name, path.Ext(name))

	fetch := func(href, dst string) error {
		f, err := os.Create(dst)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", dst, err)
		}
		if err := r.download(ctx, href, f); err != nil {
			_ = os.Remove(dst)
			return err
		}
		return nil
	}
	primary := filepath.Join(dir, name)
	if err := fetch(href, primary); err != nil {
		cleanup()
		return "", nil, err
	}
	for i, ext := range append(slices.Clone(required), optional...) {
		err := fetch(Sidecar(href, ext), filepath.Join(dir, stem+ext))
		if errors.Is(err, ErrNotFound) && i >= len(required) {
			continue
		}
		if err != nil {
			cleanup()
			return "", nil, err
		}
	}
	return primary, cleanup, nil
}

// download copies the object at href into f and closes f.
func (r *Reader) download(ctx context.Context, href string, f *os.File) error {
	rc, err := r.Open(ctx, href)
	if err != nil {
		_ = f.Close()
		return err
	}
	defer rc.Close()
	n, err := io.Copy(f, rc)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to download %s: %w", href, err)
	}
	r.log.Debug().Str("href", href).Int64("bytes", n).Str("path", f.Name()).Msg("asset downloaded")
	return nil
}

// Sidecar returns the href of the file next to href with extension ext, keeping
// any query string.
func Sidecar(href, ext string) string {
	base, query, hasQuery := strings.Cut(href, "?")
	base = strings.TrimSuffix(base, path.Ext(base)) + ext
	if hasQuery {
		return base + "?" + query
	}
	return base
}

// Join appends elem to a local path or URL.
func Join(base string, elem ...string) string {
	if p, ok := localPath(base); ok && !strings.HasPrefix(base, "file:") {
		return filepath.Join(append([]string{p}, elem...)...)
	}
	return strings.TrimRight(base, "/") + "/" + path.Join(elem...)
}

func localPath(href string) (string, bool) {
	u, err := url.Parse(href)
	if err != nil || len(u.Scheme) <= 1 {
		return href, true
	}
	if strings.EqualFold(u.Scheme, "file") {
		return u.Path, true
	}
	return "", false
}

func openFile(p string) (io.ReadCloser, error) {
	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
		}
		return nil, fmt.Errorf("failed to open %s: %w", p, err)
	}
	return f, nil
}

func (r *Reader) openHTTP(ctx context.Context, href string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, href, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", href, err)
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", href, err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, href)
	case resp.StatusCode >= 300:
		resp.Body.Close()
		return nil, fmt.Errorf("failed to fetch %s: status %d", href, resp.StatusCode)
	}
	return resp.Body, nil
}

func (r *Reader) openS3(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	client, err := r.s3Client(ctx)
	if err != nil {
		return nil, err
	}
	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("%w: s3://%s/%s", ErrNotFound, bucket, key)
		}
		return nil, fmt.Errorf("failed to get s3://%s/%s: %w", bucket, key, err)
	}
	return out.Body, nil
}

func (r *Reader) s3Client(ctx context.Context) (S3API, error) {
	r.s3Once.Do(func() {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(r.cfg.Region))
		if err != nil {
			r.s3Err = fmt.Errorf("failed to load aws config: %w", err)
			return
		}
		r.s3 = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if r.cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(r.cfg.Endpoint)
			}
			o.UsePathStyle = r.cfg.PathStyle
		})
		r.log.Debug().Str("region", r.cfg.Region).Str("endpoint", r.cfg.Endpoint).Msg("s3 client ready")
	})
	return r.s3, r.s3Err
}
