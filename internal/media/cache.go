// Package media copies message and call attachments into S3 so they outlive
// the provider's signed URLs.
package media

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/commsync/internal/config"
	"github.com/sells-group/commsync/internal/model"
	"github.com/sells-group/commsync/internal/resilience"
	"github.com/sells-group/commsync/internal/store"
)

// maxObjectBytes bounds a single download.
const maxObjectBytes = 100 << 20

// ObjectPutter is the S3 operation the cache needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// NewS3Client builds an S3 client from static credentials. A custom endpoint
// selects an S3-compatible service.
func NewS3Client(cfg config.MediaConfig) (*s3.Client, error) {
	if cfg.Bucket == "" {
		return nil, eris.New("media: bucket is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, eris.New("media: access_key and secret_key are required")
	}
	awsCfg := aws.Config{
		Region:      cfg.Region,
		Credentials: credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(strings.TrimRight(cfg.Endpoint, "/"))
		}
		// Dotted bucket names break virtual-hosted TLS certificates.
		o.UsePathStyle = cfg.PathStyle || strings.Contains(cfg.Bucket, ".")
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
	}), nil
}

// Result counts the outcome of one cache pass.
type Result struct {
	Cached  int `json:"cached" yaml:"cached"`
	Skipped int `json:"skipped" yaml:"skipped"`
	Failed  int `json:"failed" yaml:"failed"`
}

// Option configures a Cacher.
type Option func(*Cacher)

// WithHTTPClient sets the client used to download source media.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Cacher) { c.http = hc }
}

// Cacher copies uncached attachments to S3 and records the cached URL.
type Cacher struct {
	store  store.Store
	s3     ObjectPutter
	cfg    config.MediaConfig
	http   *http.Client
	log    *zap.Logger
	prefix string
}

// New creates a Cacher.
func New(st store.Store, putter ObjectPutter, cfg config.MediaConfig, opts ...Option) *Cacher {
	c := &Cacher{
		store:  st,
		s3:     putter,
		cfg:    cfg,
		http:   &http.Client{Timeout: 2 * time.Minute},
		log:    zap.L().With(zap.String("component", "media")),
		prefix: strings.Trim(cfg.Prefix, "/"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run caches up to limit attachments. Per-attachment failures are counted
// and logged; they stay uncached for the next pass.
func (c *Cacher) Run(ctx context.Context, limit int) (*Result, error) {
	items, err := c.store.ListUncachedMedia(ctx, limit)
	if err != nil {
		return nil, eris.Wrap(err, "media: list uncached")
	}

	res := &Result{}
	for _, m := range items {
		if err := ctx.Err(); err != nil {
			return res, eris.Wrap(err, "media: interrupted")
		}
		set, err := c.cacheOne(ctx, m)
		switch {
		case err != nil:
			res.Failed++
			c.log.Warn("media: cache failed",
				zap.String("media_id", m.ID),
				zap.String("activity_id", m.ActivityID),
				zap.String("kind", resilience.KindOf(err).String()),
				zap.Error(err),
			)
		case set:
			res.Cached++
		default:
			res.Skipped++
		}
	}
	c.log.Info("media: cache pass complete",
		zap.Int("cached", res.Cached),
		zap.Int("skipped", res.Skipped),
		zap.Int("failed", res.Failed),
	)
	return res, nil
}

func (c *Cacher) cacheOne(ctx context.Context, m model.MediaAttachment) (bool, error) {
	data, contentType, err := c.download(ctx, m.SourceURL)
	if err != nil {
		return false, err
	}
	if m.ContentType != "" {
		contentType = m.ContentType
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	key := c.objectKey(m)
	_, err = c.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:       aws.String(c.cfg.Bucket),
		Key:          aws.String(key),
		Body:         bytes.NewReader(data),
		ContentType:  aws.String(contentType),
		CacheControl: aws.String("private, max-age=31536000"),
	})
	if err != nil {
		return false, resilience.WithKind(resilience.KindDependency, eris.Wrapf(err, "media: put %s", key))
	}

	set, err := c.store.SetMediaCachedURL(ctx, m.ID, c.ObjectURL(key))
	if err != nil {
		return false, eris.Wrapf(err, "media: record cached url for %s", m.ID)
	}
	c.log.Debug("media: cached",
		zap.String("media_id", m.ID),
		zap.String("key", key),
		zap.Int("size", len(data)),
	)
	return set, nil
}

func (c *Cacher) download(ctx context.Context, src string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, "", resilience.WithKind(resilience.KindMalformed, eris.Wrapf(err, "media: bad source url %q", src))
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", resilience.WithKind(resilience.KindTransient, eris.Wrap(err, "media: download"))
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		err := eris.Errorf("media: download returned status %d", resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, "", resilience.NewTransientError(err, resp.StatusCode)
		}
		return nil, "", resilience.WithKind(resilience.KindNotFound, err)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxObjectBytes+1))
	if err != nil {
		return nil, "", resilience.WithKind(resilience.KindTransient, eris.Wrap(err, "media: read body"))
	}
	if len(data) > maxObjectBytes {
		return nil, "", resilience.Errorf(resilience.KindMalformed, "media: object exceeds %d bytes", maxObjectBytes)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// objectKey is <prefix>/<activity id>/<media id><ext>.
func (c *Cacher) objectKey(m model.MediaAttachment) string {
	ext := ""
	if u, err := url.Parse(m.SourceURL); err == nil {
		ext = path.Ext(u.Path)
	}
	key := m.ActivityID + "/" + m.ID + ext
	if c.prefix != "" {
		key = c.prefix + "/" + key
	}
	return key
}

// ObjectURL returns the URL of key in the configured bucket.
func (c *Cacher) ObjectURL(key string) string {
	pathStyle := c.cfg.PathStyle || strings.Contains(c.cfg.Bucket, ".")
	endpoint := strings.TrimRight(c.cfg.Endpoint, "/")
	switch {
	case endpoint == "" && pathStyle:
		return fmt.Sprintf("https://s3.%s.amazonaws.com/%s/%s", c.cfg.Region, c.cfg.Bucket, key)
	case endpoint == "":
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", c.cfg.Bucket, c.cfg.Region, key)
	case pathStyle:
		return fmt.Sprintf("%s/%s/%s", endpoint, c.cfg.Bucket, key)
	default:
		scheme := "https://"
		host := strings.TrimPrefix(endpoint, "https://")
		if strings.HasPrefix(endpoint, "http://") {
			scheme = "http://"
			host = strings.TrimPrefix(endpoint, "http://")
		}
		return fmt.Sprintf("%s%s.%s/%s", scheme, c.cfg.Bucket, host, key)
	}
}
