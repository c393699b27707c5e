// Package httpfetch implements the HTTP download strategy using gocolly.
package httpfetch

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/histpull/histpull/internal/dates"
	"github.com/histpull/histpull/internal/scraper"
	"github.com/histpull/histpull/internal/storage"
)

// datePlaceholder marks where the job key goes in the URL template.
const datePlaceholder = "{date}"

// Config controls the HTTP fetcher.
type Config struct {
	// URLTemplate is the per-key export URL with a {date} placeholder.
	URLTemplate string
	UserAgent   string
	Timeout     time.Duration
	// CourtesyRPS paces requests to the host independently of the adaptive
	// controller (zero disables pacing).
	CourtesyRPS float64
	// BlobPrefix prefixes artifact object names in the blob store.
	BlobPrefix  string
	ContentType string
}

// Fetcher downloads one CSV per date key and persists it through a BlobStore.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
	blobs         storage.BlobStore
	pacer         *rate.Limiter
	logger        *zap.Logger
}

// New builds a Fetcher.
func New(cfg Config, blobs storage.BlobStore, logger *zap.Logger) (*Fetcher, error) {
	if !strings.Contains(cfg.URLTemplate, datePlaceholder) {
		return nil, fmt.Errorf("url template must contain %s", datePlaceholder)
	}
	if blobs == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "text/csv"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = true
	c.WithTransport(newHTTPTransport())

	var pacer *rate.Limiter
	if cfg.CourtesyRPS > 0 {
		pacer = rate.NewLimiter(rate.Limit(cfg.CourtesyRPS), 1)
	}

	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
		blobs:         blobs,
		pacer:         pacer,
		logger:        logger,
	}, nil
}

// Fetch downloads the artifact for key. It returns an empty path when the
// source has no data for the date, and *scraper.OverloadError when the source
// throttles the request.
func (f *Fetcher) Fetch(ctx context.Context, key string) (string, error) {
	if _, err := dates.Parse(key); err != nil {
		return "", err
	}
	if f.pacer != nil {
		if err := f.pacer.Wait(ctx); err != nil {
			return "", fmt.Errorf("courtesy pace wait: %w", err)
		}
	}

	url := strings.ReplaceAll(f.cfg.URLTemplate, datePlaceholder, key)
	body, status, retryAfter, err := f.get(ctx, url)
	switch {
	case err != nil:
		if status == http.StatusTooManyRequests {
			return "", &scraper.OverloadError{RetryAfter: retryAfter, Err: err}
		}
		return "", fmt.Errorf("fetch %s: %w", url, err)
	case status == http.StatusNotFound || len(body) == 0:
		f.logger.Debug("no data for key", zap.String("key", key), zap.Int("status", status))
		return "", nil
	}

	object := key + ".csv"
	if f.cfg.BlobPrefix != "" {
		object = strings.Trim(f.cfg.BlobPrefix, "/") + "/" + object
	}
	ref, err := f.blobs.PutObject(ctx, object, f.cfg.ContentType, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("store artifact for %s: %w", key, err)
	}
	f.logger.Debug("artifact stored",
		zap.String("key", key), zap.String("ref", ref), zap.Int("bytes", len(body)))
	return ref, nil
}

// get runs one GET through a cloned collector and reports body, status, and
// any Retry-After hint alongside the transport error.
func (f *Fetcher) get(ctx context.Context, url string) ([]byte, int, time.Duration, error) {
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.SetRequestTimeout(f.cfg.Timeout)

	var (
		body       []byte
		status     int
		retryAfter time.Duration
		respErr    error
	)
	collector.OnResponse(func(r *colly.Response) {
		status = r.StatusCode
		body = append([]byte(nil), r.Body...)
	})
	collector.OnError(func(r *colly.Response, err error) {
		respErr = err
		if r == nil {
			return
		}
		status = r.StatusCode
		if r.Headers != nil {
			retryAfter = parseRetryAfter(r.Headers.Get("Retry-After"))
		}
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()
	select {
	case <-ctx.Done():
		return nil, status, 0, fmt.Errorf("fetch canceled: %w", ctx.Err())
	case err := <-done:
		// 404 comes back as a visit error; the caller treats it as a gap.
		if status == http.StatusNotFound {
			return nil, status, 0, nil
		}
		if err != nil {
			return nil, status, retryAfter, err
		}
		if respErr != nil {
			return nil, status, retryAfter, respErr
		}
		return body, status, retryAfter, nil
	}
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(header)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
