// Package browser contains a download strategy that drives headless Chrome,
// for sources that gate their CSV exports behind JavaScript.
package browser

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/histpull/histpull/internal/dates"
)

// Config controls the behavior of the browser fetcher.
type Config struct {
	// PageTemplate is the per-key page URL with a {date} placeholder.
	PageTemplate string
	// ExportSelector is the CSS selector of the export control to click.
	ExportSelector string
	// DownloadDir receives the browser's downloads; the fetched artifact is
	// returned as a path inside it.
	DownloadDir       string
	UserAgent         string
	NavigationTimeout time.Duration
	DownloadTimeout   time.Duration
	MaxParallel       int
}

// Fetcher drives headless Chrome to trigger and capture per-date exports.
type Fetcher struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
	logger      *zap.Logger
}

// New creates a browser fetcher backed by chromedp.
func New(cfg Config, logger *zap.Logger) (*Fetcher, error) {
	if !strings.Contains(cfg.PageTemplate, "{date}") {
		return nil, fmt.Errorf("page template must contain {date}")
	}
	if cfg.ExportSelector == "" {
		return nil, fmt.Errorf("export selector is required")
	}
	if cfg.DownloadDir == "" {
		return nil, fmt.Errorf("download directory is required")
	}
	if err := os.MkdirAll(cfg.DownloadDir, 0o750); err != nil {
		return nil, fmt.Errorf("create download directory: %w", err)
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = 2 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Fetcher{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		logger:      logger,
	}, nil
}

// Fetch navigates to the key's page, clicks the export control, and waits for
// the download to land. It returns the downloaded file's path.
func (f *Fetcher) Fetch(ctx context.Context, key string) (string, error) {
	if _, err := dates.Parse(key); err != nil {
		return "", err
	}
	if f.limiter != nil {
		select {
		case f.limiter <- struct{}{}:
			defer func() { <-f.limiter }()
		case <-ctx.Done():
			return "", fmt.Errorf("browser slot wait: %w", ctx.Err())
		}
	}

	url := strings.ReplaceAll(f.cfg.PageTemplate, "{date}", key)
	tabCtx, cancel := chromedp.NewContext(f.allocator)
	defer cancel()
	runCtx, runCancel := context.WithTimeout(tabCtx, f.cfg.NavigationTimeout)
	defer runCancel()

	tasks := chromedp.Tasks{
		cdpbrowser.SetDownloadBehavior(cdpbrowser.SetDownloadBehaviorBehaviorAllow).
			WithDownloadPath(f.cfg.DownloadDir),
		chromedp.Navigate(url),
		chromedp.WaitVisible(f.cfg.ExportSelector, chromedp.ByQuery),
		chromedp.Click(f.cfg.ExportSelector, chromedp.ByQuery),
	}
	if f.cfg.UserAgent != "" {
		tasks = append(chromedp.Tasks{
			emulation.SetUserAgentOverride(f.cfg.UserAgent),
		}, tasks...)
	}
	if err := chromedp.Run(runCtx, tasks); err != nil {
		return "", fmt.Errorf("browser export for %s: %w", key, err)
	}

	path, err := f.awaitDownload(ctx, key)
	if err != nil {
		return "", err
	}
	f.logger.Debug("browser download captured",
		zap.String("key", key), zap.String("path", path))
	return path, nil
}

// awaitDownload polls the download directory until a finished file for key
// shows up. Chrome writes .crdownload files while a transfer is in flight.
func (f *Fetcher) awaitDownload(ctx context.Context, key string) (string, error) {
	deadline := time.Now().Add(f.cfg.DownloadTimeout)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		entries, err := os.ReadDir(f.cfg.DownloadDir)
		if err != nil {
			return "", fmt.Errorf("scan download directory: %w", err)
		}
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || strings.HasSuffix(name, ".crdownload") {
				continue
			}
			if strings.Contains(name, key) {
				return filepath.Join(f.cfg.DownloadDir, name), nil
			}
		}
		if time.Now().After(deadline) {
			return "", nil
		}
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("download wait: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// Close shuts down the shared browser allocator.
func (f *Fetcher) Close() {
	if f.allocCancel != nil {
		f.allocCancel()
	}
}
