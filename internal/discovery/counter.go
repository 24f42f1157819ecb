package discovery

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Loader returns the HTML body of a page.
type Loader interface {
	Load(ctx context.Context, url string) ([]byte, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, url string) ([]byte, error)

// Load calls f.
func (f LoaderFunc) Load(ctx context.Context, url string) ([]byte, error) {
	return f(ctx, url)
}

// Config shapes page-count discovery.
type Config struct {
	URL       string
	Selector  string
	Fallback  int
	Timeout   time.Duration
	UserAgent string
	// Proxies are proxy URLs rotated round-robin across requests; empty means direct.
	Proxies []string
}

// Counter discovers the page count through a Loader.
type Counter struct {
	cfg    Config
	loader Loader
	logger *zap.Logger
}

// NewCounter builds a Counter over loader.
func NewCounter(cfg Config, loader Loader, logger *zap.Logger) *Counter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Counter{cfg: cfg, loader: loader, logger: logger}
}

// Count loads the listing page and parses the page count, returning any failure.
func (c *Counter) Count(ctx context.Context) (int, error) {
	if c.cfg.URL == "" {
		return 0, fmt.Errorf("%w: discovery url is not configured", ErrNoPageCount)
	}
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}
	body, err := c.loader.Load(ctx, c.cfg.URL)
	if err != nil {
		return 0, fmt.Errorf("load %s: %w", c.cfg.URL, err)
	}
	return ParseLastPage(body, c.cfg.Selector)
}

// PageCount returns the discovered count, or the configured fallback when discovery fails.
func (c *Counter) PageCount(ctx context.Context) int {
	n, err := c.Count(ctx)
	if err != nil {
		c.logger.Warn("page count discovery failed, using fallback",
			zap.String("url", c.cfg.URL),
			zap.Int("fallback", c.cfg.Fallback),
			zap.Error(err),
		)
		return c.cfg.Fallback
	}
	c.logger.Info("page count discovered", zap.Int("pages", n))
	return n
}
