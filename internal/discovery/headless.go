package discovery

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// HeadlessCounter renders the listing page in headless Chrome before parsing it.
type HeadlessCounter struct {
	*Counter
	loader *headlessLoader
}

// NewHeadlessCounter starts a chromedp allocator. Close releases it. Only the first configured
// proxy is used since Chrome takes a single --proxy-server.
func NewHeadlessCounter(cfg Config, navTimeout time.Duration, logger *zap.Logger) *HeadlessCounter {
	loader := newHeadlessLoader(cfg, navTimeout)
	return &HeadlessCounter{Counter: NewCounter(cfg, loader, logger), loader: loader}
}

// Close cancels the browser allocator.
func (h *HeadlessCounter) Close() {
	h.loader.cancel()
}

var discoveryHeaders = map[string]any{
	"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
	"Accept-Encoding": "gzip, deflate, br",
}

type headlessLoader struct {
	userAgent  string
	navTimeout time.Duration
	allocator  context.Context
	cancel     context.CancelFunc
}

func newHeadlessLoader(cfg Config, navTimeout time.Duration) *headlessLoader {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("enable-automation", false),
	)
	if len(cfg.Proxies) > 0 {
		opts = append(opts, chromedp.ProxyServer(cfg.Proxies[0]))
	}
	allocCtx, cancel := chromedp.NewExecAllocator(context.Background(), opts...)
	return &headlessLoader{
		userAgent:  cfg.UserAgent,
		navTimeout: navTimeout,
		allocator:  allocCtx,
		cancel:     cancel,
	}
}

func (l *headlessLoader) timeout() time.Duration {
	if l.navTimeout > 0 {
		return l.navTimeout
	}
	return 30 * time.Second
}

func (l *headlessLoader) Load(ctx context.Context, url string) ([]byte, error) {
	taskCtx, taskCancel := chromedp.NewContext(l.allocator)
	defer taskCancel()
	taskCtx, cancel := context.WithTimeout(taskCtx, l.timeout())
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var html string
	err := chromedp.Run(taskCtx,
		l.setup(),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return nil, fmt.Errorf("chromedp run: %w", err)
	}
	return []byte(html), nil
}

func (l *headlessLoader) setup() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if l.userAgent != "" {
			if err := emulation.SetUserAgentOverride(l.userAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if err := network.SetExtraHTTPHeaders(network.Headers(discoveryHeaders)).Do(ctx); err != nil {
			return fmt.Errorf("set extra headers: %w", err)
		}
		return nil
	})
}
