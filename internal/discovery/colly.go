package discovery

import (
	"context"
	"fmt"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/gocolly/colly/v2/proxy"
	"go.uber.org/zap"
)

// NewCollyCounter discovers the page count with a plain colly GET.
func NewCollyCounter(cfg Config, logger *zap.Logger) (*Counter, error) {
	loader, err := newCollyLoader(cfg)
	if err != nil {
		return nil, err
	}
	return NewCounter(cfg, loader, logger), nil
}

type collyLoader struct {
	base *colly.Collector
}

func newCollyLoader(cfg Config) (*collyLoader, error) {
	c := colly.NewCollector(colly.AllowURLRevisit())
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	c.SetRequestTimeout(timeout)
	if len(cfg.Proxies) > 0 {
		switcher, err := proxy.RoundRobinProxySwitcher(cfg.Proxies...)
		if err != nil {
			return nil, fmt.Errorf("configure discovery proxies: %w", err)
		}
		c.SetProxyFunc(switcher)
	}
	return &collyLoader{base: c}, nil
}

func (l *collyLoader) Load(ctx context.Context, url string) ([]byte, error) {
	c := l.base.Clone()
	var (
		body     []byte
		fetchErr error
	)
	c.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "text/html,application/xhtml+xml")
	})
	c.OnResponse(func(r *colly.Response) {
		body = append([]byte(nil), r.Body...)
	})
	c.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			fetchErr = fmt.Errorf("status %d: %w", r.StatusCode, err)
			return
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- c.Visit(url)
	}()
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("colly visit canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("colly visit: %w", err)
		}
		if fetchErr != nil {
			return nil, fmt.Errorf("colly response: %w", fetchErr)
		}
		return body, nil
	}
}
