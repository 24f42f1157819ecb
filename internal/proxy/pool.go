// Package proxy loads outbound proxy endpoints from plain-text list sources and selects among them.
package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrNoProxies is returned by Select when the pool is empty.
	ErrNoProxies = errors.New("no proxies available")
	// ErrSourceUnavailable is returned by Load when any list source cannot be read.
	ErrSourceUnavailable = errors.New("proxy source unavailable")
)

// Kind is the transport spoken by a proxy endpoint.
type Kind string

// Supported proxy kinds.
const (
	KindSOCKS5 Kind = "socks5"
	KindSOCKS4 Kind = "socks4"
	KindHTTP   Kind = "http"
)

// ParseKind validates a configured kind.
func ParseKind(raw string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(raw))) {
	case KindSOCKS5:
		return KindSOCKS5, nil
	case KindSOCKS4:
		return KindSOCKS4, nil
	case KindHTTP:
		return KindHTTP, nil
	default:
		return "", fmt.Errorf("unknown proxy kind %q", raw)
	}
}

// Endpoint is one host:port proxy address and its kind.
type Endpoint struct {
	Address string
	Kind    Kind
}

// URL renders the endpoint as a proxy URL such as socks5://1.2.3.4:1080.
func (e Endpoint) URL() string {
	return string(e.Kind) + "://" + e.Address
}

// Source is one newline-delimited proxy list endpoint.
type Source struct {
	URL  string
	Kind Kind
}

// Pool is an immutable set of endpoints shared read-only by every worker.
type Pool struct {
	endpoints []Endpoint
}

// NewPool builds a pool over a copy of endpoints.
func NewPool(endpoints []Endpoint) *Pool {
	return &Pool{endpoints: append([]Endpoint(nil), endpoints...)}
}

// Len reports the number of endpoints.
func (p *Pool) Len() int {
	if p == nil {
		return 0
	}
	return len(p.endpoints)
}

// Endpoints returns a copy of the pooled endpoints in load order.
func (p *Pool) Endpoints() []Endpoint {
	if p == nil {
		return nil
	}
	return append([]Endpoint(nil), p.endpoints...)
}

// Select returns a uniformly random endpoint or ErrNoProxies.
func (p *Pool) Select() (Endpoint, error) {
	if p.Len() == 0 {
		return Endpoint{}, ErrNoProxies
	}
	return p.endpoints[rand.IntN(len(p.endpoints))], nil
}

// Load fetches every source concurrently and concatenates their endpoints in source order.
// Any unreachable source fails the whole load with ErrSourceUnavailable.
func Load(ctx context.Context, client *http.Client, sources []Source, logger *zap.Logger) (*Pool, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	lists := make([][]Endpoint, len(sources))
	g, gctx := errgroup.WithContext(ctx)
	for i, src := range sources {
		g.Go(func() error {
			endpoints, err := fetchSource(gctx, client, src)
			if err != nil {
				return err
			}
			logger.Debug("proxy source loaded",
				zap.String("source", src.URL),
				zap.String("kind", string(src.Kind)),
				zap.Int("endpoints", len(endpoints)),
			)
			lists[i] = endpoints
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var all []Endpoint
	for _, list := range lists {
		all = append(all, list...)
	}
	logger.Info("proxy pool loaded", zap.Int("sources", len(sources)), zap.Int("endpoints", len(all)))
	return &Pool{endpoints: all}, nil
}

func fetchSource(ctx context.Context, client *http.Client, src Source) ([]Endpoint, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: build request: %v", ErrSourceUnavailable, src.URL, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, src.URL, err)
	}
	defer resp.Body.Close() //nolint:errcheck // body is fully consumed
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s: status %d", ErrSourceUnavailable, src.URL, resp.StatusCode)
	}
	endpoints, err := ParseList(resp.Body, src.Kind)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, src.URL, err)
	}
	return endpoints, nil
}

// ParseList reads newline-delimited addresses, trimming whitespace and skipping blank lines.
// Lines carrying a scheme such as socks5://host:port are reduced to host:port.
func ParseList(r io.Reader, kind Kind) ([]Endpoint, error) {
	var out []Endpoint
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.Contains(line, "://") {
			if u, err := url.Parse(line); err == nil && u.Host != "" {
				line = u.Host
			}
		}
		out = append(out, Endpoint{Address: line, Kind: kind})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan proxy list: %w", err)
	}
	return out, nil
}
