package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransportHTTPProxyForwardsRequests(t *testing.T) {
	t.Parallel()

	seenHost := make(chan string, 1)
	proxySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// A forward proxy receives the absolute target URL.
		seenHost <- r.URL.Host
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer proxySrv.Close()

	u, err := url.Parse(proxySrv.URL)
	require.NoError(t, err)

	tr, err := Transport(Endpoint{Address: u.Host, Kind: KindHTTP}, TransportConfig{DialTimeout: time.Second})
	require.NoError(t, err)
	assert.True(t, tr.DisableKeepAlives)

	client := &http.Client{Transport: tr, Timeout: 2 * time.Second}
	resp, err := client.Get("http://catalog.invalid/anime/1")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(body))
	assert.Equal(t, "catalog.invalid", <-seenHost)
}

func TestTransportBuildsSocksDialers(t *testing.T) {
	t.Parallel()

	for _, kind := range []Kind{KindSOCKS5, KindSOCKS4} {
		tr, err := Transport(Endpoint{Address: "127.0.0.1:1", Kind: kind}, TransportConfig{})
		require.NoError(t, err, kind)
		require.NotNil(t, tr.DialContext, kind)
		assert.Nil(t, tr.Proxy, kind)
	}
}

func TestTransportRejectsInvalidEndpoints(t *testing.T) {
	t.Parallel()

	_, err := Transport(Endpoint{Kind: KindHTTP}, TransportConfig{})
	require.Error(t, err)
	_, err = Transport(Endpoint{Address: "1.2.3.4:80", Kind: "ftp"}, TransportConfig{})
	require.Error(t, err)
}

func TestDialWithContextHonoursCancellation(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	dial := func(string, string) (net.Conn, error) {
		<-release
		return nil, errors.New("late")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := dialWithContext(ctx, dial, "tcp", "example.com:80")
	close(release)
	require.ErrorIs(t, err, context.Canceled)
}
