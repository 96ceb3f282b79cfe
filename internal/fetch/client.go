package fetch

import (
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// NewHTTPClient returns an instrumented client for catalog requests. The
// transport honours the per-identity proxy carried in the request context and
// never decompresses on its own: Engine advertises and decodes gzip itself.
func NewHTTPClient(timeout time.Duration, opts ...otelhttp.Option) *http.Client {
	base := &http.Transport{
		Proxy: proxyFromContext,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: timeout,
		DisableCompression:    true,
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(base, opts...),
	}
}
