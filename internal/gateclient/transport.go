package gateclient

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"
)

// maxConnsPerHost matches the probe's hard in-flight cap so a full level can
// park without queueing inside the transport.
const maxConnsPerHost = 10000

// NewHTTPClient returns a client for holding many simultaneous requests
// against one host. Every parked waiter needs its own connection, so HTTP/2
// is disabled: a single h2 connection would cap the level at the server's
// stream limit. Per-call deadlines come from the request context; timeout is
// a backstop and may be zero.
func NewHTTPClient(timeout time.Duration) *http.Client {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Client{
		Timeout: max(timeout, 0),
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			DialContext:         dialer.DialContext,
			TLSNextProto:        map[string]func(string, *tls.Conn) http.RoundTripper{},
			MaxConnsPerHost:     maxConnsPerHost,
			MaxIdleConnsPerHost: maxConnsPerHost,
			IdleConnTimeout:     30 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
}
