package support

import (
	"net"
	"net/http"
	"net/url"
	"time"

	"proxypool/internal/domain"
)

// CreateTransport returns a one-shot transport that forwards both plain HTTP
// and CONNECT tunnels through proxyToCheck. Keep-alives are disabled so a
// probe never leaves an idle connection to a public proxy behind.
func CreateTransport(proxyToCheck domain.Proxy, timeout time.Duration) *http.Transport {
	proxyURL := &url.URL{
		Scheme: "http",
		Host:   proxyToCheck.GetFullProxy(),
	}

	return &http.Transport{
		Proxy: http.ProxyURL(proxyURL),
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 0,
		}).DialContext,
		DisableKeepAlives:     true,
		MaxIdleConns:          0,
		MaxIdleConnsPerHost:   0,
		IdleConnTimeout:       0,
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
