package offlinecache

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"

	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"

	"golang.org/x/net/http2"
)

// NewTransport returns the transport used for network requests by default.
// If serverName is set, it is used for TLS negotiation with the origin.
func NewTransport(serverName string) (*http.Transport, error) {
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSClientConfig: &tls.Config{
			ServerName: serverName,
		},
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2: true,
	}
	if err := http2.ConfigureTransport(tr); err != nil {
		return nil, fmt.Errorf("configure http2: %w", err)
	}
	return tr, nil
}

// fetch sends the request to the network.
// The response body is read completely, so a broken body counts as a network failure
// and the response can be cloned freely afterwards.
func (a *Interceptor) fetch(req *http.Request) (serializer.TimedResponse, error) {
	timedRes := serializer.TimedResponse{RequestTime: a.now()}
	a.log.Trace().Msgf("Executing request %s %s", req.Method, req.URL.String())
	res, err := a.client.Do(req)
	if err != nil {
		return timedRes, err
	}
	if _, err := serializer.Buffer(res); err != nil {
		return timedRes, fmt.Errorf("read response body: %w", err)
	}
	timedRes.ResponseTime = a.now()
	timedRes.Response = res
	return timedRes, nil
}
