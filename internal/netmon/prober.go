package netmon

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPProber measures the round trip of a HEAD request
type HTTPProber struct {
	url        string
	httpClient *http.Client
}

// NewHTTPProber creates a prober for url
func NewHTTPProber(url string, httpClient *http.Client) *HTTPProber {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &HTTPProber{url: url, httpClient: httpClient}
}

// Probe reports the round trip. Any HTTP response counts as reachable; a
// 5xx is a failure.
func (p *HTTPProber) Probe(ctx context.Context) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	rtt := time.Since(start)

	if resp.StatusCode >= http.StatusInternalServerError {
		return rtt, fmt.Errorf("probe returned %d", resp.StatusCode)
	}
	return rtt, nil
}
