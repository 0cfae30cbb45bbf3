package provider

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hubenschmidt/voice-agent/internal/metrics"
)

// NewPooledHTTPClient creates an http.Client with connection pooling and tuned transport.
func NewPooledHTTPClient(poolSize int, timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:          poolSize,
			MaxIdleConnsPerHost:   poolSize,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
			ForceAttemptHTTP2:     true,
		},
	}
}

// doRequest sends req and returns the response for a 200 status. Failures
// are counted under stage and the body of an error response is included in
// the returned error. The caller closes the body.
func doRequest(client *http.Client, req *http.Request, stage, label string) (*http.Response, error) {
	resp, err := client.Do(req)
	if err != nil {
		metrics.Errors.WithLabelValues(stage, "http").Inc()
		return nil, fmt.Errorf("%s request: %w", label, err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		metrics.Errors.WithLabelValues(stage, "status").Inc()
		return nil, fmt.Errorf("%s status %d: %s", label, resp.StatusCode, body)
	}
	return resp, nil
}
