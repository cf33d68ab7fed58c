package processes

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"
)

// HealthChecker decides whether a service listening on port is ready to
// receive traffic.
type HealthChecker interface {
	Check(ctx context.Context, port int) error
}

// TCPHealthChecker treats a service as ready once a TCP connection to its
// port succeeds.
type TCPHealthChecker struct {
	dialer net.Dialer
}

func NewTCPHealthChecker(timeout time.Duration) *TCPHealthChecker {
	return &TCPHealthChecker{dialer: net.Dialer{Timeout: timeout}}
}

func (h *TCPHealthChecker) Check(ctx context.Context, port int) error {
	conn, err := h.dialer.DialContext(ctx, "tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return err
	}
	return conn.Close()
}

// HTTPHealthChecker treats a service as ready once GET path returns 2xx.
type HTTPHealthChecker struct {
	client *http.Client
	path   string
}

func NewHTTPHealthChecker(requestTimeout time.Duration, path string) *HTTPHealthChecker {
	if path == "" {
		path = "/"
	}
	return &HTTPHealthChecker{
		client: &http.Client{Timeout: requestTimeout},
		path:   path,
	}
}

func (h *HTTPHealthChecker) Check(ctx context.Context, port int) error {
	url := fmt.Sprintf("http://127.0.0.1:%d%s", port, h.path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("building health check request: %w", err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("health check %s returned status %s", url, resp.Status)
	}
	return nil
}
