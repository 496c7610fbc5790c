package monitor

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Prober answers "is the server reachable".
type Prober interface {
	Probe(ctx context.Context) error
}

// HTTPProbe sends a GET to the heartbeat URL. Any answer below 500 counts as
// reachable: the server is up even if the path is not a health route.
type HTTPProbe struct {
	url    string
	client *http.Client
}

func NewHTTPProbe(url string, timeout time.Duration) *HTTPProbe {
	return &HTTPProbe{url: url, client: &http.Client{Timeout: timeout}}
}

func (p *HTTPProbe) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return fmt.Errorf("create heartbeat request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("heartbeat: status %d", resp.StatusCode)
	}
	return nil
}
