package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/dawsonlp/localport/internal/config"
)

// httpProbe issues a request against the forwarded endpoint and compares
// the response status to the expected set.
type httpProbe struct {
	url            string
	method         string
	expectedStatus map[int]bool
	headers        map[string]string
	client         *http.Client
}

func newHTTPProbe(cfg *config.HTTPProbeConfig, localPort int) (*httpProbe, error) {
	probeURL := ""
	method := http.MethodGet
	expected := map[int]bool{http.StatusOK: true}
	var headers map[string]string

	if cfg != nil {
		probeURL = cfg.URL
		if cfg.Method != "" {
			method = cfg.Method
		}
		if len(cfg.ExpectedStatus) > 0 {
			expected = make(map[int]bool, len(cfg.ExpectedStatus))
			for _, code := range cfg.ExpectedStatus {
				expected[code] = true
			}
		}
		headers = cfg.Headers
	}
	if probeURL == "" {
		probeURL = fmt.Sprintf("http://localhost:%d/", localPort)
	}
	if _, err := url.Parse(probeURL); err != nil {
		return nil, fmt.Errorf("invalid probe url %q: %w", probeURL, err)
	}

	return &httpProbe{
		url:            probeURL,
		method:         method,
		expectedStatus: expected,
		headers:        headers,
		// Timeouts come from the probe context, not the client.
		client: &http.Client{},
	}, nil
}

func (p *httpProbe) Kind() string { return config.ProbeHTTP }

func (p *httpProbe) Check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, p.method, p.url, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	for key, val := range p.headers {
		req.Header.Set(key, val)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("requesting %s: %w", p.url, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if !p.expectedStatus[resp.StatusCode] {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, p.url)
	}
	return nil
}
