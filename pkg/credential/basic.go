package credential

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultBasicTimeout = 10 * time.Second

// HTTPBasic validates by requesting URL with HTTP basic auth.
type HTTPBasic struct {
	URL     string
	Client  *http.Client
	Timeout time.Duration
}

func (b *HTTPBasic) Validate(ctx context.Context, creds Credentials) (bool, error) {
	if creds.Login == "" {
		return false, nil
	}

	timeout := b.Timeout
	if timeout <= 0 {
		timeout = defaultBasicTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.URL, nil)
	if err != nil {
		return false, fmt.Errorf("credential: basic request: %w", err)
	}
	req.SetBasicAuth(creds.Login, creds.Password)

	client := b.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return false, fmt.Errorf("credential: basic request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return true, nil
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return false, nil
	}
	return false, fmt.Errorf("credential: basic request: unexpected status %d", resp.StatusCode)
}
