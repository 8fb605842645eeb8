// Package authority talks to a master deployment that owns the
// authoritative session cache, and serves that role for others.
package authority

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	rerrors "github.com/porthorian/rhombus/pkg/errors"
)

const (
	DefaultTimeout = 10 * time.Second
	ConfirmPath    = "/confirm"

	maxResponseBytes = 1 << 20
)

type UserInfo struct {
	Lastname      string   `json:"lastname"`
	Firstname     string   `json:"firstname"`
	Email         string   `json:"email"`
	GroupsAdded   []string `json:"groups_added"`
	GroupsRemoved []string `json:"groups_removed"`

	// Groups is the full membership on the authority. Nil when the
	// authority only reports deltas.
	Groups []string `json:"groups"`
}

type Confirmation struct {
	Confirmed bool     `json:"confirmed"`
	UserInfo  UserInfo `json:"userinfo"`
}

// Authority confirms tokens issued by another deployment.
type Authority interface {
	Confirm(ctx context.Context, raw string) (Confirmation, error)
}

type ClientConfig struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
}

type Client struct {
	confirmURL string
	timeout    time.Duration
	http       *http.Client
}

var _ Authority = (*Client)(nil)

func NewClient(config ClientConfig) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(config.BaseURL), "/")
	if base == "" {
		return nil, errors.New("authority: base url is required")
	}
	parsed, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("authority: parse base url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("authority: unsupported url scheme %q", parsed.Scheme)
	}

	timeout := config.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	client := config.HTTPClient
	if client == nil {
		client = &http.Client{}
	}

	return &Client{
		confirmURL: base + ConfirmPath,
		timeout:    timeout,
		http:       client,
	}, nil
}

// Confirm asks the authority whether raw is a live session and, if so,
// for the user's profile and group changes. A rejected token is not an
// error.
func (c *Client) Confirm(ctx context.Context, raw string) (Confirmation, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	query := url.Values{}
	query.Set("principal", raw)
	query.Set("userinfo", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.confirmURL+"?"+query.Encode(), nil)
	if err != nil {
		return Confirmation{}, &rerrors.RemoteAuthorityError{Op: "confirm", Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Confirmation{}, &rerrors.RemoteAuthorityError{Op: "confirm", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return Confirmation{}, &rerrors.RemoteAuthorityError{Op: "confirm", StatusCode: resp.StatusCode}
	}

	var confirmation Confirmation
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&confirmation); err != nil {
		return Confirmation{}, &rerrors.RemoteAuthorityError{Op: "confirm", StatusCode: resp.StatusCode, Err: err}
	}
	if !confirmation.Confirmed {
		return Confirmation{}, nil
	}
	return confirmation, nil
}
