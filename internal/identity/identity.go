// Package identity resolves an opaque credential into a user identity by
// asking the external authentication service.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrAuthenticationFailed means the credential was rejected or unusable.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrUnavailable means the authentication service could not be reached.
	ErrUnavailable = errors.New("identity: authentication service unavailable")
)

// User is a resolved identity. Role is lower-cased but not validated here.
type User struct {
	ID   string
	Role string
}

// Resolver exchanges a credential for a User.
type Resolver interface {
	Resolve(ctx context.Context, credential string) (User, error)
}

// maxBodySize bounds how much of the auth response is read.
const maxBodySize = 1 << 16

// Client calls the authentication service over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.http = hc
	}
}

// WithTimeout bounds each resolution call. It applies to a copy, so a
// client passed to WithHTTPClient is left as it was.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = d
	}
}

// NewClient creates a Client for the service at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    http.DefaultClient,
		timeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.timeout > 0 {
		hc := *c.http
		hc.Timeout = c.timeout
		c.http = &hc
	}
	return c
}

type authBody struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// Resolve sends the credential verbatim in the Authorization header.
func (c *Client) Resolve(ctx context.Context, credential string) (User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/body", nil)
	if err != nil {
		return User{}, fmt.Errorf("identity: build request: %w", err)
	}
	req.Header.Set("Authorization", credential)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return User{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return User{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return User{}, fmt.Errorf("%w: status %d", ErrAuthenticationFailed, resp.StatusCode)
	}

	var body authBody
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodySize)).Decode(&body); err != nil {
		return User{}, fmt.Errorf("%w: decode body: %w", ErrAuthenticationFailed, err)
	}
	if body.UserID == "" {
		return User{}, fmt.Errorf("%w: empty user_id", ErrAuthenticationFailed)
	}
	return User{
		ID:   body.UserID,
		Role: strings.ToLower(body.Role),
	}, nil
}
