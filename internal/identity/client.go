package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"golang.org/x/sync/singleflight"

	"academy/internal/store"
)

// Client calls the identity service.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool

	maxRetries    int
	baseDelay     time.Duration
	lookupTimeout time.Duration
	executor      failsafe.Executor[*http.Response]
	group         singleflight.Group
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithRetry sets how often a failed lookup is retried and the initial backoff.
func WithRetry(maxRetries int, baseDelay time.Duration) ClientOption {
	return func(c *Client) {
		c.maxRetries = maxRetries
		c.baseDelay = baseDelay
	}
}

// WithLookupTimeout bounds a shared lookup, retries included. It runs apart
// from any single caller's context.
func WithLookupTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.lookupTimeout = d }
}

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.HTTP = h }
}

// NewClient creates a client. With skip set, lookups succeed without calling
// the service and the caller's claimed role is trusted.
func NewClient(baseURL string, skip bool, opts ...ClientOption) *Client {
	c := &Client{
		BaseURL:    baseURL,
		Skip:       skip,
		HTTP:       &http.Client{Timeout: 5 * time.Second},
		maxRetries:    2,
		baseDelay:     100 * time.Millisecond,
		lookupTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	policy := retrypolicy.NewBuilder[*http.Response]().
		WithBackoff(c.baseDelay, 20*c.baseDelay).
		WithMaxRetries(c.maxRetries).
		WithJitterFactor(0.1).
		HandleIf(func(_ *http.Response, err error) bool { return err != nil }).
		Build()
	c.executor = failsafe.With[*http.Response](policy)
	return c
}

var errRetryable = errors.New("identity service retryable status")

// Lookup fetches a user. Concurrent lookups of the same id share one request,
// which is not cancelled when the caller that started it gives up.
func (c *Client) Lookup(ctx context.Context, userID string) (User, error) {
	if c.Skip {
		return User{UserID: userID, Status: StatusActive}, nil
	}
	if userID == "" {
		return User{}, ErrUnknownUser
	}
	ch := c.group.DoChan(userID, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.lookupTimeout)
		defer cancel()
		return c.fetch(fctx, userID)
	})
	select {
	case <-ctx.Done():
		return User{}, store.Unavailable("identity lookup", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return User{}, res.Err
		}
		return res.Val.(User), nil
	}
}

func (c *Client) fetch(ctx context.Context, userID string) (User, error) {
	resp, err := c.executor.WithContext(ctx).Get(func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/users/"+url.PathEscape(userID), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		resp, err := c.HTTP.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			return nil, fmt.Errorf("%w: %s", errRetryable, resp.Status)
		}
		return resp, nil
	})
	if err != nil {
		return User{}, store.Unavailable("identity lookup", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return User{}, ErrUnknownUser
	}
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return User{}, fmt.Errorf("identity service error %s: %s", resp.Status, string(body))
	}

	var u User
	if err := json.NewDecoder(resp.Body).Decode(&u); err != nil {
		return User{}, fmt.Errorf("failed to decode identity response: %w", err)
	}
	if u.UserID == "" {
		u.UserID = userID
	}
	return u, nil
}

// Health checks if the identity service is reachable.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("identity service unavailable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("identity service unhealthy: %s", resp.Status)
	}
	return nil
}
