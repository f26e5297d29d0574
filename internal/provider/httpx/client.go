// Package httpx is the HTTP plumbing shared by provider adapters: rate-limit
// waits, per-request timeouts, and mapping transport and status failures onto
// crawler.ProviderError kinds.
package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/vnenv/envcrawler/internal/crawler"
)

// maxBodyBytes caps how much of a provider response is read.
const maxBodyBytes = 8 << 20

// Limiter blocks until the upstream identified by key may be called.
type Limiter interface {
	Wait(ctx context.Context, key string) error
}

// Options configures a Client.
type Options struct {
	UserAgent string
	Limiter   Limiter
	Transport http.RoundTripper
	Clock     crawler.Clock
}

// Client issues GET requests on behalf of provider specs.
type Client struct {
	http      *http.Client
	limiter   Limiter
	userAgent string
	clock     crawler.Clock
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// New builds a Client. A nil limiter means no rate limiting.
func New(opts Options) *Client {
	transport := opts.Transport
	if transport == nil {
		transport = NewTransport()
	}
	clock := opts.Clock
	if clock == nil {
		clock = systemClock{}
	}
	return &Client{
		http:      &http.Client{Transport: transport},
		limiter:   opts.Limiter,
		userAgent: opts.UserAgent,
		clock:     clock,
	}
}

// UserAgent returns the configured User-Agent header value.
func (c *Client) UserAgent() string {
	return c.userAgent
}

// Wait blocks on the provider's rate limit bucket. Context expiry is reported as
// a Timeout ProviderError.
func (c *Client) Wait(ctx context.Context, spec crawler.ProviderSpec) error {
	if c.limiter == nil {
		return nil
	}
	if err := c.limiter.Wait(ctx, spec.LimiterKey()); err != nil {
		return crawler.NewProviderError(spec.ID, crawler.KindTimeout, err)
	}
	return nil
}

// Get performs one GET against rawURL and returns the response body. Every
// failure is a *crawler.ProviderError.
func (c *Client) Get(ctx context.Context, spec crawler.ProviderSpec, rawURL string, header http.Header) ([]byte, error) {
	if err := c.Wait(ctx, spec); err != nil {
		return nil, err
	}

	reqCtx := ctx
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, crawler.NewProviderError(spec.ID, crawler.KindMalformedResponse, fmt.Errorf("build request: %w", err))
	}
	for k, values := range header {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, ClassifyError(spec.ID, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if perr := ClassifyStatus(spec, resp.StatusCode, resp.Header, c.clock.Now()); perr != nil {
		return nil, perr
	}
	if readErr != nil {
		return nil, ClassifyError(spec.ID, fmt.Errorf("read body: %w", readErr))
	}
	return body, nil
}

// GetJSON performs Get and decodes the body into out.
func (c *Client) GetJSON(ctx context.Context, spec crawler.ProviderSpec, rawURL string, out any) error {
	body, err := c.Get(ctx, spec, rawURL, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return crawler.NewProviderError(spec.ID, crawler.KindMalformedResponse, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// NewTransport returns the pooled transport used for provider traffic.
func NewTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
	}
}

// IsDeadline reports whether err came from an expired context or a network
// timeout.
func IsDeadline(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
