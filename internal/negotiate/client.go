package negotiate

import (
	"log/slog"
	"net/http"
	"time"
)

const (
	defaultTimeout      = 10 * time.Second
	defaultMaxRetries   = 3
	defaultRetryBackoff = 500 * time.Millisecond
)

// Signer authenticates outgoing requests.
type Signer interface {
	Sign(req *http.Request) error
}

// Client asks the negotiation endpoint which sub-protocols to offer for a
// resource.
type Client struct {
	baseURL string
	hc      *http.Client
	signer  Signer
	logger  *slog.Logger

	retries int
	backoff time.Duration
}

// Option configures a Client.
type Option func(*Client)

// NewClient creates a negotiation client for baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		hc:      &http.Client{Timeout: defaultTimeout},
		logger:  slog.Default(),
		retries: defaultMaxRetries,
		backoff: defaultRetryBackoff,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithTimeout bounds each HTTP request.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.hc.Timeout = d }
}

// WithRetries sets how often a retryable failure is retried and the initial
// backoff, which doubles per attempt.
func WithRetries(n int, backoff time.Duration) Option {
	return func(c *Client) {
		c.retries = n
		c.backoff = backoff
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.hc = hc }
}

// WithSigner signs every request.
func WithSigner(s Signer) Option {
	return func(c *Client) { c.signer = s }
}
