package remoteurl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-cleanhttp"
)

// Client performs a single blocking GET request.
// Implementations return an error only when no response could be obtained;
// non-200 responses are returned as-is.
type Client interface {
	Get(ctx context.Context, url string, opts ClientOptions) (*Response, error)
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// HTTPClient is the default Client, backed by net/http.
type HTTPClient struct {
	client *http.Client
}

// NewHTTPClient creates a client with its own pooled transport.
func NewHTTPClient() *HTTPClient {
	return &HTTPClient{client: cleanhttp.DefaultPooledClient()}
}

// NewHTTPClientFrom wraps an existing *http.Client, e.g. a test server's client.
func NewHTTPClientFrom(c *http.Client) *HTTPClient {
	return &HTTPClient{client: c}
}

var errTooManyRedirects = errors.New("too many redirects")

// Get implements Client. The request deadline is taken from ctx.
func (c *HTTPClient) Get(ctx context.Context, url string, opts ClientOptions) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for name, value := range opts.Headers {
		req.Header.Set(name, value)
	}
	if opts.UserAgent != "" {
		req.Header.Set("User-Agent", opts.UserAgent)
	}

	client := c.client
	if opts.MaxRedirects > 0 {
		// shallow copy so the redirect policy stays local to this request
		limited := *c.client
		limited.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			if len(via) > opts.MaxRedirects {
				return errTooManyRedirects
			}
			return nil
		}
		client = &limited
	}

	res, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	var body io.Reader = res.Body
	if opts.LimitResponseSize > 0 {
		body = io.LimitReader(res.Body, opts.LimitResponseSize)
	}
	b, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return &Response{
		StatusCode: res.StatusCode,
		Header:     res.Header,
		Body:       b,
	}, nil
}

// getWithTimeout runs a client request bounded by timeout.
func getWithTimeout(ctx context.Context, c Client, url string, timeout time.Duration, opts ClientOptions) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.Get(ctx, url, opts)
}
