// Package fetch is the HTTP transport for playlists and segments.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-hclog"
)

var (
	ErrStatus   = errors.New("unexpected http status")
	ErrDetached = errors.New("resource detached")
)

// Error is a failed playlist or segment fetch.
type Error struct {
	URL string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// RequestOptions is passed through to every request of a session.
type RequestOptions struct {
	Headers map[string]string
	// Timeout bounds a whole request including the body. Zero means none.
	Timeout time.Duration
}

// Resource is the byte source of one fetch. Reads stream the body as it
// arrives and end with io.EOF, or with the fetch error.
type Resource interface {
	io.ReadCloser
	// Done is closed once the fetch has finished, successfully or not.
	Done() <-chan struct{}
	// Err reports the fetch failure once Done is closed.
	Err() error
}

// Fetcher starts fetches. Fetch must not block: the transfer runs in the
// background and is observed through the returned Resource.
type Fetcher interface {
	Fetch(ctx context.Context, url string, opts RequestOptions) Resource
}

// Client is the net/http Fetcher.
type Client struct {
	httpClient *http.Client
	logger     hclog.Logger
}

// NewClient creates a client. A nil logger discards output.
func NewClient(logger hclog.Logger) *Client {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		ResponseHeaderTimeout: 30 * time.Second,
		MaxIdleConnsPerHost:   16,
	}
	return &Client{
		httpClient: &http.Client{Transport: transport},
		logger:     logger,
	}
}

// Fetch starts a GET of url and returns immediately.
func (c *Client) Fetch(ctx context.Context, url string, opts RequestOptions) Resource {
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	sp := NewSpool(cancel)
	go func() {
		defer cancel()
		sp.Finish(c.get(ctx, url, opts, sp))
	}()
	return sp
}

func (c *Client) get(ctx context.Context, url string, opts RequestOptions, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &Error{URL: url, Err: err}
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}

	c.logger.Trace("GET", "url", url)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &Error{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &Error{URL: url, Err: fmt.Errorf("%w: %s", ErrStatus, resp.Status)}
	}

	if _, err := io.Copy(w, resp.Body); err != nil {
		if errors.Is(err, ErrDetached) {
			return err
		}
		return &Error{URL: url, Err: err}
	}
	return nil
}
