package node

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/jsonrpc2"
)

const (
	DefaultURL     = "http://localhost:33035"
	DefaultTimeout = 5 * time.Second

	maxResponseBytes = 64 << 20
)

// ErrNoResult is returned when a call succeeds with a null or missing result.
var ErrNoResult = errors.New("node returned no result")

// HTTPError reports a non-200 answer from the node.
type HTTPError struct {
	Method string
	Code   int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s: unexpected http status %d", e.Method, e.Code)
}

// Client talks JSON-RPC 2.0 over HTTP POST to the node's public API.
type Client struct {
	url  string
	http *http.Client
	log  *slog.Logger
	seq  atomic.Uint64
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.http = hc } }
func WithLogger(l *slog.Logger) Option      { return func(c *Client) { c.log = l } }

// New returns a client for url. An empty url uses DefaultURL.
func New(url string, opts ...Option) *Client {
	if url == "" {
		url = DefaultURL
	}
	c := &Client{
		url:  url,
		http: &http.Client{Timeout: DefaultTimeout},
		log:  slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// URL returns the endpoint.
func (c *Client) URL() string { return c.url }

// Call issues one request and decodes the result into out.
func (c *Client) Call(ctx context.Context, method string, params, out any) error {
	req := &jsonrpc2.Request{Method: method, ID: jsonrpc2.ID{Num: c.seq.Add(1)}}
	if params != nil {
		if err := req.SetParams(params); err != nil {
			return fmt.Errorf("%s: encode params: %w", method, err)
		}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("%s: encode request: %w", method, err)
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	hreq.Header.Set("Content-Type", "application/json")
	hresp, err := c.http.Do(hreq)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer func() { _ = hresp.Body.Close() }()
	if hresp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, hresp.Body)
		return &HTTPError{Method: method, Code: hresp.StatusCode}
	}
	raw, err := io.ReadAll(io.LimitReader(hresp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%s: read response: %w", method, err)
	}
	var resp jsonrpc2.Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("%s: decode response: %w", method, err)
	}
	if resp.Error != nil {
		return fmt.Errorf("%s: %w", method, resp.Error)
	}
	if resp.Result == nil || string(*resp.Result) == "null" {
		return fmt.Errorf("%s: %w", method, ErrNoResult)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(*resp.Result, out); err != nil {
		return fmt.Errorf("%s: decode result: %w", method, err)
	}
	return nil
}

// Status calls get_status.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var st Status
	if err := c.Call(ctx, "get_status", []any{}, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Alive reports whether the node answers get_status with at least one
// connected peer. Errors degrade to false.
func (c *Client) Alive(ctx context.Context) bool {
	st, err := c.Status(ctx)
	if err != nil {
		c.log.Debug("node not alive", "url", c.url, "error", err)
		return false
	}
	if st.Connected() == 0 {
		c.log.Debug("node has no connected peers", "url", c.url)
		return false
	}
	return true
}

// Addresses calls get_addresses for addrs. Records are returned in the
// order the node sends them; an address the node does not know may be
// missing from the result.
func (c *Client) Addresses(ctx context.Context, addrs []string) ([]AddressInfo, error) {
	if len(addrs) == 0 {
		return nil, nil
	}
	var out []AddressInfo
	if err := c.Call(ctx, "get_addresses", []any{addrs}, &out); err != nil {
		return nil, err
	}
	return out, nil
}
