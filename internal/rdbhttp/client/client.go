// Package client is the single-node HTTP client (spec.md §4.7): a pooled
// *http.Client against one host:port, grounded on memhashd's client.go
// do/urlOf idiom (_examples/other_examples/...ybubnov-memhashd...), adapted
// from its JSON-body REST calls to rdb's envelope-bytes wire format and
// form-encoded bulk endpoint.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rdbkv/rdb/internal/codec"
	"github.com/rdbkv/rdb/pkg/utils"
)

// DefaultPort is the server's default listen port (spec.md §6).
const DefaultPort = 6552

// defaultTransport mirrors memhashd's DefaultTransport: a pooled,
// keep-alive-enabled http.Transport with a bound on idle connections per
// host, matching urllib3.HTTPConnectionPool's pooling in the original.
func defaultTransport(maxIdlePerHost int) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConnsPerHost:   maxIdlePerHost,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// Client talks to one rdb server over a pooled HTTP connection.
type Client struct {
	host       string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*options)

type options struct {
	maxIdlePerHost int
	transport      http.RoundTripper
	timeout        time.Duration
}

// WithMaxIdleConnsPerHost overrides the pooled transport's idle connection
// limit (default 8).
func WithMaxIdleConnsPerHost(n int) Option {
	return func(o *options) { o.maxIdlePerHost = n }
}

// WithTransport overrides the transport entirely, primarily for tests.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *options) { o.transport = rt }
}

// New builds a Client against host (a "host:port" string; if port is
// omitted, DefaultPort is assumed).
func New(host string, opts ...Option) *Client {
	o := options{maxIdlePerHost: 8}
	for _, opt := range opts {
		opt(&o)
	}
	if !strings.Contains(host, ":") {
		host = fmt.Sprintf("%s:%d", host, DefaultPort)
	}
	transport := o.transport
	if transport == nil {
		transport = defaultTransport(o.maxIdlePerHost)
	}
	return &Client{
		host:       host,
		httpClient: &http.Client{Transport: transport},
	}
}

// Host returns the node address this Client was built for.
func (c *Client) Host() string { return c.host }

// Close releases the pooled connections, matching spec.md §3's "a client is
// ... closed on disposal".
func (c *Client) Close() error {
	if t, ok := c.httpClient.Transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
	return nil
}

func (c *Client) urlOf(path string) *url.URL {
	return &url.URL{Scheme: "http", Host: c.host, Path: path}
}

// do issues an HTTP request and returns the raw response status/body,
// leaving wire-format interpretation (404->NotFound, 406->BadWireFormat) to
// the caller, since each endpoint has different success-status semantics.
func (c *Client) do(ctx context.Context, method string, u *url.URL, body []byte) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return 0, nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, utils.Wrap(err, "rdb client: "+method+" "+u.Path)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, utils.Wrap(err, "read response body")
	}
	return resp.StatusCode, respBody, nil
}

func keyPath(key []byte) string {
	return "/data/" + url.PathEscape(string(key))
}

// Get fetches the envelope bytes stored under key. A 404 response is
// translated to utils.ErrNotFound.
func (c *Client) Get(ctx context.Context, key []byte) (codec.Envelope, error) {
	status, body, err := c.do(ctx, http.MethodGet, c.urlOf(keyPath(key)), nil)
	if err != nil {
		return codec.Envelope{}, err
	}
	switch status {
	case http.StatusOK:
		return codec.ParseEnvelope(body)
	case http.StatusNotFound:
		return codec.Envelope{}, fmt.Errorf("get %q: %w", key, utils.ErrNotFound)
	default:
		return codec.Envelope{}, utils.NewTransportError("GET "+keyPath(key), status, string(body))
	}
}

// Put stores env under key. HTTP 406 signals a malformed envelope.
func (c *Client) Put(ctx context.Context, key []byte, env codec.Envelope) error {
	body, err := env.Bytes()
	if err != nil {
		return err
	}
	status, respBody, err := c.do(ctx, http.MethodPut, c.urlOf(keyPath(key)), body)
	if err != nil {
		return err
	}
	switch status {
	case http.StatusOK:
		return nil
	case http.StatusNotAcceptable:
		return fmt.Errorf("put %q: %w", key, utils.ErrBadWireFormat)
	default:
		return utils.NewTransportError("PUT "+keyPath(key), status, string(respBody))
	}
}

// Delete removes key. The server returns 200 regardless of prior presence.
func (c *Client) Delete(ctx context.Context, key []byte) error {
	status, body, err := c.do(ctx, http.MethodDelete, c.urlOf(keyPath(key)), nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return utils.NewTransportError("DELETE "+keyPath(key), status, string(body))
	}
	return nil
}

// BulkRequest is the payload for a bulk operation: any of the three fields
// may be supplied, but at least one must be non-empty.
type BulkRequest struct {
	Get    []string                  // keys to fetch
	Put    map[string]codec.Envelope // key -> envelope to store
	Delete []string                  // keys to remove
}

// bulkAlias is one of the spec's three cosmetic route aliases; purely for
// log legibility at the server, they all dispatch identically.
type bulkAlias string

const (
	aliasBulk        bulkAlias = "_bulk"
	aliasGetMulti    bulkAlias = "_get_multi"
	aliasPutMulti    bulkAlias = "_put_multi"
	aliasDeleteMulti bulkAlias = "_delete_multi"
)

// Bulk issues one POST /_bulk request for a mixed get/put/delete batch,
// returning the server's get results (absent keys omitted).
func (c *Client) Bulk(ctx context.Context, req BulkRequest) (map[string]codec.Envelope, error) {
	return c.bulk(ctx, aliasBulk, req)
}

// GetMulti issues POST /_get_multi (alias of Bulk, get-only) for log
// legibility when the caller is only fetching.
func (c *Client) GetMulti(ctx context.Context, keys []string) (map[string]codec.Envelope, error) {
	return c.bulk(ctx, aliasGetMulti, BulkRequest{Get: keys})
}

// PutMulti issues POST /_put_multi (alias of Bulk, put-only).
func (c *Client) PutMulti(ctx context.Context, values map[string]codec.Envelope) (map[string]codec.Envelope, error) {
	return c.bulk(ctx, aliasPutMulti, BulkRequest{Put: values})
}

// DeleteMulti issues POST /_delete_multi (alias of Bulk, delete-only).
func (c *Client) DeleteMulti(ctx context.Context, keys []string) (map[string]codec.Envelope, error) {
	return c.bulk(ctx, aliasDeleteMulti, BulkRequest{Delete: keys})
}

func (c *Client) bulk(ctx context.Context, alias bulkAlias, req BulkRequest) (map[string]codec.Envelope, error) {
	form := url.Values{}
	if len(req.Get) > 0 {
		b, err := json.Marshal(map[string]any{"keys": req.Get})
		if err != nil {
			return nil, err
		}
		form.Set("get", string(b))
	}
	if len(req.Put) > 0 {
		b, err := json.Marshal(req.Put)
		if err != nil {
			return nil, err
		}
		form.Set("put", string(b))
	}
	if len(req.Delete) > 0 {
		b, err := json.Marshal(map[string]any{"keys": req.Delete})
		if err != nil {
			return nil, err
		}
		form.Set("delete", string(b))
	}
	if len(form) == 0 {
		return nil, fmt.Errorf("rdb client: bulk request needs at least one of get/put/delete")
	}

	u := c.urlOf("/" + string(alias))
	status, body, err := c.do(ctx, http.MethodPost, u, []byte(form.Encode()))
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, utils.NewTransportError("POST "+u.Path, status, string(body))
	}
	var raw map[string]codec.Envelope
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", utils.ErrBadWireFormat, err)
	}
	return raw, nil
}

// Keys streams the server's full key list. Returns utils.ErrNotImplemented
// if the backend does not support iteration (server responded 501).
func (c *Client) Keys(ctx context.Context) ([]string, error) {
	status, body, err := c.do(ctx, http.MethodGet, c.urlOf("/_all_keys"), nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotImplemented {
		return nil, utils.ErrNotImplemented
	}
	if status != http.StatusOK {
		return nil, utils.NewTransportError("GET /_all_keys", status, string(body))
	}
	var keys []string
	if err := json.Unmarshal(body, &keys); err != nil {
		return nil, fmt.Errorf("%w: %v", utils.ErrBadWireFormat, err)
	}
	return keys, nil
}

// Items streams the server's full key->envelope map. Returns
// utils.ErrNotImplemented if the backend does not support iteration.
func (c *Client) Items(ctx context.Context) (map[string]codec.Envelope, error) {
	status, body, err := c.do(ctx, http.MethodGet, c.urlOf("/_all_data"), nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotImplemented {
		return nil, utils.ErrNotImplemented
	}
	if status != http.StatusOK {
		return nil, utils.NewTransportError("GET /_all_data", status, string(body))
	}
	var items map[string]codec.Envelope
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, fmt.Errorf("%w: %v", utils.ErrBadWireFormat, err)
	}
	return items, nil
}

// Stats fetches the backend's diagnostic mapping.
func (c *Client) Stats(ctx context.Context) (map[string]any, error) {
	status, body, err := c.do(ctx, http.MethodGet, c.urlOf("/_stats"), nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, utils.NewTransportError("GET /_stats", status, string(body))
	}
	var stats map[string]any
	if err := json.Unmarshal(body, &stats); err != nil {
		return nil, fmt.Errorf("%w: %v", utils.ErrBadWireFormat, err)
	}
	return stats, nil
}
