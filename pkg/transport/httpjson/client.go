package httpjson

import (
    "bytes"
    "context"
    "crypto/tls"
    "encoding/json"
    "fmt"
    "io"
    "net/http"
    "time"

    "github.com/amirimatin/go-clustercore/pkg/integrity"
    "github.com/amirimatin/go-clustercore/pkg/transport"
)

// Client is a thin HTTP client for the cluster API. Peer calls make a single
// attempt; the heartbeat schedule and the invite loop do their own retrying.
// Only GetStatus retries with backoff.
type Client struct {
    httpc     *http.Client
    transport *http.Transport
    isTLS     bool
}

// NewClient constructs a new Client with the given timeout. Callers usually
// set a tighter deadline on the context.
func NewClient(timeout time.Duration) *Client {
    if timeout <= 0 { timeout = 10 * time.Second }
    tr := &http.Transport{MaxIdleConnsPerHost: 4, IdleConnTimeout: 90 * time.Second}
    return &Client{httpc: &http.Client{Timeout: timeout, Transport: tr}, transport: tr}
}

// UseTLS sets the TLS config for the underlying HTTP client and switches the
// request scheme to https.
func (c *Client) UseTLS(cfg *tls.Config) *Client {
    if c.transport != nil { c.transport.TLSClientConfig = cfg }
    c.isTLS = cfg != nil
    return c
}

func (c *Client) url(addr, path string) string {
    scheme := "http"
    if c.isTLS { scheme = "https" }
    return fmt.Sprintf("%s://%s%s", scheme, addr, path)
}

func (c *Client) GetStatus(ctx context.Context, addr string) ([]byte, error) {
    var lastErr error
    for attempt := 0; attempt < 3; attempt++ {
        req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(addr, PathStatus), nil)
        if err != nil { return nil, err }
        resp, err := c.httpc.Do(req)
        if err != nil {
            lastErr = err
        } else {
            b, rerr := io.ReadAll(resp.Body)
            resp.Body.Close()
            if resp.StatusCode == http.StatusOK && rerr == nil { return b, nil }
            lastErr = responseError(resp.StatusCode, b)
        }
        // backoff unless context is done
        select {
        case <-ctx.Done():
            return nil, ctx.Err()
        case <-time.After(time.Duration(100*(1<<attempt)) * time.Millisecond):
        }
    }
    return nil, lastErr
}

func (c *Client) PostHeartbeat(ctx context.Context, addr string, env integrity.Envelope) (transport.HeartbeatReply, error) {
    var out transport.HeartbeatReply
    err := c.post(ctx, addr, PathHeartbeat, env, &out)
    return out, err
}

func (c *Client) PostJoin(ctx context.Context, addr string, req transport.JoinRequest) (transport.JoinResponse, error) {
    var out transport.JoinResponse
    err := c.post(ctx, addr, PathJoin, req, &out)
    return out, err
}

func (c *Client) PostSync(ctx context.Context, addr string, env integrity.Envelope) (integrity.Envelope, error) {
    var out integrity.Envelope
    err := c.post(ctx, addr, PathSync, env, &out)
    return out, err
}

func (c *Client) post(ctx context.Context, addr, path string, in, out any) error {
    body, err := json.Marshal(in)
    if err != nil { return err }
    req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(addr, path), bytes.NewReader(body))
    if err != nil { return err }
    req.Header.Set("Content-Type", "application/json")
    resp, err := c.httpc.Do(req)
    if err != nil { return err }
    defer resp.Body.Close()
    b, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
    if err != nil { return err }
    if resp.StatusCode/100 != 2 { return responseError(resp.StatusCode, b) }
    if err := json.Unmarshal(b, out); err != nil { return fmt.Errorf("httpjson: decode %s: %w", path, err) }
    return nil
}

// responseError returns the problem carried by a non-2xx body, or a generic
// error when the body is not a problem document.
func responseError(code int, body []byte) error {
    var p transport.Problem
    if json.Unmarshal(body, &p) == nil && p.Type != "" {
        if p.Status == 0 { p.Status = code }
        return &p
    }
    return fmt.Errorf("httpjson: status %d: %s", code, bytes.TrimSpace(body))
}

var _ transport.RPCClient = (*Client)(nil)
