package grpc

import (
    "context"
    "crypto/tls"
    "sync"
    "time"

    "google.golang.org/grpc"
    "google.golang.org/grpc/backoff"
    "google.golang.org/grpc/credentials"
    "google.golang.org/grpc/credentials/insecure"
    "google.golang.org/grpc/keepalive"

    "github.com/amirimatin/go-clustercore/pkg/integrity"
    "github.com/amirimatin/go-clustercore/pkg/transport"
)

// Client implements transport.RPCClient over gRPC. Connections are cached per
// peer address.
type Client struct {
    timeout time.Duration
    tlsCfg  *tls.Config
    once    sync.Once
    cm      *ConnManager
}

func NewClient(timeout time.Duration) *Client {
    if timeout <= 0 { timeout = 10 * time.Second }
    return &Client{timeout: timeout}
}

// UseTLS sets TLS config for the client. Call before the first request.
func (c *Client) UseTLS(cfg *tls.Config) *Client { c.tlsCfg = cfg; return c }

func (c *Client) dialCtx(ctx context.Context, target string) (*grpc.ClientConn, error) {
    opts := []grpc.DialOption{
        grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{}), grpc.CallContentSubtype("json")),
        grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig, MinConnectTimeout: 500 * time.Millisecond}),
        grpc.WithKeepaliveParams(keepalive.ClientParameters{Time: 20 * time.Second, Timeout: 5 * time.Second, PermitWithoutStream: true}),
        grpc.WithBlock(),
    }
    if c.tlsCfg != nil {
        opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(c.tlsCfg)))
    } else {
        opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
    }
    return grpc.DialContext(ctx, target, opts...)
}

func (c *Client) invoke(ctx context.Context, addr, method string, in, out any) error {
    cctx, cancel := context.WithTimeout(ctx, c.timeout)
    defer cancel()
    c.once.Do(func() { c.cm = NewConnManager(30*time.Second, c.dialCtx) })
    cc, rel, err := c.cm.Get(cctx, addr)
    if err != nil { return err }
    defer rel()
    return fromStatus(cc.Invoke(cctx, method, in, out))
}

func (c *Client) GetStatus(ctx context.Context, addr string) ([]byte, error) {
    out := new(statusBlob)
    if err := c.invoke(ctx, addr, methodStatus, &empty{}, out); err != nil { return nil, err }
    return out.Data, nil
}

func (c *Client) PostHeartbeat(ctx context.Context, addr string, env integrity.Envelope) (transport.HeartbeatReply, error) {
    var out transport.HeartbeatReply
    err := c.invoke(ctx, addr, methodHeartbeat, &env, &out)
    return out, err
}

func (c *Client) PostJoin(ctx context.Context, addr string, req transport.JoinRequest) (transport.JoinResponse, error) {
    var out transport.JoinResponse
    err := c.invoke(ctx, addr, methodJoin, &req, &out)
    return out, err
}

func (c *Client) PostSync(ctx context.Context, addr string, env integrity.Envelope) (integrity.Envelope, error) {
    var out integrity.Envelope
    err := c.invoke(ctx, addr, methodSync, &env, &out)
    return out, err
}

// Close releases cached connections.
func (c *Client) Close() {
    c.once.Do(func() {})
    if c.cm != nil { c.cm.Close() }
}

var _ transport.RPCClient = (*Client)(nil)
