package httpjson

import (
    "context"
    "crypto/tls"
    "encoding/json"
    "errors"
    "net"
    "net/http"
    "sync"
    "time"

    "github.com/gorilla/mux"
    "github.com/prometheus/client_golang/prometheus/promhttp"
    "go.uber.org/zap"

    "github.com/amirimatin/go-clustercore/pkg/integrity"
    "github.com/amirimatin/go-clustercore/pkg/internal/logutil"
    "github.com/amirimatin/go-clustercore/pkg/observability/tracing"
    "github.com/amirimatin/go-clustercore/pkg/transport"
)

const (
    PathHeartbeat = "/cluster/heartbeat"
    PathJoin      = "/cluster/join"
    PathSync      = "/cluster/sync"
    PathStatus    = "/status"

    maxBody = 8 << 20
)

// Server exposes the cluster endpoints over HTTP/JSON, plus /status,
// /healthz and /metrics.
type Server struct {
    bind   string
    logger *zap.Logger
    tlsCfg *tls.Config

    mu  sync.Mutex
    srv *http.Server
    ln  net.Listener
    // follow-up work scheduled after a response was written
    after sync.WaitGroup
}

// NewServer binds to the given TCP address (e.g., ":17946").
func NewServer(bind string, logger *zap.Logger) *Server {
    if logger == nil { logger = zap.NewNop() }
    return &Server{bind: bind, logger: logger}
}

// UseTLS enables TLS for the HTTP server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

// Router builds the route table for h. Start serves it; tests may mount it on
// an httptest server.
func (s *Server) Router(h transport.Handlers) *mux.Router {
    r := mux.NewRouter()
    r.HandleFunc(PathStatus, func(w http.ResponseWriter, r *http.Request) {
        if h.Status == nil { writeProblem(w, notSupported()); return }
        ctx, end := tracing.StartSpan(r.Context(), "http.status")
        defer end()
        data, err := h.Status(ctx)
        if err != nil { writeProblem(w, transport.AsProblem(err)); return }
        w.Header().Set("Content-Type", "application/json")
        _, _ = w.Write(data)
    }).Methods(http.MethodGet)
    r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
        w.WriteHeader(http.StatusOK)
        _, _ = w.Write([]byte("ok"))
    }).Methods(http.MethodGet)
    r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

    r.HandleFunc(PathHeartbeat, func(w http.ResponseWriter, r *http.Request) {
        if h.Heartbeat == nil { writeProblem(w, notSupported()); return }
        var env integrity.Envelope
        if !decode(w, r, &env) { return }
        ctx, end := tracing.StartSpan(r.Context(), "http.heartbeat")
        defer end()
        reply, err := h.Heartbeat(ctx, env)
        if err != nil { s.fail(w, r, err); return }
        writeJSON(w, reply)
    }).Methods(http.MethodPost)

    r.HandleFunc(PathJoin, func(w http.ResponseWriter, r *http.Request) {
        if h.Join == nil { writeProblem(w, notSupported()); return }
        var req transport.JoinRequest
        if !decode(w, r, &req) { return }
        ctx, end := tracing.StartSpan(r.Context(), "http.join")
        defer end()
        resp, after, err := h.Join(ctx, req)
        if err != nil { s.fail(w, r, err); return }
        writeJSON(w, resp)
        if after != nil {
            if f, ok := w.(http.Flusher); ok { f.Flush() }
            s.runAfter(after)
        }
    }).Methods(http.MethodPost)

    r.HandleFunc(PathSync, func(w http.ResponseWriter, r *http.Request) {
        if h.Sync == nil { writeProblem(w, notSupported()); return }
        var env integrity.Envelope
        if !decode(w, r, &env) { return }
        ctx, end := tracing.StartSpan(r.Context(), "http.sync")
        defer end()
        out, err := h.Sync(ctx, env)
        if err != nil { s.fail(w, r, err); return }
        writeJSON(w, out)
    }).Methods(http.MethodPost)

    r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        writeProblem(w, &transport.Problem{Status: http.StatusMethodNotAllowed, Type: "core.method.not_allowed", Title: "Method not allowed"})
    })
    return r
}

// runAfter runs fn once the handler has returned. Stop waits for it.
func (s *Server) runAfter(fn func()) {
    s.after.Add(1)
    go func() {
        defer s.after.Done()
        fn()
    }()
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
    p := transport.AsProblem(err)
    if p.Status >= http.StatusInternalServerError {
        logutil.Errorf(s.logger, "%s %s: %v", r.Method, r.URL.Path, err)
    }
    writeProblem(w, p)
}

// Start launches the HTTP server with handlers h. The server is shut down
// when the context is canceled.
func (s *Server) Start(ctx context.Context, h transport.Handlers) error {
    ln, err := net.Listen("tcp", s.bind)
    if err != nil { return err }
    if s.tlsCfg != nil { ln = tls.NewListener(ln, s.tlsCfg) }
    srv := &http.Server{Handler: s.Router(h), ReadHeaderTimeout: 5 * time.Second}

    s.mu.Lock()
    s.srv, s.ln = srv, ln
    s.mu.Unlock()

    go func() {
        <-ctx.Done()
        _ = s.Stop(context.Background())
    }()
    go func() {
        if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
            logutil.Errorf(s.logger, "httpjson: server error: %v", err)
        }
    }()
    return nil
}

// Addr returns the listening address once started, else the bind address.
func (s *Server) Addr() string {
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.ln != nil { return s.ln.Addr().String() }
    return s.bind
}

// Stop attempts a graceful shutdown with a short timeout and waits for
// pending follow-ups.
func (s *Server) Stop(ctx context.Context) error {
    s.mu.Lock()
    srv := s.srv
    s.srv = nil
    s.mu.Unlock()
    if srv == nil { return nil }
    c, cancel := context.WithTimeout(ctx, 2*time.Second)
    defer cancel()
    err := srv.Shutdown(c)
    s.after.Wait()
    return err
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
    if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(v); err != nil {
        writeProblem(w, transport.SchemaViolation(err.Error()))
        return false
    }
    return true
}

func writeJSON(w http.ResponseWriter, v any) {
    w.Header().Set("Content-Type", "application/json")
    _ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, p *transport.Problem) {
    w.Header().Set("Content-Type", "application/problem+json")
    w.WriteHeader(p.Status)
    _ = json.NewEncoder(w).Encode(p)
}

func notSupported() *transport.Problem {
    return &transport.Problem{Status: http.StatusNotImplemented, Type: "core.not_supported", Title: "Not supported"}
}

var _ transport.RPCServer = (*Server)(nil)
