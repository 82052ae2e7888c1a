// Package httpjson serves and calls the management API over HTTP with JSON
// bodies: status, members, gossip injection, join/leave, health and metrics.
package httpjson

import (
    "context"
    "crypto/tls"
    "encoding/json"
    "errors"
    "fmt"
    "net"
    "net/http"
    "time"

    "github.com/prometheus/client_golang/prometheus/promhttp"
    "go.uber.org/zap"

    "github.com/amirimatin/go-gossip/pkg/internal/logutil"
    obsmetrics "github.com/amirimatin/go-gossip/pkg/observability/metrics"
    "github.com/amirimatin/go-gossip/pkg/observability/tracing"
    "github.com/amirimatin/go-gossip/pkg/transport"
)

// Server is a small HTTP server exposing the management endpoints. It is
// meant for operators and tooling, not for gossip traffic.
type Server struct {
    bind   string
    srv    *http.Server
    log    *zap.Logger
    tlsCfg *tls.Config
}

// NewServer binds to the given TCP address (e.g. ":17946").
func NewServer(bind string, logger *zap.Logger) *Server {
    return &Server{bind: bind, log: logutil.OrNop(logger)}
}

// UseTLS enables TLS for the HTTP server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
    w.Header().Set("Content-Type", "application/json")
    w.WriteHeader(code)
    _ = json.NewEncoder(w).Encode(v)
}

func count(op string, err error) {
    res := "ok"
    if err != nil { res = "error" }
    obsmetrics.MgmtRequests.WithLabelValues(op, res).Inc()
}

// getBlob serves a GET endpoint returning a pre-encoded JSON document.
func getBlob(op string, fn func(context.Context) ([]byte, error)) http.HandlerFunc {
    return func(w http.ResponseWriter, r *http.Request) {
        if r.Method != http.MethodGet { http.Error(w, "method not allowed", http.StatusMethodNotAllowed); return }
        if fn == nil { http.Error(w, op+" not supported", http.StatusNotImplemented); return }
        ctx, end := tracing.StartSpan(r.Context(), "http."+op)
        defer end()
        data, err := fn(ctx)
        count(op, err)
        if err != nil { http.Error(w, fmt.Sprintf("%s error: %v", op, err), http.StatusInternalServerError); return }
        w.Header().Set("Content-Type", "application/json")
        _, _ = w.Write(data)
    }
}

// postJSON serves a POST endpoint decoding Req and encoding Resp. A handler
// error is reported as 500 with the response body still encoded.
func postJSON[Req any, Resp any](op string, fn func(context.Context, Req) (Resp, error), onErr func(*Resp, error)) http.HandlerFunc {
    return func(w http.ResponseWriter, r *http.Request) {
        if r.Method != http.MethodPost { http.Error(w, "method not allowed", http.StatusMethodNotAllowed); return }
        if fn == nil { http.Error(w, op+" not supported", http.StatusNotImplemented); return }
        var req Req
        if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
            http.Error(w, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest)
            return
        }
        ctx, end := tracing.StartSpan(r.Context(), "http."+op)
        defer end()
        resp, err := fn(ctx, req)
        count(op, err)
        if err != nil {
            onErr(&resp, err)
            writeJSON(w, http.StatusInternalServerError, resp)
            return
        }
        writeJSON(w, http.StatusOK, resp)
    }
}

// Handler returns the management mux for h.
func Handler(h transport.Handlers) http.Handler {
    mux := http.NewServeMux()
    mux.HandleFunc("/status", getBlob("status", h.Status))
    mux.HandleFunc("/members", getBlob("members", h.Members))
    mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
        if r.Method != http.MethodGet { http.Error(w, "method not allowed", http.StatusMethodNotAllowed); return }
        w.WriteHeader(http.StatusOK)
        _, _ = w.Write([]byte("ok"))
    })
    mux.Handle("/metrics", promhttp.Handler())
    mux.HandleFunc("/gossip", postJSON("publish", h.Publish, func(r *transport.PublishResponse, err error) {
        if r.Error == "" { r.Error = err.Error() }
    }))
    mux.HandleFunc("/join", postJSON("join", h.Join, func(r *transport.JoinResponse, err error) {
        r.Accepted = false
        if r.Error == "" { r.Error = err.Error() }
    }))
    mux.HandleFunc("/leave", postJSON("leave", h.Leave, func(r *transport.LeaveResponse, err error) {
        r.Accepted = false
        if r.Error == "" { r.Error = err.Error() }
    }))
    return mux
}

// Start launches the HTTP server. It is shut down when ctx is canceled.
func (s *Server) Start(ctx context.Context, h transport.Handlers) error {
    ln, err := net.Listen("tcp", s.bind)
    if err != nil { return err }
    s.bind = ln.Addr().String()
    if s.tlsCfg != nil { ln = tls.NewListener(ln, s.tlsCfg) }
    srv := &http.Server{Addr: s.bind, Handler: Handler(h), ReadHeaderTimeout: 5 * time.Second}
    s.srv = srv

    go func() {
        <-ctx.Done()
        _ = s.Stop(context.Background())
    }()
    go func() {
        if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
            s.log.Error("httpjson: server error", zap.Error(err))
        }
    }()
    s.log.Info("http management listening", zap.String("addr", s.bind), zap.Bool("tls", s.tlsCfg != nil))
    return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string { return s.bind }

// Stop attempts a graceful shutdown with a short timeout.
func (s *Server) Stop(ctx context.Context) error {
    srv := s.srv
    if srv == nil { return nil }
    c, cancel := context.WithTimeout(ctx, 2*time.Second)
    defer cancel()
    return srv.Shutdown(c)
}

var _ transport.RPCServer = (*Server)(nil)
