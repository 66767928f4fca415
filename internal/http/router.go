// Package http provides HTTP routing for the CHIMERA gateway and the
// dual-plane backend.
package http

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"chimera/internal/gateway"
	"chimera/internal/jsonrpc"
	"chimera/internal/ledger"
)

// maxBodyBytes bounds one JSON-RPC request object.
const maxBodyBytes = 4 << 20

// Router wraps chi.Router for the gateway process.
type Router struct {
	*chi.Mux
	logger      *zap.Logger
	interceptor *gateway.Interceptor
	ledger      *ledger.Ledger
}

// RouterConfig holds configuration for creating a gateway router.
type RouterConfig struct {
	Logger      *zap.Logger
	Interceptor *gateway.Interceptor
	Ledger      *ledger.Ledger
}

// NewRouter creates the gateway HTTP router.
func NewRouter(cfg RouterConfig) *Router {
	r := &Router{
		Mux:         chi.NewRouter(),
		logger:      cfg.Logger,
		interceptor: cfg.Interceptor,
		ledger:      cfg.Ledger,
	}

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", r.handleHealthz)
	r.Get("/readyz", r.handleReadyz)
	r.Post("/mcp", r.handleMCP)

	return r
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

func (r *Router) handleReadyz(w http.ResponseWriter, req *http.Request) {
	status := "ok"
	httpStatus := http.StatusOK
	checks := map[string]string{"ledger": "ok"}

	if r.ledger.Fatal() {
		checks["ledger"] = "failing"
		status = "not_ready"
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, httpStatus, map[string]any{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"checks":    checks,
	})
}

// handleMCP accepts one JSON-RPC request object and returns one
// response object. Concurrent requests are served; ordering across
// them is not preserved.
func (r *Router) handleMCP(w http.ResponseWriter, req *http.Request) {
	body, err := io.ReadAll(io.LimitReader(req.Body, maxBodyBytes))
	if err != nil {
		writeRPC(w, jsonrpc.NewError(nil, jsonrpc.CodeParseError, "parse error"))
		return
	}

	rpcReq, rpcErr := jsonrpc.ParseRequest(body)
	if rpcErr != nil {
		writeRPC(w, &jsonrpc.Response{JSONRPC: "2.0", ID: json.RawMessage("null"), Error: rpcErr})
		return
	}

	resp := r.interceptor.Handle(req.Context(), rpcReq)
	writeRPC(w, resp)
}

// RequestLogger returns a middleware that logs requests.
func RequestLogger(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				logger.Info("request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())),
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

func writeRPC(w http.ResponseWriter, resp *jsonrpc.Response) {
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
