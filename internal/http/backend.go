package http

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"chimera/internal/execenv"
	"chimera/internal/jsonrpc"
	"chimera/internal/types"
)

// BackendRouter serves the dual execution environment.
type BackendRouter struct {
	*chi.Mux
	logger *zap.Logger
	dual   *execenv.Dual
	tools  map[string]string
}

// BackendRouterConfig holds configuration for the backend router.
type BackendRouterConfig struct {
	Logger *zap.Logger
	Dual   *execenv.Dual
	// Tools maps tool name to a short description for tools/list.
	Tools map[string]string
}

// NewBackendRouter creates the backend HTTP router.
func NewBackendRouter(cfg BackendRouterConfig) *BackendRouter {
	tools := cfg.Tools
	if tools == nil {
		tools = defaultToolDescriptions()
	}

	r := &BackendRouter{
		Mux:    chi.NewRouter(),
		logger: cfg.Logger,
		dual:   cfg.Dual,
		tools:  tools,
	}

	r.Use(middleware.RequestID)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "timestamp": time.Now().UTC()})
	})
	r.Post("/mcp", r.handleMCP)

	return r
}

func (r *BackendRouter) handleMCP(w http.ResponseWriter, req *http.Request) {
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

	switch rpcReq.Method {
	case jsonrpc.MethodToolsCall:
		r.handleToolsCall(w, req, rpcReq)
	case "tools/list":
		r.handleToolsList(w, rpcReq)
	case "initialize":
		resp, _ := jsonrpc.NewResponse(rpcReq.ID, map[string]any{
			"protocolVersion": "2024-11-05",
			"serverInfo":      map[string]any{"name": "chimera-backend", "version": "0.1.0"},
			"capabilities":    map[string]any{"tools": map[string]any{}},
		})
		writeRPC(w, resp)
	default:
		writeRPC(w, jsonrpc.NewError(rpcReq.ID, jsonrpc.CodeMethodNotFound, "method not found"))
	}
}

func (r *BackendRouter) handleToolsCall(w http.ResponseWriter, req *http.Request, rpcReq *jsonrpc.Request) {
	var params jsonrpc.CallParams
	if err := json.Unmarshal(rpcReq.Params, &params); err != nil || params.Name == "" {
		writeRPC(w, jsonrpc.NewError(rpcReq.ID, jsonrpc.CodeInvalidRequest, "invalid tools/call params"))
		return
	}

	result, err := r.dual.Execute(req.Context(), &params)
	if err != nil {
		// One generic rejection for every warrant failure; no hint of
		// which key was tried or why it failed.
		r.logger.Warn("tool call rejected", zap.String("tool", params.Name), zap.Error(err))
		writeRPC(w, jsonrpc.NewError(rpcReq.ID, jsonrpc.CodeAuthorityError, "unauthorized"))
		return
	}

	resp, err := jsonrpc.NewResponse(rpcReq.ID, result)
	if err != nil {
		writeRPC(w, jsonrpc.NewError(rpcReq.ID, jsonrpc.CodeServerError, "internal error"))
		return
	}
	writeRPC(w, resp)
}

func (r *BackendRouter) handleToolsList(w http.ResponseWriter, rpcReq *jsonrpc.Request) {
	type toolInfo struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		InputSchema map[string]any `json:"inputSchema"`
	}

	list := make([]toolInfo, 0, len(r.tools))
	for name, desc := range r.tools {
		list = append(list, toolInfo{
			Name:        name,
			Description: desc,
			InputSchema: map[string]any{"type": "object"},
		})
	}

	resp, err := jsonrpc.NewResponse(rpcReq.ID, map[string]any{"tools": list})
	if err != nil {
		writeRPC(w, jsonrpc.NewError(rpcReq.ID, jsonrpc.CodeServerError, "internal error"))
		return
	}
	writeRPC(w, resp)
}

func defaultToolDescriptions() map[string]string {
	descriptions := map[string]string{
		"read_file":           "Read a file by path",
		"write_file":          "Write a file by path",
		"list_files":          "List files under a directory",
		"get_patient_record":  "Fetch a patient record by id",
		"get_employee_record": "Fetch an employee record by id",
		"search_records":      "Search patient records by name",
	}
	// Keep the catalog aligned with the category map.
	for tool := range types.DefaultToolCategories() {
		if _, ok := descriptions[tool]; !ok {
			descriptions[tool] = "Backend tool"
		}
	}
	return descriptions
}
