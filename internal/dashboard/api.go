// Package dashboard provides the HTTP JSON API and a monitoring page for the
// flag removal orchestrator.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jaakkos/flagsweep/internal/app"
	"github.com/jaakkos/flagsweep/internal/domain"
	"github.com/jaakkos/flagsweep/internal/flagindex"
	"github.com/jaakkos/flagsweep/internal/launchdarkly"
)

// retryAfterSeconds tells 429 callers when to try again.
const retryAfterSeconds = 300

// FlagProvider lists feature flags at the provider and splits them against
// the keys referenced in code. Implemented by launchdarkly.Client.
type FlagProvider interface {
	Flags(ctx context.Context) ([]launchdarkly.Flag, error)
	CompareWithReferences(ctx context.Context, codeKeys []string) (*launchdarkly.Comparison, error)
}

// RemovalDetail is the JSON response for a single removal request.
type RemovalDetail struct {
	Request  *domain.RemovalRequest `json:"request"`
	Sessions []*domain.AgentSession `json:"sessions"`
}

// RemovalList is the JSON response for the request listing.
type RemovalList struct {
	Requests []*app.RequestSummary `json:"requests"`
	Total    int                   `json:"total"`
}

// Handler holds dependencies for dashboard HTTP handlers.
type Handler struct {
	svc            *app.OrchestratorService
	index          *flagindex.Index
	provider       FlagProvider // optional; nil when no provider token is configured
	streamInterval time.Duration
}

// NewHandler creates a dashboard handler.
func NewHandler(svc *app.OrchestratorService, index *flagindex.Index, opts ...HandlerOption) *Handler {
	h := &Handler{svc: svc, index: index, streamInterval: 5 * time.Second}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HandlerOption configures optional dependencies for the dashboard handler.
type HandlerOption func(*Handler)

// WithFlagProvider sets the provider client behind /api/flags/provider.
func WithFlagProvider(p FlagProvider) HandlerOption {
	return func(h *Handler) { h.provider = p }
}

// WithStreamInterval overrides the SSE poll interval.
func WithStreamInterval(d time.Duration) HandlerOption {
	return func(h *Handler) { h.streamInterval = d }
}

// RegisterRoutes adds dashboard routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/removals", h.handleRemovals)
	mux.HandleFunc("/api/removals/", h.handleRemovalSubpath)
	mux.HandleFunc("/api/stats", h.handleStats)
	mux.HandleFunc("/api/flags/search", h.handleFlagSearch)
	mux.HandleFunc("/api/flags/provider", h.handleProviderFlags)
	mux.HandleFunc("/healthz", h.handleHealthz)
	mux.HandleFunc("/", h.handleDashboard)
}

// preflight writes the shared response headers and answers CORS preflight.
// It reports whether the request is already fully handled.
func preflight(w http.ResponseWriter, r *http.Request, methods string) bool {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if r.Method == http.MethodOptions {
		w.Header().Set("Access-Control-Allow-Methods", methods+", OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.WriteHeader(http.StatusNoContent)
		return true
	}
	return false
}

func writeJSON(w http.ResponseWriter, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// writeServiceError translates service errors to status codes: validation to
// 400, capacity to 429 with the retry envelope, missing rows to 404.
func writeServiceError(w http.ResponseWriter, err error) {
	var verr app.ValidationError
	if errors.As(err, &verr) {
		writeError(w, http.StatusBadRequest, verr.Error())
		return
	}
	var cerr *app.CapacityError
	if errors.As(err, &cerr) {
		w.WriteHeader(http.StatusTooManyRequests)
		writeJSON(w, map[string]any{
			"error":           "System at capacity",
			"active_sessions": cerr.Active,
			"max_sessions":    cerr.Max,
			"retry_after":     retryAfterSeconds,
		})
		return
	}
	if errors.Is(err, app.ErrNotFound) {
		writeError(w, http.StatusNotFound, "removal request not found")
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func (h *Handler) handleRemovals(w http.ResponseWriter, r *http.Request) {
	if preflight(w, r, "GET, POST") {
		return
	}
	switch r.Method {
	case http.MethodPost:
		h.createRemoval(w, r)
	case http.MethodGet:
		h.listRemovals(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		w.Write([]byte(`{"error":"GET or POST required"}`))
	}
}

func (h *Handler) createRemoval(w http.ResponseWriter, r *http.Request) {
	var body struct {
		FlagKey      string   `json:"flag_key"`
		Repositories []string `json:"repositories"`
		Provider     string   `json:"feature_flag_provider"`
		Mode         string   `json:"mode"`
		CreatedBy    string   `json:"created_by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	req, sessions, err := h.svc.CreateRemovalRequest(app.CreateRemovalInput{
		FlagKey:      body.FlagKey,
		Repositories: body.Repositories,
		Provider:     body.Provider,
		Mode:         body.Mode,
		CreatedBy:    body.CreatedBy,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusCreated)
	writeJSON(w, RemovalDetail{Request: req, Sessions: sessions})
}

func (h *Handler) listRemovals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := app.RequestFilter{Status: q.Get("status")}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid offset")
			return
		}
		f.Offset = n
	}

	summaries, total, err := h.svc.ListRemovalRequests(f)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, RemovalList{Requests: summaries, Total: total})
}

func (h *Handler) handleRemovalSubpath(w http.ResponseWriter, r *http.Request) {
	// Routes /api/removals/{id}, /api/removals/{id}/logs and
	// /api/removals/{id}/stream.
	rest := strings.TrimPrefix(r.URL.Path, "/api/removals/")
	idPart, tail, _ := strings.Cut(rest, "/")
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil || id <= 0 {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		writeError(w, http.StatusBadRequest, "invalid request id")
		return
	}

	switch tail {
	case "":
		h.handleRemovalByID(w, r, id)
	case "logs":
		h.handleRemovalLogs(w, r, id)
	case "stream":
		h.handleRemovalStream(w, r, id)
	default:
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		writeError(w, http.StatusNotFound, "unknown resource")
	}
}

func (h *Handler) handleRemovalByID(w http.ResponseWriter, r *http.Request, id int64) {
	if preflight(w, r, "GET, DELETE") {
		return
	}
	switch r.Method {
	case http.MethodGet:
		req, sessions, err := h.svc.RemovalRequestByID(id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, RemovalDetail{Request: req, Sessions: sessions})
	case http.MethodDelete:
		if err := h.svc.DeleteRemovalRequest(id); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "ok"})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		w.Write([]byte(`{"error":"GET or DELETE required"}`))
	}
}

func (h *Handler) handleRemovalLogs(w http.ResponseWriter, r *http.Request, id int64) {
	if preflight(w, r, "GET") {
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		w.Write([]byte(`{"error":"GET required"}`))
		return
	}

	logs, err := h.svc.RequestLogs(id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, map[string]any{"logs": logs, "count": len(logs)})
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	if preflight(w, r, "GET") {
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		w.Write([]byte(`{"error":"GET required"}`))
		return
	}

	stats, err := h.svc.Stats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, stats)
}

func (h *Handler) handleFlagSearch(w http.ResponseWriter, r *http.Request) {
	if preflight(w, r, "GET") {
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		w.Write([]byte(`{"error":"GET required"}`))
		return
	}

	q := r.URL.Query()
	query := q.Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, "q parameter is required")
		return
	}
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	results, err := h.index.Search(query, q.Get("repository"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if results == nil {
		results = []flagindex.Result{}
	}
	writeJSON(w, map[string]any{"results": results, "count": len(results)})
}

func (h *Handler) handleProviderFlags(w http.ResponseWriter, r *http.Request) {
	if preflight(w, r, "GET") {
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		w.Write([]byte(`{"error":"GET required"}`))
		return
	}
	if h.provider == nil {
		writeError(w, http.StatusNotFound, "no flag provider configured")
		return
	}

	if r.URL.Query().Get("compare") == "true" {
		keys, err := h.index.FlagKeys()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		cmp, err := h.provider.CompareWithReferences(r.Context(), keys)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, cmp)
		return
	}

	flags, err := h.provider.Flags(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if flags == nil {
		flags = []launchdarkly.Flag{}
	}
	writeJSON(w, map[string]any{"flags": flags, "count": len(flags)})
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if preflight(w, r, "GET") {
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		w.Write([]byte(`{"error":"GET required"}`))
		return
	}
	w.Write([]byte(`{"status":"ok"}`))
}
