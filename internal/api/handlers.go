// Package api exposes an engine over HTTP.
package api

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"lix/internal/change"
	"lix/internal/conflict"
	lixerrors "lix/internal/errors"
	"lix/internal/file"
	"lix/internal/queue"
	"lix/internal/version"
)

// maxBody caps uploaded file contents.
const maxBody = 32 << 20

// Engine is the part of the engine the handlers serve.
type Engine interface {
	Enqueue(ctx context.Context, path string, data []byte, metadata map[string]any) (*queue.Entry, error)
	EnqueueDelete(ctx context.Context, path string) (*queue.Entry, error)
	Retry(ctx context.Context, entryID uint64) (*queue.Entry, error)
	Settle(ctx context.Context) error
	Pending(ctx context.Context) ([]queue.Entry, error)

	CreateVersion(ctx context.Context, name, parent string) (*version.Version, error)
	SwitchVersion(ctx context.Context, ref string) (*version.Version, error)
	MergeVersion(ctx context.Context, source, target string) (*version.MergeResult, error)
	CurrentVersion(ctx context.Context) (*version.Version, error)
	Versions(ctx context.Context) ([]version.Version, error)

	File(ctx context.Context, path string) (*file.File, error)
	Files(ctx context.Context) ([]file.File, error)

	Change(ctx context.Context, id string) (*change.Change, error)
	History(ctx context.Context, id string) ([]*change.Change, error)
	Conflicts(ctx context.Context) ([]conflict.Conflict, error)
	ResolveConflict(ctx context.Context, a, b, with string) (*conflict.Conflict, error)
}

type Handler struct {
	engine   Engine
	registry *prometheus.Registry
	// SettleTimeout bounds POST /api/settle when the request sets no timeout.
	SettleTimeout time.Duration
}

func NewHandler(engine Engine, registry *prometheus.Registry) *Handler {
	return &Handler{engine: engine, registry: registry, SettleTimeout: 30 * time.Second}
}

// Routes registers every endpoint on a new mux.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.Health)
	if h.registry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{}))
	}

	mux.HandleFunc("GET /api/files", h.ListFiles)
	mux.HandleFunc("GET /api/files/{path...}", h.GetFile)
	mux.HandleFunc("PUT /api/files/{path...}", h.WriteFile)
	mux.HandleFunc("DELETE /api/files/{path...}", h.DeleteFile)

	mux.HandleFunc("GET /api/queue", h.Pending)
	mux.HandleFunc("POST /api/queue/{id}/retry", h.Retry)
	mux.HandleFunc("POST /api/settle", h.Settle)

	mux.HandleFunc("GET /api/versions", h.ListVersions)
	mux.HandleFunc("POST /api/versions", h.CreateVersion)
	mux.HandleFunc("GET /api/versions/current", h.CurrentVersion)
	mux.HandleFunc("POST /api/versions/{ref}/switch", h.SwitchVersion)
	mux.HandleFunc("POST /api/versions/{ref}/merge", h.MergeVersion)

	mux.HandleFunc("GET /api/changes/{id}", h.GetChange)
	mux.HandleFunc("GET /api/changes/{id}/history", h.History)

	mux.HandleFunc("GET /api/conflicts", h.ListConflicts)
	mux.HandleFunc("POST /api/conflicts/resolve", h.ResolveConflict)

	return mux
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// StatusCode maps engine errors onto HTTP status codes.
func StatusCode(err error) int {
	switch {
	case lixerrors.IsNotFound(err):
		return http.StatusNotFound
	case lixerrors.IsConstraint(err, ""):
		return http.StatusConflict
	case lixerrors.IsValidation(err):
		return http.StatusBadRequest
	case lixerrors.IsMissingAncestor(err), lixerrors.IsPlugin(err):
		return http.StatusUnprocessableEntity
	case stderrors.Is(err, queue.ErrNotSettled), stderrors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Error string           `json:"error"`
	Type  string           `json:"type,omitempty"`
	Info  *lixerrors.Error `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	body := errorBody{Error: err.Error()}
	var e *lixerrors.Error
	if stderrors.As(err, &e) {
		body.Type = string(e.Type)
		body.Info = e
	}
	writeJSON(w, StatusCode(err), body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
