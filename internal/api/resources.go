package api

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	lixerrors "lix/internal/errors"
	"lix/internal/validation"
)

type fileView struct {
	ID       string         `json:"id"`
	Path     string         `json:"path"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (h *Handler) ListFiles(w http.ResponseWriter, r *http.Request) {
	files, err := h.engine.Files(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]fileView, 0, len(files))
	for _, f := range files {
		out = append(out, fileView{ID: f.ID, Path: f.Path, Metadata: f.Metadata})
	}
	writeJSON(w, http.StatusOK, out)
}

// GetFile returns the raw bytes of a materialized file.
func (h *Handler) GetFile(w http.ResponseWriter, r *http.Request) {
	f, err := h.engine.File(r.Context(), "/"+r.PathValue("path"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-Lix-File-ID", f.ID)
	w.Write(f.Data)
}

// WriteFile enqueues the request body as the new contents of the file.
func (h *Handler) WriteFile(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		writeError(w, lixerrors.ValidationError("reading request body", err.Error()))
		return
	}
	entry, err := h.engine.Enqueue(r.Context(), "/"+r.PathValue("path"), data, nil)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, entry)
}

func (h *Handler) DeleteFile(w http.ResponseWriter, r *http.Request) {
	entry, err := h.engine.EnqueueDelete(r.Context(), "/"+r.PathValue("path"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, entry)
}

func (h *Handler) Pending(w http.ResponseWriter, r *http.Request) {
	entries, err := h.engine.Pending(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) Retry(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, lixerrors.ValidationError("invalid entry id", r.PathValue("id")))
		return
	}
	entry, err := h.engine.Retry(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// Settle blocks until the queue drains. The optional timeout query
// parameter takes a Go duration.
func (h *Handler) Settle(w http.ResponseWriter, r *http.Request) {
	timeout := h.SettleTimeout
	if v := r.URL.Query().Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			writeError(w, lixerrors.ValidationError("invalid timeout", v))
			return
		}
		timeout = d
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	if err := h.engine.Settle(ctx); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "settled"})
}

func (h *Handler) ListVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := h.engine.Versions(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, versions)
}

func (h *Handler) CreateVersion(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name   string `json:"name" validate:"omitempty,max=200"`
		Parent string `json:"parent"`
	}
	if err := validation.DecodeRequest(r, &req); err != nil {
		writeError(w, err)
		return
	}
	v, err := h.engine.CreateVersion(r.Context(), req.Name, req.Parent)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (h *Handler) CurrentVersion(w http.ResponseWriter, r *http.Request) {
	v, err := h.engine.CurrentVersion(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *Handler) SwitchVersion(w http.ResponseWriter, r *http.Request) {
	v, err := h.engine.SwitchVersion(r.Context(), r.PathValue("ref"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// MergeVersion merges the version in the path into the target named in the
// body, or into the current version.
func (h *Handler) MergeVersion(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Target string `json:"target"`
	}
	if r.ContentLength != 0 {
		if err := validation.DecodeRequest(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}
	if req.Target == "" {
		cur, err := h.engine.CurrentVersion(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		req.Target = cur.ID
	}
	res, err := h.engine.MergeVersion(r.Context(), r.PathValue("ref"), req.Target)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) GetChange(w http.ResponseWriter, r *http.Request) {
	c, err := h.engine.Change(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	changes, err := h.engine.History(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, changes)
}

func (h *Handler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	conflicts, err := h.engine.Conflicts(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conflicts)
}

func (h *Handler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ChangeID            string `json:"change_id" validate:"required"`
		ConflictingChangeID string `json:"conflicting_change_id" validate:"required,nefield=ChangeID"`
		ResolvedChangeID    string `json:"resolved_change_id" validate:"required"`
	}
	if err := validation.DecodeRequest(r, &req); err != nil {
		writeError(w, err)
		return
	}
	c, err := h.engine.ResolveConflict(r.Context(), req.ChangeID, req.ConflictingChangeID, req.ResolvedChangeID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}
