package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/fileservice"
)

// maxUploadBytes caps a single PUT /api/uploads body.
const maxUploadBytes = 8 << 30

// Handler holds API route handlers.
type Handler struct {
	svc *fileservice.Service
}

// NewHandler creates a new Handler.
func NewHandler(svc *fileservice.Service) *Handler {
	return &Handler{svc: svc}
}

// wildcardPath extracts the root-relative path from the URL wildcard.
// Supports encoded slashes from OpenAPI clients (e.g. photos%2Fa.jpg).
func wildcardPath(r *http.Request) string {
	raw := strings.TrimPrefix(chi.URLParam(r, "*"), "/")
	if raw == "" {
		return ""
	}
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return raw
	}
	return decoded
}

// writeServiceError maps domain errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, op, path string, err error) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.Is(err, apperr.ErrOutsideRoot):
		writeJSON(w, http.StatusBadRequest, errorBody("path outside root"))
	case errors.Is(err, apperr.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody("not found"))
	case errors.Is(err, apperr.ErrAlreadyExists):
		writeJSON(w, http.StatusConflict, errorBody("already exists"))
	case errors.Is(err, apperr.ErrConflict):
		writeJSON(w, http.StatusConflict, errorBody("conflict"))
	case errors.As(err, &tooLarge):
		writeJSON(w, http.StatusRequestEntityTooLarge, errorBody("upload too large"))
	default:
		slog.Error(op+" failed", slog.String("path", path), slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
	}
}

// Progress handles GET /api/progress.
//
//	@Summary		Current checksum progress
//	@Tags			index
//	@Produce		json
//	@Success		200	{object}	models.Progress
//	@Security		BearerAuth
//	@Router			/progress [get]
func (h *Handler) Progress(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.Progress(r.Context())
	if err != nil {
		slog.Error("progress failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ListFiles handles GET /api/files and GET /api/files/*.
//
//	@Summary		List the indexed children of a directory
//	@Tags			files
//	@Produce		json
//	@Param			path	path		string	false	"Directory path"
//	@Success		200		{object}	DirListResponse
//	@Failure		400		{object}	errResponse
//	@Failure		404		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/files/{path} [get]
func (h *Handler) ListFiles(w http.ResponseWriter, r *http.Request) {
	path := wildcardPath(r)
	items, err := h.svc.List(r.Context(), path)
	if err != nil {
		writeServiceError(w, "list files", path, err)
		return
	}
	writeJSON(w, http.StatusOK, DirListResponse{Path: path, Items: items})
}

// GetEntry handles GET /api/entries/*.
//
//	@Summary		Get the index record of a single path
//	@Tags			files
//	@Produce		json
//	@Param			path	path		string	true	"File path"
//	@Success		200		{object}	FileDetail
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/entries/{path} [get]
func (h *Handler) GetEntry(w http.ResponseWriter, r *http.Request) {
	path := wildcardPath(r)
	if path == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("path is required"))
		return
	}
	detail, err := h.svc.Entry(r.Context(), path)
	if err != nil {
		writeServiceError(w, "get entry", path, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// Upload handles PUT /api/uploads/*. The request body is the file content.
//
//	@Summary		Upload a file
//	@Tags			files
//	@Accept			application/octet-stream
//	@Produce		json
//	@Param			path	path		string	true	"Target path"
//	@Success		201		{object}	UploadResponse
//	@Failure		400		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Failure		413		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/uploads/{path} [put]
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	path := wildcardPath(r)
	if path == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("path is required"))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	res, err := h.svc.Upload(r.Context(), path, r.Body)
	if err != nil {
		writeServiceError(w, "upload", path, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// DeleteFile handles DELETE /api/files/*.
//
//	@Summary		Delete a file or directory tree
//	@Tags			files
//	@Param			path	path	string	true	"Path"
//	@Success		204		"Deleted"
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/files/{path} [delete]
func (h *Handler) DeleteFile(w http.ResponseWriter, r *http.Request) {
	path := wildcardPath(r)
	if path == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("path is required"))
		return
	}
	if err := h.svc.Delete(r.Context(), path); err != nil {
		writeServiceError(w, "delete file", path, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Move handles POST /api/moves.
//
//	@Summary		Move or rename a file or directory
//	@Tags			files
//	@Accept			json
//	@Param			body	body	MoveRequest	true	"Source and target"
//	@Success		204		"Moved"
//	@Failure		400		{object}	errResponse
//	@Failure		404		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/moves [post]
func (h *Handler) Move(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req MoveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	if req.From == "" || req.To == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("from and to are required"))
		return
	}
	if err := h.svc.Move(r.Context(), req.From, req.To); err != nil {
		writeServiceError(w, "move", req.From, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Rescan handles POST /api/rescan. The scan runs in the background.
//
//	@Summary		Trigger a full rescan
//	@Tags			index
//	@Produce		json
//	@Success		202	{object}	StatusResponse
//	@Security		BearerAuth
//	@Router			/rescan [post]
func (h *Handler) Rescan(w http.ResponseWriter, _ *http.Request) {
	h.svc.StartRescan()
	writeJSON(w, http.StatusAccepted, StatusResponse{Status: "accepted"})
}
