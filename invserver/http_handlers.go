// Copyright 2026 The invsync Authors
// SPDX-License-Identifier: Apache-2.0

package invserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/reselly/invsync/internal/auth"
	"github.com/reselly/invsync/invsync"
)

// HTTPHandlers exposes the per-table REST API consumed by the invsync
// gateway.
type HTTPHandlers struct {
	service       *Service
	authenticator *JWTAuth
	logger        *slog.Logger
}

// NewHTTPHandlers creates the handler set.
func NewHTTPHandlers(service *Service, authenticator *JWTAuth, logger *slog.Logger) *HTTPHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPHandlers{service: service, authenticator: authenticator, logger: logger}
}

// Register installs all routes on mux.
func (h *HTTPHandlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/{table}", h.withAuth(h.handleList))
	mux.HandleFunc("GET /api/{table}/{id}", h.withAuth(h.handleGet))
	mux.HandleFunc("POST /api/{table}", h.withAuth(h.handleCreate))
	mux.HandleFunc("PATCH /api/{table}/{id}", h.withAuth(h.handleUpdate))
	mux.HandleFunc("DELETE /api/{table}/{id}", h.withAuth(h.handleDelete))
	mux.HandleFunc("POST /auth/token", h.handleToken)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func (h *HTTPHandlers) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, err := h.authenticator.OwnerFromRequest(r)
		if err != nil {
			h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
			return
		}
		next(w, r.WithContext(auth.SetOwnerID(r.Context(), ownerID)))
	}
}

func tableOf(r *http.Request) (invsync.EntityType, bool) {
	t := invsync.EntityType(r.PathValue("table"))
	return t, t.Valid()
}

func (h *HTTPHandlers) handleList(w http.ResponseWriter, r *http.Request) {
	t, ok := tableOf(r)
	if !ok {
		h.writeError(w, http.StatusNotFound, "unknown_table", "unknown table")
		return
	}
	ownerID, _ := auth.GetOwnerID(r.Context())

	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, total, err := h.service.ListPage(r.Context(), t, ownerID, offset, limit)
	if err != nil {
		h.logger.Error("failed to list rows", "table", t, "error", err)
		h.writeError(w, http.StatusInternalServerError, "list_failed", "failed to list rows")
		return
	}
	if rows == nil {
		rows = []map[string]any{}
	}
	w.Header().Set("X-Total-Count", strconv.Itoa(total))
	h.writeJSON(w, rows)
}

func (h *HTTPHandlers) handleGet(w http.ResponseWriter, r *http.Request) {
	t, ok := tableOf(r)
	if !ok {
		h.writeError(w, http.StatusNotFound, "unknown_table", "unknown table")
		return
	}
	ownerID, _ := auth.GetOwnerID(r.Context())
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_id", "id must be an integer")
		return
	}
	row, err := h.service.GetByID(r.Context(), t, ownerID, id)
	if err != nil {
		h.writeServiceError(w, t, err)
		return
	}
	h.writeJSON(w, row)
}

func (h *HTTPHandlers) handleCreate(w http.ResponseWriter, r *http.Request) {
	t, ok := tableOf(r)
	if !ok {
		h.writeError(w, http.StatusNotFound, "unknown_table", "unknown table")
		return
	}
	ownerID, _ := auth.GetOwnerID(r.Context())
	var values map[string]any
	if err := json.NewDecoder(r.Body).Decode(&values); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "failed to parse request body")
		return
	}
	row, err := h.service.CreateRow(r.Context(), t, ownerID, values)
	if err != nil {
		h.writeServiceError(w, t, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(row); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *HTTPHandlers) handleUpdate(w http.ResponseWriter, r *http.Request) {
	t, ok := tableOf(r)
	if !ok {
		h.writeError(w, http.StatusNotFound, "unknown_table", "unknown table")
		return
	}
	ownerID, _ := auth.GetOwnerID(r.Context())
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_id", "id must be an integer")
		return
	}
	var values map[string]any
	if err := json.NewDecoder(r.Body).Decode(&values); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "failed to parse request body")
		return
	}
	row, err := h.service.UpdateRow(r.Context(), t, ownerID, id, values)
	if err != nil {
		h.writeServiceError(w, t, err)
		return
	}
	h.writeJSON(w, row)
}

func (h *HTTPHandlers) handleDelete(w http.ResponseWriter, r *http.Request) {
	t, ok := tableOf(r)
	if !ok {
		h.writeError(w, http.StatusNotFound, "unknown_table", "unknown table")
		return
	}
	ownerID, _ := auth.GetOwnerID(r.Context())
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_id", "id must be an integer")
		return
	}
	row, err := h.service.SoftDeleteRow(r.Context(), t, ownerID, id)
	if err != nil {
		h.writeServiceError(w, t, err)
		return
	}
	h.writeJSON(w, row)
}

// handleToken is the development sign-in endpoint: it mints a token for
// the requested owner id without verifying anything. Real deployments
// front this API with their own identity provider.
func (h *HTTPHandlers) handleToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OwnerID int64 `json:"owner_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OwnerID == 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "owner_id is required")
		return
	}
	token, err := h.authenticator.GenerateToken(req.OwnerID, 24*time.Hour)
	if err != nil {
		h.logger.Error("failed to mint token", "error", err)
		h.writeError(w, http.StatusInternalServerError, "token_failed", "failed to mint token")
		return
	}
	h.writeJSON(w, map[string]string{"token": token})
}

func (h *HTTPHandlers) writeServiceError(w http.ResponseWriter, t invsync.EntityType, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "row not found")
	case errors.Is(err, ErrReferenced):
		h.writeError(w, http.StatusConflict, "still_referenced", err.Error())
	case errors.Is(err, ErrBadField):
		h.writeError(w, http.StatusBadRequest, "unknown_field", err.Error())
	default:
		h.logger.Error("request failed", "table", t, "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal_error", "request failed")
	}
}

func (h *HTTPHandlers) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *HTTPHandlers) writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": code, "message": message}); err != nil {
		h.logger.Error("failed to encode error response", "error", err)
	}
}
