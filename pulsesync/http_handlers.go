// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package pulsesync

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// ClientAuthenticator extracts both user and source identity from requests.
// Implementations validate auth (e.g. JWT) and provide both identifiers.
type ClientAuthenticator interface {
	GetUserID(r *http.Request) (string, error)
	GetSourceID(r *http.Request) (string, error)
}

// HTTPSyncHandlers provides the HTTP surface of the sync API.
type HTTPSyncHandlers struct {
	service       *SyncService
	authenticator ClientAuthenticator
	logger        *slog.Logger
}

// NewHTTPSyncHandlers creates a new instance of sync handlers.
func NewHTTPSyncHandlers(service *SyncService, authenticator ClientAuthenticator, logger *slog.Logger) *HTTPSyncHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPSyncHandlers{
		service:       service,
		authenticator: authenticator,
		logger:        logger,
	}
}

// HandleDownload serves GET /sync/download?since=<RFC3339>&limit=<n>&after_key=<cursor>.
func (h *HTTPSyncHandlers) HandleDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET method is allowed")
		return
	}
	userID, sourceID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	since := time.Time{}
	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		parsed, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "since must be an RFC3339 timestamp")
			return
		}
		since = parsed
	}

	limit := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 1 {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	response, err := h.service.Download(r.Context(), since, r.URL.Query().Get("after_key"), limit)
	if err != nil {
		if IsValidation(err) {
			h.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		h.logger.Error("Failed to process download", "error", err, "user_id", userID, "source_id", sourceID)
		h.writeError(w, http.StatusInternalServerError, "download_failed", "Failed to process download")
		return
	}

	h.writeJSON(w, response)
}

// HandleUpload serves POST /sync/upload with a batch of outbox operations.
func (h *HTTPSyncHandlers) HandleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed")
		return
	}
	userID, sourceID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	var uploadReq UploadRequest
	if err := json.NewDecoder(r.Body).Decode(&uploadReq); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse upload request")
		return
	}

	response, err := h.service.ProcessUpload(r.Context(), userID, sourceID, &uploadReq)
	if err != nil {
		h.logger.Error("Failed to process upload", "error", err, "source_id", sourceID)
		h.writeError(w, http.StatusInternalServerError, "upload_failed", "Failed to process upload")
		return
	}

	h.writeJSON(w, response)
}

// HandleReconcile serves POST /sync/reconcile, the administrative trigger
// for the duplicate reconciliation job.
func (h *HTTPSyncHandlers) HandleReconcile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed")
		return
	}
	userID, _, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	req := &ReconcileRequest{}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse reconcile request")
			return
		}
	}
	if req.DayKey != "" {
		canonical, err := NormalizeDayKey(req.DayKey, h.service.Location())
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		req.DayKey = canonical
	}

	report, err := h.service.Reconcile(r.Context(), req)
	if err != nil {
		if errors.Is(err, ErrReconcileRunning) {
			h.writeError(w, http.StatusConflict, "reconcile_running", err.Error())
			return
		}
		h.logger.Error("Failed to run reconciliation", "error", err, "user_id", userID)
		h.writeError(w, http.StatusInternalServerError, "reconcile_failed", "Failed to run reconciliation")
		return
	}

	h.writeJSON(w, report)
}

// HandleStatus serves GET /sync/health.
func (h *HTTPSyncHandlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET method is allowed")
		return
	}
	h.writeJSON(w, &StatusResponse{
		Status:   "healthy",
		AppName:  h.service.config.AppName,
		Timezone: h.service.Location().String(),
	})
}

func (h *HTTPSyncHandlers) authenticate(w http.ResponseWriter, r *http.Request) (userID, sourceID string, ok bool) {
	userID, err := h.authenticator.GetUserID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return "", "", false
	}
	sourceID, err = h.authenticator.GetSourceID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return "", "", false
	}
	return userID, sourceID, true
}

func (h *HTTPSyncHandlers) writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

func (h *HTTPSyncHandlers) writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(&ErrorResponse{Error: code, Message: message})
}
