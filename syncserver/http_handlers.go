// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/mobiletoly/go-timelimit/actions"
	"github.com/mobiletoly/go-timelimit/clock"
	"github.com/mobiletoly/go-timelimit/internal/auth"
)

const maxRequestBytes = 8 << 20

// HTTPSyncHandlers provides HTTP handlers for the sync API
type HTTPSyncHandlers struct {
	service *Service
	auth    *JWTAuth
	hub     http.Handler
	logger  *slog.Logger
}

// NewHTTPSyncHandlers creates a new instance of sync handlers. hub may be nil to
// disable the event channel.
func NewHTTPSyncHandlers(service *Service, jwtAuth *JWTAuth, hub http.Handler, logger *slog.Logger) *HTTPSyncHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPSyncHandlers{
		service: service,
		auth:    jwtAuth,
		hub:     hub,
		logger:  logger,
	}
}

// Routes returns the handler serving the whole API
func (h *HTTPSyncHandlers) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /time", h.HandleTime)
	mux.HandleFunc("POST /register", h.HandleRegister)
	mux.Handle("POST /sync/push", h.auth.Middleware(http.HandlerFunc(h.HandlePush)))
	mux.Handle("POST /sync/pull", h.auth.Middleware(http.HandlerFunc(h.HandlePull)))
	if h.hub != nil {
		mux.Handle("GET /sync/events", h.auth.Middleware(h.hub))
	}
	return mux
}

// HandleHealth reports liveness
func (h *HTTPSyncHandlers) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, map[string]string{"status": "healthy"})
}

// HandleTime returns the server clock for device time verification
func (h *HTTPSyncHandlers) HandleTime(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, clock.TimeResponse{Millis: time.Now().UnixMilli()})
}

// HandleRegister enrolls a device. With a valid bearer token the device joins the
// family of the token, otherwise a new family is created.
func (h *HTTPSyncHandlers) HandleRegister(w http.ResponseWriter, r *http.Request) {
	r, hasToken, err := h.auth.Identify(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return
	}
	familyID := ""
	if hasToken {
		familyID, _ = auth.GetFamilyID(r.Context())
	}

	var req RegisterRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse register request")
		return
	}

	resp, err := h.service.Register(r.Context(), familyID, &req)
	if err != nil {
		h.writeServiceError(w, err, "register_failed")
		return
	}
	h.writeJSON(w, resp)
}

// HandlePush applies uploaded actions
func (h *HTTPSyncHandlers) HandlePush(w http.ResponseWriter, r *http.Request) {
	familyID, deviceID, ok := h.identity(w, r)
	if !ok {
		return
	}

	var req PushRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse push request")
		return
	}

	resp, err := h.service.Push(r.Context(), familyID, deviceID, &req)
	if err != nil {
		h.logger.Error("Failed to process push", "error", err, "family_id", familyID, "device_id", deviceID)
		h.writeServiceError(w, err, "push_failed")
		return
	}
	h.writeJSON(w, resp)
}

// HandlePull answers with the entities that differ from the posted versions
func (h *HTTPSyncHandlers) HandlePull(w http.ResponseWriter, r *http.Request) {
	familyID, deviceID, ok := h.identity(w, r)
	if !ok {
		return
	}

	var status ClientDataStatus
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&status); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse client data status")
		return
	}

	resp, err := h.service.Pull(r.Context(), familyID, deviceID, &status)
	if err != nil {
		h.logger.Error("Failed to process pull", "error", err, "family_id", familyID, "device_id", deviceID)
		h.writeServiceError(w, err, "pull_failed")
		return
	}
	h.writeJSON(w, resp)
}

func (h *HTTPSyncHandlers) identity(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	familyID, ok := auth.GetFamilyID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", "missing family")
		return "", "", false
	}
	deviceID, ok := auth.GetDeviceID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", "missing device")
		return "", "", false
	}
	return familyID, deviceID, true
}

func (h *HTTPSyncHandlers) writeServiceError(w http.ResponseWriter, err error, code string) {
	switch {
	case errors.Is(err, ErrFamilyNotFound):
		h.writeError(w, http.StatusNotFound, "family_not_found", err.Error())
	case errors.Is(err, ErrUnknownDevice):
		h.writeError(w, http.StatusForbidden, "unknown_device", err.Error())
	case errors.Is(err, ErrBatchTooLarge):
		h.writeError(w, http.StatusRequestEntityTooLarge, "batch_too_large", err.Error())
	case errors.Is(err, actions.ErrInvalidAction):
		h.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, actions.ErrBusinessRule):
		h.writeError(w, http.StatusConflict, "conflict", err.Error())
	default:
		h.writeError(w, http.StatusInternalServerError, code, "Internal server error")
	}
}

func (h *HTTPSyncHandlers) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

// writeError writes a standardized error response
func (h *HTTPSyncHandlers) writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	writeErrorResponse(w, statusCode, errorCode, message)
	h.logger.Debug("HTTP error response",
		"status_code", statusCode,
		"error_code", errorCode,
		"message", message)
}

func writeErrorResponse(w http.ResponseWriter, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: errorCode, Message: message})
}
