/**
 * @description
 * HTTP handlers for the session-service. Handlers parse the request, call the
 * SessionService and translate its errors into structured JSON responses.
 *
 * @dependencies
 * - internal/app, internal/domain: Service logic and models.
 * - internal/signaling: The websocket hub behind GET /ws.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/EmilynnJ/seerplexv2-sub000/internal/app"
	"github.com/EmilynnJ/seerplexv2-sub000/internal/domain"
	"github.com/EmilynnJ/seerplexv2-sub000/internal/signaling"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const maxBodyBytes = 1 << 16

// SessionHandlers holds the services the handlers use.
type SessionHandlers struct {
	service *app.SessionService
	hub     *signaling.Hub
}

func NewSessionHandlers(service *app.SessionService, hub *signaling.Hub) *SessionHandlers {
	return &SessionHandlers{service: service, hub: hub}
}

type errorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Required  *int64 `json:"required,omitempty"`
	Balance   *int64 `json:"balance,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// CreateSessionHandler handles a client's request for a session with a reader.
func (h *SessionHandlers) CreateSessionHandler(w http.ResponseWriter, r *http.Request) {
	clientID, ok := h.caller(w, r)
	if !ok {
		return
	}

	var req domain.CreateSessionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	readerID, err := uuid.Parse(strings.TrimSpace(req.ReaderID))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "reader_id must be a valid UUID")
		return
	}

	session, err := h.service.RequestSession(r.Context(), clientID, readerID, req.SessionType)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

// ListSessionsHandler returns the caller's session history.
func (h *SessionHandlers) ListSessionsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.caller(w, r)
	if !ok {
		return
	}
	sessions, err := h.service.ListSessions(r.Context(), userID, queryLimit(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if sessions == nil {
		sessions = []domain.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (h *SessionHandlers) GetSessionHandler(w http.ResponseWriter, r *http.Request) {
	userID, sessionID, ok := h.callerAndSession(w, r)
	if !ok {
		return
	}
	session, err := h.service.GetSession(r.Context(), sessionID, userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (h *SessionHandlers) AcceptSessionHandler(w http.ResponseWriter, r *http.Request) {
	readerID, sessionID, ok := h.callerAndSession(w, r)
	if !ok {
		return
	}
	session, err := h.service.AcceptSession(r.Context(), sessionID, readerID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (h *SessionHandlers) DeclineSessionHandler(w http.ResponseWriter, r *http.Request) {
	readerID, sessionID, ok := h.callerAndSession(w, r)
	if !ok {
		return
	}
	session, err := h.service.DeclineSession(r.Context(), sessionID, readerID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// EndSessionHandler ends a session on behalf of either participant. The body is optional.
func (h *SessionHandlers) EndSessionHandler(w http.ResponseWriter, r *http.Request) {
	userID, sessionID, ok := h.callerAndSession(w, r)
	if !ok {
		return
	}
	var req domain.EndSessionRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}
	session, err := h.service.EndSession(r.Context(), sessionID, userID, req.Reason)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (h *SessionHandlers) ReviewSessionHandler(w http.ResponseWriter, r *http.Request) {
	clientID, sessionID, ok := h.callerAndSession(w, r)
	if !ok {
		return
	}
	var req domain.ReviewSessionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	session, err := h.service.ReviewSession(r.Context(), sessionID, clientID, req.Rating, req.Review)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (h *SessionHandlers) GetLedgerHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.caller(w, r)
	if !ok {
		return
	}
	ledger, err := h.service.GetLedger(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ledger)
}

func (h *SessionHandlers) ListTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.caller(w, r)
	if !ok {
		return
	}
	txns, err := h.service.ListTransactions(r.Context(), userID, queryLimit(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if txns == nil {
		txns = []domain.Transaction{}
	}
	writeJSON(w, http.StatusOK, txns)
}

// RequestPayoutHandler reserves the caller's pending earnings for payout.
func (h *SessionHandlers) RequestPayoutHandler(w http.ResponseWriter, r *http.Request) {
	readerID, ok := h.caller(w, r)
	if !ok {
		return
	}
	txn, err := h.service.RequestPayout(r.Context(), readerID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, txn)
}

// WebSocketHandler upgrades the connection for realtime notifications and signaling.
func (h *SessionHandlers) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.caller(w, r)
	if !ok {
		return
	}
	h.hub.ServeWebSocket(w, r, userID)
}

func (h *SessionHandlers) caller(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	userID, ok := GetUserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "could not get user ID from context")
		return uuid.Nil, false
	}
	return userID, true
}

func (h *SessionHandlers) callerAndSession(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	userID, ok := h.caller(w, r)
	if !ok {
		return uuid.Nil, uuid.Nil, false
	}
	sessionID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "session id must be a valid UUID")
		return uuid.Nil, uuid.Nil, false
	}
	return userID, sessionID, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return false
	}
	return true
}

func queryLimit(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil {
		return 0
	}
	return limit
}

// writeServiceError maps service errors to status codes. Storage errors are
// logged and reported as a generic failure.
func writeServiceError(w http.ResponseWriter, err error) {
	var insufficient *app.InsufficientBalanceError
	var conflict *app.SessionConflictError
	switch {
	case errors.As(err, &insufficient):
		writeJSON(w, http.StatusPaymentRequired, errorResponse{
			Error:    "insufficient_balance",
			Message:  insufficient.Error(),
			Required: &insufficient.Required,
			Balance:  &insufficient.Balance,
		})
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, errorResponse{
			Error:     "session_conflict",
			Message:   conflict.Error(),
			SessionID: conflict.SessionID.String(),
		})
	case errors.Is(err, app.ErrInvalidSessionType), errors.Is(err, app.ErrInvalidID), errors.Is(err, app.ErrInvalidRating):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, app.ErrReaderUnavailable):
		writeError(w, http.StatusConflict, "reader_unavailable", err.Error())
	case errors.Is(err, app.ErrUnauthorized):
		writeError(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, app.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, app.ErrInvalidState):
		writeError(w, http.StatusConflict, "invalid_state", err.Error())
	case errors.Is(err, app.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "rate_limited", err.Error())
	case errors.Is(err, app.ErrPayoutBelowMinimum):
		writeError(w, http.StatusUnprocessableEntity, "payout_below_minimum", err.Error())
	case errors.Is(err, app.ErrPayoutUnavailable):
		writeError(w, http.StatusServiceUnavailable, "payout_unavailable", app.ErrPayoutUnavailable.Error())
	default:
		log.Printf("level=error component=api msg=\"request failed\" err=%v", err)
		writeError(w, http.StatusInternalServerError, "internal", "an unexpected error occurred")
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, errorResponse{Error: kind, Message: message})
}
