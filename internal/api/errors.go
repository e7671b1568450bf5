package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/skillswap/session-core/internal/geofence"
	"github.com/skillswap/session-core/internal/ledger"
	"github.com/skillswap/session-core/internal/lifecycle"
	"github.com/skillswap/session-core/internal/model"
	"github.com/skillswap/session-core/internal/scheduling"
	"github.com/skillswap/session-core/internal/store"
)

var (
	errUnauthorized = errors.New("unauthorized")
	errBadBody      = errors.New("malformed request body")
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Code    string `json:"error"`
	Message string `json:"message"`
}

type errorClass struct {
	err    error
	status int
	code   string
}

// Checked in order; the first match wins.
var errorClasses = []errorClass{
	{errUnauthorized, http.StatusUnauthorized, "unauthorized"},
	{errBadBody, http.StatusBadRequest, "bad_request"},
	{lifecycle.ErrInvalidInput, http.StatusBadRequest, "bad_request"},
	{scheduling.ErrMissingTime, http.StatusBadRequest, "bad_request"},
	{geofence.ErrInvalidPayload, http.StatusBadRequest, "bad_request"},
	{geofence.ErrPayloadMismatch, http.StatusBadRequest, "qr_mismatch"},
	{ledger.ErrInvalidAmount, http.StatusBadRequest, "bad_request"},
	{lifecycle.ErrNotParticipant, http.StatusForbidden, "forbidden"},
	{store.ErrNotFound, http.StatusNotFound, "not_found"},
	{ledger.ErrInsufficientCredits, http.StatusPaymentRequired, "insufficient_credits"},
	{scheduling.ErrStaleProposal, http.StatusConflict, "stale_proposal"},
	{scheduling.ErrClosed, http.StatusConflict, "not_negotiable"},
	{model.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
	{lifecycle.ErrNotAgreed, http.StatusConflict, "not_agreed"},
	{lifecycle.ErrNotCompleted, http.StatusConflict, "not_completed"},
	{lifecycle.ErrAlreadyReviewed, http.StatusConflict, "already_reviewed"},
	{lifecycle.ErrWrongType, http.StatusConflict, "wrong_session_type"},
	{ledger.ErrAlreadySettled, http.StatusConflict, "already_settled"},
	{geofence.ErrNoVenue, http.StatusConflict, "no_venue"},
}

// Is matches the sentinel errors whose class produced e, so a client sees
// the same errors.Is results as the handler did.
func (e *APIError) Is(target error) bool {
	for _, c := range errorClasses {
		if c.status == e.Status && c.code == e.Body.Code && c.err == target {
			return true
		}
	}
	return false
}

func classify(err error) (int, string) {
	for _, c := range errorClasses {
		if errors.Is(err, c.err) {
			return c.status, c.code
		}
	}
	return http.StatusInternalServerError, "internal"
}

func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	status, code := classify(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logger.Error("api request failed", "err", err)
		msg = http.StatusText(status)
	}
	writeJSON(w, status, ErrorBody{Code: code, Message: msg})
}
