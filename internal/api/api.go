// Package api is the JSON HTTP surface of the session lifecycle.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/skillswap/session-core/internal/auth"
	"github.com/skillswap/session-core/internal/config"
	"github.com/skillswap/session-core/internal/lifecycle"
	"github.com/skillswap/session-core/internal/model"
	"github.com/skillswap/session-core/internal/scheduling"
)

const maxBodyBytes = 64 << 10

type Config struct {
	Service  *lifecycle.Service
	Verifier auth.Verifier
	AuthMode config.AuthMode
	Logger   *slog.Logger
}

type Handler struct {
	svc      *lifecycle.Service
	verifier auth.Verifier
	mode     config.AuthMode
	logger   *slog.Logger
}

func New(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		svc:      cfg.Service,
		verifier: cfg.Verifier,
		mode:     cfg.AuthMode,
		logger:   logger,
	}
}

// RegisterRoutes mounts the API on mux. wrap, when non-nil, is applied to
// every route (the server uses it for the origin policy).
func (h *Handler) RegisterRoutes(mux *http.ServeMux, wrap func(http.Handler) http.Handler) {
	routes := []struct {
		pattern string
		fn      func(http.ResponseWriter, *http.Request, auth.Identity)
	}{
		{"POST /sessions", h.createSession},
		{"GET /sessions", h.listSessions},
		{"GET /sessions/{id}", h.getSession},
		{"POST /sessions/{id}/proposals", h.propose},
		{"POST /sessions/{id}/join", h.join},
		{"POST /sessions/{id}/checkin", h.checkIn},
		{"POST /sessions/{id}/end", h.end},
		{"POST /sessions/{id}/cancel", h.cancel},
		{"POST /sessions/{id}/reviews", h.review},
		{"POST /sessions/{id}/read", h.markRead},
		{"GET /users/{id}/credits", h.credits},
		{"GET /users/{id}/transactions", h.transactions},
		{"GET /users/{id}/reviews", h.reviews},
	}
	for _, rt := range routes {
		var handler http.Handler = h.authenticated(rt.fn)
		if wrap != nil {
			handler = wrap(handler)
		}
		mux.Handle(rt.pattern, handler)
	}
}

func (h *Handler) authenticated(fn func(http.ResponseWriter, *http.Request, auth.Identity)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := auth.Authenticate(h.verifier, h.mode, r)
		if err != nil {
			writeError(w, h.logger, fmt.Errorf("%w: %v", errUnauthorized, err))
			return
		}
		fn(w, r.WithContext(auth.WithIdentity(r.Context(), id)), id)
	})
}

// SessionView is a session plus the negotiation phase seen by the caller.
type SessionView struct {
	*model.Session
	Phase scheduling.Phase `json:"phase"`
}

func view(s *model.Session, viewer string) SessionView {
	return SessionView{Session: s, Phase: scheduling.PhaseFor(s, viewer)}
}

func (h *Handler) createSession(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	var req lifecycle.CreateRequest
	if !decode(w, r, h.logger, &req) {
		return
	}
	sess, err := h.svc.CreateSession(r.Context(), id.UserID, req)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, view(sess, id.UserID))
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	status := model.Status(r.URL.Query().Get("status"))
	sessions, err := h.svc.List(r.Context(), id.UserID, status)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	out := make([]SessionView, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, view(s, id.UserID))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	sess, err := h.svc.Get(r.Context(), r.PathValue("id"), id.UserID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, view(sess, id.UserID))
}

type ProposalRequest struct {
	Time time.Time `json:"time"`
	// Revision is the scheduleRevision the caller last saw.
	Revision int64 `json:"revision"`
}

func (h *Handler) propose(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	var req ProposalRequest
	if !decode(w, r, h.logger, &req) {
		return
	}
	sess, err := h.svc.Propose(r.Context(), r.PathValue("id"), id.UserID, req.Time, req.Revision)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, view(sess, id.UserID))
}

func (h *Handler) join(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	sess, err := h.svc.Join(r.Context(), r.PathValue("id"), id.UserID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, view(sess, id.UserID))
}

func (h *Handler) checkIn(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	var req lifecycle.CheckInRequest
	if !decode(w, r, h.logger, &req) {
		return
	}
	res, sess, err := h.svc.CheckIn(r.Context(), r.PathValue("id"), id.UserID, req)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": res, "session": view(sess, id.UserID)})
}

type EndRequest struct {
	// Force completes the session without a transfer when the learner
	// cannot pay.
	Force bool `json:"force"`
}

func (h *Handler) end(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	var req EndRequest
	if !decodeOptional(w, r, h.logger, &req) {
		return
	}
	res, err := h.svc.End(r.Context(), r.PathValue("id"), id.UserID, req.Force)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	sess, err := h.svc.Cancel(r.Context(), r.PathValue("id"), id.UserID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, view(sess, id.UserID))
}

func (h *Handler) review(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	var req lifecycle.ReviewRequest
	if !decode(w, r, h.logger, &req) {
		return
	}
	rev, err := h.svc.SubmitReview(r.Context(), r.PathValue("id"), id.UserID, req)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, rev)
}

func (h *Handler) markRead(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	sess, err := h.svc.MarkRead(r.Context(), r.PathValue("id"), id.UserID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, view(sess, id.UserID))
}

// self rejects access to another user's ledger.
func self(r *http.Request, id auth.Identity) (string, error) {
	userID := r.PathValue("id")
	if userID == "me" {
		return id.UserID, nil
	}
	if userID != id.UserID {
		return "", fmt.Errorf("%w: ledger of another user", lifecycle.ErrNotParticipant)
	}
	return userID, nil
}

func (h *Handler) credits(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	userID, err := self(r, id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	rec, err := h.svc.Ledger().Reconcile(r.Context(), userID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if !rec.Consistent {
		h.logger.Error("credit balance does not match transaction log",
			"user_id", userID,
			"balance", rec.Balance,
			"log_sum", rec.LogSum,
		)
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) transactions(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	userID, err := self(r, id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			writeError(w, h.logger, fmt.Errorf("%w: limit must be 1..500", lifecycle.ErrInvalidInput))
			return
		}
		limit = n
	}
	txs, err := h.svc.Ledger().History(r.Context(), userID, limit)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": txs})
}

func (h *Handler) reviews(w http.ResponseWriter, r *http.Request, _ auth.Identity) {
	reviews, err := h.svc.Reviews(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reviews": reviews})
}

func decode(w http.ResponseWriter, r *http.Request, logger *slog.Logger, v any) bool {
	return decodeBody(w, r, logger, v, false)
}

// decodeOptional accepts an empty body, including an empty chunked one.
func decodeOptional(w http.ResponseWriter, r *http.Request, logger *slog.Logger, v any) bool {
	return decodeBody(w, r, logger, v, true)
}

func decodeBody(w http.ResponseWriter, r *http.Request, logger *slog.Logger, v any, allowEmpty bool) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return true
		}
		writeError(w, logger, fmt.Errorf("%w: %v", errBadBody, err))
		return false
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		writeError(w, logger, fmt.Errorf("%w: trailing data", errBadBody))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
