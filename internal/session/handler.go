package session

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vidsurvey/vidsurvey/internal/httputil"
	"github.com/vidsurvey/vidsurvey/internal/playlist"
)

// Enricher derives the analytics columns of a rating from the request.
type Enricher interface {
	Enrich(r *http.Request) (browser, device, country string)
}

// Handler exposes the session machine over HTTP. Every endpoint past Start
// authenticates with the session handle in the Authorization header.
type Handler struct {
	mgr      *Manager
	enricher Enricher // nil means ratings carry no request analytics
}

func NewHandler(mgr *Manager, enricher Enricher) *Handler {
	return &Handler{mgr: mgr, enricher: enricher}
}

type clipPayload struct {
	Filename string `json:"filename"`
	Pool     string `json:"pool"`
	IsFinal  bool   `json:"isFinal"`
	URL      string `json:"url"`
}

type statusPayload struct {
	Phase string       `json:"phase"`
	Clip  *clipPayload `json:"clip,omitempty"`
	Index int          `json:"index"`
	Total int          `json:"total"`
}

func toPayload(st Status) statusPayload {
	p := statusPayload{Phase: string(st.Phase), Index: st.Index, Total: st.Total}
	if st.Clip != nil {
		p.Clip = &clipPayload{
			Filename: st.Clip.Filename,
			Pool:     st.Clip.Pool,
			IsFinal:  st.Clip.IsFinal,
			URL:      clipURL(*st.Clip),
		}
	}
	return p
}

func clipURL(c playlist.Clip) string {
	parts := strings.Split(c.Filename, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return "/api/stream/" + url.PathEscape(c.Pool) + "/" + strings.Join(parts, "/")
}

type startRequest struct {
	UUID string `json:"uuid"`
}

type startResponse struct {
	Token string `json:"token"`
	UUID  string `json:"uuid"`
	Phase string `json:"phase"`
}

// Start serves POST /api/session.
func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	token, s, err := h.mgr.Start(req.UUID)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to start session")
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, startResponse{
		Token: token,
		UUID:  s.UUID(),
		Phase: string(PhaseConsent),
	})
}

// Status serves GET /api/session.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toPayload(s.Status()))
}

// Consent serves POST /api/session/consent.
func (h *Handler) Consent(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	st, err := s.GrantConsent()
	if err != nil {
		h.writeSessionError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toPayload(st))
}

type endedResponse struct {
	UnlockAt string `json:"unlockAt"`
}

// PlaybackEnded serves POST /api/session/ended for both the practice clip and
// test clips.
func (h *Handler) PlaybackEnded(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	unlockAt, err := s.PlaybackEnded()
	if err != nil {
		h.writeSessionError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, endedResponse{UnlockAt: unlockAt.UTC().Format(time.RFC3339Nano)})
}

type practiceRatingRequest struct {
	Rating int `json:"rating"`
}

// PracticeRating serves POST /api/session/practice-rating. The score is
// discarded; the transition begins.
func (h *Handler) PracticeRating(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req practiceRatingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.SubmitPractice(req.Rating); err != nil {
		h.writeSessionError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, statusPayload{Phase: string(PhaseTransition)})
}

type rateRequest struct {
	Rating     int     `json:"rating"`
	Direction  string  `json:"direction"`
	Certainty  *int    `json:"certainty"`
	Resolution *string `json:"resolution"`
}

type rateResponse struct {
	statusPayload
	Saved bool `json:"saved"`
}

// Rate serves POST /api/session/rate: exactly one rating per test clip,
// advance regardless of sink health.
func (h *Handler) Rate(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req rateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sub := Submission{
		Score:      req.Rating,
		Direction:  req.Direction,
		Certainty:  req.Certainty,
		Resolution: req.Resolution,
	}
	if h.enricher != nil {
		sub.Browser, sub.Device, sub.Country = h.enricher.Enrich(r)
	}

	res, err := s.SubmitRating(r.Context(), sub)
	if err != nil {
		h.writeSessionError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, rateResponse{
		statusPayload: toPayload(res.Status),
		Saved:         res.SinkErr == nil,
	})
}

func (h *Handler) session(w http.ResponseWriter, r *http.Request) (*Session, bool) {
	header := r.Header.Get("Authorization")
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found || token == "" {
		httputil.WriteError(w, http.StatusUnauthorized, "missing session handle")
		return nil, false
	}
	s, err := h.mgr.Resolve(token)
	if err != nil {
		httputil.WriteError(w, http.StatusUnauthorized, "unknown or expired session")
		return nil, false
	}
	return s, true
}

func (h *Handler) writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrWrongPhase):
		httputil.WriteError(w, http.StatusConflict, "not available in this phase")
	case errors.Is(err, ErrAlreadyRated):
		httputil.WriteError(w, http.StatusConflict, "clip already rated")
	case errors.Is(err, ErrLocked):
		httputil.WriteError(w, http.StatusLocked, "rating controls are locked")
	case errors.Is(err, ErrNoContent):
		httputil.WriteError(w, http.StatusNotFound, "no content available")
	case errors.Is(err, ErrBadRating):
		httputil.WriteError(w, http.StatusBadRequest, "rating outside protocol range")
	default:
		httputil.WriteError(w, http.StatusInternalServerError, "session error")
	}
}
