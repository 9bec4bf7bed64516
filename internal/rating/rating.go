// Package rating persists participant ratings: the append-only sink every
// submitted classification lands in.
package rating

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/mssola/useragent"

	"github.com/vidsurvey/vidsurvey/internal/database"
	"github.com/vidsurvey/vidsurvey/internal/geoip"
	"github.com/vidsurvey/vidsurvey/internal/httputil"
)

// Record is one rating row. The table has no uniqueness constraint: the sink
// appends whatever it is given and leaves per-(uuid, clip) deduplication to
// analysis. Exactly-once is the session layer's job.
type Record struct {
	VideoID    string
	UUID       string
	Score      int
	Certainty  *int
	Resolution *string
	IsFinal    bool
	Browser    string
	Device     string
	Country    string
}

type Sink struct {
	db  database.DBTX
	geo *geoip.Reader
}

func NewSink(db database.DBTX, geo *geoip.Reader) *Sink {
	return &Sink{db: db, geo: geo}
}

// Record appends one rating row. The timestamp and id are assigned by the
// database.
func (s *Sink) Record(ctx context.Context, rec Record) error {
	if _, err := s.db.Exec(ctx,
		`INSERT INTO ratings (video_id, rating, uuid, certainty, resolution, is_final, browser, device, country)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.VideoID, rec.Score, rec.UUID, rec.Certainty, rec.Resolution,
		rec.IsFinal, rec.Browser, rec.Device, rec.Country,
	); err != nil {
		return fmt.Errorf("insert rating: %w", err)
	}
	return nil
}

type rateRequest struct {
	VideoID    string  `json:"videoId"`
	Rating     *int    `json:"rating"`
	UUID       string  `json:"uuid"`
	Certainty  *int    `json:"certainty"`
	Resolution *string `json:"resolution"`
	Final      bool    `json:"final"`
}

// Handler serves POST /api/rate. Required fields are videoId, rating and
// uuid; a request missing any of them gets a 400 and writes nothing. The
// response envelopes match the original survey client.
func (s *Sink) Handler(w http.ResponseWriter, r *http.Request) {
	var req rateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteMessage(w, http.StatusBadRequest, "Missing data")
		return
	}

	if req.VideoID == "" || req.Rating == nil || req.UUID == "" {
		httputil.WriteMessage(w, http.StatusBadRequest, "Missing data")
		return
	}
	if *req.Rating < 1 || *req.Rating > 5 {
		httputil.WriteMessage(w, http.StatusBadRequest, "Rating out of range")
		return
	}
	if req.Certainty != nil && (*req.Certainty < 1 || *req.Certainty > 5) {
		httputil.WriteMessage(w, http.StatusBadRequest, "Certainty out of range")
		return
	}

	browser, device, country := s.Enrich(r)
	rec := Record{
		VideoID:    req.VideoID,
		UUID:       req.UUID,
		Score:      *req.Rating,
		Certainty:  req.Certainty,
		Resolution: req.Resolution,
		IsFinal:    req.Final,
		Browser:    browser,
		Device:     device,
		Country:    country,
	}

	if err := s.Record(r.Context(), rec); err != nil {
		slog.Error("rating: insert failed", "video_id", rec.VideoID, "uuid", rec.UUID, "error", err)
		httputil.WriteMessage(w, http.StatusInternalServerError, "Unable to save rating")
		return
	}

	slog.Info("rating saved", "video_id", rec.VideoID, "rating", rec.Score, "uuid", rec.UUID, "final", rec.IsFinal)
	httputil.WriteMessage(w, http.StatusOK, "Rating saved")
}

// Enrich derives the analytics columns from the request: browser and device
// class from the User-Agent, country from the client IP.
func (s *Sink) Enrich(r *http.Request) (browser, device, country string) {
	browser, device = parseUserAgent(r.UserAgent())
	return browser, device, s.geo.Country(httputil.ClientIP(r))
}

func parseUserAgent(uaString string) (browser, device string) {
	if uaString == "" {
		return "", ""
	}
	ua := useragent.New(uaString)
	name, _ := ua.Browser()
	switch {
	case ua.Bot():
		device = "bot"
	case ua.Mobile():
		device = "mobile"
	default:
		device = "desktop"
	}
	return name, device
}
