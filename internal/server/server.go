// Package server wires the survey's HTTP surface.
package server

import (
	"context"
	"io/fs"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/vidsurvey/vidsurvey/internal/catalog"
	"github.com/vidsurvey/vidsurvey/internal/database"
	"github.com/vidsurvey/vidsurvey/internal/httputil"
	"github.com/vidsurvey/vidsurvey/internal/identity"
	"github.com/vidsurvey/vidsurvey/internal/ratelimit"
	"github.com/vidsurvey/vidsurvey/internal/rating"
	"github.com/vidsurvey/vidsurvey/internal/session"
	"github.com/vidsurvey/vidsurvey/internal/stream"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type Config struct {
	DB            database.DBTX
	Pinger        Pinger
	Stream        *stream.Handler
	Sessions      *session.Handler
	Sink          *rating.Sink
	VideoRoot     string
	PracticeRoot  string
	ExportKeyHash string
	WebFS         fs.FS
	BaseURL       string
}

type Server struct {
	router         chi.Router
	pinger         Pinger
	stream         *stream.Handler
	sessions       *session.Handler
	sink           *rating.Sink
	db             database.DBTX
	videoRoot      string
	practiceRoot   string
	exportKeyHash  string
	webFS          fs.FS
	surveyLimiter  *ratelimit.Limiter
	sessionLimiter *ratelimit.Limiter
}

func New(cfg Config) *Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(slogMiddleware)
	r.Use(securityHeaders(SecurityConfig{BaseURL: cfg.BaseURL}))

	s := &Server{
		router:         r,
		pinger:         cfg.Pinger,
		stream:         cfg.Stream,
		sessions:       cfg.Sessions,
		sink:           cfg.Sink,
		db:             cfg.DB,
		videoRoot:      cfg.VideoRoot,
		practiceRoot:   cfg.PracticeRoot,
		exportKeyHash:  cfg.ExportKeyHash,
		webFS:          cfg.WebFS,
		surveyLimiter:  ratelimit.NewLimiter(2, 10),
		sessionLimiter: ratelimit.NewLimiter(5, 20),
	}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops the rate limiter cleanup loops.
func (s *Server) Close() {
	s.surveyLimiter.Stop()
	s.sessionLimiter.Stop()
}

func (s *Server) routes() {
	s.router.Get("/api/health", s.handleHealth)

	s.router.Get("/api/videos", s.handleVideos)
	s.router.Get("/api/practice-videos", s.handlePracticeVideos)

	s.router.Group(func(r chi.Router) {
		r.Use(s.surveyLimiter.Middleware)
		r.Post("/api/user", identity.Handler)
		if s.sink != nil {
			r.Post("/api/rate", s.sink.Handler)
		}
	})

	if s.sessions != nil {
		s.router.Route("/api/session", func(r chi.Router) {
			r.Use(s.sessionLimiter.Middleware)
			r.Post("/", s.sessions.Start)
			r.Get("/", s.sessions.Status)
			r.Post("/consent", s.sessions.Consent)
			r.Post("/ended", s.sessions.PlaybackEnded)
			r.Post("/practice-rating", s.sessions.PracticeRating)
			r.Post("/rate", s.sessions.Rate)
		})
	}

	if s.stream != nil {
		s.router.Get("/api/stream/{pool}/*", s.stream.Serve)
		s.router.Head("/api/stream/{pool}/*", s.stream.Serve)
	}

	if s.db != nil {
		s.router.Route("/api/ratings", func(r chi.Router) {
			r.Use(rating.RequireExportKey(s.exportKeyHash))
			r.Get("/export", rating.ExportCSV(s.db))
			r.Get("/summary", rating.Summary(s.db))
		})
	}

	if s.webFS != nil {
		shell := newShellFileServer(s.webFS)
		s.router.NotFound(shell.ServeHTTP)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.pinger != nil {
		if err := s.pinger.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unhealthy","error":"database unreachable"}`))
			return
		}
	}
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleVideos lists the main pool, pre-shuffled so a client that ignores its
// own shuffling still gets a random order.
func (s *Server) handleVideos(w http.ResponseWriter, r *http.Request) {
	clips := catalog.List(s.videoRoot)
	catalog.Shuffle(clips)
	httputil.WriteJSON(w, http.StatusOK, clips)
}

func (s *Server) handlePracticeVideos(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, catalog.List(s.practiceRoot))
}
