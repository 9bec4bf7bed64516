// Package stream serves clip bytes to the survey player under HTTP range
// requests.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/vidsurvey/vidsurvey/internal/httputil"
)

// Handler maps pool names to their backing sources and serves
// GET|HEAD /api/stream/{pool}/*.
type Handler struct {
	pools map[string]Source
}

func NewHandler(pools map[string]Source) *Handler {
	return &Handler{pools: pools}
}

// Exists implements playlist.Prober against the same sources the player
// fetches from.
func (h *Handler) Exists(ctx context.Context, pool, filename string) bool {
	src, ok := h.pools[pool]
	if !ok {
		return false
	}
	_, err := src.Stat(ctx, filename)
	return err == nil
}

func (h *Handler) Serve(w http.ResponseWriter, r *http.Request) {
	pool := chi.URLParam(r, "pool")
	name := chi.URLParam(r, "*")

	src, ok := h.pools[pool]
	if !ok {
		httputil.WriteError(w, http.StatusForbidden, "access denied")
		return
	}

	size, err := src.Stat(r.Context(), name)
	if err != nil {
		writeStreamError(w, pool, err)
		return
	}

	// Participants must not be able to cache or embed clips elsewhere.
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Content-Security-Policy", "default-src 'none'")
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Type", "video/mp4")

	rangeHeader := r.Header.Get("Range")
	if rangeHeader == "" {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodHead {
			return
		}
		h.copyRange(w, r, src, pool, name, 0, size-1)
		return
	}

	start, end, ok := parseRange(rangeHeader, size)
	if !ok {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return
	}

	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
	w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
	w.WriteHeader(http.StatusPartialContent)
	if r.Method == http.MethodHead {
		return
	}
	h.copyRange(w, r, src, pool, name, start, end)
}

func (h *Handler) copyRange(w http.ResponseWriter, r *http.Request, src Source, pool, name string, start, end int64) {
	if end < start {
		return
	}
	body, err := src.ReadRange(r.Context(), name, start, end)
	if err != nil {
		// Headers are already gone; all we can do is log and drop the
		// connection.
		slog.Error("stream: read failed after headers", "pool", pool, "error", err)
		return
	}
	defer func() { _ = body.Close() }()
	if _, err := io.Copy(w, body); err != nil {
		slog.Debug("stream: copy aborted", "pool", pool, "error", err)
	}
}

func writeStreamError(w http.ResponseWriter, pool string, err error) {
	switch {
	case errors.Is(err, ErrDenied):
		// The attempted path is deliberately not part of the response.
		slog.Warn("stream: denied path escape attempt", "pool", pool)
		httputil.WriteError(w, http.StatusForbidden, "access denied")
	case errors.Is(err, ErrNotFound):
		httputil.WriteError(w, http.StatusNotFound, "video not found")
	default:
		slog.Error("stream: stat failed", "pool", pool, "error", err)
		httputil.WriteError(w, http.StatusNotFound, "video not found")
	}
}

// parseRange interprets a Range header against the clip size. Single ranges
// only; anything malformed or unsatisfiable reports !ok and the handler
// answers 416. The reference implementation silently mis-served malformed
// ranges; strict rejection makes the media element retry without a range.
func parseRange(header string, size int64) (start, end int64, ok bool) {
	spec, found := strings.CutPrefix(header, "bytes=")
	if !found || strings.Contains(spec, ",") {
		return 0, 0, false
	}
	spec = strings.TrimSpace(spec)

	startStr, endStr, found := strings.Cut(spec, "-")
	if !found {
		return 0, 0, false
	}

	if startStr == "" {
		// Suffix form: last N bytes.
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 {
			return 0, 0, false
		}
		if n > size {
			n = size
		}
		return size - n, size - 1, size > 0
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 || start >= size {
		return 0, 0, false
	}

	end = size - 1
	if endStr != "" {
		end, err = strconv.ParseInt(endStr, 10, 64)
		if err != nil || end < start {
			return 0, 0, false
		}
		if end > size-1 {
			end = size - 1
		}
	}
	return start, end, true
}
