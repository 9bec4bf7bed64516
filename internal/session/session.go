// Package session drives a participant through the survey: consent, one
// practice clip, a timed transition, the rated test playlist, done. Each
// participant gets an explicit Session object owned by the Manager; nothing
// here lives in package-level state, so concurrent sessions cannot
// cross-contaminate.
package session

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/vidsurvey/vidsurvey/internal/playlist"
	"github.com/vidsurvey/vidsurvey/internal/rating"
)

type Phase string

const (
	PhaseConsent    Phase = "consent"
	PhasePractice   Phase = "practice"
	PhaseTransition Phase = "transition"
	PhaseTest       Phase = "test"
	PhaseDone       Phase = "done"
	// PhaseNoContent is the terminal state for an empty playlist: the survey
	// cannot run, which is not the same as having finished it.
	PhaseNoContent Phase = "no-content"
)

// Protocol selects the deployed rating scheme. A deployment runs exactly one.
type Protocol string

const (
	// ProtocolScale is a single 1..5 judgment from "AI" to "real".
	ProtocolScale Protocol = "scale"
	// ProtocolDirection is a binary AI/real choice plus a 1..5 certainty;
	// the direction is stored as the score anchor (AI=1, real=5).
	ProtocolDirection Protocol = "direction"
)

const (
	// transitionDelay covers playlist fetch latency between practice and test.
	transitionDelay = 3 * time.Second
	// revealDelay debounces taps landing right at the end of playback.
	revealDelay = 500 * time.Millisecond
)

var (
	ErrWrongPhase   = errors.New("operation not valid in current phase")
	ErrLocked       = errors.New("rating controls are locked")
	ErrAlreadyRated = errors.New("clip already rated")
	ErrNoContent    = errors.New("no content available")
	ErrBadRating    = errors.New("rating outside protocol range")
)

// RatingSink is where test-phase submissions land. Practice ratings never
// reach it.
type RatingSink interface {
	Record(ctx context.Context, rec rating.Record) error
}

// Session is the state machine for one participant. Phases only move
// forward; restarting means starting a new session.
type Session struct {
	mu sync.Mutex

	id   string
	uuid string

	phase        Phase
	practiceClip *playlist.Clip
	clips        []playlist.Clip
	index        int

	// Per-clip gating: the current clip must have ended, and revealDelay
	// must have elapsed, before a rating is accepted. rated latches as soon
	// as a submission is admitted, before any I/O.
	ended    bool
	unlockAt time.Time
	rated    bool

	transition Timer

	clock    Clock
	lastSeen time.Time

	mgr *Manager
}

func (s *Session) ID() string   { return s.id }
func (s *Session) UUID() string { return s.uuid }

// Status reports the current phase and, when one is active, the clip the
// participant should be watching.
type Status struct {
	Phase Phase
	Clip  *playlist.Clip
	Index int
	Total int
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()
	return s.statusLocked()
}

func (s *Session) statusLocked() Status {
	st := Status{Phase: s.phase, Index: s.index, Total: len(s.clips)}
	switch s.phase {
	case PhasePractice:
		st.Clip = s.practiceClip
	case PhaseTest:
		if s.index < len(s.clips) {
			clip := s.clips[s.index]
			st.Clip = &clip
		}
	}
	return st
}

// GrantConsent moves Consent to Practice and picks the one practice clip at
// random. An empty practice catalog is terminal.
func (s *Session) GrantConsent() (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	if s.phase != PhaseConsent {
		return s.statusLocked(), ErrWrongPhase
	}

	practice := s.mgr.catalogs.Practice()
	if len(practice) == 0 {
		s.phase = PhaseNoContent
		return s.statusLocked(), ErrNoContent
	}

	clip := playlist.Clip{
		Filename: practice[rand.IntN(len(practice))],
		Pool:     s.mgr.practicePool,
	}
	s.practiceClip = &clip
	s.phase = PhasePractice
	s.ended = false
	s.rated = false
	return s.statusLocked(), nil
}

// PlaybackEnded records the end-of-playback event for the active clip and
// returns when the rating controls unlock.
func (s *Session) PlaybackEnded() (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	if s.phase != PhasePractice && s.phase != PhaseTest {
		return time.Time{}, ErrWrongPhase
	}
	if !s.ended {
		s.ended = true
		s.unlockAt = s.clock.Now().Add(revealDelay)
	}
	return s.unlockAt, nil
}

// SubmitPractice accepts the practice rating. It is never persisted; its only
// effect is the move to the timed transition, during which the test playlist
// is built.
func (s *Session) SubmitPractice(score int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	if s.phase != PhasePractice {
		return ErrWrongPhase
	}
	if err := s.checkUnlockedLocked(); err != nil {
		return err
	}
	if score < 1 || score > 5 {
		return ErrBadRating
	}

	s.rated = true
	s.phase = PhaseTransition
	s.transition = s.clock.AfterFunc(transitionDelay, s.completeTransition)
	return nil
}

// completeTransition fires from the transition timer: build the playlist and
// open the test phase. The Manager's context bounds the calibration probe.
func (s *Session) completeTransition() {
	ctx, cancel := context.WithTimeout(s.mgr.baseCtx, 30*time.Second)
	defer cancel()

	clips := playlist.Build(ctx, s.mgr.catalogs.Main(), s.mgr.targetCount,
		s.mgr.mainPool, s.mgr.calibration, s.mgr.prober)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != PhaseTransition {
		return
	}
	if len(clips) == 0 {
		s.phase = PhaseNoContent
		slog.Warn("session: empty playlist, survey cannot run", "session_id", s.id, "uuid", s.uuid)
		return
	}
	s.clips = clips
	s.index = 0
	s.ended = false
	s.rated = false
	s.phase = PhaseTest
}

// Submission is a test-phase rating. Exactly one of Score (scale protocol)
// or Direction+Certainty (direction protocol) is meaningful, per deployment.
type Submission struct {
	Score      int
	Direction  string // "ai" or "real"
	Certainty  *int
	Resolution *string

	// Request-derived analytics, filled by the HTTP layer.
	Browser string
	Device  string
	Country string
}

// SubmitResult reports what the submission did. SinkErr is non-nil when the
// rating could not be persisted; the session advances anyway, by design, and
// the caller decides how loudly to report the loss.
type SubmitResult struct {
	Status  Status
	SinkErr error
}

// SubmitRating records the rating for the current test clip and advances.
// The rated latch is set under the session mutex before the insert is
// attempted, so a second submission for the same clip can never reach the
// sink, no matter how the network interleaves.
func (s *Session) SubmitRating(ctx context.Context, sub Submission) (SubmitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	if s.phase != PhaseTest {
		return SubmitResult{Status: s.statusLocked()}, ErrWrongPhase
	}
	if s.rated {
		return SubmitResult{Status: s.statusLocked()}, ErrAlreadyRated
	}
	if err := s.checkUnlockedLocked(); err != nil {
		return SubmitResult{Status: s.statusLocked()}, err
	}

	rec, err := s.buildRecordLocked(sub)
	if err != nil {
		return SubmitResult{Status: s.statusLocked()}, err
	}

	s.rated = true

	sinkErr := s.mgr.sink.Record(ctx, rec)
	if sinkErr != nil {
		slog.Error("session: rating not persisted, advancing anyway",
			"session_id", s.id, "uuid", s.uuid, "video_id", rec.VideoID, "error", sinkErr)
	}

	s.index++
	s.ended = false
	s.rated = false
	if s.index >= len(s.clips) {
		s.phase = PhaseDone
	}

	return SubmitResult{Status: s.statusLocked(), SinkErr: sinkErr}, nil
}

func (s *Session) buildRecordLocked(sub Submission) (rating.Record, error) {
	clip := s.clips[s.index]
	rec := rating.Record{
		VideoID:    clip.Filename,
		UUID:       s.uuid,
		Certainty:  sub.Certainty,
		Resolution: sub.Resolution,
		IsFinal:    clip.IsFinal,
		Browser:    sub.Browser,
		Device:     sub.Device,
		Country:    sub.Country,
	}

	switch s.mgr.protocol {
	case ProtocolDirection:
		switch sub.Direction {
		case "ai":
			rec.Score = 1
		case "real":
			rec.Score = 5
		default:
			return rating.Record{}, ErrBadRating
		}
		if sub.Certainty == nil || *sub.Certainty < 1 || *sub.Certainty > 5 {
			return rating.Record{}, ErrBadRating
		}
	default:
		if sub.Score < 1 || sub.Score > 5 {
			return rating.Record{}, ErrBadRating
		}
		rec.Score = sub.Score
		if sub.Certainty != nil && (*sub.Certainty < 1 || *sub.Certainty > 5) {
			return rating.Record{}, ErrBadRating
		}
	}
	return rec, nil
}

func (s *Session) checkUnlockedLocked() error {
	if !s.ended || s.clock.Now().Before(s.unlockAt) {
		return ErrLocked
	}
	return nil
}

func (s *Session) touch() {
	s.lastSeen = s.clock.Now()
}

// close cancels a pending transition timer. Called with the manager shutting
// down or the session expiring.
func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transition != nil {
		s.transition.Stop()
		s.transition = nil
	}
}
