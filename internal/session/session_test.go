package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vidsurvey/vidsurvey/internal/playlist"
	"github.com/vidsurvey/vidsurvey/internal/rating"
)

// --- test doubles ---

type fakeTimer struct {
	deadline time.Time
	f        func()
	stopped  bool
}

func (t *fakeTimer) Stop() bool {
	was := t.stopped
	t.stopped = true
	return !was
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{deadline: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.deadline.After(c.now) {
			t.stopped = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	for _, t := range due {
		t.f()
	}
}

type memSink struct {
	mu    sync.Mutex
	recs  []rating.Record
	err   error
	delay time.Duration
}

func (s *memSink) Record(_ context.Context, rec rating.Record) error {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.recs = append(s.recs, rec)
	return nil
}

func (s *memSink) records() []rating.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]rating.Record(nil), s.recs...)
}

type fakeCatalogs struct {
	main     []string
	practice []string
}

func (c fakeCatalogs) Main() []string     { return c.main }
func (c fakeCatalogs) Practice() []string { return c.practice }

type alwaysProber struct{ exists bool }

func (p alwaysProber) Exists(context.Context, string, string) bool { return p.exists }

func newTestManager(t *testing.T, clk *fakeClock, sink RatingSink, cats Catalogs, probe playlist.Prober, proto Protocol) *Manager {
	t.Helper()
	m := NewManager(Config{
		Sink:         sink,
		Prober:       probe,
		Catalogs:     cats,
		MainPool:     "videos",
		PracticePool: "practice",
		Calibration:  playlist.Calibration{Filename: "Final.mp4", Pool: "calibration"},
		TargetCount:  2,
		Protocol:     proto,
		Secret:       "test-secret",
		Clock:        clk,
	})
	t.Cleanup(m.Close)
	return m
}

func defaultCatalogs() fakeCatalogs {
	return fakeCatalogs{
		main:     []string{"a.mp4", "b.mp4", "c.mp4", "Final.mp4"},
		practice: []string{"p1.mp4", "p2.mp4"},
	}
}

// watchAndRate walks a session through one test clip: end event, reveal
// delay, submit.
func watchAndRate(t *testing.T, clk *fakeClock, s *Session, sub Submission) SubmitResult {
	t.Helper()
	if _, err := s.PlaybackEnded(); err != nil {
		t.Fatalf("PlaybackEnded: %v", err)
	}
	clk.Advance(revealDelay)
	res, err := s.SubmitRating(context.Background(), sub)
	if err != nil {
		t.Fatalf("SubmitRating: %v", err)
	}
	return res
}

// --- tests ---

func TestFullSurveyFlow(t *testing.T) {
	clk := newFakeClock()
	sink := &memSink{}
	m := newTestManager(t, clk, sink, defaultCatalogs(), alwaysProber{exists: true}, ProtocolScale)

	_, s, err := m.Start("")
	if err != nil {
		t.Fatal(err)
	}
	if s.Status().Phase != PhaseConsent {
		t.Fatalf("expected consent phase, got %s", s.Status().Phase)
	}

	st, err := s.GrantConsent()
	if err != nil {
		t.Fatal(err)
	}
	if st.Phase != PhasePractice || st.Clip == nil {
		t.Fatalf("expected practice phase with clip, got %+v", st)
	}
	if st.Clip.Pool != "practice" {
		t.Errorf("practice clip in wrong pool: %+v", st.Clip)
	}

	// Practice rating requires the end event plus the reveal delay.
	if _, err := s.PlaybackEnded(); err != nil {
		t.Fatal(err)
	}
	clk.Advance(revealDelay)
	if err := s.SubmitPractice(3); err != nil {
		t.Fatal(err)
	}
	if got := s.Status().Phase; got != PhaseTransition {
		t.Fatalf("expected transition, got %s", got)
	}
	if len(sink.records()) != 0 {
		t.Fatal("practice rating must not reach the sink")
	}

	// The transition timer builds the playlist.
	clk.Advance(transitionDelay)
	st = s.Status()
	if st.Phase != PhaseTest {
		t.Fatalf("expected test phase after transition, got %s", st.Phase)
	}
	if st.Total != 3 {
		t.Fatalf("expected playlist of 3 (2 sampled + final), got %d", st.Total)
	}

	// Rate all three clips.
	for i := 0; i < 3; i++ {
		st = s.Status()
		if st.Index != i {
			t.Fatalf("expected index %d, got %d", i, st.Index)
		}
		watchAndRate(t, clk, s, Submission{Score: i + 1})
	}

	if got := s.Status().Phase; got != PhaseDone {
		t.Fatalf("expected done, got %s", got)
	}

	recs := sink.records()
	if len(recs) != 3 {
		t.Fatalf("expected 3 persisted ratings, got %d", len(recs))
	}
	last := recs[2]
	if last.VideoID != "Final.mp4" || !last.IsFinal {
		t.Errorf("expected final calibration rating last, got %+v", last)
	}
	for _, rec := range recs[:2] {
		if rec.IsFinal {
			t.Errorf("sampled clip persisted as final: %+v", rec)
		}
	}
}

func TestSubmitLockedBeforePlaybackEnds(t *testing.T) {
	clk := newFakeClock()
	sink := &memSink{}
	m := newTestManager(t, clk, sink, defaultCatalogs(), alwaysProber{exists: true}, ProtocolScale)
	_, s, _ := m.Start("")
	s.GrantConsent()
	s.PlaybackEnded()
	clk.Advance(revealDelay)
	s.SubmitPractice(3)
	clk.Advance(transitionDelay)

	// No end event yet.
	if _, err := s.SubmitRating(context.Background(), Submission{Score: 3}); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked before end event, got %v", err)
	}

	// End event, but inside the reveal delay.
	s.PlaybackEnded()
	clk.Advance(revealDelay / 2)
	if _, err := s.SubmitRating(context.Background(), Submission{Score: 3}); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked inside reveal delay, got %v", err)
	}
	if len(sink.records()) != 0 {
		t.Fatal("locked submissions must not reach the sink")
	}
}

func TestDoubleClickProducesOneRecord(t *testing.T) {
	clk := newFakeClock()
	sink := &memSink{delay: 20 * time.Millisecond}
	m := newTestManager(t, clk, sink, defaultCatalogs(), alwaysProber{exists: true}, ProtocolScale)
	_, s, _ := m.Start("")
	s.GrantConsent()
	s.PlaybackEnded()
	clk.Advance(revealDelay)
	s.SubmitPractice(3)
	clk.Advance(transitionDelay)

	s.PlaybackEnded()
	clk.Advance(revealDelay)

	// Simulate a burst of clicks racing a slow sink.
	var wg sync.WaitGroup
	var okCount, lockedCount int
	var mu sync.Mutex
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.SubmitRating(context.Background(), Submission{Score: 4})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				okCount++
			case errors.Is(err, ErrLocked) || errors.Is(err, ErrAlreadyRated):
				lockedCount++
			}
		}()
	}
	wg.Wait()

	if okCount != 1 {
		t.Errorf("expected exactly 1 accepted submission, got %d", okCount)
	}
	if lockedCount != 4 {
		t.Errorf("expected 4 rejected submissions, got %d", lockedCount)
	}
	if got := len(sink.records()); got != 1 {
		t.Errorf("expected exactly 1 persisted record, got %d", got)
	}
}

func TestSinkFailureAdvancesAnyway(t *testing.T) {
	clk := newFakeClock()
	sink := &memSink{err: errors.New("pool exhausted")}
	m := newTestManager(t, clk, sink, defaultCatalogs(), alwaysProber{exists: true}, ProtocolScale)
	_, s, _ := m.Start("")
	s.GrantConsent()
	s.PlaybackEnded()
	clk.Advance(revealDelay)
	s.SubmitPractice(3)
	clk.Advance(transitionDelay)

	s.PlaybackEnded()
	clk.Advance(revealDelay)
	res, err := s.SubmitRating(context.Background(), Submission{Score: 3})
	if err != nil {
		t.Fatalf("submission itself must succeed, got %v", err)
	}
	if res.SinkErr == nil {
		t.Error("expected typed sink error in result")
	}
	if res.Status.Index != 1 {
		t.Errorf("expected advance to index 1 despite sink failure, got %d", res.Status.Index)
	}
}

func TestNoBackwardTransitions(t *testing.T) {
	clk := newFakeClock()
	m := newTestManager(t, clk, &memSink{}, defaultCatalogs(), alwaysProber{exists: true}, ProtocolScale)
	_, s, _ := m.Start("")
	s.GrantConsent()

	if _, err := s.GrantConsent(); !errors.Is(err, ErrWrongPhase) {
		t.Errorf("expected ErrWrongPhase for repeated consent, got %v", err)
	}
	if _, err := s.SubmitRating(context.Background(), Submission{Score: 3}); !errors.Is(err, ErrWrongPhase) {
		t.Errorf("expected ErrWrongPhase for rating during practice, got %v", err)
	}
}

func TestEmptyPracticeCatalogIsTerminal(t *testing.T) {
	clk := newFakeClock()
	cats := fakeCatalogs{main: []string{"a.mp4"}, practice: nil}
	m := newTestManager(t, clk, &memSink{}, cats, alwaysProber{exists: true}, ProtocolScale)
	_, s, _ := m.Start("")

	if _, err := s.GrantConsent(); !errors.Is(err, ErrNoContent) {
		t.Fatalf("expected ErrNoContent, got %v", err)
	}
	if got := s.Status().Phase; got != PhaseNoContent {
		t.Errorf("expected no-content phase, got %s", got)
	}
}

func TestEmptyPlaylistIsTerminalNotDone(t *testing.T) {
	clk := newFakeClock()
	cats := fakeCatalogs{main: nil, practice: []string{"p1.mp4"}}
	m := newTestManager(t, clk, &memSink{}, cats, alwaysProber{exists: false}, ProtocolScale)
	_, s, _ := m.Start("")
	s.GrantConsent()
	s.PlaybackEnded()
	clk.Advance(revealDelay)
	s.SubmitPractice(3)
	clk.Advance(transitionDelay)

	if got := s.Status().Phase; got != PhaseNoContent {
		t.Errorf("expected no-content after empty playlist, got %s", got)
	}
}

func TestDirectionProtocolMapping(t *testing.T) {
	clk := newFakeClock()
	sink := &memSink{}
	m := newTestManager(t, clk, sink, defaultCatalogs(), alwaysProber{exists: true}, ProtocolDirection)
	_, s, _ := m.Start("")
	s.GrantConsent()
	s.PlaybackEnded()
	clk.Advance(revealDelay)
	s.SubmitPractice(3)
	clk.Advance(transitionDelay)

	certainty := 4
	watchAndRate(t, clk, s, Submission{Direction: "ai", Certainty: &certainty})
	watchAndRate(t, clk, s, Submission{Direction: "real", Certainty: &certainty})

	recs := sink.records()
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if recs[0].Score != 1 {
		t.Errorf("expected AI anchored to 1, got %d", recs[0].Score)
	}
	if recs[1].Score != 5 {
		t.Errorf("expected real anchored to 5, got %d", recs[1].Score)
	}
	if recs[0].Certainty == nil || *recs[0].Certainty != 4 {
		t.Errorf("expected certainty 4, got %v", recs[0].Certainty)
	}
}

func TestDirectionProtocolRequiresCertainty(t *testing.T) {
	clk := newFakeClock()
	m := newTestManager(t, clk, &memSink{}, defaultCatalogs(), alwaysProber{exists: true}, ProtocolDirection)
	_, s, _ := m.Start("")
	s.GrantConsent()
	s.PlaybackEnded()
	clk.Advance(revealDelay)
	s.SubmitPractice(3)
	clk.Advance(transitionDelay)

	s.PlaybackEnded()
	clk.Advance(revealDelay)
	if _, err := s.SubmitRating(context.Background(), Submission{Direction: "ai"}); !errors.Is(err, ErrBadRating) {
		t.Errorf("expected ErrBadRating without certainty, got %v", err)
	}
	if _, err := s.SubmitRating(context.Background(), Submission{Direction: "sideways"}); !errors.Is(err, ErrBadRating) {
		t.Errorf("expected ErrBadRating for unknown direction, got %v", err)
	}
}

func TestIdentityPrecedence(t *testing.T) {
	clk := newFakeClock()
	m := newTestManager(t, clk, &memSink{}, defaultCatalogs(), alwaysProber{exists: true}, ProtocolScale)

	_, s, _ := m.Start("panel-participant-9")
	if s.UUID() != "panel-participant-9" {
		t.Errorf("expected candidate token kept, got %q", s.UUID())
	}

	_, s2, _ := m.Start("")
	if s2.UUID() == "" || s2.UUID() == s.UUID() {
		t.Errorf("expected fresh unique token, got %q", s2.UUID())
	}
}

func TestRatingsCarrySessionUUID(t *testing.T) {
	clk := newFakeClock()
	sink := &memSink{}
	m := newTestManager(t, clk, sink, defaultCatalogs(), alwaysProber{exists: true}, ProtocolScale)
	_, s, _ := m.Start("u-77")
	s.GrantConsent()
	s.PlaybackEnded()
	clk.Advance(revealDelay)
	s.SubmitPractice(3)
	clk.Advance(transitionDelay)

	watchAndRate(t, clk, s, Submission{Score: 2})

	recs := sink.records()
	if len(recs) != 1 || recs[0].UUID != "u-77" {
		t.Fatalf("expected rating tied to u-77, got %+v", recs)
	}
}

func TestManagerResolve(t *testing.T) {
	clk := newFakeClock()
	m := newTestManager(t, clk, &memSink{}, defaultCatalogs(), alwaysProber{exists: true}, ProtocolScale)

	token, s, err := m.Start("")
	if err != nil {
		t.Fatal(err)
	}
	got, err := m.Resolve(token)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.ID() != s.ID() {
		t.Error("resolved a different session")
	}

	if _, err := m.Resolve("not-a-token"); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("expected ErrUnknownSession, got %v", err)
	}
}

func TestHandleExpiryFollowsInjectedClock(t *testing.T) {
	clk := newFakeClock()
	m := newTestManager(t, clk, &memSink{}, defaultCatalogs(), alwaysProber{exists: true}, ProtocolScale)

	token, _, err := m.Start("")
	if err != nil {
		t.Fatal(err)
	}

	// A fresh handle resolves regardless of what the wall clock says: issuance
	// and validation must read the same clock.
	if _, err := m.Resolve(token); err != nil {
		t.Fatalf("fresh handle rejected: %v", err)
	}

	clk.Advance(handleDuration - time.Minute)
	if _, err := m.Resolve(token); err != nil {
		t.Fatalf("handle rejected before expiry: %v", err)
	}

	clk.Advance(2 * time.Minute)
	if _, err := m.Resolve(token); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("expected ErrUnknownSession for expired handle, got %v", err)
	}
}

func TestCloseCancelsPendingTransition(t *testing.T) {
	clk := newFakeClock()
	cats := defaultCatalogs()
	m := NewManager(Config{
		Sink:         &memSink{},
		Prober:       alwaysProber{exists: true},
		Catalogs:     cats,
		MainPool:     "videos",
		PracticePool: "practice",
		Calibration:  playlist.Calibration{Filename: "Final.mp4", Pool: "calibration"},
		TargetCount:  2,
		Secret:       "test-secret",
		Clock:        clk,
	})

	_, s, _ := m.Start("")
	s.GrantConsent()
	s.PlaybackEnded()
	clk.Advance(revealDelay)
	s.SubmitPractice(3)

	m.Close()
	clk.Advance(transitionDelay)

	// The timer was stopped; the session never reaches the test phase.
	s.mu.Lock()
	phase := s.phase
	s.mu.Unlock()
	if phase != PhaseTransition {
		t.Errorf("expected transition frozen after Close, got %s", phase)
	}
}
