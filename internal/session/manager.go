package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/vidsurvey/vidsurvey/internal/identity"
	"github.com/vidsurvey/vidsurvey/internal/playlist"
)

const (
	handleDuration = 24 * time.Hour
	sessionIdleTTL = 2 * time.Hour
	sweepInterval  = 5 * time.Minute
)

var ErrUnknownSession = errors.New("unknown or expired session")

// Catalogs supplies the clip listings the session machine samples from.
type Catalogs interface {
	Main() []string
	Practice() []string
}

type Config struct {
	Sink         RatingSink
	Prober       playlist.Prober
	Catalogs     Catalogs
	MainPool     string
	PracticePool string
	Calibration  playlist.Calibration
	TargetCount  int
	Protocol     Protocol
	Secret       string
	Clock        Clock // nil means wall clock
}

// Manager owns every live session and the JWT handles that reference them.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session

	sink         RatingSink
	prober       playlist.Prober
	catalogs     Catalogs
	mainPool     string
	practicePool string
	calibration  playlist.Calibration
	targetCount  int
	protocol     Protocol
	secret       string
	clock        Clock

	baseCtx   context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

func NewManager(cfg Config) *Manager {
	clk := cfg.Clock
	if clk == nil {
		clk = realClock{}
	}
	proto := cfg.Protocol
	if proto == "" {
		proto = ProtocolScale
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		sessions:     make(map[string]*Session),
		sink:         cfg.Sink,
		prober:       cfg.Prober,
		catalogs:     cfg.Catalogs,
		mainPool:     cfg.MainPool,
		practicePool: cfg.PracticePool,
		calibration:  cfg.Calibration,
		targetCount:  cfg.TargetCount,
		protocol:     proto,
		secret:       cfg.Secret,
		clock:        clk,
		baseCtx:      ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	go m.sweep()
	return m
}

// Start creates a session in the Consent phase. The participant identity
// follows the usual precedence: an explicit candidate token is kept,
// otherwise a fresh one is issued.
func (m *Manager) Start(candidateUUID string) (string, *Session, error) {
	s := &Session{
		id:    uuid.NewString(),
		uuid:  identity.IssueOrValidate(candidateUUID),
		phase: PhaseConsent,
		clock: m.clock,
		mgr:   m,
	}
	s.touch()

	token, err := m.signHandle(s)
	if err != nil {
		return "", nil, err
	}

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()
	return token, s, nil
}

// Resolve maps a session handle back to its live session.
func (m *Manager) Resolve(token string) (*Session, error) {
	claims, err := m.parseHandle(token)
	if err != nil {
		return nil, ErrUnknownSession
	}
	m.mu.Lock()
	s, ok := m.sessions[claims.SessionID]
	m.mu.Unlock()
	if !ok {
		return nil, ErrUnknownSession
	}
	return s, nil
}

// Close stops the sweeper and cancels every pending session timer.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.cancel()
		close(m.done)
		m.mu.Lock()
		defer m.mu.Unlock()
		for id, s := range m.sessions {
			s.close()
			delete(m.sessions, id)
		}
	})
}

func (m *Manager) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			cutoff := m.clock.Now().Add(-sessionIdleTTL)
			m.mu.Lock()
			for id, s := range m.sessions {
				s.mu.Lock()
				idle := s.lastSeen.Before(cutoff)
				s.mu.Unlock()
				if idle {
					s.close()
					delete(m.sessions, id)
				}
			}
			m.mu.Unlock()
		}
	}
}

type handleClaims struct {
	SessionID string `json:"sid"`
	UUID      string `json:"uuid"`
	jwt.RegisteredClaims
}

func (m *Manager) signHandle(s *Session) (string, error) {
	claims := &handleClaims{
		SessionID: s.id,
		UUID:      s.uuid,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(m.clock.Now().Add(handleDuration)),
			IssuedAt:  jwt.NewNumericDate(m.clock.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(m.secret))
	if err != nil {
		return "", fmt.Errorf("sign session handle: %w", err)
	}
	return signed, nil
}

func (m *Manager) parseHandle(tokenStr string) (*handleClaims, error) {
	// Expiry must be judged by the same clock that stamped IssuedAt/ExpiresAt.
	token, err := jwt.ParseWithClaims(tokenStr, &handleClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(m.secret), nil
	}, jwt.WithTimeFunc(m.clock.Now))
	if err != nil {
		return nil, fmt.Errorf("parse session handle: %w", err)
	}
	claims, ok := token.Claims.(*handleClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid session handle")
	}
	return claims, nil
}
