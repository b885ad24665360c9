package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Yapping72/r2d/internal/auth"
	"github.com/Yapping72/r2d/internal/telemetry"
)

// ErrNoSession is returned by Start when there is no valid token to track.
var ErrNoSession = errors.New("no valid session token")

const refreshTimeout = 30 * time.Second

// Logout reasons passed to OnForceLogout.
const (
	ReasonIdle          = "idle timeout"
	ReasonRefreshFailed = "token refresh failed"
)

// Tokens is the token storage the Manager drives.
// Implemented by auth.TokenStore.
type Tokens interface {
	Claims() (auth.Claims, error)
	SetToken(tok string) error
	ClearToken() error
	IsExpired() bool
}

// Refresher exchanges the current token for a new one.
// Implemented by remote.Client.
type Refresher interface {
	Refresh(ctx context.Context) (string, error)
}

// Callbacks are invoked from timer goroutines, never while the Manager
// holds its lock. Any of them may be nil.
type Callbacks struct {
	// OnIdlePrompt fires when the warning period starts.
	OnIdlePrompt func()
	// OnCountdown reports the seconds left in the warning period.
	OnCountdown func(remaining int)
	// OnForceLogout fires once when the session is ended by the Manager.
	OnForceLogout func(reason string)
}

// Config holds session timings.
type Config struct {
	IdleTimeout      time.Duration
	WarningDuration  time.Duration
	ActivityDebounce time.Duration
	// RefreshRatio is the fraction of the token lifetime after which the
	// token is silently refreshed.
	RefreshRatio float64
}

// DefaultConfig returns a 15 minute idle timeout with a 60 second warning.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:      15 * time.Minute,
		WarningDuration:  60 * time.Second,
		ActivityDebounce: 500 * time.Millisecond,
		RefreshRatio:     0.8,
	}
}

// Manager owns the idle detector, the warning countdown and the silent
// refresh timer of one signed-in session.
//
// Every timer callback carries the session generation and the epoch of its
// own timer kind. Logout bumps the generation, so callbacks and refresh
// results that were already in flight find a different generation and do
// nothing.
type Manager struct {
	cfg       Config
	tokens    Tokens
	refresher Refresher
	cb        Callbacks
	sched     Scheduler
	logger    *slog.Logger

	mu         sync.Mutex
	active     bool
	generation uint64

	idlePrompt   Timer
	idleHard     Timer
	idleEpoch    uint64
	lastActivity time.Time

	countdown      Timer
	countdownEpoch uint64
	prompted       bool
	remaining      int

	refresh      Timer
	refreshEpoch uint64
	refreshing   bool
}

// New creates a Manager. The session is inactive until Start is called.
func New(cfg Config, tokens Tokens, refresher Refresher, cb Callbacks) *Manager {
	return NewWithScheduler(cfg, tokens, refresher, cb, realScheduler{})
}

// NewWithScheduler creates a Manager with a custom scheduler (for testing).
func NewWithScheduler(cfg Config, tokens Tokens, refresher Refresher, cb Callbacks, sched Scheduler) *Manager {
	def := DefaultConfig()
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.WarningDuration < 0 {
		cfg.WarningDuration = 0
	}
	if cfg.WarningDuration > cfg.IdleTimeout {
		cfg.WarningDuration = cfg.IdleTimeout
	}
	if cfg.RefreshRatio <= 0 || cfg.RefreshRatio >= 1 {
		cfg.RefreshRatio = def.RefreshRatio
	}
	return &Manager{
		cfg:       cfg,
		tokens:    tokens,
		refresher: refresher,
		cb:        cb,
		sched:     sched,
		logger:    slog.Default(),
	}
}

// Start begins tracking the session after a login. Calling Start on an
// active session resets the idle detector and keeps a pending refresh.
func (m *Manager) Start() error {
	if m.tokens.IsExpired() {
		return ErrNoSession
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.active {
		m.active = true
		m.generation++
		telemetry.SessionEvents.WithLabelValues("start").Inc()
	}
	m.stopCountdownLocked()
	m.lastActivity = m.sched.Now()
	m.resetIdleLocked()
	m.scheduleRefreshLocked()
	return nil
}

// Active reports whether a session is being tracked.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Remaining returns the seconds left in the warning countdown and whether
// the idle prompt is showing.
func (m *Manager) Remaining() (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remaining, m.prompted
}

// Activity records user activity. It is ignored while the idle prompt is
// showing and within the debounce interval of the last accepted activity.
func (m *Manager) Activity() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.active || m.prompted {
		return
	}
	now := m.sched.Now()
	if now.Sub(m.lastActivity) < m.cfg.ActivityDebounce {
		return
	}
	m.lastActivity = now
	m.resetIdleLocked()
}

// StayLoggedIn dismisses the idle prompt and restarts the idle detector.
// A pending refresh is left alone.
func (m *Manager) StayLoggedIn() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.active {
		return
	}
	m.stopCountdownLocked()
	m.lastActivity = m.sched.Now()
	m.resetIdleLocked()
	m.scheduleRefreshLocked()
}

// Logout ends the session: all timers are cancelled and the token is
// cleared. OnForceLogout is not called.
func (m *Manager) Logout() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	wasActive := m.active
	m.teardownLocked()
	if wasActive {
		telemetry.SessionEvents.WithLabelValues("logout").Inc()
	}
	return m.tokens.ClearToken()
}

// Stop cancels all timers but keeps the token, for a process that exits
// while signed in.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.teardownLocked()
}

// teardownLocked stops every timer and invalidates in-flight callbacks.
func (m *Manager) teardownLocked() {
	m.active = false
	m.generation++
	m.stopIdleLocked()
	m.stopCountdownLocked()
	if m.refresh != nil {
		m.refresh.Stop()
		m.refresh = nil
	}
	m.refreshEpoch++
	m.refreshing = false
}

// forceLogoutLocked ends the session and returns the callback to run once
// the lock is released.
func (m *Manager) forceLogoutLocked(reason string) func() {
	m.teardownLocked()
	if err := m.tokens.ClearToken(); err != nil {
		m.logger.Error("clearing token on forced logout", "error", err)
	}
	telemetry.SessionEvents.WithLabelValues("forced_logout").Inc()
	m.logger.Info("session ended", "reason", reason)

	cb := m.cb.OnForceLogout
	return func() {
		if cb != nil {
			cb(reason)
		}
	}
}

func (m *Manager) stopIdleLocked() {
	if m.idlePrompt != nil {
		m.idlePrompt.Stop()
		m.idlePrompt = nil
	}
	if m.idleHard != nil {
		m.idleHard.Stop()
		m.idleHard = nil
	}
	m.idleEpoch++
}

func (m *Manager) stopCountdownLocked() {
	if m.countdown != nil {
		m.countdown.Stop()
		m.countdown = nil
	}
	m.countdownEpoch++
	m.prompted = false
	m.remaining = 0
}

func (m *Manager) resetIdleLocked() {
	m.stopIdleLocked()
	gen, epoch := m.generation, m.idleEpoch

	promptAfter := m.cfg.IdleTimeout - m.cfg.WarningDuration
	m.idlePrompt = m.sched.AfterFunc(promptAfter, func() { m.onIdlePrompt(gen, epoch) })
	m.idleHard = m.sched.AfterFunc(m.cfg.IdleTimeout, func() { m.onHardIdle(gen, epoch) })
}

func (m *Manager) currentIdle(gen, epoch uint64) bool {
	return m.active && gen == m.generation && epoch == m.idleEpoch
}

func (m *Manager) onIdlePrompt(gen, epoch uint64) {
	m.mu.Lock()
	if !m.currentIdle(gen, epoch) {
		m.mu.Unlock()
		return
	}
	m.idlePrompt = nil
	m.prompted = true
	m.remaining = int(m.cfg.WarningDuration / time.Second)
	m.countdownEpoch++
	m.scheduleTickLocked()
	remaining := m.remaining
	onPrompt, onCountdown := m.cb.OnIdlePrompt, m.cb.OnCountdown
	m.mu.Unlock()

	telemetry.SessionEvents.WithLabelValues("idle_prompt").Inc()
	if onPrompt != nil {
		onPrompt()
	}
	if onCountdown != nil {
		onCountdown(remaining)
	}
}

func (m *Manager) scheduleTickLocked() {
	if m.remaining <= 0 {
		m.countdown = nil
		return
	}
	gen, epoch := m.generation, m.countdownEpoch
	m.countdown = m.sched.AfterFunc(time.Second, func() { m.onTick(gen, epoch) })
}

// onTick only updates the display. The hard idle timer ends the session.
func (m *Manager) onTick(gen, epoch uint64) {
	m.mu.Lock()
	if !m.active || gen != m.generation || epoch != m.countdownEpoch || !m.prompted {
		m.mu.Unlock()
		return
	}
	m.remaining--
	m.scheduleTickLocked()
	remaining := m.remaining
	onCountdown := m.cb.OnCountdown
	m.mu.Unlock()

	if onCountdown != nil {
		onCountdown(remaining)
	}
}

func (m *Manager) onHardIdle(gen, epoch uint64) {
	m.mu.Lock()
	if !m.currentIdle(gen, epoch) {
		m.mu.Unlock()
		return
	}
	m.idleHard = nil
	notify := m.forceLogoutLocked(ReasonIdle)
	m.mu.Unlock()

	notify()
}

// scheduleRefreshLocked arms the refresh timer unless one is already
// pending or running.
func (m *Manager) scheduleRefreshLocked() {
	if m.refresh != nil || m.refreshing {
		return
	}
	claims, err := m.tokens.Claims()
	if err != nil {
		m.logger.Warn("cannot schedule token refresh", "error", err)
		return
	}

	now := m.sched.Now()
	var at time.Time
	if lifetime := claims.Lifetime(); lifetime > 0 {
		at = claims.IssuedAt.Add(time.Duration(float64(lifetime) * m.cfg.RefreshRatio))
	} else {
		at = now.Add(time.Duration(float64(claims.ExpiresAt.Sub(now)) * m.cfg.RefreshRatio))
	}
	delay := at.Sub(now)
	if delay < 0 {
		delay = 0
	}

	m.refreshEpoch++
	gen, epoch := m.generation, m.refreshEpoch
	m.refresh = m.sched.AfterFunc(delay, func() { m.onRefresh(gen, epoch) })
	m.logger.Debug("token refresh scheduled", "in", delay)
}

func (m *Manager) onRefresh(gen, epoch uint64) {
	m.mu.Lock()
	if !m.active || gen != m.generation || epoch != m.refreshEpoch {
		m.mu.Unlock()
		return
	}
	m.refresh = nil
	m.refreshing = true
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	tok, err := m.refresher.Refresh(ctx)
	cancel()

	m.mu.Lock()
	if !m.active || gen != m.generation || epoch != m.refreshEpoch {
		m.mu.Unlock()
		telemetry.SessionEvents.WithLabelValues("refresh_discarded").Inc()
		m.logger.Debug("discarding refresh result for ended session")
		return
	}
	m.refreshing = false

	if err == nil {
		err = m.tokens.SetToken(tok)
	}
	if err != nil {
		telemetry.SessionEvents.WithLabelValues("refresh_failed").Inc()
		notify := m.forceLogoutLocked(ReasonRefreshFailed)
		m.mu.Unlock()
		m.logger.Warn("silent refresh failed", "error", err)
		notify()
		return
	}

	telemetry.SessionEvents.WithLabelValues("refresh_ok").Inc()
	m.scheduleRefreshLocked()
	m.mu.Unlock()
}
