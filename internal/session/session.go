// Package session owns authentication state for one tab. It reconciles what
// the backend says, what local storage remembers, and what other tabs
// announce, without ever trusting a bare "no user" answer as final: mobile
// browsers report no session while persistent storage is still hydrating,
// and concluding "logged out" from that transient null is the bug this
// machine exists to prevent.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/Samyk000/LinkVault-sub000/internal/backend"
	"github.com/Samyk000/LinkVault-sub000/internal/crosstab"
	"github.com/Samyk000/LinkVault-sub000/internal/localstore"
)

var ErrRecoveryExhausted = errors.New("session recovery exhausted")

// Status is the tri-state hydration status. StatusHydrating means "not yet
// known"; gating entity calls on it is what prevents premature logged-out
// rendering.
type Status int

const (
	StatusHydrating Status = iota
	StatusAuthenticated
	StatusUnauthenticated
)

func (s Status) String() string {
	switch s {
	case StatusHydrating:
		return "HYDRATING"
	case StatusAuthenticated:
		return "AUTHENTICATED"
	case StatusUnauthenticated:
		return "UNAUTHENTICATED"
	default:
		return "UNKNOWN"
	}
}

type DeviceClass int

const (
	DeviceDesktop DeviceClass = iota
	DeviceMobile
)

// Timeouts are per-strategy budgets. Mobile gets longer budgets and one
// extra retry per strategy; the numbers are defaults, not contract.
type Timeouts struct {
	Probe            time.Duration
	StoredToken      time.Duration
	Refresh          time.Duration
	ReverifyDelay    time.Duration
	MaxHydrationWait time.Duration
	StrategyRetries  int
}

func DefaultTimeouts(class DeviceClass) Timeouts {
	t := Timeouts{
		Probe:            3 * time.Second,
		StoredToken:      4 * time.Second,
		Refresh:          5 * time.Second,
		ReverifyDelay:    1500 * time.Millisecond,
		MaxHydrationWait: 10 * time.Second,
		StrategyRetries:  0,
	}
	if class == DeviceMobile {
		t.Probe *= 2
		t.StoredToken *= 2
		t.Refresh *= 2
		t.MaxHydrationWait = 15 * time.Second
		t.StrategyRetries = 1
	}
	return t
}

// RecoveryAttempt is one append-only log entry per strategy try. Diagnostics
// only; correctness never reads it back.
type RecoveryAttempt struct {
	Strategy   string    `json:"strategy"`
	StartedAt  time.Time `json:"startedAt"`
	EndedAt    time.Time `json:"endedAt"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	RetryCount int       `json:"retryCount"`
}

type Logger interface {
	Printf(format string, args ...any)
}

// TokenSink receives recovered credentials so the transport authenticates
// follow-up calls. *backend.Client satisfies it.
type TokenSink interface {
	SetSession(accessToken, refreshToken string)
}

const (
	sessionKey = "linkvault.session"
	logoutKey  = "linkvault.logout"
)

type Options struct {
	Device      DeviceClass
	Timeouts    *Timeouts
	Logger      Logger
	Clock       func() time.Time
	MemoryTTL   time.Duration
	// RedirectToLogin is invoked with a reason flag when the tab must leave
	// authenticated UI: local sign-out, received LOGOUT, session expiry.
	RedirectToLogin func(reason string)
}

// Manager is the session recovery state machine.
type Manager struct {
	auth     backend.AuthAPI
	tokens   TokenSink
	kv       localstore.KV
	tabs     crosstab.Channel
	logger   Logger
	now      func() time.Time
	timeouts Timeouts
	memTTL   time.Duration
	redirect func(reason string)

	mu          sync.Mutex
	status      Status
	user        *backend.User
	definitive  bool
	lastUser    *backend.User
	lastUserAt  time.Time
	attempts    []RecoveryAttempt
	subscribers map[int]func(Status, *backend.User)
	nextSub     int

	hydrationStart time.Time
	reverifyTimer  *time.Timer
	reverifyDone   bool

	unsubAuth func()
	unsubTabs func()
	closed    bool
}

func New(auth backend.AuthAPI, tokens TokenSink, kv localstore.KV, tabs crosstab.Channel, opts Options) *Manager {
	timeouts := DefaultTimeouts(opts.Device)
	if opts.Timeouts != nil {
		timeouts = *opts.Timeouts
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	memTTL := opts.MemoryTTL
	if memTTL <= 0 {
		memTTL = 30 * time.Second
	}
	if kv == nil {
		kv = localstore.NewMemory()
	}
	m := &Manager{
		auth:        auth,
		tokens:      tokens,
		kv:          kv,
		tabs:        tabs,
		logger:      opts.Logger,
		now:         now,
		timeouts:    timeouts,
		memTTL:      memTTL,
		redirect:    opts.RedirectToLogin,
		status:      StatusHydrating,
		subscribers: map[int]func(Status, *backend.User){},
	}
	m.hydrationStart = now()
	return m
}

// Start registers the auth-event and cross-tab subscriptions. Recovery is a
// separate explicit call so binaries control when the first attempt runs.
func (m *Manager) Start() {
	m.unsubAuth = m.auth.OnAuthStateChange(m.handleAuthEvent)
	if m.tabs != nil {
		m.unsubTabs = m.tabs.OnMessage(m.handleTabMessage)
	}
}

func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	timer := m.reverifyTimer
	m.reverifyTimer = nil
	m.mu.Unlock()
	if timer != nil {
		timer.Stop()
	}
	if m.unsubAuth != nil {
		m.unsubAuth()
	}
	if m.unsubTabs != nil {
		m.unsubTabs()
	}
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Manager) CurrentUser() *backend.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.user
}

func (m *Manager) HasDefinitiveEvent() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.definitive
}

// Attempts returns a copy of the strategy log.
func (m *Manager) Attempts() []RecoveryAttempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RecoveryAttempt(nil), m.attempts...)
}

// OnChange registers a status listener; it fires after every transition.
func (m *Manager) OnChange(fn func(status Status, user *backend.User)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subscribers[id] = fn
	m.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subscribers, id)
			m.mu.Unlock()
		})
	}
}

// Recover runs the ordered strategy sequence until one produces a user.
// Strategies swallow their own errors; only full exhaustion surfaces, and
// even then the machine refuses to conclude "logged out" without
// corroboration.
func (m *Manager) Recover(ctx context.Context) (*backend.User, error) {
	strategies := []struct {
		name string
		run  func(ctx context.Context) (*backend.User, error)
	}{
		{"probe", m.recoverByProbe},
		{"memory", m.recoverByMemory},
		{"storage", m.recoverByStoredToken},
		{"refresh", m.recoverByRefresh},
	}
	for _, strategy := range strategies {
		for retry := 0; retry <= m.timeouts.StrategyRetries; retry++ {
			user, err := m.runStrategy(ctx, strategy.name, strategy.run, retry)
			if err == nil && user != nil {
				m.setAuthenticated(user, false)
				return user, nil
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if err == nil {
				break // strategy answered "no user" cleanly; retrying won't help
			}
		}
	}
	return nil, m.concludeRecoveryFailure()
}

func (m *Manager) runStrategy(ctx context.Context, name string, run func(ctx context.Context) (*backend.User, error), retry int) (*backend.User, error) {
	attempt := RecoveryAttempt{
		Strategy:   name,
		StartedAt:  m.now(),
		RetryCount: retry,
	}
	user, err := run(ctx)
	attempt.EndedAt = m.now()
	attempt.Success = err == nil && user != nil
	if err != nil {
		attempt.Error = err.Error()
		m.logf("session: %s strategy failed (retry %d): %v", name, retry, err)
	}
	m.mu.Lock()
	m.attempts = append(m.attempts, attempt)
	m.mu.Unlock()
	return user, err
}

func (m *Manager) recoverByProbe(ctx context.Context) (*backend.User, error) {
	probeCtx, cancel := context.WithTimeout(ctx, m.timeouts.Probe)
	defer cancel()
	session, err := m.auth.GetSession(probeCtx)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, nil
	}
	m.persistSession(session)
	return &session.User, nil
}

func (m *Manager) recoverByMemory(ctx context.Context) (*backend.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastUser == nil || m.now().Sub(m.lastUserAt) > m.memTTL {
		return nil, nil
	}
	return m.lastUser, nil
}

func (m *Manager) recoverByStoredToken(ctx context.Context) (*backend.User, error) {
	stored, ok := m.loadStoredSession()
	if !ok || strings.TrimSpace(stored.AccessToken) == "" {
		return nil, nil
	}
	if m.tokens != nil {
		m.tokens.SetSession(stored.AccessToken, stored.RefreshToken)
	}
	validateCtx, cancel := context.WithTimeout(ctx, m.timeouts.StoredToken)
	defer cancel()
	user, err := m.auth.GetUser(validateCtx)
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (m *Manager) recoverByRefresh(ctx context.Context) (*backend.User, error) {
	refreshToken := ""
	if stored, ok := m.loadStoredSession(); ok {
		refreshToken = stored.RefreshToken
	}
	refreshCtx, cancel := context.WithTimeout(ctx, m.timeouts.Refresh)
	defer cancel()
	session, err := m.auth.RefreshSession(refreshCtx, refreshToken)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, nil
	}
	m.persistSession(session)
	return &session.User, nil
}

// concludeRecoveryFailure decides what exhaustion means. An explicit logout
// marker corroborates "logged out"; so does a previously latched definitive
// event when the tab is not currently authenticated. Otherwise the machine
// stays hydrating and schedules one bounded re-verification.
func (m *Manager) concludeRecoveryFailure() error {
	if m.hasLogoutMarker() {
		m.setUnauthenticated(true, "logout marker")
		return ErrRecoveryExhausted
	}
	m.mu.Lock()
	status := m.status
	definitive := m.definitive
	m.mu.Unlock()
	if status == StatusAuthenticated && definitive {
		// A stray no-user answer must not revert corroborated auth state.
		return ErrRecoveryExhausted
	}
	if definitive {
		m.setUnauthenticated(true, "recovery exhausted after definitive event")
		return ErrRecoveryExhausted
	}
	m.scheduleReverify()
	return ErrRecoveryExhausted
}

// handleAuthEvent is the single transition function for backend auth
// events. It is the only place an authoritative event mutates state.
func (m *Manager) handleAuthEvent(event backend.AuthEvent, session *backend.Session) {
	switch event {
	case backend.AuthEventSignedIn, backend.AuthEventTokenRefreshed:
		if session == nil {
			return
		}
		m.persistSession(session)
		m.kv.Remove(logoutKey)
		m.setAuthenticated(&session.User, true)
		m.broadcast(crosstab.TypeAuthStateChanged, map[string]string{"userId": session.User.ID})
	case backend.AuthEventInitialSession:
		if session != nil {
			m.persistSession(session)
			m.setAuthenticated(&session.User, true)
			return
		}
		m.handleNoSessionSignal()
	case backend.AuthEventSignedOut:
		m.handleNoSessionSignal()
	}
}

// handleNoSessionSignal applies the corroboration rule: an authoritative
// "no session" only terminates hydration when a prior definitive event or an
// explicit logout marker backs it up; otherwise one re-verification runs
// before giving up.
func (m *Manager) handleNoSessionSignal() {
	if m.hasLogoutMarker() {
		m.setUnauthenticated(true, "logout marker")
		return
	}
	m.mu.Lock()
	definitive := m.definitive
	m.mu.Unlock()
	if definitive {
		m.setUnauthenticated(true, "corroborated sign-out")
		return
	}
	m.scheduleReverify()
}

// scheduleReverify arms one delayed probe, bounded by the maximum hydration
// wait. A second no-user answer is treated as definitive.
func (m *Manager) scheduleReverify() {
	m.mu.Lock()
	if m.closed || m.reverifyTimer != nil {
		m.mu.Unlock()
		return
	}
	elapsed := m.now().Sub(m.hydrationStart)
	if m.reverifyDone || elapsed > m.timeouts.MaxHydrationWait {
		m.mu.Unlock()
		m.setUnauthenticated(true, "hydration wait exceeded")
		return
	}
	delay := m.timeouts.ReverifyDelay
	if remaining := m.timeouts.MaxHydrationWait - elapsed; remaining < delay {
		delay = remaining
	}
	m.reverifyTimer = time.AfterFunc(delay, m.reverify)
	m.mu.Unlock()
}

func (m *Manager) reverify() {
	m.mu.Lock()
	m.reverifyTimer = nil
	m.reverifyDone = true
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return
	}
	user, err := m.recoverByProbe(context.Background())
	if err == nil && user != nil {
		m.setAuthenticated(user, true)
		return
	}
	if err != nil {
		m.logf("session: re-verification probe failed: %v", err)
	}
	m.setUnauthenticated(true, "re-verification found no user")
}

// SignIn authenticates and relies on the resulting SIGNED_IN event for the
// state transition and the cross-tab announcement.
func (m *Manager) SignIn(ctx context.Context, email, password string) (*backend.User, error) {
	session, err := m.auth.SignInWithPassword(ctx, email, password)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, backend.ErrUnauthorized
	}
	return &session.User, nil
}

func (m *Manager) SignUp(ctx context.Context, email, password string) (*backend.User, error) {
	session, err := m.auth.SignUp(ctx, email, password)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, backend.ErrUnauthorized
	}
	return &session.User, nil
}

// SignOut sets the logout marker synchronously before any network call, so
// local state never contradicts user intent even if the remote call fails.
// The remote failure is logged, not surfaced.
func (m *Manager) SignOut(ctx context.Context) {
	m.kv.Set(logoutKey, m.now().UTC().Format(time.RFC3339))
	m.kv.Remove(sessionKey)
	m.setUnauthenticated(true, "user sign-out")
	m.broadcast(crosstab.TypeLogout, nil)
	m.redirectToLogin("signed_out")
	if err := m.auth.SignOut(ctx); err != nil {
		m.logf("session: remote sign-out failed (local state already cleared): %v", err)
	}
}

// NotifySessionExpired is called by the data layer when the backend rejects
// credentials mid-session.
func (m *Manager) NotifySessionExpired() {
	m.kv.Remove(sessionKey)
	m.setUnauthenticated(true, "session expired")
	m.broadcast(crosstab.TypeSessionExpired, nil)
	m.redirectToLogin("session_expired")
}

func (m *Manager) handleTabMessage(msg crosstab.Message) {
	switch msg.Type {
	case crosstab.TypeLogout, crosstab.TypeSessionExpired:
		// Same local behavior as an initiated logout, but no re-broadcast:
		// the message already reached every tab.
		m.kv.Remove(sessionKey)
		m.setUnauthenticated(true, "cross-tab "+string(msg.Type))
		reason := "signed_out"
		if msg.Type == crosstab.TypeSessionExpired {
			reason = "session_expired"
		}
		m.redirectToLogin(reason)
	case crosstab.TypeAuthStateChanged:
		go func() {
			if _, err := m.Recover(context.Background()); err != nil {
				m.logf("session: recovery after cross-tab auth change: %v", err)
			}
		}()
	}
}

func (m *Manager) setAuthenticated(user *backend.User, authoritative bool) {
	m.mu.Lock()
	m.user = user
	m.lastUser = user
	m.lastUserAt = m.now()
	if authoritative {
		m.definitive = true
	}
	changed := m.status != StatusAuthenticated
	m.status = StatusAuthenticated
	subs := m.snapshotSubscribersLocked()
	m.mu.Unlock()
	if changed {
		m.notify(subs, StatusAuthenticated, user)
	}
}

func (m *Manager) setUnauthenticated(latch bool, reason string) {
	m.mu.Lock()
	if latch {
		m.definitive = true
	}
	m.user = nil
	m.lastUser = nil
	changed := m.status != StatusUnauthenticated
	m.status = StatusUnauthenticated
	subs := m.snapshotSubscribersLocked()
	m.mu.Unlock()
	if changed {
		m.logf("session: -> UNAUTHENTICATED (%s)", reason)
		m.notify(subs, StatusUnauthenticated, nil)
	}
}

func (m *Manager) snapshotSubscribersLocked() []func(Status, *backend.User) {
	subs := make([]func(Status, *backend.User), 0, len(m.subscribers))
	for _, fn := range m.subscribers {
		subs = append(subs, fn)
	}
	return subs
}

func (m *Manager) notify(subs []func(Status, *backend.User), status Status, user *backend.User) {
	for _, fn := range subs {
		fn(status, user)
	}
}

func (m *Manager) persistSession(session *backend.Session) {
	if session == nil {
		return
	}
	persisted := *session
	// Probes answer with only an access token. Keep the stored refresh
	// token rather than overwriting it with nothing.
	if strings.TrimSpace(persisted.RefreshToken) == "" {
		if stored, ok := m.loadStoredSession(); ok {
			persisted.RefreshToken = stored.RefreshToken
		}
	}
	if m.tokens != nil {
		m.tokens.SetSession(persisted.AccessToken, persisted.RefreshToken)
	}
	data, err := json.Marshal(&persisted)
	if err != nil {
		return
	}
	m.kv.Set(sessionKey, string(data))
}

func (m *Manager) loadStoredSession() (backend.Session, bool) {
	raw, ok := m.kv.Get(sessionKey)
	if !ok || strings.TrimSpace(raw) == "" {
		return backend.Session{}, false
	}
	var session backend.Session
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		return backend.Session{}, false
	}
	return session, true
}

func (m *Manager) hasLogoutMarker() bool {
	_, ok := m.kv.Get(logoutKey)
	return ok
}

func (m *Manager) broadcast(msgType crosstab.MessageType, payload any) {
	if m.tabs == nil {
		return
	}
	if err := m.tabs.Broadcast(msgType, payload); err != nil {
		m.logf("session: broadcast %s failed: %v", msgType, err)
	}
}

func (m *Manager) redirectToLogin(reason string) {
	if m.redirect != nil {
		m.redirect(reason)
	}
}

func (m *Manager) logf(format string, args ...any) {
	if m.logger != nil {
		m.logger.Printf(format, args...)
	}
}
