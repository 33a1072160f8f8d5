// Package store is the client-side data layer: cached reads, deduplicated
// fetches, and optimistic mutations over the backend collections. Reads are
// served through the cache; writes apply locally first and reconcile with
// the backend afterwards.
package store

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/Samyk000/LinkVault-sub000/internal/backend"
	"github.com/Samyk000/LinkVault-sub000/internal/cache"
	"github.com/Samyk000/LinkVault-sub000/internal/session"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrTimeout      = errors.New("operation timed out")
	ErrNotSignedIn  = errors.New("not signed in")
)

// Sessions is the slice of the session manager the data layer needs:
// gating calls on an authenticated user and reporting mid-session expiry.
// *session.Manager satisfies it.
type Sessions interface {
	CurrentUser() *backend.User
	NotifySessionExpired()
}

type Logger interface {
	Printf(format string, args ...any)
}

// Timeouts are per-operation remote budgets. Mobile networks get longer
// budgets for the operations users wait on.
type Timeouts struct {
	Add     time.Duration
	Update  time.Duration
	Delete  time.Duration
	Bulk    time.Duration
	ListTTL time.Duration
}

func DefaultTimeouts(device session.DeviceClass) Timeouts {
	t := Timeouts{
		Add:     8 * time.Second,
		Update:  10 * time.Second,
		Delete:  10 * time.Second,
		Bulk:    15 * time.Second,
		ListTTL: 30 * time.Second,
	}
	if device == session.DeviceMobile {
		t.Add = 12 * time.Second
		t.Bulk = 20 * time.Second
	}
	return t
}

type Options struct {
	Device   session.DeviceClass
	Timeouts *Timeouts
	Cache    *cache.Cache
	Logger   Logger
	Clock    func() time.Time
}

// Store bundles the three entity stores over one cache and one session
// gate.
type Store struct {
	Links    *LinkStore
	Folders  *FolderStore
	Settings *SettingsStore
}

func New(api backend.DataAPI, sessions Sessions, opts Options) *Store {
	timeouts := DefaultTimeouts(opts.Device)
	if opts.Timeouts != nil {
		timeouts = *opts.Timeouts
	}
	c := opts.Cache
	if c == nil {
		c = cache.New(cache.Options{})
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	shared := &shared{
		api:      api,
		sessions: sessions,
		cache:    c,
		loader:   cache.NewLoader(c),
		logger:   opts.Logger,
		now:      now,
		timeouts: timeouts,
	}
	return &Store{
		Links:    newLinkStore(shared),
		Folders:  newFolderStore(shared),
		Settings: &SettingsStore{shared: shared},
	}
}

// shared is the plumbing every entity store uses.
type shared struct {
	api      backend.DataAPI
	sessions Sessions
	cache    *cache.Cache
	loader   *cache.Loader
	logger   Logger
	now      func() time.Time
	timeouts Timeouts
}

// requireUser gates entity operations on hydrated auth state. During
// hydration and after sign-out there is no user and data calls must not
// reach the backend.
func (s *shared) requireUser() (*backend.User, error) {
	user := s.sessions.CurrentUser()
	if user == nil {
		return nil, ErrNotSignedIn
	}
	return user, nil
}

// remoteErr routes backend failures: a mid-session credential rejection is
// reported to the session manager, everything else passes through.
func (s *shared) remoteErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, backend.ErrSessionExpired) {
		s.sessions.NotifySessionExpired()
	}
	return err
}

func (s *shared) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

const tempIDPrefix = "temp_"

var tempIDSeq atomic.Int64

// newTempID mints a placeholder ID for optimistic inserts. Temp IDs exist
// only in local state; they are never sent to the backend.
func newTempID() string {
	return fmt.Sprintf("%s%d_%d", tempIDPrefix, time.Now().UnixNano(), tempIDSeq.Add(1))
}

func isTempID(id string) bool {
	return len(id) > len(tempIDPrefix) && id[:len(tempIDPrefix)] == tempIDPrefix
}

// cache tag helpers shared by the stores and the realtime bridge.
func LinksTag(userID string) string    { return "links:" + userID }
func FoldersTag(userID string) string  { return "folders:" + userID }
func SettingsTag(userID string) string { return "settings:" + userID }
func UserTag(userID string) string     { return "user:" + userID }
