// Package realtime bridges the backend change feed to the local data
// layer: change events invalidate cache tags and trigger one coalesced
// refetch per burst, and a dropped feed reconnects with backoff while the
// last-known data keeps serving reads.
package realtime

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/Samyk000/LinkVault-sub000/internal/backend"
)

type Logger interface {
	Printf(format string, args ...any)
}

// Invalidator is the slice of the cache the bridge needs. *cache.Cache
// satisfies it.
type Invalidator interface {
	InvalidateTags(tags ...string) int
}

type Options struct {
	// Debounce is the quiet window that collapses a burst of change
	// events into one refetch.
	Debounce      time.Duration
	BackoffBase   time.Duration
	BackoffCap    time.Duration
	MaxReconnects int
	Logger        Logger
	// OnFeedDown fires when reconnection gives up. Cached data keeps
	// serving; the caller decides how loudly to surface it.
	OnFeedDown func(table string, err error)
}

const (
	defaultDebounce      = 50 * time.Millisecond
	defaultBackoffBase   = 250 * time.Millisecond
	defaultBackoffCap    = 10 * time.Second
	defaultMaxReconnects = 6
)

// Bridge owns one feed subscription per table.
type Bridge struct {
	api    backend.RealtimeAPI
	cache  Invalidator
	userID func() string
	opts   Options

	mu     sync.Mutex
	subs   map[int]*subscription
	nextID int
	closed bool
}

// New builds a bridge. userID supplies the row-filter for change events
// and may return "" while no user is signed in.
func New(api backend.RealtimeAPI, cache Invalidator, userID func() string, opts Options) *Bridge {
	if opts.Debounce <= 0 {
		opts.Debounce = defaultDebounce
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = defaultBackoffBase
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = defaultBackoffCap
	}
	if opts.MaxReconnects <= 0 {
		opts.MaxReconnects = defaultMaxReconnects
	}
	return &Bridge{
		api:    api,
		cache:  cache,
		userID: userID,
		opts:   opts,
		subs:   map[int]*subscription{},
	}
}

// Subscribe opens a feed for one table. Every observed change invalidates
// tags and schedules refetch after the debounce window; a newer burst
// cancels the in-flight refetch so only the freshest snapshot lands.
// The returned function tears the subscription down and is safe to call
// more than once.
func (b *Bridge) Subscribe(table string, tags []string, refetch func(ctx context.Context) error) (unsubscribe func()) {
	sub := &subscription{
		bridge:  b,
		table:   table,
		tags:    append([]string(nil), tags...),
		refetch: refetch,
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	sub.connect(0)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			sub.close()
		})
	}
}

// Close tears down every subscription.
func (b *Bridge) Close() {
	b.mu.Lock()
	b.closed = true
	subs := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = map[int]*subscription{}
	b.mu.Unlock()
	for _, sub := range subs {
		sub.close()
	}
}

func (b *Bridge) logf(format string, args ...any) {
	if b.opts.Logger != nil {
		b.opts.Logger.Printf(format, args...)
	}
}

type subscription struct {
	bridge  *Bridge
	table   string
	tags    []string
	refetch func(ctx context.Context) error

	mu            sync.Mutex
	channel       backend.RealtimeChannel
	timer         *time.Timer
	cancelRefetch context.CancelFunc
	attempts      int
	closed        bool
	done          chan struct{}
}

// connect opens the channel and registers the change handler. delay lets
// reconnect attempts back off before dialing.
func (s *subscription) connect(delay time.Duration) {
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-s.done:
			return
		}
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	channel := s.bridge.api.Channel(s.table)
	s.channel = channel
	s.mu.Unlock()

	channel.On(backend.ChangeSpec{Table: s.table, UserID: s.bridge.userID()}, s.onChange)
	err := channel.Subscribe(func(state string, cause error) {
		switch state {
		case backend.ChannelSubscribed:
			s.mu.Lock()
			s.attempts = 0
			s.mu.Unlock()
		case backend.ChannelError, backend.ChannelClosed:
			s.handleDrop(cause)
		}
	})
	if err != nil {
		s.handleDrop(err)
	}
}

// handleDrop runs the reconnect policy: capped exponential backoff with
// jitter, a bounded number of attempts, then give up and report. Cached
// data is never invalidated here.
func (s *subscription) handleDrop(cause error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.attempts++
	attempt := s.attempts
	s.mu.Unlock()

	if attempt > s.bridge.opts.MaxReconnects {
		err := fmt.Errorf("realtime feed for %s lost after %d attempts: %w", s.table, attempt-1, cause)
		s.bridge.logf("realtime: %v", err)
		if s.bridge.opts.OnFeedDown != nil {
			s.bridge.opts.OnFeedDown(s.table, err)
		}
		return
	}

	delay := backoffDelay(s.bridge.opts.BackoffBase, s.bridge.opts.BackoffCap, attempt)
	s.bridge.logf("realtime: feed for %s dropped (%v), reconnect %d/%d in %s",
		s.table, cause, attempt, s.bridge.opts.MaxReconnects, delay)
	go s.connect(delay)
}

// onChange coalesces events: every event in a burst re-arms the timer, so
// the refetch runs once the feed has been quiet for a full window.
func (s *subscription) onChange(event backend.ChangeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.timer != nil {
		s.timer.Reset(s.bridge.opts.Debounce)
		return
	}
	s.timer = time.AfterFunc(s.bridge.opts.Debounce, s.flush)
}

// flush invalidates before fetching, so a read racing the refetch misses
// the cache instead of seeing the stale entry. A newer flush cancels the
// previous refetch; the superseded snapshot is discarded with it.
func (s *subscription) flush() {
	s.mu.Lock()
	s.timer = nil
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.cancelRefetch != nil {
		s.cancelRefetch()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelRefetch = cancel
	s.mu.Unlock()

	s.bridge.cache.InvalidateTags(s.tags...)
	if s.refetch == nil {
		return
	}
	if err := s.refetch(ctx); err != nil && ctx.Err() == nil {
		s.bridge.logf("realtime: refetch for %s failed: %v", s.table, err)
	}
}

func (s *subscription) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	timer := s.timer
	s.timer = nil
	cancel := s.cancelRefetch
	channel := s.channel
	s.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if cancel != nil {
		cancel()
	}
	if channel != nil {
		if err := channel.Close(); err != nil {
			s.bridge.logf("realtime: close channel for %s: %v", s.table, err)
		}
	}
}

func backoffDelay(base, ceiling time.Duration, attempt int) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= ceiling {
			delay = ceiling
			break
		}
	}
	// Up to 25% jitter keeps a fleet of tabs from reconnecting in step.
	jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1))
	return delay + jitter
}
