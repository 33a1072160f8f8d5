package realtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Samyk000/LinkVault-sub000/internal/backend"
)

func testOptions() Options {
	return Options{
		Debounce:      30 * time.Millisecond,
		BackoffBase:   5 * time.Millisecond,
		BackoffCap:    20 * time.Millisecond,
		MaxReconnects: 3,
	}
}

func TestBurstCollapsesToOneRefetch(t *testing.T) {
	api := newFakeRealtime()
	inv := &fakeInvalidator{}
	var refetches int32
	bridge := New(api, inv, func() string { return "u1" }, testOptions())
	defer bridge.Close()

	unsub := bridge.Subscribe("links", []string{"links:u1"}, func(ctx context.Context) error {
		atomic.AddInt32(&refetches, 1)
		return nil
	})
	defer unsub()

	ch := api.waitForChannel(t)
	for i := 0; i < 10; i++ {
		ch.emit(backend.ChangeEvent{Table: "links", UserID: "u1"})
	}
	time.Sleep(100 * time.Millisecond)

	if got := atomic.LoadInt32(&refetches); got != 1 {
		t.Fatalf("expected one refetch for a burst of 10 events, got %d", got)
	}
	if inv.count("links:u1") != 1 {
		t.Fatalf("expected one invalidation, got %d", inv.count("links:u1"))
	}
}

func TestDebounceExtendsWhileEventsKeepArriving(t *testing.T) {
	api := newFakeRealtime()
	var refetches int32
	opts := testOptions()
	opts.Debounce = 60 * time.Millisecond
	bridge := New(api, &fakeInvalidator{}, func() string { return "u1" }, opts)
	defer bridge.Close()

	unsub := bridge.Subscribe("links", []string{"links:u1"}, func(ctx context.Context) error {
		atomic.AddInt32(&refetches, 1)
		return nil
	})
	defer unsub()

	// Events 40ms apart stay inside the 60ms window, so the burst outlives
	// a single window and the refetch must wait for the feed to go quiet.
	ch := api.waitForChannel(t)
	for i := 0; i < 3; i++ {
		ch.emit(backend.ChangeEvent{Table: "links", UserID: "u1"})
		time.Sleep(40 * time.Millisecond)
	}
	if got := atomic.LoadInt32(&refetches); got != 0 {
		t.Fatalf("refetch fired mid-burst: %d", got)
	}

	time.Sleep(150 * time.Millisecond)
	if got := atomic.LoadInt32(&refetches); got != 1 {
		t.Fatalf("expected one refetch after the burst went quiet, got %d", got)
	}
}

func TestInvalidationHappensBeforeRefetch(t *testing.T) {
	api := newFakeRealtime()
	inv := &fakeInvalidator{}
	invalidatedFirst := make(chan bool, 1)
	bridge := New(api, inv, func() string { return "u1" }, testOptions())
	defer bridge.Close()

	unsub := bridge.Subscribe("links", []string{"links:u1"}, func(ctx context.Context) error {
		invalidatedFirst <- inv.count("links:u1") == 1
		return nil
	})
	defer unsub()

	api.waitForChannel(t).emit(backend.ChangeEvent{Table: "links", UserID: "u1"})

	select {
	case ok := <-invalidatedFirst:
		if !ok {
			t.Fatalf("refetch ran before the cache was invalidated")
		}
	case <-time.After(time.Second):
		t.Fatalf("refetch never ran")
	}
}

func TestNewerBurstCancelsInFlightRefetch(t *testing.T) {
	api := newFakeRealtime()
	inv := &fakeInvalidator{}
	started := make(chan struct{}, 2)
	cancelled := make(chan struct{}, 1)
	var calls int32
	bridge := New(api, inv, func() string { return "u1" }, testOptions())
	defer bridge.Close()

	unsub := bridge.Subscribe("links", []string{"links:u1"}, func(ctx context.Context) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			started <- struct{}{}
			<-ctx.Done()
			cancelled <- struct{}{}
			return ctx.Err()
		}
		return nil
	})
	defer unsub()

	ch := api.waitForChannel(t)
	ch.emit(backend.ChangeEvent{Table: "links", UserID: "u1"})
	<-started
	ch.emit(backend.ChangeEvent{Table: "links", UserID: "u1"})

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatalf("superseded refetch was not cancelled")
	}
}

func TestReconnectsAfterDropThenResubscribes(t *testing.T) {
	api := newFakeRealtime()
	bridge := New(api, &fakeInvalidator{}, func() string { return "u1" }, testOptions())
	defer bridge.Close()

	unsub := bridge.Subscribe("links", nil, nil)
	defer unsub()

	first := api.waitForChannel(t)
	first.reportStatus(backend.ChannelError, errors.New("socket reset"))

	second := api.waitForChannel(t)
	if second == first {
		t.Fatalf("expected a fresh channel after the drop")
	}
	deadline := time.Now().Add(time.Second)
	for !second.subscribed() {
		if time.Now().After(deadline) {
			t.Fatalf("replacement channel never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestGivesUpAfterMaxReconnectsAndReports(t *testing.T) {
	api := newFakeRealtime()
	api.subscribeErr = errors.New("backend gone")
	feedDown := make(chan error, 1)
	opts := testOptions()
	opts.OnFeedDown = func(table string, err error) {
		feedDown <- err
	}
	inv := &fakeInvalidator{}
	bridge := New(api, inv, func() string { return "u1" }, opts)
	defer bridge.Close()

	unsub := bridge.Subscribe("links", []string{"links:u1"}, nil)
	defer unsub()

	select {
	case err := <-feedDown:
		if err == nil {
			t.Fatalf("expected a cause")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("feed-down was never reported")
	}
	// Giving up must not dump the cache; stale data beats no data.
	if inv.count("links:u1") != 0 {
		t.Fatalf("giving up invalidated the cache")
	}
}

func TestUnsubscribeStopsEventsAndIsIdempotent(t *testing.T) {
	api := newFakeRealtime()
	var refetches int32
	bridge := New(api, &fakeInvalidator{}, func() string { return "u1" }, testOptions())
	defer bridge.Close()

	unsub := bridge.Subscribe("links", nil, func(ctx context.Context) error {
		atomic.AddInt32(&refetches, 1)
		return nil
	})
	ch := api.waitForChannel(t)
	unsub()
	unsub()

	ch.emit(backend.ChangeEvent{Table: "links", UserID: "u1"})
	time.Sleep(80 * time.Millisecond)
	if got := atomic.LoadInt32(&refetches); got != 0 {
		t.Fatalf("refetch ran after unsubscribe: %d", got)
	}
	if !ch.isClosed() {
		t.Fatalf("unsubscribe left the channel open")
	}
}

type fakeInvalidator struct {
	mu   sync.Mutex
	tags map[string]int
}

func (f *fakeInvalidator) InvalidateTags(tags ...string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tags == nil {
		f.tags = map[string]int{}
	}
	for _, tag := range tags {
		f.tags[tag]++
	}
	return len(tags)
}

func (f *fakeInvalidator) count(tag string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tags[tag]
}

type fakeRealtime struct {
	mu           sync.Mutex
	channels     chan *fakeChannel
	subscribeErr error
}

func newFakeRealtime() *fakeRealtime {
	return &fakeRealtime{channels: make(chan *fakeChannel, 16)}
}

func (f *fakeRealtime) Channel(name string) backend.RealtimeChannel {
	ch := &fakeChannel{name: name, parent: f}
	f.channels <- ch
	return ch
}

func (f *fakeRealtime) waitForChannel(t *testing.T) *fakeChannel {
	t.Helper()
	select {
	case ch := <-f.channels:
		return ch
	case <-time.After(2 * time.Second):
		t.Fatalf("no channel opened")
		return nil
	}
}

type fakeChannel struct {
	name   string
	parent *fakeRealtime

	mu       sync.Mutex
	handlers []struct {
		spec    backend.ChangeSpec
		handler func(backend.ChangeEvent)
	}
	status func(state string, err error)
	subbed bool
	closed bool
}

func (c *fakeChannel) On(spec backend.ChangeSpec, handler func(backend.ChangeEvent)) {
	c.mu.Lock()
	c.handlers = append(c.handlers, struct {
		spec    backend.ChangeSpec
		handler func(backend.ChangeEvent)
	}{spec, handler})
	c.mu.Unlock()
}

func (c *fakeChannel) Subscribe(status func(state string, err error)) error {
	c.mu.Lock()
	c.status = status
	c.mu.Unlock()
	if err := c.parent.subscribeErr; err != nil {
		return err
	}
	c.mu.Lock()
	c.subbed = true
	c.mu.Unlock()
	status(backend.ChannelSubscribed, nil)
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) emit(event backend.ChangeEvent) {
	c.mu.Lock()
	handlers := append([]struct {
		spec    backend.ChangeSpec
		handler func(backend.ChangeEvent)
	}(nil), c.handlers...)
	c.mu.Unlock()
	for _, h := range handlers {
		if h.spec.Table != "" && h.spec.Table != event.Table {
			continue
		}
		if h.spec.UserID != "" && event.UserID != "" && h.spec.UserID != event.UserID {
			continue
		}
		h.handler(event)
	}
}

func (c *fakeChannel) reportStatus(state string, err error) {
	c.mu.Lock()
	status := c.status
	c.mu.Unlock()
	if status != nil {
		status(state, err)
	}
}

func (c *fakeChannel) subscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subbed
}

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
