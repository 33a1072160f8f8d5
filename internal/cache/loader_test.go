package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestDoCollapsesConcurrentCallsToOneFetch(t *testing.T) {
	c := New(Options{})
	loader := NewLoader(c)

	var calls atomic.Int64
	release := make(chan struct{})
	fetch := func(ctx context.Context) (any, error) {
		calls.Add(1)
		<-release
		return []string{"a", "b"}, nil
	}

	const workers = 8
	results := make([]any, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = loader.Do(context.Background(), "u1:links:list:", fetch, nil)
		}(i)
	}
	// Let every caller reach the in-flight registration before releasing.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("expected exactly one fetch, got %d", got)
	}
	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d got error: %v", i, errs[i])
		}
		if &results[i].([]string)[0] != &results[0].([]string)[0] {
			t.Fatalf("expected all callers to share the same result slice")
		}
	}
}

func TestDoCachesSuccessWhenOptionsGiven(t *testing.T) {
	c := New(Options{})
	loader := NewLoader(c)

	var calls atomic.Int64
	fetch := func(ctx context.Context) (any, error) {
		calls.Add(1)
		return 42, nil
	}
	opts := &SetOptions{TTL: time.Minute, Tags: []string{"links"}}

	if _, err := loader.Do(context.Background(), "k", fetch, opts); err != nil {
		t.Fatalf("first call failed: %v", err)
	}
	if _, err := loader.Do(context.Background(), "k", fetch, opts); err != nil {
		t.Fatalf("second call failed: %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected second call to be served from cache, fetches=%d", got)
	}
}

func TestDoNeverCachesErrorsAndRetriesAfterSettlement(t *testing.T) {
	c := New(Options{})
	loader := NewLoader(c)

	var calls atomic.Int64
	boom := errors.New("backend down")
	fetch := func(ctx context.Context) (any, error) {
		if calls.Add(1) == 1 {
			return nil, boom
		}
		return "ok", nil
	}
	opts := &SetOptions{TTL: time.Minute}

	if _, err := loader.Do(context.Background(), "k", fetch, opts); !errors.Is(err, boom) {
		t.Fatalf("expected first call to fail with fetch error, got %v", err)
	}
	value, err := loader.Do(context.Background(), "k", fetch, opts)
	if err != nil {
		t.Fatalf("expected fresh attempt after failure, got %v", err)
	}
	if value.(string) != "ok" {
		t.Fatalf("unexpected value %v", value)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("expected exactly two fetches, got %d", got)
	}
}

func TestDoSharedRoundUsesFirstCallersOptions(t *testing.T) {
	c := New(Options{})
	loader := NewLoader(c)

	release := make(chan struct{})
	started := make(chan struct{})
	first := func(ctx context.Context) (any, error) {
		close(started)
		<-release
		return "v", nil
	}

	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		_, _ = loader.Do(context.Background(), "k", first, &SetOptions{TTL: time.Minute, Tags: []string{"first"}})
	}()
	<-started

	secondDone := make(chan struct{})
	go func() {
		defer close(secondDone)
		// Joins the in-flight round; its options are ignored for this round.
		_, _ = loader.Do(context.Background(), "k", func(ctx context.Context) (any, error) {
			t.Error("second fetch must not run while first is in flight")
			return nil, nil
		}, &SetOptions{TTL: time.Hour, Tags: []string{"second"}})
	}()

	close(release)
	<-firstDone
	<-secondDone

	if removed := c.InvalidateTags("second"); removed != 0 {
		t.Fatalf("expected no entry tagged by the joining caller, removed=%d", removed)
	}
	if removed := c.InvalidateTags("first"); removed != 1 {
		t.Fatalf("expected entry cached with first caller's tags, removed=%d", removed)
	}
}

func TestDoReturnsContextErrorForCancelledWaiter(t *testing.T) {
	c := New(Options{})
	loader := NewLoader(c)

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _ = loader.Do(context.Background(), "k", func(ctx context.Context) (any, error) {
			close(started)
			<-release
			return "v", nil
		}, nil)
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := loader.Do(ctx, "k", func(ctx context.Context) (any, error) {
		t.Error("waiter must join the in-flight fetch, not start its own")
		return nil, nil
	}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled for cancelled waiter, got %v", err)
	}
	close(release)
}
