package cache

import (
	"context"

	"golang.org/x/sync/singleflight"
)

// Loader couples the cache with request deduplication: at most one fetch per
// key is in flight, and concurrent callers share its outcome. Errors are
// never cached, so the first call after a failed round gets a fresh attempt.
type Loader struct {
	cache *Cache
	group singleflight.Group
}

func NewLoader(c *Cache) *Loader {
	return &Loader{cache: c}
}

// Do returns the cached value for key if present; otherwise it joins or
// starts the single in-flight fetch. A successful result is cached when opts
// is non-nil. When concurrent callers pass different opts, the caller that
// starts the fetch wins for that round; this is a documented limitation, not
// merged behavior.
func (l *Loader) Do(ctx context.Context, key string, fn func(ctx context.Context) (any, error), opts *SetOptions) (any, error) {
	if value, ok := l.cache.Get(key); ok {
		return value, nil
	}
	resultCh := l.group.DoChan(key, func() (any, error) {
		value, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		if opts != nil {
			l.cache.Set(key, value, *opts)
		}
		return value, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result := <-resultCh:
		return result.Val, result.Err
	}
}

// Forget drops the in-flight registration for key so the next Do starts a
// fresh fetch even if an old one is still settling.
func (l *Loader) Forget(key string) {
	l.group.Forget(key)
}
