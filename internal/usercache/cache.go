// Package usercache resolves user ids to usernames with TTL expiry,
// negative caching, request coalescing, batched lookups and a bounded
// LRU.
package usercache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Gopher0727/chatsync/config"
	"github.com/Gopher0727/chatsync/internal/backoff"
	"github.com/Gopher0727/chatsync/internal/metrics"
	"github.com/Gopher0727/chatsync/internal/model"
	logger "github.com/Gopher0727/chatsync/middleware/log"
)

var ErrInvalidOptions = errors.New("usercache: invalid options")

// Lookup resolves a batch of ids. Ids missing from the returned map are
// known not to resolve and are cached negatively.
type Lookup interface {
	LookupUsersByIDs(ctx context.Context, ids []model.UserID) (map[model.UserID]string, error)
}

// LookupFunc adapts a function to Lookup.
type LookupFunc func(ctx context.Context, ids []model.UserID) (map[model.UserID]string, error)

func (f LookupFunc) LookupUsersByIDs(ctx context.Context, ids []model.UserID) (map[model.UserID]string, error) {
	return f(ctx, ids)
}

type Options struct {
	PositiveTTL          time.Duration
	NegativeTTL          time.Duration
	Capacity             int
	BatchSize            int
	MaxConcurrentBatches int
	// LookupAttempts bounds how often one batch is tried before its
	// waiters receive the error.
	LookupAttempts int
	Retry          backoff.Policy

	Clock   clockwork.Clock
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// DefaultOptions mirrors the defaults of the username_cache config section.
func DefaultOptions() Options {
	return OptionsFromConfig(&config.Default().UsernameCache)
}

// OptionsFromConfig converts the config section into Options.
func OptionsFromConfig(cfg *config.UsernameCacheConfig) Options {
	return Options{
		PositiveTTL:          cfg.PositiveTTL,
		NegativeTTL:          cfg.NegativeTTL,
		Capacity:             cfg.Capacity,
		BatchSize:            cfg.BatchSize,
		MaxConcurrentBatches: cfg.MaxConcurrentBatches,
		LookupAttempts:       cfg.LookupAttempts,
		Retry:                backoff.Policy{Base: 200 * time.Millisecond, Growth: 2, Max: 2 * time.Second},
	}
}

type entry struct {
	username  string
	found     bool
	expiresAt time.Time
}

// call tracks one id whose lookup is in flight. done is closed once the
// batch settles; the result fields are written before that.
type call struct {
	done     chan struct{}
	username string
	found    bool
	batch    *batch
	// stale is set when the id was invalidated mid-flight; the result is
	// still handed to waiters but not cached.
	stale bool
}

type batch struct {
	err error
}

// Cache 用户名缓存
type Cache struct {
	mu       sync.Mutex
	entries  *simplelru.LRU[model.UserID, entry]
	inflight map[model.UserID]*call

	lookup Lookup
	opts   Options
	clock  clockwork.Clock
	log    *zap.Logger
	m      *metrics.Metrics
}

// New builds a cache. Invalid sizes or TTLs are programmer errors and are
// reported as ErrInvalidOptions.
func New(lookup Lookup, opts Options) (*Cache, error) {
	switch {
	case lookup == nil:
		return nil, fmt.Errorf("%w: nil lookup", ErrInvalidOptions)
	case opts.Capacity <= 0:
		return nil, fmt.Errorf("%w: capacity %d", ErrInvalidOptions, opts.Capacity)
	case opts.BatchSize <= 0:
		return nil, fmt.Errorf("%w: batch size %d", ErrInvalidOptions, opts.BatchSize)
	case opts.PositiveTTL <= 0 || opts.NegativeTTL <= 0:
		return nil, fmt.Errorf("%w: ttl %s/%s", ErrInvalidOptions, opts.PositiveTTL, opts.NegativeTTL)
	}
	if opts.MaxConcurrentBatches <= 0 {
		opts.MaxConcurrentBatches = 1
	}
	if opts.LookupAttempts <= 0 {
		opts.LookupAttempts = 1
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	lru, err := simplelru.NewLRU[model.UserID, entry](opts.Capacity, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}
	return &Cache{
		entries:  lru,
		inflight: make(map[model.UserID]*call),
		lookup:   lookup,
		opts:     opts,
		clock:    opts.Clock,
		log:      logger.OrNop(opts.Logger).Named("usercache"),
		m:        opts.Metrics,
	}, nil
}

// Resolve returns the usernames of ids. Cached entries are answered
// directly; ids already in flight join the pending lookup; the rest are
// looked up in batches. Ids that do not resolve are absent from the map.
//
// On lookup failure the resolved subset is returned together with the
// error. If ctx ends first, Resolve returns what it has and ctx.Err(); the
// lookups it started keep running for the other waiters.
func (c *Cache) Resolve(ctx context.Context, ids []model.UserID) (map[model.UserID]string, error) {
	out := make(map[model.UserID]string, len(ids))
	waits := make(map[model.UserID]*call)
	var missing []model.UserID
	var hits, negHits, coalesced int

	c.mu.Lock()
	now := c.clock.Now()
	for _, id := range ids {
		if _, seen := waits[id]; seen {
			continue
		}
		if _, seen := out[id]; seen {
			continue
		}
		if e, ok := c.entries.Get(id); ok {
			if !now.After(e.expiresAt) {
				if e.found {
					out[id] = e.username
					hits++
				} else {
					negHits++
				}
				continue
			}
			c.entries.Remove(id)
		}
		if cl, ok := c.inflight[id]; ok {
			waits[id] = cl
			coalesced++
			continue
		}
		cl := &call{done: make(chan struct{})}
		c.inflight[id] = cl
		waits[id] = cl
		missing = append(missing, id)
	}
	c.mu.Unlock()

	c.m.ObserveCache(metrics.CacheHit, hits)
	c.m.ObserveCache(metrics.CacheNegativeHit, negHits)
	c.m.ObserveCache(metrics.CacheCoalesced, coalesced)
	c.m.ObserveCache(metrics.CacheMiss, len(missing))

	if len(missing) > 0 {
		calls := make(map[model.UserID]*call, len(missing))
		for _, id := range missing {
			calls[id] = waits[id]
		}
		go c.fetch(context.WithoutCancel(ctx), missing, calls)
	}

	var errs []error
	failed := make(map[*batch]struct{})
	for id, cl := range waits {
		select {
		case <-cl.done:
		case <-ctx.Done():
			return out, ctx.Err()
		}
		if cl.batch != nil && cl.batch.err != nil {
			if _, dup := failed[cl.batch]; !dup {
				failed[cl.batch] = struct{}{}
				errs = append(errs, cl.batch.err)
			}
			continue
		}
		if cl.found {
			out[id] = cl.username
		}
	}
	return out, errors.Join(errs...)
}

// fetch looks up ids in batches with bounded fan-out and settles every
// tracker, success or not.
func (c *Cache) fetch(ctx context.Context, ids []model.UserID, calls map[model.UserID]*call) {
	var g errgroup.Group
	g.SetLimit(c.opts.MaxConcurrentBatches)

	for start := 0; start < len(ids); start += c.opts.BatchSize {
		chunk := ids[start:min(start+c.opts.BatchSize, len(ids))]
		g.Go(func() error {
			names, err := c.lookupWithRetry(ctx, chunk)
			c.settle(chunk, calls, names, err)
			return nil
		})
	}
	_ = g.Wait()
}

func (c *Cache) lookupWithRetry(ctx context.Context, ids []model.UserID) (map[model.UserID]string, error) {
	log := logger.FromContext(ctx, c.log)
	var err error
	for attempt := 1; attempt <= c.opts.LookupAttempts; attempt++ {
		if attempt > 1 {
			if werr := c.opts.Retry.Wait(ctx, c.clock, attempt-1); werr != nil {
				return nil, werr
			}
		}
		var names map[model.UserID]string
		names, err = c.lookup.LookupUsersByIDs(ctx, ids)
		c.m.ObserveLookup(err)
		if err == nil {
			return names, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			break
		}
		log.Debug("username lookup failed",
			zap.Int("batch", len(ids)),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
	return nil, fmt.Errorf("lookup %d usernames: %w", len(ids), err)
}

func (c *Cache) settle(ids []model.UserID, calls map[model.UserID]*call, names map[model.UserID]string, err error) {
	b := &batch{err: err}

	c.mu.Lock()
	now := c.clock.Now()
	evicted := 0
	for _, id := range ids {
		cl := calls[id]
		if c.inflight[id] == cl {
			delete(c.inflight, id)
		}
		cl.batch = b
		if err == nil {
			name, ok := names[id]
			cl.username, cl.found = name, ok && name != ""
			if !cl.stale && c.store(id, cl.username, cl.found, now) {
				evicted++
			}
		}
		close(cl.done)
	}
	c.mu.Unlock()

	c.m.ObserveCache(metrics.CacheEviction, evicted)
}

// store inserts an entry and reports whether the LRU had to evict. Callers
// hold c.mu.
func (c *Cache) store(id model.UserID, username string, found bool, now time.Time) bool {
	ttl := c.opts.NegativeTTL
	if found {
		ttl = c.opts.PositiveTTL
	}
	return c.entries.Add(id, entry{username: username, found: found, expiresAt: now.Add(ttl)})
}

// Prime inserts names learned elsewhere (profile events, a stored
// snapshot) as positive entries.
func (c *Cache) Prime(names map[model.UserID]string) {
	c.mu.Lock()
	now := c.clock.Now()
	evicted := 0
	for id, name := range names {
		if name == "" {
			continue
		}
		if c.store(id, name, true, now) {
			evicted++
		}
	}
	c.mu.Unlock()

	c.m.ObserveCache(metrics.CacheEviction, evicted)
}

// Invalidate drops the given ids, or everything when called without ids.
// In-flight lookups for dropped ids still answer their waiters but their
// results are not cached, and the trackers are released immediately so a
// later Resolve starts a fresh lookup.
func (c *Cache) Invalidate(ids ...model.UserID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(ids) == 0 {
		c.entries.Purge()
		for id, cl := range c.inflight {
			cl.stale = true
			delete(c.inflight, id)
		}
		return
	}
	for _, id := range ids {
		c.entries.Remove(id)
		if cl, ok := c.inflight[id]; ok {
			cl.stale = true
			delete(c.inflight, id)
		}
	}
}

// Peek returns a cached username without touching recency or starting a
// lookup. Expired and negative entries report false.
func (c *Cache) Peek(id model.UserID) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries.Peek(id)
	if !ok || c.clock.Now().After(e.expiresAt) || !e.found {
		return "", false
	}
	return e.username, true
}

// Snapshot returns all unexpired positive entries.
func (c *Cache) Snapshot() map[model.UserID]string {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	out := make(map[model.UserID]string, c.entries.Len())
	for _, id := range c.entries.Keys() {
		if e, ok := c.entries.Peek(id); ok && e.found && !now.After(e.expiresAt) {
			out[id] = e.username
		}
	}
	return out
}

// Len counts cached entries, expired ones included until they are touched.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// InFlight counts ids with an unsettled lookup.
func (c *Cache) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}
