package leaderboard

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/harbor/marks-engine/internal/contract"
	"github.com/harbor/marks-engine/internal/metrics"
	"github.com/harbor/marks-engine/internal/model"
)

// Options configures a SnapshotCache.
type Options struct {
	TTL time.Duration
}

// Board is one computed leaderboard. Sources are kept so other sort orders
// can be served at the same instant without reloading.
type Board struct {
	AsOf      int64                  `json:"as_of"`
	Rows      []model.LeaderboardRow `json:"rows"`
	UpdatedAt time.Time              `json:"updated_at"`

	sources model.Sources
}

// SnapshotCache holds the latest leaderboard built from the store.
type SnapshotCache struct {
	loader *Loader
	known  contract.AddressSet
	ttl    time.Duration
	now    func() time.Time

	mu    sync.RWMutex
	board *Board
}

// NewSnapshotCache creates a cache. known is the address exclusion list.
func NewSnapshotCache(loader *Loader, known contract.AddressSet, opt Options) *SnapshotCache {
	if opt.TTL <= 0 {
		opt.TTL = 60 * time.Second
	}
	return &SnapshotCache{loader: loader, known: known, ttl: opt.TTL, now: time.Now}
}

// Known returns the exclusion list the cache builds with.
func (c *SnapshotCache) Known() contract.AddressSet {
	return c.known
}

// Get returns the cached board and whether it is still fresh.
func (c *SnapshotCache) Get() (*Board, bool) {
	c.mu.RLock()
	b := c.board
	c.mu.RUnlock()
	if b == nil {
		return nil, false
	}
	if c.now().Sub(b.UpdatedAt) > c.ttl {
		return b, false
	}
	return b, true
}

// Update loads the store and rebuilds the board at the current time.
func (c *SnapshotCache) Update(ctx context.Context) (*Board, error) {
	start := time.Now()

	src, err := c.loader.Load(ctx)
	if err != nil {
		return nil, err
	}
	now := c.now()
	b := &Board{
		AsOf:      now.Unix(),
		Rows:      Build(src, c.known, SortTotal, Desc, now.Unix()),
		UpdatedAt: now,
		sources:   src,
	}

	c.mu.Lock()
	c.board = b
	c.mu.Unlock()

	metrics.LeaderboardBuildDuration.Observe(time.Since(start).Seconds())
	metrics.LeaderboardRows.Set(float64(len(b.Rows)))
	return b, nil
}

// Current returns the board sorted as requested, refreshing it first when
// it is missing or stale.
func (c *SnapshotCache) Current(ctx context.Context, sortBy SortKey, dir Direction) (*Board, error) {
	b, fresh := c.Get()
	if !fresh {
		var err error
		if b, err = c.Update(ctx); err != nil {
			return nil, err
		}
	}
	if sortBy == SortTotal && dir == Desc {
		return b, nil
	}
	return &Board{
		AsOf:      b.AsOf,
		Rows:      Build(b.sources, c.known, sortBy, dir, b.AsOf),
		UpdatedAt: b.UpdatedAt,
		sources:   b.sources,
	}, nil
}

// BuildAt loads the store and builds a board at asOf without touching the
// cached one.
func (c *SnapshotCache) BuildAt(ctx context.Context, sortBy SortKey, dir Direction, asOf int64) (*Board, error) {
	src, err := c.loader.Load(ctx)
	if err != nil {
		return nil, err
	}
	return &Board{
		AsOf:      asOf,
		Rows:      Build(src, c.known, sortBy, dir, asOf),
		UpdatedAt: c.now(),
		sources:   src,
	}, nil
}

// Refresher rebuilds the cache on a cron schedule.
type Refresher struct {
	cron  *cron.Cron
	cache *SnapshotCache
	ctx   context.Context
}

// NewRefresher schedules cache rebuilds. schedule is a cron expression with a
// seconds field, e.g. "*/30 * * * * *".
func NewRefresher(ctx context.Context, c *SnapshotCache, schedule string) (*Refresher, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	r := &Refresher{
		cron:  cron.New(cron.WithSeconds()),
		cache: c,
		ctx:   ctx,
	}
	if _, err := r.cron.AddFunc(schedule, r.run); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Refresher) run() {
	b, err := r.cache.Update(r.ctx)
	if err != nil {
		slog.Error("leaderboard refresh failed", "err", err)
		return
	}
	slog.Debug("leaderboard refreshed", "rows", len(b.Rows), "as_of", b.AsOf)
}

// Start builds the board once and starts the schedule.
func (r *Refresher) Start() {
	r.run()
	r.cron.Start()
	slog.Info("leaderboard refresher started")
}

// Stop waits for a running refresh to finish.
func (r *Refresher) Stop() {
	<-r.cron.Stop().Done()
	slog.Info("leaderboard refresher stopped")
}
