package trading

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/martin-bot/martin/internal/binance"
)

// Snapshot is one asset's candle state at a point in time.
type Snapshot struct {
	Asset     string
	Candles1m []binance.Candle
	Candles5m []binance.Candle
	FetchedAt time.Time
}

// SnapshotCache holds the freshest candle snapshot per asset. A single worker
// writes, the orchestrator reads. Entries older than the TTL are reported as
// absent.
type SnapshotCache struct {
	ttl time.Duration

	mu        sync.RWMutex
	snapshots map[string]*Snapshot
}

func NewSnapshotCache(ttl time.Duration) *SnapshotCache {
	return &SnapshotCache{
		ttl:       ttl,
		snapshots: make(map[string]*Snapshot),
	}
}

// Get returns the asset's snapshot unless it has gone stale.
func (c *SnapshotCache) Get(asset string) (*Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap, ok := c.snapshots[asset]
	if !ok || time.Since(snap.FetchedAt) > c.ttl {
		return nil, false
	}
	return snap, true
}

func (c *SnapshotCache) put(snap *Snapshot) {
	c.mu.Lock()
	c.snapshots[snap.Asset] = snap
	c.mu.Unlock()
}

// SnapshotWorker refreshes the cache on a fixed cadence so the orchestrator
// never blocks a cycle on candle fetches.
type SnapshotWorker struct {
	client        *binance.Client
	cache         *SnapshotCache
	assets        []string
	period        time.Duration
	warmupSeconds int

	stopCh chan struct{}
	doneCh chan struct{}
}

func NewSnapshotWorker(client *binance.Client, cache *SnapshotCache, assets []string, period time.Duration, warmupSeconds int) *SnapshotWorker {
	return &SnapshotWorker{
		client:        client,
		cache:         cache,
		assets:        assets,
		period:        period,
		warmupSeconds: warmupSeconds,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

func (w *SnapshotWorker) Start(ctx context.Context) {
	go w.run(ctx)
	log.Info().Strs("assets", w.assets).Dur("period", w.period).Msg("Snapshot worker started")
}

func (w *SnapshotWorker) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

func (w *SnapshotWorker) run(ctx context.Context) {
	defer close(w.doneCh)

	w.refreshAll(ctx)
	ticker := time.NewTicker(w.period)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.refreshAll(ctx)
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (w *SnapshotWorker) refreshAll(ctx context.Context) {
	for _, asset := range w.assets {
		if snap, err := w.fetch(ctx, asset); err != nil {
			log.Warn().Str("asset", asset).Err(err).Msg("Snapshot refresh failed")
		} else {
			w.cache.put(snap)
		}
	}
}

// EnsureFresh returns a usable snapshot, fetching synchronously when the
// cached one is stale or missing.
func (w *SnapshotWorker) EnsureFresh(ctx context.Context, asset string) (*Snapshot, error) {
	if snap, ok := w.cache.Get(asset); ok {
		return snap, nil
	}
	snap, err := w.fetch(ctx, asset)
	if err != nil {
		return nil, err
	}
	w.cache.put(snap)
	return snap, nil
}

// fetch pulls the 1m and 5m series concurrently, each covering the current
// hourly window plus the configured warmup. The 5m warmup is stretched so the
// trend context gets as many bars as the 1m series does.
func (w *SnapshotWorker) fetch(ctx context.Context, asset string) (*Snapshot, error) {
	now := time.Now().Unix()
	windowStart := now - now%3600
	windowEnd := windowStart + 3600

	type result struct {
		candles []binance.Candle
		err     error
	}
	ch1m := make(chan result, 1)
	ch5m := make(chan result, 1)

	go func() {
		candles, err := w.client.GetKlinesForWindow(ctx, asset, "1m", windowStart, windowEnd, w.warmupSeconds)
		ch1m <- result{candles, err}
	}()
	go func() {
		candles, err := w.client.GetKlinesForWindow(ctx, asset, "5m", windowStart, windowEnd, w.warmupSeconds*5)
		ch5m <- result{candles, err}
	}()

	r1m, r5m := <-ch1m, <-ch5m
	if r1m.err != nil {
		return nil, r1m.err
	}
	if r5m.err != nil {
		return nil, r5m.err
	}

	return &Snapshot{
		Asset:     asset,
		Candles1m: r1m.candles,
		Candles5m: r5m.candles,
		FetchedAt: time.Now(),
	}, nil
}
