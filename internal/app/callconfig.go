package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Calling/internal/core"
	"github.com/dkeye/Calling/internal/domain"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const (
	MinConfigLimit     = 1
	MaxConfigLimit     = 10
	DefaultConfigLimit = 5
	DefaultCeiling     = time.Hour

	// configMargin keeps 10% of the server ttl as a safety margin.
	configMargin = 0.9
)

// CallConfig caches the calling configuration. A config is used until
// min(ttl*0.9, ceiling) after it was fetched, and a timer refreshes it at
// that instant so a call never starts with a stale one.
type CallConfig struct {
	ctx     context.Context
	fetcher core.ConfigFetcher
	sched   core.Scheduler
	limit   int
	ceiling time.Duration

	group singleflight.Group

	mu      sync.Mutex
	cur     *domain.CallingConfig
	refresh core.Timer
	seq     uint64
}

// NewCallConfig clamps limit into 1..10. ctx bounds pre-emptive refreshes.
func NewCallConfig(ctx context.Context, fetcher core.ConfigFetcher, sched core.Scheduler, limit int, ceiling time.Duration) *CallConfig {
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	return &CallConfig{
		ctx:     ctx,
		fetcher: fetcher,
		sched:   sched,
		limit:   ClampLimit(limit),
		ceiling: ceiling,
	}
}

func ClampLimit(limit int) int {
	switch {
	case limit == 0:
		return DefaultConfigLimit
	case limit < MinConfigLimit:
		return MinConfigLimit
	case limit > MaxConfigLimit:
		return MaxConfigLimit
	}
	return limit
}

// Get returns the cached config, fetching a fresh one once it expired.
func (c *CallConfig) Get(ctx context.Context) (*domain.CallingConfig, error) {
	c.mu.Lock()
	cur := c.cur
	c.mu.Unlock()
	if !cur.Expired(c.sched.Now()) {
		return cur, nil
	}
	return c.fetch(ctx)
}

// Current returns the cached config without fetching; nil if none.
func (c *CallConfig) Current() *domain.CallingConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur
}

func (c *CallConfig) fetch(ctx context.Context) (*domain.CallingConfig, error) {
	v, err, shared := c.group.Do("config", func() (any, error) {
		cfg, err := c.fetcher.FetchCallingConfig(ctx, c.limit)
		if err != nil {
			return nil, err
		}
		c.store(cfg)
		return cfg, nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetch calling config: %w", err)
	}
	if shared {
		log.Debug().Str("module", "callconfig").Msg("joined in-flight fetch")
	}
	return v.(*domain.CallingConfig), nil
}

func (c *CallConfig) store(cfg *domain.CallingConfig) {
	life := time.Duration(float64(cfg.TTL) * configMargin * float64(time.Second))
	if life > c.ceiling {
		life = c.ceiling
	}
	cfg.ExpiresAt = c.sched.Now().Add(life)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur = cfg
	if c.refresh != nil {
		c.refresh.Stop()
		c.refresh = nil
	}
	c.seq++
	log.Info().Str("module", "callconfig").Int("ice_servers", len(cfg.ICEServers)).Int("ttl", cfg.TTL).Dur("valid_for", life).Msg("calling config updated")
	if life <= 0 {
		return
	}
	seq := c.seq
	c.refresh = c.sched.AfterFunc(life, func() { c.onRefresh(seq) })
}

func (c *CallConfig) onRefresh(seq uint64) {
	c.mu.Lock()
	stale := seq != c.seq
	if !stale {
		c.refresh = nil
	}
	c.mu.Unlock()
	if stale {
		return
	}
	if _, err := c.fetch(c.ctx); err != nil {
		log.Warn().Err(err).Str("module", "callconfig").Msg("pre-emptive refresh failed")
	}
}

// Stop cancels the pending refresh.
func (c *CallConfig) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.refresh != nil {
		c.refresh.Stop()
		c.refresh = nil
	}
	c.seq++
}
