// Package cachepolicy decides, per read, whether cached data is served as is
// or a network refresh is needed. Decisions depend on connectivity, the age of
// the last successful sync for the collection, and pending push marks.
package cachepolicy

import (
	"context"
	"sync"
	"time"

	"github.com/njoerd114/recipesync/internal/model"
)

// Default freshness windows.
const (
	DefaultItemsTTL = 4 * time.Minute
	DefaultLikedTTL = 3 * time.Minute
)

// Decision is the plan for one read.
type Decision int

const (
	// UseCacheOnly serves the stored snapshot without touching the network.
	UseCacheOnly Decision = iota
	// UseCacheThenRefresh serves the stored snapshot and refreshes behind it.
	UseCacheThenRefresh
	// ForceRefresh fetches from the remote before answering.
	ForceRefresh
)

func (d Decision) String() string {
	switch d {
	case UseCacheOnly:
		return "cache-only"
	case UseCacheThenRefresh:
		return "cache-then-refresh"
	case ForceRefresh:
		return "force-refresh"
	default:
		return "unknown"
	}
}

// Connectivity reports whether the remote service is believed reachable.
type Connectivity interface {
	Online(ctx context.Context) bool
}

// Static is a fixed Connectivity answer.
type Static bool

// Online returns the fixed answer.
func (s Static) Online(context.Context) bool { return bool(s) }

// Config holds the freshness window per collection kind.
type Config struct {
	ItemsTTL time.Duration
	LikedTTL time.Duration
}

// Policy is the cache policy shared by every collection. It is safe for
// concurrent use.
type Policy struct {
	itemsTTL time.Duration
	likedTTL time.Duration
	conn     Connectivity

	mu    sync.Mutex
	dirty map[string]struct{} // kind keys with a pending push mark
}

// New returns a Policy. Zero TTLs take the defaults; a nil conn is treated as
// always online.
func New(cfg Config, conn Connectivity) *Policy {
	if cfg.ItemsTTL <= 0 {
		cfg.ItemsTTL = DefaultItemsTTL
	}
	if cfg.LikedTTL <= 0 {
		cfg.LikedTTL = DefaultLikedTTL
	}
	if conn == nil {
		conn = Static(true)
	}
	return &Policy{
		itemsTTL: cfg.ItemsTTL,
		likedTTL: cfg.LikedTTL,
		conn:     conn,
		dirty:    make(map[string]struct{}),
	}
}

// TTL returns the freshness window for kind.
func (p *Policy) TTL(kind model.Kind) time.Duration {
	if kind.Name == model.KindLiked {
		return p.likedTTL
	}
	return p.itemsTTL
}

// Fresh reports whether a snapshot synced at lastSync is still fresh at now.
// A zero lastSync is never fresh.
func (p *Policy) Fresh(kind model.Kind, lastSync, now time.Time) bool {
	if lastSync.IsZero() {
		return false
	}
	return now.Sub(lastSync) < p.TTL(kind)
}

// Plan decides how to answer a read of kind.
//
// Offline always yields UseCacheOnly. Online, a stale or never-synced
// snapshot, a pending push mark, or force yields ForceRefresh; otherwise
// UseCacheOnly.
func (p *Policy) Plan(ctx context.Context, kind model.Kind, lastSync, now time.Time, force bool) Decision {
	if !p.conn.Online(ctx) {
		return UseCacheOnly
	}
	if force || p.Pending(kind) || !p.Fresh(kind, lastSync, now) {
		return ForceRefresh
	}
	return UseCacheOnly
}

// Revalidate is Plan for background revalidation: a fresh snapshot yields
// UseCacheThenRefresh instead of UseCacheOnly.
func (p *Policy) Revalidate(ctx context.Context, kind model.Kind, lastSync, now time.Time) Decision {
	d := p.Plan(ctx, kind, lastSync, now, false)
	if d == UseCacheOnly && p.conn.Online(ctx) {
		return UseCacheThenRefresh
	}
	return d
}

// MarkDirty records that the server announced new data for kind. The next
// online Plan for kind yields ForceRefresh until Consume is called.
func (p *Policy) MarkDirty(kind model.Kind) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dirty[kind.Key()] = struct{}{}
}

// Consume clears the push mark for kind after a successful reconcile.
func (p *Policy) Consume(kind model.Kind) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.dirty, kind.Key())
}

// Pending reports whether kind has an unconsumed push mark.
func (p *Policy) Pending(kind model.Kind) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.dirty[kind.Key()]
	return ok
}
