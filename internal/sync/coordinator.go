package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/njoerd114/recipesync/internal/cachepolicy"
	"github.com/njoerd114/recipesync/internal/model"
	"github.com/njoerd114/recipesync/internal/syncerr"
)

// Phase is a state of the read pipeline.
type Phase int

const (
	PhaseIdle Phase = iota
	PhasePlanning
	PhaseCacheRead
	PhaseRemoteFetch
	PhaseReconciling
	PhaseDone
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhasePlanning:
		return "planning"
	case PhaseCacheRead:
		return "cache-read"
	case PhaseRemoteFetch:
		return "remote-fetch"
	case PhaseReconciling:
		return "reconciling"
	case PhaseDone:
		return "done"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome is the result of one read.
type Outcome struct {
	Kind     model.Kind
	Decision cachepolicy.Decision

	// Phase is the terminal phase: PhaseDone or PhaseFailed.
	Phase Phase

	// Recipes is the snapshot served to the caller, ordered by id.
	Recipes []model.Recipe

	// Stale is set when the remote fetch failed and the cached snapshot was
	// served instead. Err then holds the remote failure.
	Stale bool
	Err   error

	// Stats describes what the refresh changed. Zero for cache reads.
	Stats Stats

	// SyncedAt is the time of the successful remote fetch, zero otherwise.
	SyncedAt time.Time
}

// Options configures a [Coordinator].
type Options struct {
	Store    Store
	Remote   Remote
	Policy   Planner
	Notifier Subscriber

	// ViewerID is the user whose likes are overlaid on item reads.
	ViewerID string

	Logger *slog.Logger

	// Now defaults to time.Now.
	Now func() time.Time

	// RefreshTimeout bounds a shared remote refresh, which outlives any
	// single caller. Defaults to DefaultRefreshTimeout.
	RefreshTimeout time.Duration
}

// DefaultRefreshTimeout covers three full request attempts plus backoff.
const DefaultRefreshTimeout = 2 * time.Minute

// Coordinator is the single entry point for reads and writes of cached
// recipes. Create one with [NewCoordinator]. It is safe for concurrent use.
type Coordinator struct {
	store    Store
	remote   Remote
	policy   Planner
	notifier Subscriber
	viewer   string
	log      *slog.Logger
	now      func() time.Time
	inst     *instruments

	refreshTimeout time.Duration

	refreshes singleflight.Group

	likesMu sync.Mutex
	likes   map[likeKey]*likeFlight
}

// NewCoordinator creates a Coordinator from opts.
func NewCoordinator(opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	refreshTimeout := opts.RefreshTimeout
	if refreshTimeout <= 0 {
		refreshTimeout = DefaultRefreshTimeout
	}
	return &Coordinator{
		store:    opts.Store,
		remote:   opts.Remote,
		policy:   opts.Policy,
		notifier: opts.Notifier,
		viewer:   opts.ViewerID,
		log:      logger,
		now:      now,
		inst:     newInstruments(logger),
		likes:    make(map[likeKey]*likeFlight),

		refreshTimeout: refreshTimeout,
	}
}

// Items returns the recipe collection, refreshing it if the policy says so.
func (c *Coordinator) Items(ctx context.Context) (Outcome, error) {
	return c.Refresh(ctx, model.Items(), false)
}

// LikedItems returns userID's liked recipes, refreshing them if the policy
// says so.
func (c *Coordinator) LikedItems(ctx context.Context, userID string) (Outcome, error) {
	return c.Refresh(ctx, model.Liked(userID), false)
}

// Refresh answers a read of kind. With force set, an online coordinator
// always fetches from the remote.
//
// A failed fetch falls back to the cached snapshot when it is non-empty
// (Outcome.Stale). With nothing cached the error is CacheEmpty wrapping the
// remote failure.
func (c *Coordinator) Refresh(ctx context.Context, kind model.Kind, force bool) (Outcome, error) {
	return c.read(ctx, kind, func(last time.Time) cachepolicy.Decision {
		return c.policy.Plan(ctx, kind, last, c.now(), force)
	})
}

// Revalidate is the background variant of Refresh used by the polling
// loop: a fresh snapshot is still refreshed behind the cache.
func (c *Coordinator) Revalidate(ctx context.Context, kind model.Kind) (Outcome, error) {
	return c.read(ctx, kind, func(last time.Time) cachepolicy.Decision {
		return c.policy.Revalidate(ctx, kind, last, c.now())
	})
}

// NotifyRemoteChange records that the server announced new data for kind.
// The next read of kind refreshes.
func (c *Coordinator) NotifyRemoteChange(kind model.Kind) {
	c.policy.MarkDirty(kind)
}

// Search filters cached recipes by title without contacting the remote.
func (c *Coordinator) Search(ctx context.Context, query string) ([]model.Recipe, error) {
	return c.store.Search(ctx, query, c.viewer)
}

func (c *Coordinator) read(ctx context.Context, kind model.Kind, plan func(last time.Time) cachepolicy.Decision) (Outcome, error) {
	if err := kind.Validate(); err != nil {
		return Outcome{Kind: kind, Phase: PhaseFailed}, syncerr.Wrap(syncerr.ClientFault, "refresh", err)
	}

	ctx, span := c.inst.tracer.Start(ctx, spanRefresh,
		trace.WithAttributes(attribute.String("sync.kind", kind.Key())))
	defer span.End()

	r := &run{c: c, kind: kind, span: span}
	out, err := r.execute(ctx, plan)
	if err != nil {
		c.inst.errors.Add(ctx, 1)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(
		attribute.String("sync.decision", out.Decision.String()),
		attribute.Bool("sync.stale", out.Stale),
		attribute.Int("sync.recipes", len(out.Recipes)),
	)
	return out, err
}

// run carries one pass through the read state machine.
type run struct {
	c     *Coordinator
	kind  model.Kind
	span  trace.Span
	phase Phase
}

func (r *run) enter(p Phase) {
	r.c.log.Debug("sync phase", "kind", r.kind.Key(), "from", r.phase.String(), "to", p.String())
	r.span.AddEvent("phase", trace.WithAttributes(attribute.String("sync.phase", p.String())))
	r.phase = p
}

func (r *run) fail(out Outcome, err error) (Outcome, error) {
	r.enter(PhaseFailed)
	out.Phase = PhaseFailed
	return out, err
}

func (r *run) execute(ctx context.Context, plan func(time.Time) cachepolicy.Decision) (Outcome, error) {
	c := r.c
	out := Outcome{Kind: r.kind}

	r.enter(PhasePlanning)
	last, err := c.store.LastSync(ctx, r.kind)
	if err != nil {
		return r.fail(out, err)
	}
	out.Decision = plan(last)

	if out.Decision == cachepolicy.UseCacheOnly {
		r.enter(PhaseCacheRead)
		recipes, err := c.snapshot(ctx, r.kind)
		if err != nil {
			return r.fail(out, err)
		}
		// Never synced and nothing cached: there is nothing to serve.
		if len(recipes) == 0 && last.IsZero() {
			cause := syncerr.New(syncerr.NetworkUnavailable, "refresh "+r.kind.Key(), "service unreachable")
			return r.fail(out, syncerr.Wrap(syncerr.CacheEmpty, "refresh "+r.kind.Key(), cause))
		}
		out.Recipes = recipes
		r.enter(PhaseDone)
		out.Phase = PhaseDone
		return out, nil
	}

	r.enter(PhaseRemoteFetch)
	key := r.kind.Key()
	ch := c.refreshes.DoChan(key, func() (any, error) {
		// Joined callers may outlive the one that started the refresh.
		sharedCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.refreshTimeout)
		defer cancel()
		return c.fetchAndReconcile(sharedCtx, r.kind)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return r.fail(out, ctx.Err())
	}
	if res.Shared {
		c.log.Debug("joined in-flight refresh", "kind", key)
	}

	var fetchErr *remoteFetchError
	if errors.As(res.Err, &fetchErr) {
		stale, err := c.fallback(ctx, r.kind, fetchErr.err)
		stale.Decision = out.Decision
		if err != nil {
			return r.fail(stale, err)
		}
		r.enter(PhaseDone)
		stale.Phase = PhaseDone
		return stale, nil
	}
	if res.Err != nil {
		return r.fail(out, res.Err)
	}

	r.enter(PhaseReconciling)
	done := res.Val.(Outcome)
	done.Decision = out.Decision
	r.enter(PhaseDone)
	done.Phase = PhaseDone
	return done, nil
}

// remoteFetchError marks a failed fetch inside a shared refresh. Each caller
// handles it with its own context.
type remoteFetchError struct {
	err error
}

func (e *remoteFetchError) Error() string { return e.err.Error() }
func (e *remoteFetchError) Unwrap() error { return e.err }

// fetchAndReconcile runs at most once per kind at a time.
func (c *Coordinator) fetchAndReconcile(ctx context.Context, kind model.Kind) (Outcome, error) {
	out := Outcome{Kind: kind}

	var fetched []model.Recipe
	var err error
	if kind.Name == model.KindLiked {
		fetched, err = c.remote.FetchLiked(ctx, kind.UserID)
	} else {
		fetched, err = c.remote.FetchCollection(ctx)
	}
	if err != nil {
		return out, &remoteFetchError{err: err}
	}

	before, err := c.snapshot(ctx, kind)
	if err != nil {
		return out, err
	}
	stats := diff(before, fetched)

	if kind.Name == model.KindLiked {
		err = c.store.ReplaceLiked(ctx, kind.UserID, fetched)
	} else {
		err = c.store.UpsertAll(ctx, fetched)
	}
	if err != nil {
		return out, err
	}

	syncedAt := c.now()
	if err := c.store.MarkSynced(ctx, kind, syncedAt); err != nil {
		return out, err
	}
	c.policy.Consume(kind)

	after, err := c.snapshot(ctx, kind)
	if err != nil {
		return out, err
	}

	c.recordStats(ctx, stats)
	c.log.Info("refresh complete",
		"kind", kind.Key(),
		"recipes", len(after),
		"created", stats.Created,
		"updated", stats.Updated,
		"deleted", stats.Deleted,
	)

	out.Recipes = after
	out.Stats = stats
	out.SyncedAt = syncedAt
	return out, nil
}

// fallback serves the cached snapshot after a failed fetch, or reports
// CacheEmpty if there is none.
func (c *Coordinator) fallback(ctx context.Context, kind model.Kind, remoteErr error) (Outcome, error) {
	out := Outcome{Kind: kind}
	cached, err := c.snapshot(ctx, kind)
	if err != nil {
		return out, err
	}
	if len(cached) == 0 {
		c.log.Error("refresh failed with empty cache", "kind", kind.Key(), "error", remoteErr)
		return out, syncerr.Wrap(syncerr.CacheEmpty, "refresh "+kind.Key(), remoteErr)
	}

	c.inst.fallbacks.Add(ctx, 1)
	c.log.Warn("refresh failed, serving cached data",
		"kind", kind.Key(), "recipes", len(cached), "error", remoteErr)
	out.Recipes = cached
	out.Stale = true
	out.Err = remoteErr
	return out, nil
}

// snapshot reads the stored view of kind. For liked kinds, relation rows
// whose recipe is not cached are omitted and logged.
func (c *Coordinator) snapshot(ctx context.Context, kind model.Kind) ([]model.Recipe, error) {
	if kind.Name != model.KindLiked {
		return c.store.GetAll(ctx, c.viewer)
	}

	recipes, err := c.store.LikedRecipes(ctx, kind.UserID)
	if err != nil {
		return nil, err
	}
	dangling, err := c.store.DanglingLikes(ctx, kind.UserID)
	if err != nil {
		return nil, err
	}
	if len(dangling) > 0 {
		c.log.Warn("liked recipes missing from cache",
			"user_id", kind.UserID, "recipe_ids", fmt.Sprint(dangling))
	}
	return recipes, nil
}
