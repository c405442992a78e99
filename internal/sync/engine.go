package sync

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/njoerd114/recipesync/internal/model"
)

// DefaultPushRefreshRate bounds how often push events may trigger a refresh.
const DefaultPushRefreshRate = 5 * time.Second

// Engine keeps the cache warm in daemon mode: a polling loop that
// revalidates the collections, plus an optional push listener for new-recipe
// events. Create one with [NewEngine] and start it with [Engine.Run].
type Engine struct {
	coord        *Coordinator
	push         PushSource
	userID       string
	pollInterval time.Duration
	limiter      *rate.Limiter
	log          *slog.Logger

	nudge chan struct{}
}

// NewEngine creates an Engine. If push is nil, the engine runs polling-only.
// userID selects the liked collection kept warm; empty skips it.
// pushEvery is the minimum spacing of push-triggered refreshes.
func NewEngine(coord *Coordinator, push PushSource, userID string, pollInterval, pushEvery time.Duration, logger *slog.Logger) *Engine {
	if pushEvery <= 0 {
		pushEvery = DefaultPushRefreshRate
	}
	return &Engine{
		coord:        coord,
		push:         push,
		userID:       userID,
		pollInterval: pollInterval,
		limiter:      rate.NewLimiter(rate.Every(pushEvery), 1),
		log:          logger,
		nudge:        make(chan struct{}, 1),
	}
}

// kinds returns the collections the engine keeps warm.
func (e *Engine) kinds() []model.Kind {
	kinds := []model.Kind{model.Items()}
	if e.userID != "" {
		kinds = append(kinds, model.Liked(e.userID))
	}
	return kinds
}

// poll revalidates every kept collection once, recording a trace span.
func (e *Engine) poll(ctx context.Context) error {
	ctx, span := e.coord.inst.tracer.Start(ctx, spanPoll)
	defer span.End()

	var errs []error
	stale := 0
	for _, k := range e.kinds() {
		out, err := e.coord.Revalidate(ctx, k)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if out.Stale {
			stale++
		}
	}
	span.SetAttributes(attribute.Int("sync.stale", stale))

	err := errors.Join(errs...)
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// RunOnce performs a single revalidation pass and returns.
func (e *Engine) RunOnce(ctx context.Context) error {
	return e.poll(ctx)
}

// Run starts the polling loop and optional push listener. It blocks until
// ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if e.push != nil {
		g.Go(func() error {
			return e.push.Listen(ctx, e.onNewRecipe)
		})
		g.Go(func() error {
			return e.refreshOnPush(ctx)
		})
	}

	g.Go(func() error {
		return e.pollLoop(ctx)
	})

	err := g.Wait()
	e.log.Info("sync engine shutting down")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (e *Engine) pollLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	// Run an immediate first pass.
	if err := e.poll(ctx); err != nil {
		e.log.Error("initial refresh failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := e.poll(ctx); err != nil {
				e.log.Error("refresh failed", "error", err)
			}
		}
	}
}

// onNewRecipe is the push callback. It marks the collection dirty and wakes
// refreshOnPush without blocking the listener.
func (e *Engine) onNewRecipe(recipeID int64) {
	e.coord.inst.pushes.Add(context.Background(), 1)
	e.log.Info("new recipe announced", "recipe_id", recipeID)
	e.coord.NotifyRemoteChange(model.Items())
	select {
	case e.nudge <- struct{}{}:
	default:
	}
}

// refreshOnPush refreshes items after push events, at most once per limiter
// interval. Bursts collapse into one refresh.
func (e *Engine) refreshOnPush(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.nudge:
		}
		if err := e.limiter.Wait(ctx); err != nil {
			return ctx.Err()
		}
		if _, err := e.coord.Items(ctx); err != nil {
			e.log.Error("push-triggered refresh failed", "error", err)
		}
	}
}
