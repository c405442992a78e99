package sync

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/njoerd114/recipesync/internal/model"
	"github.com/njoerd114/recipesync/internal/syncerr"
)

type likeKey struct {
	recipeID int64
	userID   string
}

// likeFlight is the in-flight remote confirmation for one likeKey. mu
// serializes the store writes for the key; callers that arrive while the
// flight runs update desired and wait on done.
type likeFlight struct {
	mu        sync.Mutex
	confirmed bool // state to restore if the remote rejects the change
	desired   bool // latest state any caller asked for
	finished  bool
	done      chan struct{}
	err       error
}

// SetLiked likes or unlikes recipeID for userID.
//
// The local relation is written first so readers see the change at once. The
// remote is then brought to the latest requested state; every new flight
// sends at least one mutation, and calls for the same (recipeID, userID) that
// arrive while it runs coalesce into it. If the remote rejects the change the
// local row is restored and the error is returned to every waiting caller.
func (c *Coordinator) SetLiked(ctx context.Context, recipeID int64, userID string, liked bool) error {
	if userID == "" {
		return syncerr.New(syncerr.ClientFault, "set liked", "user id is required")
	}
	key := likeKey{recipeID: recipeID, userID: userID}

	for {
		f, leader := c.joinLike(key)
		if f.finished {
			// The flight completed between the map lookup and f.mu; start over.
			f.mu.Unlock()
			continue
		}
		if leader {
			return c.leadLike(ctx, key, f, liked)
		}
		return c.followLike(ctx, key, f, liked)
	}
}

// joinLike returns the flight for key with f.mu held, creating it when none
// is running. A new flight is locked before it is published so no follower
// can write the store ahead of the leader.
func (c *Coordinator) joinLike(key likeKey) (*likeFlight, bool) {
	c.likesMu.Lock()
	f, ok := c.likes[key]
	if !ok {
		f = &likeFlight{done: make(chan struct{})}
		f.mu.Lock()
		c.likes[key] = f
		c.likesMu.Unlock()
		return f, true
	}
	c.likesMu.Unlock()
	f.mu.Lock()
	return f, false
}

func (c *Coordinator) leadLike(ctx context.Context, key likeKey, f *likeFlight, liked bool) error {
	prev, err := c.store.IsLiked(ctx, key.recipeID, key.userID)
	if err == nil {
		err = c.store.SetLiked(ctx, key.recipeID, key.userID, liked)
	}
	if err != nil {
		c.finishLike(key, f, err)
		f.mu.Unlock()
		return err
	}
	f.confirmed, f.desired = prev, liked
	f.mu.Unlock()
	return c.confirmLike(ctx, key, f)
}

func (c *Coordinator) followLike(ctx context.Context, key likeKey, f *likeFlight, liked bool) error {
	if err := c.store.SetLiked(ctx, key.recipeID, key.userID, liked); err != nil {
		f.mu.Unlock()
		return err
	}
	f.desired = liked
	f.mu.Unlock()

	c.log.Debug("like coalesced into in-flight mutation",
		"recipe_id", key.recipeID, "user_id", key.userID, "liked", liked)
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// finishLike releases every waiter with err. f.mu must be held.
func (c *Coordinator) finishLike(key likeKey, f *likeFlight, err error) {
	c.likesMu.Lock()
	delete(c.likes, key)
	c.likesMu.Unlock()
	f.finished = true
	f.err = err
	close(f.done)
}

// confirmLike drives the remote to f.desired, looping while callers keep
// changing it. It is run by the caller that created f.
func (c *Coordinator) confirmLike(ctx context.Context, key likeKey, f *likeFlight) error {
	ctx, span := c.inst.tracer.Start(ctx, spanLike, trace.WithAttributes(
		attribute.Int64("recipe.id", key.recipeID),
		attribute.String("user.id", key.userID),
	))
	defer span.End()

	calls := 0
	for {
		f.mu.Lock()
		want := f.desired
		if calls > 0 && want == f.confirmed {
			// Invalidate before releasing waiters.
			err := c.invalidate(ctx, model.Items(), model.Liked(key.userID))
			c.finishLike(key, f, err)
			f.mu.Unlock()
			span.SetAttributes(attribute.Int("sync.remote_calls", calls))
			if err != nil {
				return err
			}
			c.log.Info("like confirmed", "recipe_id", key.recipeID, "user_id", key.userID, "liked", want)
			return nil
		}
		f.mu.Unlock()

		calls++
		if err := c.remote.MutateLiked(ctx, key.recipeID, key.userID, want); err != nil {
			return c.rollbackLike(ctx, key, f, err)
		}
		f.mu.Lock()
		f.confirmed = want
		f.mu.Unlock()
	}
}

// rollbackLike restores the last confirmed state after a terminal remote
// failure and releases every waiter with remoteErr.
func (c *Coordinator) rollbackLike(ctx context.Context, key likeKey, f *likeFlight, remoteErr error) error {
	span := trace.SpanFromContext(ctx)
	span.RecordError(remoteErr)
	span.SetStatus(codes.Error, remoteErr.Error())

	f.mu.Lock()
	defer f.mu.Unlock()

	err := remoteErr
	restoreCtx := context.WithoutCancel(ctx)
	if rbErr := c.store.SetLiked(restoreCtx, key.recipeID, key.userID, f.confirmed); rbErr != nil {
		err = errors.Join(remoteErr, rbErr)
	}
	c.finishLike(key, f, err)

	c.inst.rollbacks.Add(ctx, 1)
	c.inst.errors.Add(ctx, 1)
	c.log.Warn("like rejected, local state restored",
		"recipe_id", key.recipeID, "user_id", key.userID,
		"restored", f.confirmed, "error", remoteErr)
	return err
}
