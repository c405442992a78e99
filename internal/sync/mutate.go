package sync

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/njoerd114/recipesync/internal/model"
	"github.com/njoerd114/recipesync/internal/syncerr"
)

// CreateOrUpdateItem creates payload on the server (ID zero) or updates it,
// acting as actor. An update without an owner keeps the cached recipe's
// owner. The server is asked first; on success the echoed recipe, if any, is
// written to the store and every cached view is invalidated.
func (c *Coordinator) CreateOrUpdateItem(ctx context.Context, payload *model.Recipe, actor model.Actor) (*model.Recipe, error) {
	if payload == nil {
		return nil, syncerr.New(syncerr.ClientFault, "save recipe", "no recipe given")
	}
	op := model.OpUpdate
	if payload.ID == 0 {
		op = model.OpCreate
	}

	ctx, span := c.startMutation(ctx, op, payload.ID, actor)
	defer span.End()

	if op == model.OpUpdate && payload.OwnerID == "" {
		cached, err := c.store.GetByID(ctx, payload.ID, "")
		if err != nil {
			return nil, c.mutationFailed(ctx, span, op, payload.ID, err)
		}
		if cached != nil {
			withOwner := *payload
			withOwner.OwnerID = cached.OwnerID
			payload = &withOwner
		}
	}

	echoed, err := c.remote.MutateRecipe(ctx, op, payload, actor)
	if err != nil {
		return nil, c.mutationFailed(ctx, span, op, payload.ID, err)
	}
	if echoed != nil && op == model.OpUpdate && !echoed.SameAs(payload) {
		err := syncerr.New(syncerr.MalformedResponse, "update recipe",
			fmt.Sprintf("server echoed recipe %d for update of %d", echoed.ID, payload.ID))
		return nil, c.mutationFailed(ctx, span, op, payload.ID, err)
	}
	if echoed != nil {
		if err := c.store.UpsertRecipe(ctx, echoed); err != nil {
			return nil, c.mutationFailed(ctx, span, op, payload.ID, err)
		}
	}
	if err := c.invalidateAllViews(ctx); err != nil {
		return echoed, err
	}

	c.log.Info("recipe saved", "op", op.String(), "recipe_id", idOf(echoed, payload), "user_id", actor.UserID)
	return echoed, nil
}

// DeleteItem deletes recipe id on the server as actor. On success the recipe
// and the actor's like of it are removed locally and every cached view is
// invalidated. A PermissionDenied failure leaves the cache untouched.
func (c *Coordinator) DeleteItem(ctx context.Context, id int64, actor model.Actor) error {
	ctx, span := c.startMutation(ctx, model.OpDelete, id, actor)
	defer span.End()

	if _, err := c.remote.MutateRecipe(ctx, model.OpDelete, &model.Recipe{ID: id}, actor); err != nil {
		return c.mutationFailed(ctx, span, model.OpDelete, id, err)
	}

	if err := c.store.Delete(ctx, id); err != nil {
		return c.mutationFailed(ctx, span, model.OpDelete, id, err)
	}
	if actor.UserID != "" {
		if err := c.store.SetLiked(ctx, id, actor.UserID, false); err != nil {
			return c.mutationFailed(ctx, span, model.OpDelete, id, err)
		}
	}
	if err := c.invalidateAllViews(ctx); err != nil {
		return err
	}

	c.log.Info("recipe deleted", "recipe_id", id, "user_id", actor.UserID)
	return nil
}

// ClearCache invalidates kind so its next read refreshes. A liked kind with
// no user invalidates every user's liked collection. Cached rows are kept.
func (c *Coordinator) ClearCache(ctx context.Context, kind model.Kind) error {
	if kind.Name == model.KindLiked && kind.UserID == "" {
		return c.store.InvalidateAll(ctx, model.KindLiked)
	}
	if err := kind.Validate(); err != nil {
		return syncerr.Wrap(syncerr.ClientFault, "clear cache", err)
	}
	return c.store.Invalidate(ctx, kind)
}

// invalidate clears the sync timestamp of each kind.
func (c *Coordinator) invalidate(ctx context.Context, kinds ...model.Kind) error {
	for _, k := range kinds {
		if err := c.store.Invalidate(ctx, k); err != nil {
			return fmt.Errorf("invalidating %s: %w", k, err)
		}
	}
	return nil
}

// invalidateAllViews clears items and every user's liked collection.
func (c *Coordinator) invalidateAllViews(ctx context.Context) error {
	if err := c.invalidate(ctx, model.Items()); err != nil {
		return err
	}
	if err := c.store.InvalidateAll(ctx, model.KindLiked); err != nil {
		return fmt.Errorf("invalidating liked collections: %w", err)
	}
	return nil
}

func (c *Coordinator) startMutation(ctx context.Context, op model.MutationOp, id int64, actor model.Actor) (context.Context, trace.Span) {
	return c.inst.tracer.Start(ctx, spanMutate, trace.WithAttributes(
		attribute.String("mutation.op", op.String()),
		attribute.Int64("recipe.id", id),
		attribute.String("user.id", actor.UserID),
		attribute.String("user.permission", actor.Permission.String()),
	))
}

func (c *Coordinator) mutationFailed(ctx context.Context, span trace.Span, op model.MutationOp, id int64, err error) error {
	c.inst.errors.Add(ctx, 1)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	c.log.Error("recipe mutation failed",
		"op", op.String(), "recipe_id", id, "kind", syncerr.KindOf(err).String(), "error", err)
	return err
}

func idOf(echoed, payload *model.Recipe) int64 {
	if echoed != nil {
		return echoed.ID
	}
	return payload.ID
}
