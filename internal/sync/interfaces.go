// Package sync coordinates the local recipe cache with the remote collection
// service. Callers read and write through a [Coordinator], which consults the
// cache policy, fetches from the remote when needed, reconciles the result
// into the entity store, and falls back to cached data when the network
// fails.
//
// The package contains two main components:
//
//   - [Coordinator] runs reads as a small state machine and applies
//     mutations with optimistic local writes where the model allows it.
//   - [Engine] keeps the cache warm in daemon mode: a polling loop plus an
//     optional push listener for "new recipe" events.
package sync

import (
	"context"
	"time"

	"github.com/njoerd114/recipesync/internal/cachepolicy"
	"github.com/njoerd114/recipesync/internal/model"
	"github.com/njoerd114/recipesync/internal/notify"
)

// Store provides access to the local entity store.
// Implemented by [state.Store].
type Store interface {
	GetAll(ctx context.Context, viewerID string) ([]model.Recipe, error)
	GetByID(ctx context.Context, id int64, viewerID string) (*model.Recipe, error)
	Search(ctx context.Context, query, viewerID string) ([]model.Recipe, error)
	LikedRecipes(ctx context.Context, userID string) ([]model.Recipe, error)
	DanglingLikes(ctx context.Context, userID string) ([]int64, error)

	UpsertAll(ctx context.Context, recipes []model.Recipe) error
	UpsertRecipe(ctx context.Context, r *model.Recipe) error
	ReplaceLiked(ctx context.Context, userID string, recipes []model.Recipe) error
	SetLiked(ctx context.Context, recipeID int64, userID string, liked bool) error
	IsLiked(ctx context.Context, recipeID int64, userID string) (bool, error)
	Delete(ctx context.Context, id int64) error

	LastSync(ctx context.Context, kind model.Kind) (time.Time, error)
	MarkSynced(ctx context.Context, kind model.Kind, at time.Time) error
	Invalidate(ctx context.Context, kind model.Kind) error
	InvalidateAll(ctx context.Context, name model.KindName) error
}

// Remote provides access to the recipe collection service.
// Implemented by [remote.Client].
type Remote interface {
	FetchCollection(ctx context.Context) ([]model.Recipe, error)
	FetchLiked(ctx context.Context, userID string) ([]model.Recipe, error)
	MutateLiked(ctx context.Context, recipeID int64, userID string, liked bool) error
	MutateRecipe(ctx context.Context, op model.MutationOp, payload *model.Recipe, actor model.Actor) (*model.Recipe, error)
}

// Planner decides how a read is answered.
// Implemented by [cachepolicy.Policy].
type Planner interface {
	Plan(ctx context.Context, kind model.Kind, lastSync, now time.Time, force bool) cachepolicy.Decision
	Revalidate(ctx context.Context, kind model.Kind, lastSync, now time.Time) cachepolicy.Decision
	MarkDirty(kind model.Kind)
	Consume(kind model.Kind)
}

// Subscriber hands out change subscriptions keyed by [model.Kind.Key].
// Implemented by [notify.Notifier].
type Subscriber interface {
	Subscribe(key string) *notify.Subscription
	Subscribers(key string) int
}

// PushSource delivers "new recipe available" events until ctx is done.
// Implemented by [remote.PushListener].
type PushSource interface {
	Listen(ctx context.Context, onNewRecipe func(recipeID int64)) error
}
