package sync

import (
	"context"

	"github.com/njoerd114/recipesync/internal/model"
)

// ObserveItems streams snapshots of the recipe collection. The first value
// is the current store state; each later value follows a committed change.
// Intermediate states may be skipped but the latest is always delivered.
// The channel is closed when ctx is done.
func (c *Coordinator) ObserveItems(ctx context.Context) (<-chan []model.Recipe, error) {
	return c.observe(ctx, model.Items())
}

// ObserveLikedItems is ObserveItems for userID's liked recipes.
func (c *Coordinator) ObserveLikedItems(ctx context.Context, userID string) (<-chan []model.Recipe, error) {
	return c.observe(ctx, model.Liked(userID))
}

func (c *Coordinator) observe(ctx context.Context, kind model.Kind) (<-chan []model.Recipe, error) {
	if err := kind.Validate(); err != nil {
		return nil, err
	}

	// Subscribe before the first read so no change between the two is lost.
	sub := c.notifier.Subscribe(kind.Key())
	c.log.Debug("observer attached", "kind", kind.Key(), "observers", c.notifier.Subscribers(kind.Key()))
	first, err := c.snapshot(ctx, kind)
	if err != nil {
		sub.Close()
		return nil, err
	}

	out := make(chan []model.Recipe, 1)
	go func() {
		defer close(out)
		defer sub.Close()

		snap := first
		for {
			select {
			case out <- snap:
			case <-ctx.Done():
				return
			}

			for {
				select {
				case <-ctx.Done():
					return
				case <-sub.C():
				}
				next, err := c.snapshot(ctx, kind)
				if err == nil {
					snap = next
					break
				}
				if ctx.Err() != nil {
					return
				}
				c.log.Error("observer re-read failed", "kind", kind.Key(), "error", err)
			}
		}
	}()
	return out, nil
}
