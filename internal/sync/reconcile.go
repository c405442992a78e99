package sync

import (
	"context"

	"github.com/njoerd114/recipesync/internal/model"
)

// Stats counts the differences between the cached snapshot of a collection
// and the remote copy that replaced it.
type Stats struct {
	Created   int
	Updated   int
	Deleted   int
	Unchanged int
}

// Changed reports whether the refresh altered the snapshot.
func (s Stats) Changed() bool {
	return s.Created+s.Updated+s.Deleted > 0
}

// diff compares the cached snapshot with the fetched one by id and content
// hash. For liked collections Created and Deleted count likes gained and
// lost.
func diff(cached, fetched []model.Recipe) Stats {
	var stats Stats

	hashes := make(map[int64]string, len(cached))
	for i := range cached {
		hashes[cached[i].ID] = cached[i].ContentHash()
	}

	seen := make(map[int64]struct{}, len(fetched))
	for i := range fetched {
		id := fetched[i].ID
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		h, ok := hashes[id]
		switch {
		case !ok:
			stats.Created++
		case h != fetched[i].ContentHash():
			stats.Updated++
		default:
			stats.Unchanged++
		}
	}
	for id := range hashes {
		if _, ok := seen[id]; !ok {
			stats.Deleted++
		}
	}
	return stats
}

func (c *Coordinator) recordStats(ctx context.Context, stats Stats) {
	if stats.Created > 0 {
		c.inst.created.Add(ctx, int64(stats.Created))
	}
	if stats.Updated > 0 {
		c.inst.updated.Add(ctx, int64(stats.Updated))
	}
	if stats.Deleted > 0 {
		c.inst.deleted.Add(ctx, int64(stats.Deleted))
	}
}
