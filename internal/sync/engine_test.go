package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/njoerd114/recipesync/internal/model"
	"github.com/njoerd114/recipesync/internal/syncerr"
)

func TestEngine_RunOnceWarmsBothCollections(t *testing.T) {
	h := newHarness(t, newMockRemote(recipe(1, "A"), recipe(2, "B")))
	h.remote.setLiked(viewer, 2)
	ctx := context.Background()

	e := NewEngine(h.coord, nil, viewer, time.Minute, 0, testLogger)
	if err := e.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	for _, k := range []model.Kind{model.Items(), model.Liked(viewer)} {
		last, err := h.store.LastSync(ctx, k)
		if err != nil {
			t.Fatalf("LastSync: %v", err)
		}
		if last.IsZero() {
			t.Errorf("%s not synced by RunOnce", k)
		}
	}
}

func TestEngine_RunOnceReportsEmptyCacheFailure(t *testing.T) {
	h := newHarness(t, newMockRemote())
	h.remote.fail(syncerr.New(syncerr.NetworkUnavailable, "fetch collection", ""))

	e := NewEngine(h.coord, nil, "", time.Minute, 0, testLogger)
	err := e.RunOnce(context.Background())
	if !errors.Is(err, syncerr.ErrCacheEmpty) {
		t.Errorf("err = %v, want CacheEmpty", err)
	}
}

func TestEngine_PushEventTriggersRefresh(t *testing.T) {
	h := newHarness(t, newMockRemote(recipe(1, "A")))
	push := &mockPush{events: []int64{9}, start: make(chan struct{})}

	ctx, cancel := context.WithCancel(context.Background())
	e := NewEngine(h.coord, push, "", time.Hour, time.Millisecond, testLogger)

	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	// The initial poll fetches once; the push event forces a second fetch
	// even though the cache is fresh.
	waitFor(t, func() bool {
		last, err := h.store.LastSync(context.Background(), model.Items())
		return err == nil && !last.IsZero()
	})
	close(push.start)
	waitFor(t, func() bool { return h.remote.fetchCalls.Load() >= 2 })

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v, want nil on cancel", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestEngine_PollsOnInterval(t *testing.T) {
	h := newHarness(t, newMockRemote(recipe(1, "A")))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e := NewEngine(h.coord, nil, "", 20*time.Millisecond, 0, testLogger)
	go func() { _ = e.Run(ctx) }()

	waitFor(t, func() bool { return h.remote.fetchCalls.Load() >= 3 })
}
