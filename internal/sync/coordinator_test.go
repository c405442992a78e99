package sync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/njoerd114/recipesync/internal/cachepolicy"
	"github.com/njoerd114/recipesync/internal/model"
	"github.com/njoerd114/recipesync/internal/syncerr"
)

// ---------------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------------

func TestRefresh_FirstReadFetchesAndStores(t *testing.T) {
	h := newHarness(t, newMockRemote(recipe(2, "B"), recipe(1, "A")))
	ctx := context.Background()

	out, err := h.coord.Items(ctx)
	if err != nil {
		t.Fatalf("Items: %v", err)
	}
	if out.Decision != cachepolicy.ForceRefresh {
		t.Errorf("Decision = %v, want force-refresh", out.Decision)
	}
	if out.Phase != PhaseDone || out.Stale {
		t.Errorf("Phase = %v Stale = %v, want done and fresh", out.Phase, out.Stale)
	}
	if want := []int64{1, 2}; !sameIDs(recipeIDs(out.Recipes), want) {
		t.Errorf("recipes = %v, want %v", recipeIDs(out.Recipes), want)
	}
	if out.Stats.Created != 2 {
		t.Errorf("Stats.Created = %d, want 2", out.Stats.Created)
	}

	last, err := h.store.LastSync(ctx, model.Items())
	if err != nil {
		t.Fatalf("LastSync: %v", err)
	}
	if last.IsZero() {
		t.Error("LastSync not advanced after successful refresh")
	}
}

func TestRefresh_FreshCacheSkipsRemote(t *testing.T) {
	h := newHarness(t, newMockRemote(recipe(1, "A")))
	ctx := context.Background()

	if _, err := h.coord.Items(ctx); err != nil {
		t.Fatalf("first Items: %v", err)
	}
	out, err := h.coord.Items(ctx)
	if err != nil {
		t.Fatalf("second Items: %v", err)
	}
	if out.Decision != cachepolicy.UseCacheOnly {
		t.Errorf("Decision = %v, want cache-only", out.Decision)
	}
	if got := h.remote.fetchCalls.Load(); got != 1 {
		t.Errorf("fetch calls = %d, want 1", got)
	}

	if _, err := h.coord.Refresh(ctx, model.Items(), true); err != nil {
		t.Fatalf("forced Refresh: %v", err)
	}
	if got := h.remote.fetchCalls.Load(); got != 2 {
		t.Errorf("fetch calls after force = %d, want 2", got)
	}
}

func TestRefresh_MirrorsServerDeletes(t *testing.T) {
	h := newHarness(t, newMockRemote(recipe(1, "A"), recipe(2, "B"), recipe(3, "C")))
	ctx := context.Background()

	if _, err := h.coord.Items(ctx); err != nil {
		t.Fatalf("Items: %v", err)
	}
	h.remote.set(recipe(2, "B (edited)"), recipe(4, "D"))

	out, err := h.coord.Refresh(ctx, model.Items(), true)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if want := []int64{2, 4}; !sameIDs(recipeIDs(out.Recipes), want) {
		t.Errorf("recipes = %v, want %v", recipeIDs(out.Recipes), want)
	}
	want := Stats{Created: 1, Updated: 1, Deleted: 2}
	if out.Stats != want {
		t.Errorf("Stats = %+v, want %+v", out.Stats, want)
	}
}

func TestRefresh_FallsBackToCache(t *testing.T) {
	h := newHarness(t, newMockRemote(recipe(1, "A"), recipe(2, "B")))
	ctx := context.Background()

	if _, err := h.coord.Items(ctx); err != nil {
		t.Fatalf("Items: %v", err)
	}
	before, _ := h.store.LastSync(ctx, model.Items())

	remoteErr := syncerr.New(syncerr.ServerFault, "fetch collection", "boom")
	h.remote.fail(remoteErr)

	out, err := h.coord.Refresh(ctx, model.Items(), true)
	if err != nil {
		t.Fatalf("Refresh with cached data must not fail: %v", err)
	}
	if !out.Stale {
		t.Error("Stale = false, want true")
	}
	if !errors.Is(out.Err, syncerr.ErrServerFault) {
		t.Errorf("Outcome.Err = %v, want ServerFault", out.Err)
	}
	if want := []int64{1, 2}; !sameIDs(recipeIDs(out.Recipes), want) {
		t.Errorf("recipes = %v, want cached %v", recipeIDs(out.Recipes), want)
	}

	after, _ := h.store.LastSync(ctx, model.Items())
	if !after.Equal(before) {
		t.Errorf("LastSync moved on failed refresh: %v → %v", before, after)
	}
}

func TestRefresh_EmptyCacheFailureIsCacheEmpty(t *testing.T) {
	h := newHarness(t, newMockRemote())
	h.remote.fail(syncerr.New(syncerr.Timeout, "fetch collection", ""))

	out, err := h.coord.Items(context.Background())
	if !errors.Is(err, syncerr.ErrCacheEmpty) {
		t.Fatalf("err = %v, want CacheEmpty", err)
	}
	if !errors.Is(err, syncerr.ErrTimeout) {
		t.Errorf("CacheEmpty must wrap the remote cause: %v", err)
	}
	if out.Phase != PhaseFailed {
		t.Errorf("Phase = %v, want failed", out.Phase)
	}
	if syncerr.UserMessage(err) != syncerr.MsgCacheEmpty {
		t.Errorf("UserMessage = %q", syncerr.UserMessage(err))
	}
}

func TestRefresh_OfflineServesCache(t *testing.T) {
	h := newHarness(t, newMockRemote(recipe(1, "A")))
	ctx := context.Background()

	if _, err := h.coord.Items(ctx); err != nil {
		t.Fatalf("Items: %v", err)
	}
	h.net.offline.Store(true)

	out, err := h.coord.Refresh(ctx, model.Items(), true)
	if err != nil {
		t.Fatalf("offline Refresh: %v", err)
	}
	if out.Decision != cachepolicy.UseCacheOnly {
		t.Errorf("Decision = %v, want cache-only", out.Decision)
	}
	if len(out.Recipes) != 1 {
		t.Errorf("recipes = %d, want 1", len(out.Recipes))
	}
	if got := h.remote.fetchCalls.Load(); got != 1 {
		t.Errorf("fetch calls = %d, want 1 (no fetch while offline)", got)
	}
}

func TestRefresh_OfflineNeverSyncedIsCacheEmpty(t *testing.T) {
	h := newHarness(t, newMockRemote(recipe(1, "A")))
	h.net.offline.Store(true)

	_, err := h.coord.Items(context.Background())
	if !errors.Is(err, syncerr.ErrCacheEmpty) {
		t.Fatalf("err = %v, want CacheEmpty", err)
	}
	if !errors.Is(err, syncerr.ErrNetworkUnavailable) {
		t.Errorf("err = %v, want NetworkUnavailable cause", err)
	}
}

func TestRefresh_ConfirmedEmptyIsNotAnError(t *testing.T) {
	h := newHarness(t, newMockRemote())
	ctx := context.Background()

	out, err := h.coord.Items(ctx)
	if err != nil {
		t.Fatalf("Items: %v", err)
	}
	if len(out.Recipes) != 0 {
		t.Errorf("recipes = %v, want none", recipeIDs(out.Recipes))
	}
	// A second read is served from the (empty) fresh cache.
	if _, err := h.coord.Items(ctx); err != nil {
		t.Errorf("second Items: %v", err)
	}
}

func TestRefresh_StoreFaultAbortsWithoutMarkingSynced(t *testing.T) {
	h := newHarness(t, newMockRemote(recipe(1, "A")))
	ctx := context.Background()

	faulty := &faultyStore{Store: h.store, upsertAllErr: syncerr.Store("upsert all recipes", errors.New("disk full"))}
	coord := NewCoordinator(Options{
		Store: faulty, Remote: h.remote, Policy: h.policy, Notifier: h.notifier,
		ViewerID: viewer, Logger: testLogger,
	})

	_, err := coord.Items(ctx)
	if !errors.Is(err, syncerr.ErrStoreFault) {
		t.Fatalf("err = %v, want StoreFault", err)
	}
	last, _ := h.store.LastSync(ctx, model.Items())
	if !last.IsZero() {
		t.Error("LastSync advanced despite store fault")
	}
}

func TestRefresh_InvalidKind(t *testing.T) {
	h := newHarness(t, newMockRemote())
	_, err := h.coord.Refresh(context.Background(), model.Kind{Name: model.KindLiked}, false)
	if !errors.Is(err, syncerr.ErrClientFault) {
		t.Errorf("err = %v, want ClientFault", err)
	}
}

func TestRefresh_SingleFlightPerKind(t *testing.T) {
	h := newHarness(t, newMockRemote(recipe(1, "A")))
	ctx := context.Background()
	gate := h.remote.block()

	const callers = 5
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.coord.Refresh(ctx, model.Items(), true)
			errs <- err
		}()
	}

	// Let every caller reach the in-flight fetch before releasing it.
	waitFor(t, func() bool { return h.remote.fetchCalls.Load() >= 1 })
	time.Sleep(100 * time.Millisecond)
	close(gate)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Refresh: %v", err)
		}
	}
	if got := h.remote.fetchCalls.Load(); got != 1 {
		t.Errorf("fetch calls = %d, want 1", got)
	}
}

func TestRefresh_JoinedCallerOutlivesCancelledStarter(t *testing.T) {
	h := newHarness(t, newMockRemote(recipe(1, "A")))
	if _, err := h.coord.Items(context.Background()); err != nil {
		t.Fatalf("Items: %v", err)
	}
	gate := h.remote.block()

	starterCtx, cancelStarter := context.WithCancel(context.Background())
	starter := make(chan error, 1)
	go func() {
		_, err := h.coord.Refresh(starterCtx, model.Items(), true)
		starter <- err
	}()
	waitFor(t, func() bool { return h.remote.fetchCalls.Load() == 2 })

	type result struct {
		out Outcome
		err error
	}
	joined := make(chan result, 1)
	go func() {
		out, err := h.coord.Refresh(context.Background(), model.Items(), true)
		joined <- result{out, err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancelStarter()
	if err := <-starter; !errors.Is(err, context.Canceled) {
		t.Errorf("starter err = %v, want context.Canceled", err)
	}

	h.remote.fail(syncerr.FromStatus("fetch recipes", 503, "unavailable"))
	close(gate)

	res := <-joined
	if res.err != nil {
		t.Fatalf("joined caller: %v", res.err)
	}
	if !res.out.Stale || len(res.out.Recipes) != 1 {
		t.Errorf("outcome = stale %v, recipes %v; want the cached recipe served stale", res.out.Stale, recipeIDs(res.out.Recipes))
	}
	if !errors.Is(res.out.Err, syncerr.ErrServerFault) {
		t.Errorf("Outcome.Err = %v, want ServerFault", res.out.Err)
	}
}

func TestRefresh_PushMarkForcesRefreshOnce(t *testing.T) {
	h := newHarness(t, newMockRemote(recipe(1, "A")))
	ctx := context.Background()

	if _, err := h.coord.Items(ctx); err != nil {
		t.Fatalf("Items: %v", err)
	}
	h.remote.set(recipe(1, "A"), recipe(7, "New"))
	h.coord.NotifyRemoteChange(model.Items())

	out, err := h.coord.Items(ctx)
	if err != nil {
		t.Fatalf("Items after push: %v", err)
	}
	if out.Decision != cachepolicy.ForceRefresh {
		t.Errorf("Decision = %v, want force-refresh", out.Decision)
	}
	if len(out.Recipes) != 2 {
		t.Errorf("recipes = %v, want 2", recipeIDs(out.Recipes))
	}

	out, err = h.coord.Items(ctx)
	if err != nil {
		t.Fatalf("Items: %v", err)
	}
	if out.Decision != cachepolicy.UseCacheOnly {
		t.Errorf("push mark not consumed: Decision = %v", out.Decision)
	}
}

func TestRevalidate_RefreshesFreshCache(t *testing.T) {
	h := newHarness(t, newMockRemote(recipe(1, "A")))
	ctx := context.Background()

	if _, err := h.coord.Items(ctx); err != nil {
		t.Fatalf("Items: %v", err)
	}
	out, err := h.coord.Revalidate(ctx, model.Items())
	if err != nil {
		t.Fatalf("Revalidate: %v", err)
	}
	if out.Decision != cachepolicy.UseCacheThenRefresh {
		t.Errorf("Decision = %v, want cache-then-refresh", out.Decision)
	}
	if got := h.remote.fetchCalls.Load(); got != 2 {
		t.Errorf("fetch calls = %d, want 2", got)
	}
}

// ---------------------------------------------------------------------------
// Liked collections
// ---------------------------------------------------------------------------

func TestLikedRefresh_ReplacesRelation(t *testing.T) {
	h := newHarness(t, newMockRemote(recipe(1, "A"), recipe(2, "B"), recipe(3, "C")))
	ctx := context.Background()

	h.remote.setLiked(viewer, 1, 2, 3)
	out, err := h.coord.LikedItems(ctx, viewer)
	if err != nil {
		t.Fatalf("LikedItems: %v", err)
	}
	if want := []int64{1, 2, 3}; !sameIDs(recipeIDs(out.Recipes), want) {
		t.Errorf("liked = %v, want %v", recipeIDs(out.Recipes), want)
	}

	h.remote.setLiked(viewer, 2)
	out, err = h.coord.Refresh(ctx, model.Liked(viewer), true)
	if err != nil {
		t.Fatalf("Refresh liked: %v", err)
	}
	if want := []int64{2}; !sameIDs(recipeIDs(out.Recipes), want) {
		t.Errorf("liked = %v, want %v", recipeIDs(out.Recipes), want)
	}
	if out.Stats.Deleted != 2 {
		t.Errorf("Stats.Deleted = %d, want 2", out.Stats.Deleted)
	}
}

func TestLikedRefresh_UpsertsCarriedRecipes(t *testing.T) {
	h := newHarness(t, newMockRemote(recipe(1, "A"), recipe(2, "B")))
	ctx := context.Background()
	h.remote.setLiked(viewer, 2)

	// The items collection was never fetched; the liked refresh alone must
	// make recipe 2 readable.
	out, err := h.coord.LikedItems(ctx, viewer)
	if err != nil {
		t.Fatalf("LikedItems: %v", err)
	}
	if len(out.Recipes) != 1 || out.Recipes[0].Title != "B" || !out.Recipes[0].Liked {
		t.Errorf("liked = %+v, want recipe 2 marked liked", out.Recipes)
	}
}

func TestLikedRefresh_OtherUsersIndependent(t *testing.T) {
	h := newHarness(t, newMockRemote(recipe(1, "A"), recipe(2, "B")))
	ctx := context.Background()
	h.remote.setLiked("u1", 1)
	h.remote.setLiked("u2", 2)

	if _, err := h.coord.LikedItems(ctx, "u1"); err != nil {
		t.Fatalf("LikedItems u1: %v", err)
	}
	out, err := h.coord.LikedItems(ctx, "u2")
	if err != nil {
		t.Fatalf("LikedItems u2: %v", err)
	}
	if want := []int64{2}; !sameIDs(recipeIDs(out.Recipes), want) {
		t.Errorf("u2 liked = %v, want %v", recipeIDs(out.Recipes), want)
	}
	if got := h.remote.likedCalls.Load(); got != 2 {
		t.Errorf("liked fetches = %d, want one per user", got)
	}
}

func TestLikedView_OmitsDanglingRows(t *testing.T) {
	h := newHarness(t, newMockRemote(recipe(1, "A")))
	ctx := context.Background()

	if _, err := h.coord.Items(ctx); err != nil {
		t.Fatalf("Items: %v", err)
	}
	if err := h.store.ReplaceLikedRelation(ctx, viewer, []int64{1, 99}); err != nil {
		t.Fatalf("ReplaceLikedRelation: %v", err)
	}
	h.net.offline.Store(true)
	if err := h.store.MarkSynced(ctx, model.Liked(viewer), time.Now()); err != nil {
		t.Fatalf("MarkSynced: %v", err)
	}

	out, err := h.coord.LikedItems(ctx, viewer)
	if err != nil {
		t.Fatalf("LikedItems: %v", err)
	}
	if want := []int64{1}; !sameIDs(recipeIDs(out.Recipes), want) {
		t.Errorf("liked = %v, want %v", recipeIDs(out.Recipes), want)
	}
}

func TestSearch_UsesCacheOnly(t *testing.T) {
	h := newHarness(t, newMockRemote(recipe(1, "Apple pie"), recipe(2, "Borscht")))
	ctx := context.Background()
	if _, err := h.coord.Items(ctx); err != nil {
		t.Fatalf("Items: %v", err)
	}

	got, err := h.coord.Search(ctx, "apple")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if want := []int64{1}; !sameIDs(recipeIDs(got), want) {
		t.Errorf("Search = %v, want %v", recipeIDs(got), want)
	}
	if calls := h.remote.fetchCalls.Load(); calls != 1 {
		t.Errorf("Search contacted the remote: fetch calls = %d", calls)
	}
}

// --- helpers -----------------------------------------------------------------

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met within 5s")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
