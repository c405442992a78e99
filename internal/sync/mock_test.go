package sync

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/njoerd114/recipesync/internal/cachepolicy"
	"github.com/njoerd114/recipesync/internal/model"
	"github.com/njoerd114/recipesync/internal/notify"
	"github.com/njoerd114/recipesync/internal/state"
)

var testLogger = slog.New(slog.DiscardHandler)

// --- Mock Remote -------------------------------------------------------------

type likeCall struct {
	recipeID int64
	userID   string
	liked    bool
}

type mockRemote struct {
	mu sync.Mutex

	recipes map[int64]model.Recipe
	liked   map[string][]int64 // userID → recipe ids

	fetchErr  error
	likedErr  error
	likeErr   error
	mutateErr error

	// gate, when set, blocks fetches and like mutations until closed.
	gate chan struct{}

	fetchCalls  atomic.Int32
	likedCalls  atomic.Int32
	likeCalls   []likeCall
	mutateCalls []model.MutationOp
	lastPayload model.Recipe
	echoID      int64 // overrides the id echoed for updates when set
	nextID      int64
}

func newMockRemote(recipes ...model.Recipe) *mockRemote {
	m := &mockRemote{
		recipes: make(map[int64]model.Recipe),
		liked:   make(map[string][]int64),
		nextID:  1000,
	}
	for _, r := range recipes {
		m.recipes[r.ID] = r
	}
	return m
}

func (m *mockRemote) wait(ctx context.Context) error {
	m.mu.Lock()
	gate := m.gate
	m.mu.Unlock()
	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *mockRemote) FetchCollection(ctx context.Context) ([]model.Recipe, error) {
	m.fetchCalls.Add(1)
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	out := make([]model.Recipe, 0, len(m.recipes))
	for _, r := range m.recipes {
		out = append(out, r)
	}
	return out, nil
}

func (m *mockRemote) FetchLiked(ctx context.Context, userID string) ([]model.Recipe, error) {
	m.likedCalls.Add(1)
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.likedErr != nil {
		return nil, m.likedErr
	}
	out := []model.Recipe{}
	for _, id := range m.liked[userID] {
		if r, ok := m.recipes[id]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *mockRemote) MutateLiked(ctx context.Context, recipeID int64, userID string, liked bool) error {
	m.mu.Lock()
	m.likeCalls = append(m.likeCalls, likeCall{recipeID, userID, liked})
	m.mu.Unlock()
	if err := m.wait(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.likeErr != nil {
		return m.likeErr
	}
	ids := m.liked[userID][:0:0]
	for _, id := range m.liked[userID] {
		if id != recipeID {
			ids = append(ids, id)
		}
	}
	if liked {
		ids = append(ids, recipeID)
	}
	m.liked[userID] = ids
	return nil
}

func (m *mockRemote) MutateRecipe(_ context.Context, op model.MutationOp, payload *model.Recipe, actor model.Actor) (*model.Recipe, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mutateCalls = append(m.mutateCalls, op)
	m.lastPayload = *payload
	if m.mutateErr != nil {
		return nil, m.mutateErr
	}
	switch op {
	case model.OpDelete:
		delete(m.recipes, payload.ID)
		return nil, nil
	case model.OpCreate:
		m.nextID++
		cp := *payload
		cp.ID = m.nextID
		cp.OwnerID = actor.UserID
		m.recipes[cp.ID] = cp
		return &cp, nil
	default:
		cp := *payload
		m.recipes[cp.ID] = cp
		if m.echoID != 0 {
			cp.ID = m.echoID
		}
		return &cp, nil
	}
}

func (m *mockRemote) set(recipes ...model.Recipe) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recipes = make(map[int64]model.Recipe)
	for _, r := range recipes {
		m.recipes[r.ID] = r
	}
}

func (m *mockRemote) setLiked(userID string, ids ...int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.liked[userID] = ids
}

func (m *mockRemote) fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchErr, m.likedErr = err, err
}

func (m *mockRemote) failLikes(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.likeErr = err
}

func (m *mockRemote) failMutations(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mutateErr = err
}

func (m *mockRemote) block() chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gate = make(chan struct{})
	return m.gate
}

func (m *mockRemote) likes() []likeCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]likeCall(nil), m.likeCalls...)
}

// --- Mock Push Source --------------------------------------------------------

type mockPush struct {
	events []int64
	start  chan struct{} // events are delivered once closed
}

func (m *mockPush) Listen(ctx context.Context, onNewRecipe func(int64)) error {
	if m.start != nil {
		select {
		case <-m.start:
		case <-ctx.Done():
			return nil
		}
	}
	for _, id := range m.events {
		onNewRecipe(id)
	}
	<-ctx.Done()
	return nil
}

// --- Connectivity --------------------------------------------------------------

type switchableNet struct{ offline atomic.Bool }

func (s *switchableNet) Online(context.Context) bool { return !s.offline.Load() }

// --- Harness -------------------------------------------------------------------

// harness wires a Coordinator to a real SQLite store, notifier and cache
// policy, with a mock remote.
type harness struct {
	coord    *Coordinator
	store    *state.Store
	remote   *mockRemote
	policy   *cachepolicy.Policy
	net      *switchableNet
	notifier *notify.Notifier
}

const viewer = "u1"

func newHarness(t *testing.T, remote *mockRemote) *harness {
	t.Helper()
	n := notify.New()
	st, err := state.Open(context.Background(), filepath.Join(t.TempDir(), "cache.db"), state.WithPublisher(n))
	if err != nil {
		t.Fatalf("state.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	netw := &switchableNet{}
	policy := cachepolicy.New(cachepolicy.Config{}, netw)
	coord := NewCoordinator(Options{
		Store:    st,
		Remote:   remote,
		Policy:   policy,
		Notifier: n,
		ViewerID: viewer,
		Logger:   testLogger,
	})
	return &harness{coord: coord, store: st, remote: remote, policy: policy, net: netw, notifier: n}
}

// faultyStore fails selected writes and delegates everything else.
type faultyStore struct {
	Store
	upsertAllErr error
}

func (f *faultyStore) UpsertAll(ctx context.Context, recipes []model.Recipe) error {
	if f.upsertAllErr != nil {
		return f.upsertAllErr
	}
	return f.Store.UpsertAll(ctx, recipes)
}

func recipe(id int64, title string) model.Recipe {
	return model.Recipe{ID: id, Title: title, Ingredients: "salt", OwnerID: "owner"}
}

func recipeIDs(recipes []model.Recipe) []int64 {
	out := make([]int64, 0, len(recipes))
	for _, r := range recipes {
		out = append(out, r.ID)
	}
	return out
}

func sameIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
