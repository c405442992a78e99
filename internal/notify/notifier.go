// Package notify is a small observer registry keyed by collection key.
//
// Publish wakes every current subscriber of a key so it can re-read from the
// entity store. Notifications coalesce: each subscription holds at most one
// pending wake-up, so a subscriber that is slow to re-read sees one
// notification for a burst of changes (last value wins), never zero.
package notify

import (
	"strings"
	"sync"
)

// Subscription receives wake-ups for one key. Create one with
// [Notifier.Subscribe] and release it with [Subscription.Close].
type Subscription struct {
	key  string
	ch   chan struct{}
	n    *Notifier
	once sync.Once
}

// C returns the wake-up channel. It is closed by [Subscription.Close].
func (s *Subscription) C() <-chan struct{} { return s.ch }

// Key returns the key this subscription observes.
func (s *Subscription) Key() string { return s.key }

// Close unregisters the subscription and closes its channel. Safe to call
// more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.n.remove(s)
		close(s.ch)
	})
}

// Notifier is safe for concurrent use. The zero value is not usable; create
// one with [New].
type Notifier struct {
	mu   sync.Mutex
	subs map[string]map[*Subscription]struct{}
}

// New creates an empty Notifier.
func New() *Notifier {
	return &Notifier{subs: make(map[string]map[*Subscription]struct{})}
}

// Subscribe registers a new observer of key.
func (n *Notifier) Subscribe(key string) *Subscription {
	s := &Subscription{key: key, ch: make(chan struct{}, 1), n: n}
	n.mu.Lock()
	defer n.mu.Unlock()
	set, ok := n.subs[key]
	if !ok {
		set = make(map[*Subscription]struct{})
		n.subs[key] = set
	}
	set[s] = struct{}{}
	return s
}

// Publish wakes every subscriber of each key.
func (n *Notifier) Publish(keys ...string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, key := range keys {
		for s := range n.subs[key] {
			wake(s)
		}
	}
}

// PublishPrefix wakes every subscriber whose key starts with prefix. Used
// when a change affects every user's liked view at once.
func (n *Notifier) PublishPrefix(prefix string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for key, set := range n.subs {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		for s := range set {
			wake(s)
		}
	}
}

// Subscribers returns the number of live subscriptions for key.
func (n *Notifier) Subscribers(key string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs[key])
}

func (n *Notifier) remove(s *Subscription) {
	n.mu.Lock()
	defer n.mu.Unlock()
	set := n.subs[s.key]
	delete(set, s)
	if len(set) == 0 {
		delete(n.subs, s.key)
	}
}

// wake must be called with n.mu held so it never races with Close.
func wake(s *Subscription) {
	select {
	case s.ch <- struct{}{}:
	default: // a wake-up is already pending
	}
}
