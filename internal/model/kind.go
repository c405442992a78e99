package model

import (
	"fmt"
	"strings"
)

// KindName names a cached stream.
type KindName string

const (
	// KindItems is the full recipe collection.
	KindItems KindName = "items"
	// KindLiked is the liked relation of a single user.
	KindLiked KindName = "liked"
)

// Kind identifies one cached collection: the full item list, or the liked
// items of one user.
type Kind struct {
	Name   KindName
	UserID string
}

// Items returns the kind for the full recipe collection.
func Items() Kind { return Kind{Name: KindItems} }

// Liked returns the kind for userID's liked recipes.
func Liked(userID string) Kind { return Kind{Name: KindLiked, UserID: userID} }

// Key is the string used for cache metadata rows and notifier topics:
// "items" or "liked:<user>".
func (k Kind) Key() string {
	if k.Name == KindLiked {
		return string(KindLiked) + ":" + k.UserID
	}
	return string(k.Name)
}

func (k Kind) String() string { return k.Key() }

// ParseKind is the inverse of Kind.Key. "liked" without a user is accepted and
// yields a Kind with an empty UserID.
func ParseKind(s string) (Kind, error) {
	switch {
	case s == string(KindItems):
		return Items(), nil
	case s == string(KindLiked):
		return Kind{Name: KindLiked}, nil
	case strings.HasPrefix(s, string(KindLiked)+":"):
		return Liked(strings.TrimPrefix(s, string(KindLiked)+":")), nil
	default:
		return Kind{}, fmt.Errorf("unknown collection kind %q", s)
	}
}

// Validate checks that a liked kind carries a user.
func (k Kind) Validate() error {
	switch k.Name {
	case KindItems:
		return nil
	case KindLiked:
		if k.UserID == "" {
			return fmt.Errorf("liked collection requires a user id")
		}
		return nil
	default:
		return fmt.Errorf("unknown collection kind %q", k.Name)
	}
}
