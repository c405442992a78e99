// Package model defines the shared types that flow between the entity store,
// the remote client, and the sync coordinator.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Recipe is the normalised representation of a single cached item.
type Recipe struct {
	// ID is the stable, server-assigned identifier. Equality is by ID alone.
	ID int64

	// Title is the recipe's display title.
	Title string

	// Ingredients is the free-text ingredient list.
	Ingredients string

	// Steps are the preparation steps, ordered by Step.Number.
	Steps []Step

	// PhotoURL is an optional reference to the recipe photo. Empty means none.
	PhotoURL string

	// CreatedAt is the server's creation timestamp. It is opaque: the server
	// does not guarantee a format that orders correctly.
	CreatedAt string

	// OwnerID identifies the user who created the recipe.
	OwnerID string

	// Liked is a read-time overlay for the viewing user. It is computed from
	// the liked relation and never stored on the recipe row.
	Liked bool
}

// Step is a single preparation step.
type Step struct {
	Number      int
	Instruction string
	MediaURL    string
}

// SameAs reports whether r and other identify the same recipe.
func (r *Recipe) SameAs(other *Recipe) bool {
	return other != nil && r.ID == other.ID
}

// SortSteps orders the steps by number in place. Steps with equal numbers
// keep their relative order.
func (r *Recipe) SortSteps() {
	sort.SliceStable(r.Steps, func(i, j int) bool {
		return r.Steps[i].Number < r.Steps[j].Number
	})
}

// ContentHash returns a deterministic SHA-256 hex digest of every payload field.
// Liked is excluded: it is per-viewer state, not part of the recipe.
func (r *Recipe) ContentHash() string {
	h := sha256.New()
	_, _ = fmt.Fprintf(h, "%d", r.ID)
	h.Write([]byte("|"))
	h.Write([]byte(r.Title))
	h.Write([]byte("|"))
	h.Write([]byte(r.Ingredients))
	h.Write([]byte("|"))
	for _, s := range r.Steps {
		_, _ = fmt.Fprintf(h, "%d:%s:%s;", s.Number, s.Instruction, s.MediaURL)
	}
	h.Write([]byte("|"))
	h.Write([]byte(r.PhotoURL))
	h.Write([]byte("|"))
	h.Write([]byte(r.CreatedAt))
	h.Write([]byte("|"))
	h.Write([]byte(r.OwnerID))
	return hex.EncodeToString(h.Sum(nil))
}

// MatchesTitle reports whether the title contains query, ignoring case.
// An empty query matches nothing.
func (r *Recipe) MatchesTitle(query string) bool {
	q := strings.TrimSpace(query)
	if q == "" {
		return false
	}
	return strings.Contains(strings.ToLower(r.Title), strings.ToLower(q))
}

// --- Actor & permissions -----------------------------------------------------

// Permission is the acting user's permission level as issued by the
// authentication layer. The server is the authority on what it allows; the
// engine only forwards it.
type Permission int

const (
	// PermissionUser may modify only recipes they own.
	PermissionUser Permission = 1
	// PermissionAdmin may modify any recipe.
	PermissionAdmin Permission = 2
)

// String returns the human-readable label for the permission level.
func (p Permission) String() string {
	switch p {
	case PermissionAdmin:
		return "admin"
	case PermissionUser:
		return "user"
	default:
		return "unknown"
	}
}

// NormalizePermission maps a raw level to a known Permission. Anything other
// than the admin level is treated as a regular user.
func NormalizePermission(raw int) Permission {
	if raw == int(PermissionAdmin) {
		return PermissionAdmin
	}
	return PermissionUser
}

// Actor is the resolved identity performing a mutation.
type Actor struct {
	UserID     string
	Permission Permission
}

// MutationOp selects the kind of recipe mutation sent to the remote service.
type MutationOp int

const (
	OpCreate MutationOp = iota
	OpUpdate
	OpDelete
)

func (o MutationOp) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("op(%d)", int(o))
	}
}
