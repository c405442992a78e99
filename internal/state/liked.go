package state

import (
	"context"
	"fmt"

	"github.com/njoerd114/recipesync/internal/model"
)

// ReplaceLikedRelation atomically replaces userID's liked set with ids. The
// previous rows are never merged: after the call the relation is exactly ids.
func (s *Store) ReplaceLikedRelation(ctx context.Context, userID string, ids []int64) error {
	err := s.withTx(ctx, func(tx dbtx) error {
		return replaceLikedRows(ctx, tx, userID, ids)
	})
	if err != nil {
		return fault("replace liked relation", err)
	}
	s.pub.Publish(model.Items().Key(), model.Liked(userID).Key())
	return nil
}

// ReplaceLiked replaces userID's liked set with the ids of recipes and upserts
// the recipe payloads, all in one transaction. Recipes are not mirrored: other
// cached recipes are left alone.
func (s *Store) ReplaceLiked(ctx context.Context, userID string, recipes []model.Recipe) error {
	ids := make([]int64, 0, len(recipes))
	err := s.withTx(ctx, func(tx dbtx) error {
		for i := range recipes {
			if err := putRecipe(ctx, tx, &recipes[i]); err != nil {
				return err
			}
			ids = append(ids, recipes[i].ID)
		}
		return replaceLikedRows(ctx, tx, userID, ids)
	})
	if err != nil {
		return fault("replace liked recipes", err)
	}
	s.pub.Publish(model.Items().Key())
	s.pub.PublishPrefix(likedPrefix)
	return nil
}

// SetLiked inserts or deletes a single relation row.
func (s *Store) SetLiked(ctx context.Context, recipeID int64, userID string, liked bool) error {
	var err error
	if liked {
		_, err = s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO liked_recipes (recipe_id, user_id) VALUES (?, ?)`, recipeID, userID)
	} else {
		_, err = s.db.ExecContext(ctx,
			`DELETE FROM liked_recipes WHERE recipe_id = ? AND user_id = ?`, recipeID, userID)
	}
	if err != nil {
		return fault(fmt.Sprintf("set liked recipe=%d user=%s", recipeID, userID), err)
	}
	s.pub.Publish(model.Items().Key(), model.Liked(userID).Key())
	return nil
}

// IsLiked reports whether the relation row (recipeID, userID) exists.
func (s *Store) IsLiked(ctx context.Context, recipeID int64, userID string) (bool, error) {
	var liked bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM liked_recipes WHERE recipe_id = ? AND user_id = ?)`,
		recipeID, userID).Scan(&liked)
	if err != nil {
		return false, fault("check liked", err)
	}
	return liked, nil
}

// LikedIDs returns the raw relation for userID in ascending order, including
// ids whose recipe is no longer cached.
func (s *Store) LikedIDs(ctx context.Context, userID string) ([]int64, error) {
	ids, err := queryIDs(ctx, s.db,
		`SELECT recipe_id FROM liked_recipes WHERE user_id = ? ORDER BY recipe_id`, userID)
	if err != nil {
		return nil, fault("get liked ids", err)
	}
	return ids, nil
}

// LikedRecipes returns the cached recipes userID likes, ordered by id.
// Relation rows without a cached recipe are skipped; see [Store.DanglingLikes].
func (s *Store) LikedRecipes(ctx context.Context, userID string) ([]model.Recipe, error) {
	const q = `
		SELECT r.id, r.title, r.ingredients, r.steps, r.photo_url, r.created_at, r.owner_id, 1
		FROM liked_recipes l
		JOIN recipes r ON r.id = l.recipe_id
		WHERE l.user_id = ?
		ORDER BY r.id`
	recipes, err := queryRecipes(ctx, s.db, q, userID)
	if err != nil {
		return nil, fault("get liked recipes", err)
	}
	return recipes, nil
}

// DanglingLikes returns relation ids for userID whose recipe is not cached.
func (s *Store) DanglingLikes(ctx context.Context, userID string) ([]int64, error) {
	const q = `
		SELECT l.recipe_id
		FROM liked_recipes l
		LEFT JOIN recipes r ON r.id = l.recipe_id
		WHERE l.user_id = ? AND r.id IS NULL
		ORDER BY l.recipe_id`
	ids, err := queryIDs(ctx, s.db, q, userID)
	if err != nil {
		return nil, fault("get dangling likes", err)
	}
	return ids, nil
}

func replaceLikedRows(ctx context.Context, tx dbtx, userID string, ids []int64) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM liked_recipes WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("clearing liked rows for %q: %w", userID, err)
	}
	for _, id := range ids {
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO liked_recipes (recipe_id, user_id) VALUES (?, ?)`, id, userID)
		if err != nil {
			return fmt.Errorf("inserting liked row %d for %q: %w", id, userID, err)
		}
	}
	return nil
}
