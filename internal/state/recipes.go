package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/njoerd114/recipesync/internal/model"
)

const selectRecipe = `
	SELECT r.id, r.title, r.ingredients, r.steps, r.photo_url, r.created_at, r.owner_id,
	       EXISTS (SELECT 1 FROM liked_recipes l WHERE l.recipe_id = r.id AND l.user_id = ?)
	FROM recipes r`

const upsertRecipe = `
	INSERT INTO recipes (id, title, ingredients, steps, photo_url, created_at, owner_id)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
	    title       = excluded.title,
	    ingredients = excluded.ingredients,
	    steps       = excluded.steps,
	    photo_url   = excluded.photo_url,
	    created_at  = excluded.created_at,
	    owner_id    = excluded.owner_id`

// UpsertAll makes the recipe table mirror recipes in a single transaction:
// every recipe is written as a full row replace, and any stored id absent from
// recipes is deleted. Concurrent readers see either the old or the new set.
// An empty slice clears the table.
func (s *Store) UpsertAll(ctx context.Context, recipes []model.Recipe) error {
	keep := make(map[int64]struct{}, len(recipes))
	err := s.withTx(ctx, func(tx dbtx) error {
		for i := range recipes {
			if err := putRecipe(ctx, tx, &recipes[i]); err != nil {
				return err
			}
			keep[recipes[i].ID] = struct{}{}
		}

		ids, err := queryIDs(ctx, tx, `SELECT id FROM recipes`)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if _, ok := keep[id]; ok {
				continue
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM recipes WHERE id = ?`, id); err != nil {
				return fmt.Errorf("deleting stale recipe id=%d: %w", id, err)
			}
		}
		return nil
	})
	if err != nil {
		return fault("upsert all recipes", err)
	}
	s.pub.Publish(model.Items().Key())
	s.pub.PublishPrefix(likedPrefix)
	return nil
}

// UpsertRecipe inserts or fully replaces a single recipe.
func (s *Store) UpsertRecipe(ctx context.Context, r *model.Recipe) error {
	if err := putRecipe(ctx, s.db, r); err != nil {
		return fault("upsert recipe", err)
	}
	s.pub.Publish(model.Items().Key())
	s.pub.PublishPrefix(likedPrefix)
	return nil
}

// GetAll returns every cached recipe ordered by id. Liked is set for recipes
// that viewerID likes; an empty viewerID leaves it false.
func (s *Store) GetAll(ctx context.Context, viewerID string) ([]model.Recipe, error) {
	recipes, err := queryRecipes(ctx, s.db, selectRecipe+` ORDER BY r.id`, viewerID)
	if err != nil {
		return nil, fault("get all recipes", err)
	}
	return recipes, nil
}

// GetByID returns the recipe with the given id, or (nil, nil) if it is not
// cached.
func (s *Store) GetByID(ctx context.Context, id int64, viewerID string) (*model.Recipe, error) {
	row := s.db.QueryRowContext(ctx, selectRecipe+` WHERE r.id = ?`, viewerID, id)
	r, err := scanRecipe(row)
	if err == sql.ErrNoRows {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fault("get recipe", err)
	}
	return r, nil
}

// Search returns cached recipes whose title contains query, ignoring case.
// Matching happens in Go rather than with LIKE because SQLite only folds
// ASCII case and recipe titles are frequently Cyrillic.
func (s *Store) Search(ctx context.Context, query, viewerID string) ([]model.Recipe, error) {
	all, err := s.GetAll(ctx, viewerID)
	if err != nil {
		return nil, err
	}
	var hits []model.Recipe
	for i := range all {
		if all[i].MatchesTitle(query) {
			hits = append(hits, all[i])
		}
	}
	return hits, nil
}

// Delete removes the recipe. Liked rows referencing it are left in place.
func (s *Store) Delete(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM recipes WHERE id = ?`, id); err != nil {
		return fault(fmt.Sprintf("delete recipe id=%d", id), err)
	}
	s.pub.Publish(model.Items().Key())
	s.pub.PublishPrefix(likedPrefix)
	return nil
}

// Count returns the number of cached recipes.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM recipes`).Scan(&n); err != nil {
		return 0, fault("count recipes", err)
	}
	return n, nil
}

// --- helpers -----------------------------------------------------------------

func putRecipe(ctx context.Context, db dbtx, r *model.Recipe) error {
	steps := r.Steps
	if steps == nil {
		steps = []model.Step{}
	}
	b, err := json.Marshal(steps)
	if err != nil {
		return fmt.Errorf("encoding steps of recipe id=%d: %w", r.ID, err)
	}
	_, err = db.ExecContext(ctx, upsertRecipe,
		r.ID, r.Title, r.Ingredients, string(b), r.PhotoURL, r.CreatedAt, r.OwnerID)
	if err != nil {
		return fmt.Errorf("upserting recipe id=%d: %w", r.ID, err)
	}
	return nil
}

// scanner matches both *sql.Row and *sql.Rows so scanRecipe can be reused.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecipe(s scanner) (*model.Recipe, error) {
	var r model.Recipe
	var steps string
	err := s.Scan(&r.ID, &r.Title, &r.Ingredients, &steps, &r.PhotoURL, &r.CreatedAt, &r.OwnerID, &r.Liked)
	if err != nil {
		return nil, err
	}
	if steps != "" {
		if err := json.Unmarshal([]byte(steps), &r.Steps); err != nil {
			return nil, fmt.Errorf("decoding steps of recipe id=%d: %w", r.ID, err)
		}
	}
	return &r, nil
}

func queryRecipes(ctx context.Context, db dbtx, q string, args ...any) ([]model.Recipe, error) {
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	recipes := []model.Recipe{}
	for rows.Next() {
		r, err := scanRecipe(rows)
		if err != nil {
			return nil, err
		}
		recipes = append(recipes, *r)
	}
	return recipes, rows.Err()
}

func queryIDs(ctx context.Context, db dbtx, q string, args ...any) ([]int64, error) {
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
