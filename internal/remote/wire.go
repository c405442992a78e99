package remote

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/njoerd114/recipesync/internal/model"
)

// Service paths.
const (
	pathRecipes      = "/recipes"
	pathLikedRecipes = "/recipes/liked"
	pathLike         = "/like"
	pathAddRecipe    = "/recipes/add"
	pathUpdateRecipe = "/recipes/update/"
)

// Request headers.
const (
	headerUserID     = "X-User-ID"
	headerPermission = "X-User-Permission"
	headerRequestID  = "X-Request-ID"
)

// envelope is the JSON body of every service response.
type envelope struct {
	Success bool          `json:"success"`
	Message string        `json:"message"`
	Count   int           `json:"count"`
	Recipes *[]wireRecipe `json:"recipes"`
	Recipe  *wireRecipe   `json:"recipe"`
}

// wireRecipe is a recipe as the service sends and receives it.
type wireRecipe struct {
	ID           int64        `json:"id"`
	Title        string       `json:"title"`
	Ingredients  string       `json:"ingredients"`
	Instructions instructions `json:"instructions"`
	CreatedAt    string       `json:"created_at,omitempty"`
	UserID       looseString  `json:"userId,omitempty"`
	LegacyUserID looseString  `json:"user_id,omitempty"`
	Photo        string       `json:"photo,omitempty"`
}

type wireStep struct {
	Number      int    `json:"number"`
	Instruction string `json:"instruction"`
	URL         string `json:"url,omitempty"`
}

// instructions accepts either a list of steps or, from older servers, a
// single string with one step per line.
type instructions []wireStep

func (in *instructions) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*in = nil
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var text string
		if err := json.Unmarshal(b, &text); err != nil {
			return err
		}
		var steps []wireStep
		for _, line := range strings.Split(text, "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			steps = append(steps, wireStep{Number: len(steps) + 1, Instruction: line})
		}
		*in = steps
		return nil
	}
	var steps []wireStep
	if err := json.Unmarshal(b, &steps); err != nil {
		return err
	}
	*in = steps
	return nil
}

// looseString decodes a JSON string or number into a string. User ids come
// back in either form depending on the endpoint.
type looseString string

func (s *looseString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		*s = ""
	case len(b) > 0 && b[0] == '"':
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = looseString(v)
	default:
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("user id: %w", err)
		}
		*s = looseString(n.String())
	}
	return nil
}

// likeBody is the payload of POST and DELETE /like.
type likeBody struct {
	RecipeID int64  `json:"recipeId"`
	UserID   string `json:"userId"`
}

// wireToRecipe converts a service recipe to a [model.Recipe] with steps in
// ascending order.
func wireToRecipe(w wireRecipe) model.Recipe {
	owner := string(w.UserID)
	if owner == "" {
		owner = string(w.LegacyUserID)
	}
	r := model.Recipe{
		ID:          w.ID,
		Title:       w.Title,
		Ingredients: w.Ingredients,
		PhotoURL:    w.Photo,
		CreatedAt:   w.CreatedAt,
		OwnerID:     owner,
	}
	if len(w.Instructions) > 0 {
		r.Steps = make([]model.Step, 0, len(w.Instructions))
		for _, s := range w.Instructions {
			r.Steps = append(r.Steps, model.Step{Number: s.Number, Instruction: s.Instruction, MediaURL: s.URL})
		}
		r.SortSteps()
	}
	return r
}

func wireToRecipes(ws []wireRecipe) []model.Recipe {
	out := make([]model.Recipe, 0, len(ws))
	for _, w := range ws {
		out = append(out, wireToRecipe(w))
	}
	return out
}

// recipeToWire builds the create/update payload. A created recipe is owned by
// the acting user unless set; an update without an owner omits the field.
func recipeToWire(r *model.Recipe, op model.MutationOp, actor model.Actor) wireRecipe {
	owner := r.OwnerID
	if owner == "" && op == model.OpCreate {
		owner = actor.UserID
	}
	w := wireRecipe{
		ID:          r.ID,
		Title:       r.Title,
		Ingredients: r.Ingredients,
		CreatedAt:   r.CreatedAt,
		UserID:      looseString(owner),
		Photo:       r.PhotoURL,
	}
	w.Instructions = make(instructions, 0, len(r.Steps))
	for _, s := range r.Steps {
		w.Instructions = append(w.Instructions, wireStep{Number: s.Number, Instruction: s.Instruction, URL: s.MediaURL})
	}
	return w
}

func recipePath(id int64) string {
	return pathRecipes + "/" + strconv.FormatInt(id, 10)
}
