// Package remote is the HTTP client for the recipe collection service. It
// fetches the full collection and a user's liked recipes, and performs recipe
// and like mutations.
//
// Requests go through a [retryablehttp.Client] configured with at most three
// attempts and linear backoff. Only transport failures, timeouts and 5xx
// responses are retried. Every failure is returned as a [*syncerr.Error].
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/njoerd114/recipesync/internal/model"
	"github.com/njoerd114/recipesync/internal/syncerr"
)

// Default per-attempt timeouts.
const (
	DefaultConnectTimeout        = 15 * time.Second
	DefaultTLSHandshakeTimeout   = 10 * time.Second
	DefaultResponseHeaderTimeout = 20 * time.Second
	DefaultRequestTimeout        = 30 * time.Second
)

// maxBodyBytes caps how much of a response body is read.
const maxBodyBytes = 16 << 20

// doer is the subset of [retryablehttp.Client] used by [Client].
type doer interface {
	Do(*retryablehttp.Request) (*http.Response, error)
}

var _ doer = (*retryablehttp.Client)(nil)

// Options configures a [Client]. Zero durations and counts take defaults.
type Options struct {
	// BaseURL is the service root, e.g. "https://recipes.example.com".
	BaseURL string

	ConnectTimeout        time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration

	// RequestTimeout bounds one attempt end to end, including the body.
	RequestTimeout time.Duration

	// MaxAttempts is the total number of tries, default 3.
	MaxAttempts int

	// BackoffUnit is the wait before the first retry; the n-th retry waits
	// n*BackoffUnit. Default 1s.
	BackoffUnit time.Duration

	Logger *slog.Logger
}

// Client talks to the recipe service. It is safe for concurrent use; all
// requests share one pooled transport.
type Client struct {
	baseURL string
	http    doer
	log     *slog.Logger
}

// New builds a Client from opts.
func New(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing server url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("server url %q must use http or https", opts.BaseURL)
	}
	if base.Host == "" {
		return nil, fmt.Errorf("server url %q has no host", opts.BaseURL)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	transport := cleanhttp.DefaultPooledTransport()
	transport.DialContext = (&net.Dialer{
		Timeout:   orDefault(opts.ConnectTimeout, DefaultConnectTimeout),
		KeepAlive: 30 * time.Second,
	}).DialContext
	transport.TLSHandshakeTimeout = orDefault(opts.TLSHandshakeTimeout, DefaultTLSHandshakeTimeout)
	transport.ResponseHeaderTimeout = orDefault(opts.ResponseHeaderTimeout, DefaultResponseHeaderTimeout)

	attempts := opts.MaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}

	rc := retryablehttp.NewClient()
	rc.HTTPClient = &http.Client{
		Transport: transport,
		Timeout:   orDefault(opts.RequestTimeout, DefaultRequestTimeout),
	}
	rc.RetryMax = attempts - 1
	rc.CheckRetry = checkRetry
	rc.Backoff = linearBackoff(orDefault(opts.BackoffUnit, defaultBackoffUnit))
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.Logger = logger

	return &Client{
		baseURL: base.String(),
		http:    rc,
		log:     logger,
	}, nil
}

// FetchCollection returns every recipe on the server.
func (c *Client) FetchCollection(ctx context.Context) ([]model.Recipe, error) {
	const op = "fetch collection"
	env, err := c.do(ctx, op, http.MethodGet, pathRecipes, nil, nil)
	if err != nil {
		return nil, err
	}
	if env.Recipes == nil {
		return nil, syncerr.New(syncerr.MalformedResponse, op, "response has no recipes array")
	}
	return wireToRecipes(*env.Recipes), nil
}

// FetchLiked returns the recipes userID likes, with full payloads.
func (c *Client) FetchLiked(ctx context.Context, userID string) ([]model.Recipe, error) {
	const op = "fetch liked"
	path := pathLikedRecipes + "?" + url.Values{"userId": {userID}}.Encode()
	env, err := c.do(ctx, op, http.MethodGet, path, nil, &model.Actor{UserID: userID})
	if err != nil {
		return nil, err
	}
	if env.Recipes == nil {
		return nil, syncerr.New(syncerr.MalformedResponse, op, "response has no recipes array")
	}
	return wireToRecipes(*env.Recipes), nil
}

// MutateLiked records (liked=true) or removes a like on the server.
func (c *Client) MutateLiked(ctx context.Context, recipeID int64, userID string, liked bool) error {
	method, op := http.MethodPost, "like recipe"
	if !liked {
		method, op = http.MethodDelete, "unlike recipe"
	}
	body := likeBody{RecipeID: recipeID, UserID: userID}
	_, err := c.do(ctx, op, method, pathLike, body, &model.Actor{UserID: userID})
	return err
}

// MutateRecipe creates, updates or deletes a recipe as actor. It returns the
// recipe echoed by the server, or nil if the response carried none.
func (c *Client) MutateRecipe(ctx context.Context, op model.MutationOp, payload *model.Recipe, actor model.Actor) (*model.Recipe, error) {
	opName := op.String() + " recipe"
	if payload == nil {
		return nil, syncerr.New(syncerr.ClientFault, opName, "no recipe given")
	}

	var (
		method string
		path   string
		body   any
	)
	switch op {
	case model.OpCreate:
		method, path, body = http.MethodPost, pathAddRecipe, recipeToWire(payload, op, actor)
	case model.OpUpdate:
		if payload.ID == 0 {
			return nil, syncerr.New(syncerr.ClientFault, opName, "update requires a recipe id")
		}
		method, path, body = http.MethodPut, pathUpdateRecipe+strconv.FormatInt(payload.ID, 10), recipeToWire(payload, op, actor)
	case model.OpDelete:
		if payload.ID == 0 {
			return nil, syncerr.New(syncerr.ClientFault, opName, "delete requires a recipe id")
		}
		method, path = http.MethodDelete, recipePath(payload.ID)
	default:
		return nil, syncerr.New(syncerr.ClientFault, opName, "unknown mutation")
	}

	env, err := c.do(ctx, opName, method, path, body, &actor)
	if err != nil {
		return nil, err
	}
	if env.Recipe == nil {
		return nil, nil //nolint:nilnil // intentional: server did not echo the recipe
	}
	r := wireToRecipe(*env.Recipe)
	return &r, nil
}

// do sends one logical request (with retries) and decodes the envelope.
func (c *Client) do(ctx context.Context, op, method, path string, body any, actor *model.Actor) (*envelope, error) {
	var raw []byte
	if body != nil {
		var err error
		if raw, err = json.Marshal(body); err != nil {
			return nil, syncerr.Wrap(syncerr.ClientFault, op, fmt.Errorf("encoding request: %w", err))
		}
	}

	var reqBody any
	if raw != nil {
		reqBody = raw
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.ClientFault, op, fmt.Errorf("creating request: %w", err))
	}
	requestID := uuid.NewString()
	req.Header.Set("Accept", "application/json")
	req.Header.Set(headerRequestID, requestID)
	if raw != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if actor != nil && actor.UserID != "" {
		req.Header.Set(headerUserID, actor.UserID)
		if actor.Permission != 0 {
			req.Header.Set(headerPermission, strconv.Itoa(int(actor.Permission)))
		}
	}

	c.log.Debug("remote request", "op", op, "method", method, "path", path, "request_id", requestID)

	// The passthrough error handler can return a response alongside an error.
	resp, err := c.http.Do(req)
	if resp != nil {
		defer func() { _ = resp.Body.Close() }()
	}
	if err != nil {
		return nil, classifyTransport(op, err)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, classifyTransport(op, err)
	}

	var env envelope
	decodeErr := json.Unmarshal(data, &env)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := env.Message
		if decodeErr != nil || msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		c.log.Warn("remote request failed",
			"op", op, "status", resp.StatusCode, "request_id", requestID, "message", msg)
		return nil, syncerr.FromStatus(op, resp.StatusCode, msg)
	}

	if decodeErr != nil {
		return nil, syncerr.Wrap(syncerr.MalformedResponse, op, fmt.Errorf("decoding response: %w", decodeErr))
	}
	if !env.Success {
		msg := env.Message
		if msg == "" {
			msg = "success flag not set"
		}
		return nil, syncerr.New(syncerr.MalformedResponse, op, msg)
	}
	return &env, nil
}

// classifyTransport maps an error from the HTTP stack to a syncerr kind.
// Cancellation by the caller keeps kind Unknown so errors.Is(err,
// context.Canceled) stays the meaningful test.
func classifyTransport(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return syncerr.Wrap(syncerr.Unknown, op, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return syncerr.Wrap(syncerr.Timeout, op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return syncerr.Wrap(syncerr.Timeout, op, err)
	}
	return syncerr.Wrap(syncerr.NetworkUnavailable, op, err)
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
