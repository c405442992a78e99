package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// EventNewRecipe is the push event announcing a recipe added on the server.
const EventNewRecipe = "new_recipe"

const (
	pushHandshakeTimeout = 10 * time.Second
	pushMinReconnect     = time.Second
	pushMaxReconnect     = time.Minute
)

// pushEvent is one WebSocket frame from the push channel.
type pushEvent struct {
	Event    string `json:"event"`
	RecipeID int64  `json:"recipeId"`
}

// PushListener holds a WebSocket connection to the service's push channel
// and reports "new recipe available" events. It reconnects with doubling
// delays until its context is cancelled.
type PushListener struct {
	url    string
	header http.Header
	dialer *websocket.Dialer
	log    *slog.Logger

	minReconnect time.Duration
}

// NewPushListener returns a listener for the ws:// or wss:// endpoint
// pushURL. userID, if set, is sent in the X-User-ID handshake header.
func NewPushListener(pushURL, userID string, logger *slog.Logger) (*PushListener, error) {
	u, err := url.Parse(pushURL)
	if err != nil {
		return nil, fmt.Errorf("parsing push url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("push url %q must use ws or wss", pushURL)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	header := http.Header{}
	if userID != "" {
		header.Set(headerUserID, userID)
	}
	return &PushListener{
		url:    u.String(),
		header: header,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: pushHandshakeTimeout,
		},
		log:          logger,
		minReconnect: pushMinReconnect,
	}, nil
}

// Listen calls onNewRecipe for every new_recipe event until ctx is
// cancelled. Other events are ignored. Connection failures are logged and
// retried. Listen returns nil once ctx is done.
func (p *PushListener) Listen(ctx context.Context, onNewRecipe func(recipeID int64)) error {
	delay := p.minReconnect
	for {
		connected, err := p.session(ctx, onNewRecipe)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			delay = p.minReconnect
		}
		p.log.Warn("push channel disconnected", "error", err, "retry_in", delay)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay *= 2
		if delay > pushMaxReconnect {
			delay = pushMaxReconnect
		}
	}
}

// session runs one connection until it fails. connected reports whether the
// handshake succeeded.
func (p *PushListener) session(ctx context.Context, onNewRecipe func(int64)) (connected bool, err error) {
	conn, resp, err := p.dialer.DialContext(ctx, p.url, p.header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return false, fmt.Errorf("dialing push channel: %w", err)
	}
	p.log.Info("push channel connected", "url", p.url)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = conn.Close()
		case <-done:
			_ = conn.Close()
		}
	}()

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("reading push channel: %w", err)
		}
		var ev pushEvent
		if err := json.Unmarshal(frame, &ev); err != nil {
			p.log.Debug("ignoring undecodable push frame", "error", err)
			continue
		}
		if ev.Event != EventNewRecipe {
			p.log.Debug("ignoring push event", "event", ev.Event)
			continue
		}
		p.log.Debug("push event", "event", ev.Event, "recipe_id", ev.RecipeID)
		onNewRecipe(ev.RecipeID)
	}
}
