package rpcclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/websocket"

	"github.com/rennerdo30/tunnelguard/internal/logging"
	"github.com/rennerdo30/tunnelguard/internal/settings"
	"github.com/rennerdo30/tunnelguard/internal/tunnel"
)

type wireFrame struct {
	Type     string          `json:"type"`
	Sequence uint64          `json:"sequence"`
	Data     json.RawMessage `json:"data"`
}

// SubscribeState calls fn with every state the daemon publishes, starting
// with the current one. It reconnects with backoff until ctx is done and
// returns ctx.Err().
func (c *Client) SubscribeState(ctx context.Context, fn func(tunnel.State)) error {
	return c.subscribe(ctx, "state", MethodSubscribeState, stateShape, func(v any) error {
		var s tunnel.State
		if err := decodeInto(MethodSubscribeState, v, &s); err != nil {
			return err
		}
		c.mu.Lock()
		c.state = &s
		c.mu.Unlock()
		fn(s)
		return nil
	})
}

// SubscribeSettings is SubscribeState for settings snapshots.
func (c *Client) SubscribeSettings(ctx context.Context, fn func(settings.Settings)) error {
	return c.subscribe(ctx, "settings", MethodSubscribeSettings, settingsShape, func(v any) error {
		var s settings.Settings
		if err := decodeInto(MethodSubscribeSettings, v, &s); err != nil {
			return err
		}
		c.mu.Lock()
		cp := s.Clone()
		c.settings = &cp
		c.mu.Unlock()
		fn(s)
		return nil
	})
}

func (c *Client) subscribe(ctx context.Context, topic, method string, data shape, deliver func(any) error) error {
	var attempt uint32
	for {
		opened, err := c.runSubscription(ctx, topic, method, data, deliver)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if opened {
			attempt = 0
			c.notify(func(o Observer) { o.OnClose(topic, err) })
		}
		delay := c.reconnect.Nominal(attempt)
		attempt++
		c.log.Debug("subscription lost", "topic", topic, "error", err, "retry_in", delay)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// runSubscription holds one websocket until it fails. opened reports
// whether the channel was established.
func (c *Client) runSubscription(ctx context.Context, topic, method string, data shape, deliver func(any) error) (opened bool, err error) {
	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/api/v1/subscribe/" + topic
	cfg, err := websocket.NewConfig(wsURL, "http://localhost/")
	if err != nil {
		return false, fmt.Errorf("%s: %w", method, err)
	}
	if c.token != "" {
		cfg.Header = http.Header{"Authorization": {"Bearer " + c.token}}
	}
	ws, err := cfg.DialContext(ctx)
	if err != nil {
		return false, &TransportError{Method: method, Err: err}
	}
	defer ws.Close()

	stop := context.AfterFunc(ctx, func() { ws.Close() })
	defer stop()

	c.notify(func(o Observer) { o.OnOpen(topic) })

	var last uint64
	for {
		var payload []byte
		if err := websocket.Message.Receive(ws, &payload); err != nil {
			return true, &TransportError{Method: method, Err: err}
		}
		v, err := validate(method, frameShape, payload)
		if err != nil {
			return true, err
		}
		var f wireFrame
		if err := json.Unmarshal(payload, &f); err != nil {
			return true, &ParseError{Method: method, Payload: payload, Reason: err.Error()}
		}
		if f.Type != topic {
			return true, &ParseError{Method: method, Payload: payload, Reason: "frame for topic " + f.Type}
		}
		// A gap means frames were lost; reconnecting resynchronizes with a
		// fresh snapshot.
		if last != 0 && f.Sequence != last+1 {
			return true, &ParseError{Method: method, Payload: payload,
				Reason: fmt.Sprintf("sequence %d after %d", f.Sequence, last)}
		}
		last = f.Sequence

		body := v.(map[string]any)["data"]
		if err := data("$.data", body); err != nil {
			return true, &ParseError{Method: method, Payload: payload, Reason: err.Error()}
		}
		func() {
			defer logging.Recover(c.log, "subscription callback")
			err = deliver(body)
		}()
		if err != nil {
			return true, err
		}
	}
}
