package document

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"

	"github.com/kimhsiao/statsync/internal/sync/remote"
)

const (
	keepaliveInterval = 30 * time.Second
	feedBuffer        = 64
	maxFrameBytes     = 4 << 20
)

// Change kinds reported by the feed.
const (
	changeAdded    = "added"
	changeModified = "modified"
	changeRemoved  = "removed"
)

type listenRequest struct {
	Action     string `json:"action"`
	Collection string `json:"collection"`
}

type feedFrame struct {
	Type     string        `json:"type"`
	Document *wireDocument `json:"document,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// Subscribe implements remote.Backend. The feed reconnects with
// exponential backoff until ctx is done.
func (c *Client) Subscribe(ctx context.Context, table string) (<-chan remote.ChangeEvent, error) {
	out := make(chan remote.ChangeEvent, feedBuffer)
	go c.runFeed(ctx, table, out)
	return out, nil
}

func (c *Client) runFeed(ctx context.Context, table string, out chan<- remote.ChangeEvent) {
	defer close(out)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.reconnectMin
	b.MaxInterval = c.reconnectMax

	for {
		listening, err := c.listen(ctx, table, out)
		if ctx.Err() != nil {
			return
		}
		if listening {
			b.Reset()
		}
		wait := b.NextBackOff()
		c.logger.Warn("Change feed disconnected, reconnecting", map[string]interface{}{
			"collection": table,
			"error":      fmt.Sprint(err),
			"wait":       wait.String(),
		})

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// listen runs one connection until it fails and reports whether the
// listen request was accepted.
func (c *Client) listen(ctx context.Context, table string, out chan<- remote.ChangeEvent) (bool, error) {
	target, err := url.Parse(c.feedURL)
	if err != nil {
		return false, fmt.Errorf("invalid feed url: %w", err)
	}
	if c.apiKey != "" {
		q := target.Query()
		q.Set("key", c.apiKey)
		target.RawQuery = q.Encode()
	}

	conn, _, err := websocket.Dial(ctx, target.String(), nil)
	if err != nil {
		return false, err
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxFrameBytes)

	req, _ := json.Marshal(listenRequest{Action: "listen", Collection: table})
	if err := conn.Write(ctx, websocket.MessageText, req); err != nil {
		return false, fmt.Errorf("listen %s: %w", table, err)
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		ticker := time.NewTicker(c.keepalive)
		defer ticker.Stop()
		for {
			select {
			case <-connCtx.Done():
				return
			case <-ticker.C:
				pingCtx, stop := context.WithTimeout(connCtx, c.keepalive)
				err := conn.Ping(pingCtx)
				stop()
				if err != nil {
					conn.CloseNow()
					return
				}
			}
		}
	}()

	listening := false
	for {
		_, data, err := conn.Read(connCtx)
		if err != nil {
			return listening, err
		}
		var frame feedFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn("Dropping undecodable feed frame", map[string]interface{}{
				"collection": table,
				"error":      err.Error(),
			})
			continue
		}

		var typ remote.ChangeType
		switch frame.Type {
		case "listening":
			listening = true
			c.logger.Info("Change feed listening", map[string]interface{}{"collection": table})
			continue
		case "error":
			conn.Close(websocket.StatusNormalClosure, "")
			return listening, fmt.Errorf("feed error: %s", frame.Error)
		case changeAdded:
			typ = remote.ChangeInsert
		case changeModified:
			typ = remote.ChangeUpdate
		case changeRemoved:
			typ = remote.ChangeDelete
		default:
			continue
		}

		if frame.Document == nil {
			continue
		}
		e, err := decodeDocument(*frame.Document)
		if err != nil {
			c.logger.Warn("Dropping undecodable document", map[string]interface{}{
				"collection": table,
				"error":      err.Error(),
			})
			continue
		}
		ev := remote.ChangeEvent{
			Backend:    c.name,
			Table:      table,
			Type:       typ,
			Record:     e,
			ReceivedAt: time.Now(),
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			return listening, ctx.Err()
		}
	}
}
