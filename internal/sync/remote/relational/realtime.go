package relational

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"github.com/kimhsiao/statsync/internal/models"
	"github.com/kimhsiao/statsync/internal/sync/remote"
)

const (
	heartbeatInterval = 25 * time.Second
	writeTimeout      = 10 * time.Second
	feedBuffer        = 64

	eventJoin      = "phx_join"
	eventReply     = "phx_reply"
	eventError     = "phx_error"
	eventClose     = "phx_close"
	eventHeartbeat = "heartbeat"
	eventChanges   = "postgres_changes"
)

// phxMessage is one Phoenix channel frame.
type phxMessage struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
}

type replyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type changeData struct {
	Type      string         `json:"type"`
	Record    map[string]any `json:"record"`
	OldRecord map[string]any `json:"old_record"`
}

// Subscribe implements remote.Backend. The feed reconnects with
// exponential backoff until ctx is done.
func (c *Client) Subscribe(ctx context.Context, table string) (<-chan remote.ChangeEvent, error) {
	out := make(chan remote.ChangeEvent, feedBuffer)
	go c.runFeed(ctx, table, out)
	return out, nil
}

func (c *Client) feedURL() (string, error) {
	u, err := url.Parse(c.realtimeURL)
	if err != nil {
		return "", fmt.Errorf("invalid realtime url: %w", err)
	}
	if c.apiKey != "" {
		q := u.Query()
		q.Set("apikey", c.apiKey)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (c *Client) runFeed(ctx context.Context, table string, out chan<- remote.ChangeEvent) {
	defer close(out)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.reconnectMin
	b.MaxInterval = c.reconnectMax

	for {
		joined, err := c.listen(ctx, table, out)
		if ctx.Err() != nil {
			return
		}
		if joined {
			b.Reset()
		}
		wait := b.NextBackOff()
		c.logger.Warn("Realtime feed disconnected, reconnecting", map[string]interface{}{
			"table": table,
			"error": fmt.Sprint(err),
			"wait":  wait.String(),
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

// listen runs one connection until it fails. It reports whether the join
// succeeded.
func (c *Client) listen(ctx context.Context, table string, out chan<- remote.ChangeEvent) (bool, error) {
	target, err := c.feedURL()
	if err != nil {
		return false, err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		return false, err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	var (
		wmu sync.Mutex
		ref int
	)
	send := func(topic, event string, payload any) (string, error) {
		data, err := json.Marshal(payload)
		if err != nil {
			return "", err
		}
		wmu.Lock()
		defer wmu.Unlock()
		ref++
		msg := phxMessage{Topic: topic, Event: event, Payload: data, Ref: strconv.Itoa(ref)}
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return msg.Ref, conn.WriteJSON(msg)
	}

	topic := fmt.Sprintf("realtime:%s:%s", c.schema, table)
	joinRef, err := send(topic, eventJoin, map[string]any{
		"config": map[string]any{
			"postgres_changes": []map[string]string{
				{"event": "*", "schema": c.schema, "table": table},
			},
		},
		"access_token": c.apiKey,
	})
	if err != nil {
		return false, fmt.Errorf("join %s: %w", topic, err)
	}

	hbCtx, cancelHB := context.WithCancel(ctx)
	defer cancelHB()
	go func() {
		ticker := time.NewTicker(c.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if _, err := send("phoenix", eventHeartbeat, struct{}{}); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	joined := false
	for {
		var msg phxMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return joined, err
		}

		switch msg.Event {
		case eventReply:
			if msg.Ref != joinRef {
				continue
			}
			var reply replyPayload
			if err := json.Unmarshal(msg.Payload, &reply); err != nil {
				return joined, fmt.Errorf("decode join reply: %w", err)
			}
			if reply.Status != "ok" {
				return joined, fmt.Errorf("join %s rejected: %s %s", topic, reply.Status, string(reply.Response))
			}
			joined = true
			c.logger.Info("Realtime feed joined", map[string]interface{}{"topic": topic})

		case eventError, eventClose:
			if msg.Topic == topic {
				return joined, fmt.Errorf("channel %s: %s", topic, msg.Event)
			}

		case eventChanges, "INSERT", "UPDATE", "DELETE":
			if msg.Topic != topic {
				continue
			}
			ev, err := c.decodeChange(table, msg.Event, msg.Payload)
			if err != nil {
				c.logger.Warn("Dropping undecodable change", map[string]interface{}{
					"table": table,
					"error": err.Error(),
				})
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return joined, ctx.Err()
			}
		}
	}
}

// decodeChange accepts both the postgres_changes envelope and the older
// per-event frames.
func (c *Client) decodeChange(table, event string, payload json.RawMessage) (remote.ChangeEvent, error) {
	var wrapped struct {
		Data *changeData `json:"data"`
	}
	if err := json.Unmarshal(payload, &wrapped); err != nil {
		return remote.ChangeEvent{}, err
	}
	data := wrapped.Data
	if data == nil {
		data = &changeData{}
		if err := json.Unmarshal(payload, data); err != nil {
			return remote.ChangeEvent{}, err
		}
		if data.Type == "" {
			data.Type = event
		}
	}

	var typ remote.ChangeType
	record := data.Record
	switch strings.ToUpper(data.Type) {
	case "INSERT":
		typ = remote.ChangeInsert
	case "UPDATE":
		typ = remote.ChangeUpdate
	case "DELETE":
		typ = remote.ChangeDelete
		if len(record) == 0 {
			record = data.OldRecord
		}
	default:
		return remote.ChangeEvent{}, fmt.Errorf("unknown change type %q", data.Type)
	}

	e, err := models.EntityFromMap(record)
	if err != nil {
		return remote.ChangeEvent{}, err
	}
	if e.ID == "" {
		return remote.ChangeEvent{}, fmt.Errorf("%s change without id", typ)
	}
	return remote.ChangeEvent{
		Backend:    c.name,
		Table:      table,
		Type:       typ,
		Record:     e,
		ReceivedAt: time.Now(),
	}, nil
}
