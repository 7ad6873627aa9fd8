// Package relational adapts a PostgREST-compatible relational backend with
// a Phoenix-channel realtime endpoint to the remote.Backend contract.
package relational

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	apperrors "github.com/kimhsiao/statsync/internal/errors"
	"github.com/kimhsiao/statsync/internal/logging"
	"github.com/kimhsiao/statsync/internal/models"
	"github.com/kimhsiao/statsync/internal/sync/remote"
)

// DefaultName is the backend name used in target lists.
const DefaultName = "relational"

const (
	defaultTimeout      = 15 * time.Second
	defaultSchema       = "public"
	maxErrorBody        = 4 << 10
	defaultReconnectMin = time.Second
	defaultReconnectMax = time.Minute
)

// Options configures a Client.
type Options struct {
	Name        string
	URL         string
	APIKey      string
	Schema      string
	RealtimeURL string
	Timeout     time.Duration

	// Reconnect bounds for the realtime feed.
	ReconnectMin time.Duration
	ReconnectMax time.Duration

	HTTPClient *http.Client
	Logger     *logging.Logger
}

// Client talks to the REST and realtime endpoints of one project.
type Client struct {
	name         string
	baseURL      *url.URL
	apiKey       string
	schema       string
	realtimeURL  string
	http         *http.Client
	reconnectMin time.Duration
	reconnectMax time.Duration
	heartbeat    time.Duration
	logger       *logging.Logger
}

var (
	_ remote.Backend = (*Client)(nil)
	_ remote.Pinger  = (*Client)(nil)
)

// New validates opts and creates a Client.
func New(opts Options) (*Client, error) {
	if opts.URL == "" {
		return nil, apperrors.New(apperrors.ErrSyncNotConfigured, "relational backend url is required")
	}
	base, err := url.Parse(strings.TrimRight(opts.URL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, apperrors.Newf(apperrors.ErrInvalid, "invalid relational backend url %q", opts.URL)
	}
	if opts.Name == "" {
		opts.Name = DefaultName
	}
	if opts.Schema == "" {
		opts.Schema = defaultSchema
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.ReconnectMin <= 0 {
		opts.ReconnectMin = defaultReconnectMin
	}
	if opts.ReconnectMax < opts.ReconnectMin {
		opts.ReconnectMax = max(defaultReconnectMax, opts.ReconnectMin)
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}

	realtime := opts.RealtimeURL
	if realtime == "" {
		realtime = defaultRealtimeURL(base)
	}

	return &Client{
		name:         opts.Name,
		baseURL:      base,
		apiKey:       opts.APIKey,
		schema:       opts.Schema,
		realtimeURL:  realtime,
		http:         opts.HTTPClient,
		reconnectMin: opts.ReconnectMin,
		reconnectMax: opts.ReconnectMax,
		heartbeat:    heartbeatInterval,
		logger:       opts.Logger.With("relational"),
	}, nil
}

func defaultRealtimeURL(base *url.URL) string {
	u := *base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/realtime/v1/websocket"
	u.RawQuery = url.Values{"vsn": {"1.0.0"}}.Encode()
	return u.String()
}

// Name implements remote.Backend.
func (c *Client) Name() string { return c.name }

func (c *Client) tableURL(table string, query url.Values) string {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + "/rest/v1/" + url.PathEscape(table)
	u.RawQuery = query.Encode()
	return u.String()
}

func (c *Client) newRequest(ctx context.Context, method, target string, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrInvalid, "encode request body", err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, r)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "build request", err)
	}
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if method == http.MethodGet {
		req.Header.Set("Accept-Profile", c.schema)
	} else {
		req.Header.Set("Content-Profile", c.schema)
	}
	return req, nil
}

// do sends req. 2xx responses and the statuses in ok succeed; other 4xx
// responses are permanent rejections; everything else is retryable.
func (c *Client) do(req *http.Request, out any, ok ...int) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrSyncFailed, fmt.Sprintf("%s %s", req.Method, req.URL.Path),
			fmt.Errorf("%w: %v", remote.ErrUnavailable, err))
	}
	defer resp.Body.Close()

	success := resp.StatusCode >= 200 && resp.StatusCode < 300
	for _, code := range ok {
		if resp.StatusCode == code {
			success = true
		}
	}
	if !success {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		detail := fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		code := apperrors.ErrSyncFailed
		if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
			resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
			code = apperrors.ErrSyncRejected
		}
		return apperrors.Wrap(code, fmt.Sprintf("%s %s", req.Method, req.URL.Path), detail)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperrors.Wrap(apperrors.ErrSyncFailed, "decode response", err)
	}
	return nil
}

// Upsert implements remote.Backend with an insert that merges on the
// primary key, so replays are idempotent.
func (c *Client) Upsert(ctx context.Context, table string, e *models.Entity) error {
	if e == nil || e.ID == "" {
		return apperrors.New(apperrors.ErrInvalid, "entity id is required")
	}
	req, err := c.newRequest(ctx, http.MethodPost,
		c.tableURL(table, url.Values{"on_conflict": {models.FieldID}}),
		[]map[string]any{e.ToMap()})
	if err != nil {
		return err
	}
	req.Header.Set("Prefer", "resolution=merge-duplicates,return=minimal")
	return c.do(req, nil)
}

// Delete implements remote.Backend. A missing row is not an error.
func (c *Client) Delete(ctx context.Context, table, id string) error {
	req, err := c.newRequest(ctx, http.MethodDelete,
		c.tableURL(table, url.Values{models.FieldID: {"eq." + id}}), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Prefer", "return=minimal")
	return c.do(req, nil, http.StatusNotFound)
}

// Fetch implements remote.Backend.
func (c *Client) Fetch(ctx context.Context, table, id string) (*models.Entity, error) {
	req, err := c.newRequest(ctx, http.MethodGet,
		c.tableURL(table, url.Values{models.FieldID: {"eq." + id}, "select": {"*"}}), nil)
	if err != nil {
		return nil, err
	}
	var rows []map[string]any
	if err := c.do(req, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, models.ErrNotFound
	}
	e, err := models.EntityFromMap(rows[0])
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSyncFailed, fmt.Sprintf("decode %s/%s", table, id), err)
	}
	return e, nil
}

// Ping implements remote.Pinger. Any answer below 500 counts as reachable.
func (c *Client) Ping(ctx context.Context) error {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + "/rest/v1/"
	req, err := c.newRequest(ctx, http.MethodHead, u.String(), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w: %v", c.name, remote.ErrUnavailable, err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%s: %w: status %d", c.name, remote.ErrUnavailable, resp.StatusCode)
	}
	return nil
}
