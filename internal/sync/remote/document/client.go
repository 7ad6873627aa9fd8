// Package document adapts a document-store backend (REST documents with
// typed field values, plus a websocket change feed) to the remote.Backend
// contract.
package document

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
const DefaultName = "document"

const (
	defaultTimeout      = 15 * time.Second
	defaultReconnectMin = time.Second
	defaultReconnectMax = time.Minute
	maxErrorBody        = 4 << 10
)

// Options configures a Client.
type Options struct {
	Name      string
	URL       string
	ProjectID string
	APIKey    string
	FeedURL   string
	Timeout   time.Duration

	ReconnectMin time.Duration
	ReconnectMax time.Duration

	HTTPClient *http.Client
	Logger     *logging.Logger
}

// Client talks to one project of the document store.
type Client struct {
	name         string
	baseURL      *url.URL
	project      string
	apiKey       string
	feedURL      string
	http         *http.Client
	reconnectMin time.Duration
	reconnectMax time.Duration
	keepalive    time.Duration
	logger       *logging.Logger
}

var (
	_ remote.Backend = (*Client)(nil)
	_ remote.Pinger  = (*Client)(nil)
)

// New validates opts and creates a Client.
func New(opts Options) (*Client, error) {
	if opts.URL == "" || opts.ProjectID == "" {
		return nil, apperrors.New(apperrors.ErrSyncNotConfigured, "document backend url and project id are required")
	}
	base, err := url.Parse(strings.TrimRight(opts.URL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, apperrors.Newf(apperrors.ErrInvalid, "invalid document backend url %q", opts.URL)
	}
	if opts.Name == "" {
		opts.Name = DefaultName
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
	feed := opts.FeedURL
	if feed == "" {
		u := *base
		if u.Scheme == "https" {
			u.Scheme = "wss"
		} else {
			u.Scheme = "ws"
		}
		u.Path = strings.TrimRight(u.Path, "/") + "/v1/projects/" + url.PathEscape(opts.ProjectID) + "/listen"
		feed = u.String()
	}

	return &Client{
		name:         opts.Name,
		baseURL:      base,
		project:      opts.ProjectID,
		apiKey:       opts.APIKey,
		feedURL:      feed,
		http:         opts.HTTPClient,
		reconnectMin: opts.ReconnectMin,
		reconnectMax: opts.ReconnectMax,
		keepalive:    keepaliveInterval,
		logger:       opts.Logger.With("document"),
	}, nil
}

// Name implements remote.Backend.
func (c *Client) Name() string { return c.name }

func (c *Client) documentsPath() string {
	return strings.TrimRight(c.baseURL.Path, "/") +
		"/v1/projects/" + url.PathEscape(c.project) + "/databases/(default)/documents"
}

func (c *Client) docURL(table, id string) string {
	u := *c.baseURL
	u.Path = c.documentsPath() + "/" + url.PathEscape(table) + "/" + url.PathEscape(id)
	if c.apiKey != "" {
		u.RawQuery = url.Values{"key": {c.apiKey}}.Encode()
	}
	return u.String()
}

// do sends a request. A 404 sets notFound instead of failing.
func (c *Client) do(ctx context.Context, method, target string, body, out any) (notFound bool, err error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return false, apperrors.Wrap(apperrors.ErrInvalid, "encode document", err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, r)
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrInternal, "build request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrSyncFailed, fmt.Sprintf("%s %s", method, req.URL.Path),
			fmt.Errorf("%w: %v", remote.ErrUnavailable, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, resp.Body)
		return true, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		detail := fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		code := apperrors.ErrSyncFailed
		if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
			resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
			code = apperrors.ErrSyncRejected
		}
		return false, apperrors.Wrap(code, fmt.Sprintf("%s %s", method, req.URL.Path), detail)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return false, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, apperrors.Wrap(apperrors.ErrSyncFailed, "decode document", err)
	}
	return false, nil
}

// Upsert implements remote.Backend. A PATCH without an update mask
// replaces the whole document, creating it when absent.
func (c *Client) Upsert(ctx context.Context, table string, e *models.Entity) error {
	if e == nil || e.ID == "" {
		return apperrors.New(apperrors.ErrInvalid, "entity id is required")
	}
	notFound, err := c.do(ctx, http.MethodPatch, c.docURL(table, e.ID),
		map[string]any{"fields": encodeEntity(e)}, nil)
	if err != nil {
		return err
	}
	if notFound {
		return apperrors.Newf(apperrors.ErrSyncRejected, "collection %s not found", table)
	}
	return nil
}

// Delete implements remote.Backend. A missing document is not an error.
func (c *Client) Delete(ctx context.Context, table, id string) error {
	_, err := c.do(ctx, http.MethodDelete, c.docURL(table, id), nil, nil)
	return err
}

// Fetch implements remote.Backend.
func (c *Client) Fetch(ctx context.Context, table, id string) (*models.Entity, error) {
	var doc wireDocument
	notFound, err := c.do(ctx, http.MethodGet, c.docURL(table, id), nil, &doc)
	if err != nil {
		return nil, err
	}
	if notFound {
		return nil, models.ErrNotFound
	}
	e, err := decodeDocument(doc)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSyncFailed, fmt.Sprintf("decode %s/%s", table, id), err)
	}
	return e, nil
}

// Ping implements remote.Pinger. Any answer below 500 counts as reachable.
func (c *Client) Ping(ctx context.Context) error {
	u := *c.baseURL
	u.Path = c.documentsPath()
	q := url.Values{"pageSize": {"1"}}
	if c.apiKey != "" {
		q.Set("key", c.apiKey)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w: %v", c.name, remote.ErrUnavailable, err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%s: %w: status %d", c.name, remote.ErrUnavailable, resp.StatusCode)
	}
	return nil
}
