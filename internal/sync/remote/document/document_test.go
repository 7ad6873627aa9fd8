package document

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	apperrors "github.com/kimhsiao/statsync/internal/errors"
	"github.com/kimhsiao/statsync/internal/models"
	"github.com/kimhsiao/statsync/internal/sync/remote"
)

// TestEncodeValue tests the typed encoding of each JSON kind.
func TestEncodeValue(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"null", nil, `{"nullValue":null}`},
		{"bool", true, `{"booleanValue":true}`},
		{"string", "a", `{"stringValue":"a"}`},
		{"integral float", float64(5), `{"integerValue":"5"}`},
		{"fraction", 2.5, `{"doubleValue":2.5}`},
		{"int64", int64(7), `{"integerValue":"7"}`},
		{"time", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), `{"timestampValue":"2026-03-01T00:00:00Z"}`},
		{"array", []any{"a", float64(1)}, `{"arrayValue":{"values":[{"stringValue":"a"},{"integerValue":"1"}]}}`},
		{"map", map[string]any{"k": false}, `{"mapValue":{"fields":{"k":{"booleanValue":false}}}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := json.Marshal(encodeValue(tt.in))
			if err != nil {
				t.Fatalf("Marshal() error = %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("encodeValue(%v) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

// TestDecodeValue tests decoding of typed values, including kinds this
// client never writes.
func TestDecodeValue(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    any
		wantErr bool
	}{
		{"integer", `{"integerValue":"42"}`, float64(42), false},
		{"double string", `{"doubleValue":"1.5"}`, 1.5, false},
		{"reference", `{"referenceValue":"projects/p/x"}`, "projects/p/x", false},
		{"empty array", `{"arrayValue":{}}`, []any{}, false},
		{"nested map", `{"mapValue":{"fields":{"n":{"nullValue":null}}}}`, map[string]any{"n": nil}, false},
		{"bad integer", `{"integerValue":"x"}`, nil, true},
		{"unknown kind", `{"blobValue":"x"}`, nil, true},
		{"two kinds", `{"stringValue":"a","booleanValue":true}`, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var raw any
			if err := json.Unmarshal([]byte(tt.in), &raw); err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			got, err := decodeValue(raw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("decodeValue() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("decodeValue() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func sampleEntity() *models.Entity {
	e := &models.Entity{
		ID:         "t1",
		CreatedAt:  time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		UpdatedAt:  time.Date(2026, 3, 1, 11, 0, 0, 123000000, time.UTC),
		Version:    4,
		SyncStatus: models.SyncStatusPending,
		Fields: models.Fields{
			"name":    "Team A",
			"goals":   float64(3),
			"ratio":   0.75,
			"tags":    []any{"a", "b"},
			"captain": map[string]any{"id": "p1", "active": true},
			"coach":   nil,
		},
	}
	e.Touch()
	return e
}

// TestEntityRoundTrip tests that an entity survives the typed encoding
// with its checksum intact.
func TestEntityRoundTrip(t *testing.T) {
	e := sampleEntity()
	data, err := json.Marshal(wireDocument{Name: "projects/p/databases/(default)/documents/teams/t1", Fields: encodeEntity(e)})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var doc wireDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	got, err := decodeDocument(doc)
	if err != nil {
		t.Fatalf("decodeDocument() error = %v", err)
	}
	if got.Checksum != e.Checksum || models.ComputeChecksum(got) != e.Checksum {
		t.Errorf("checksum changed in transit")
	}
	if !reflect.DeepEqual(got.Fields, e.Fields) {
		t.Errorf("fields = %#v, want %#v", got.Fields, e.Fields)
	}

	delete(doc.Fields, models.FieldID)
	got, err = decodeDocument(doc)
	if err != nil || got.ID != "t1" {
		t.Errorf("decodeDocument() without id field = %v, %v", got, err)
	}
}

// fakeStore serves documents from memory.
type fakeStore struct {
	mu   sync.Mutex
	docs map[string]map[string]any
}

func (f *fakeStore) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("key") != "secret" {
		http.Error(w, `{"error":{"code":403}}`, http.StatusForbidden)
		return
	}
	const prefix = "/v1/projects/demo/databases/(default)/documents"
	path := strings.TrimPrefix(r.URL.Path, prefix)
	if path == "" {
		w.Write([]byte(`{}`))
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	switch r.Method {
	case http.MethodPatch:
		if strings.HasPrefix(path, "/locked/") {
			http.Error(w, `{"error":{"code":400}}`, http.StatusBadRequest)
			return
		}
		var body struct {
			Fields map[string]any `json:"fields"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.docs[path] = body.Fields
		json.NewEncoder(w).Encode(map[string]any{"name": "projects/demo" + path, "fields": body.Fields})
	case http.MethodGet:
		fields, ok := f.docs[path]
		if !ok {
			http.Error(w, `{"error":{"code":404}}`, http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"name": "projects/demo" + path, "fields": fields})
	case http.MethodDelete:
		if _, ok := f.docs[path]; !ok {
			http.Error(w, `{"error":{"code":404}}`, http.StatusNotFound)
			return
		}
		delete(f.docs, path)
		w.Write([]byte(`{}`))
	}
}

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(Options{
		URL:          srv.URL,
		ProjectID:    "demo",
		APIKey:       "secret",
		Timeout:      2 * time.Second,
		ReconnectMin: 10 * time.Millisecond,
		ReconnectMax: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

// TestRestRoundTrip tests upsert, fetch and delete.
func TestRestRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{docs: map[string]map[string]any{}}
	c := newTestClient(t, store)
	e := sampleEntity()

	if _, err := c.Fetch(ctx, "teams", "t1"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("Fetch() before upsert error = %v, want ErrNotFound", err)
	}
	for i := 0; i < 2; i++ {
		if err := c.Upsert(ctx, "teams", e); err != nil {
			t.Fatalf("Upsert() #%d error = %v", i, err)
		}
	}
	if len(store.docs) != 1 {
		t.Fatalf("stored documents = %d, want 1", len(store.docs))
	}
	got, err := c.Fetch(ctx, "teams", "t1")
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if got.Version != 4 || got.Checksum != e.Checksum {
		t.Errorf("Fetch() = v%d checksum %s", got.Version, got.Checksum)
	}

	if err := c.Delete(ctx, "teams", "t1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := c.Delete(ctx, "teams", "t1"); err != nil {
		t.Errorf("Delete() of missing document error = %v", err)
	}
	if err := c.Upsert(ctx, "locked", e); !apperrors.Is(err, apperrors.ErrSyncRejected) {
		t.Errorf("Upsert() rejected error = %v", err)
	}
	if err := c.Ping(ctx); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
}

// feedServer accepts listen requests and plays one frame list per
// connection.
type feedServer struct {
	t       *testing.T
	scripts [][]feedFrame

	mu       sync.Mutex
	conns    int
	requests []listenRequest
}

func (s *feedServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()
	ctx := r.Context()

	_, data, err := conn.Read(ctx)
	if err != nil {
		return
	}
	var req listenRequest
	json.Unmarshal(data, &req)

	s.mu.Lock()
	n := s.conns
	s.conns++
	s.requests = append(s.requests, req)
	s.mu.Unlock()

	frames := []feedFrame{{Type: "listening"}}
	if n < len(s.scripts) {
		frames = append(frames, s.scripts[n]...)
	}
	for _, f := range frames {
		msg, _ := json.Marshal(f)
		if err := conn.Write(ctx, websocket.MessageText, msg); err != nil {
			return
		}
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

// TestSubscribeMapsChangeKinds tests the change feed across a reconnect.
func TestSubscribeMapsChangeKinds(t *testing.T) {
	doc := func(version int64) *wireDocument {
		e := sampleEntity()
		e.Version = version
		e.Touch()
		return &wireDocument{Name: "projects/demo/databases/(default)/documents/teams/t1", Fields: encodeEntity(e)}
	}
	fs := &feedServer{t: t, scripts: [][]feedFrame{
		{{Type: changeAdded, Document: doc(1)}, {Type: changeModified, Document: doc(2)}},
		{{Type: "noise"}, {Type: changeRemoved, Document: &wireDocument{Name: "projects/demo/databases/(default)/documents/teams/t1"}}},
	}}
	mux := http.NewServeMux()
	mux.Handle("/v1/projects/demo/listen", fs)
	c := newTestClient(t, mux)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	feed, err := c.Subscribe(ctx, "teams")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	want := []struct {
		typ     remote.ChangeType
		version int64
	}{
		{remote.ChangeInsert, 1},
		{remote.ChangeUpdate, 2},
		{remote.ChangeDelete, 0},
	}
	for _, w := range want {
		select {
		case ev := <-feed:
			if ev.Type != w.typ || ev.Record.Version != w.version || ev.Record.ID != "t1" {
				t.Errorf("change = %s %s v%d, want %s v%d", ev.Type, ev.Record.ID, ev.Record.Version, w.typ, w.version)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for %s", w.typ)
		}
	}

	fs.mu.Lock()
	req := fs.requests[0]
	fs.mu.Unlock()
	if req.Action != "listen" || req.Collection != "teams" {
		t.Errorf("listen request = %+v", req)
	}

	cancel()
	for range feed {
	}
}
