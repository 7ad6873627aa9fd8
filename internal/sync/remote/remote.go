// Package remote defines the contract the sync manager needs from a remote
// backend, plus an in-process backend for tests and offline development.
package remote

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/kimhsiao/statsync/internal/models"
)

// ErrUnavailable is returned when a backend cannot be reached.
var ErrUnavailable = errors.New("remote backend unavailable")

// ChangeType is the kind of a pushed change.
type ChangeType string

const (
	ChangeInsert ChangeType = "insert"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

// ChangeEvent is one realtime notification. For deletes Record carries
// whatever the backend reported about the removed row, at least its id.
type ChangeEvent struct {
	Backend    string
	Table      string
	Type       ChangeType
	Record     *models.Entity
	ReceivedAt time.Time
}

// Backend is a remote store. Upsert and Delete must be idempotent by id:
// deleting an absent record succeeds. Fetch returns models.ErrNotFound for
// an absent record. Subscribe delivers changes for one table in order
// until ctx is done, then closes the channel.
type Backend interface {
	Name() string
	Upsert(ctx context.Context, table string, e *models.Entity) error
	Delete(ctx context.Context, table, id string) error
	Fetch(ctx context.Context, table, id string) (*models.Entity, error)
	Subscribe(ctx context.Context, table string) (<-chan ChangeEvent, error)
}

// Pinger is implemented by backends that can report reachability cheaply.
type Pinger interface {
	Ping(ctx context.Context) error
}

// AnyReachable reports whether at least one backend answers a ping within
// timeout. Backends without Ping count as reachable.
func AnyReachable(ctx context.Context, backends []Backend, timeout time.Duration) bool {
	if len(backends) == 0 {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	results := make(chan bool, len(backends))
	for _, b := range backends {
		go func() {
			p, ok := b.(Pinger)
			results <- !ok || p.Ping(ctx) == nil
		}()
	}
	for range backends {
		if <-results {
			return true
		}
	}
	return false
}

// Names returns the backend names in order.
func Names(backends []Backend) []string {
	names := make([]string, len(backends))
	for i, b := range backends {
		names[i] = b.Name()
	}
	return names
}

// subscription is one consumer of a fan-out feed. Sends never race with
// close.
type subscription struct {
	ctx    context.Context
	ch     chan ChangeEvent
	mu     sync.RWMutex
	closed bool
}

func newSubscription(ctx context.Context, buffer int) *subscription {
	return &subscription{ctx: ctx, ch: make(chan ChangeEvent, buffer)}
}

func (s *subscription) send(ev ChangeEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- ev:
	case <-s.ctx.Done():
	}
}

func (s *subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
