package remote

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kimhsiao/statsync/internal/models"
)

const memoryFeedBuffer = 64

// Memory is an in-process Backend. Writes are echoed to subscribers the
// way realtime backends echo a client's own writes. Failures can be
// injected to simulate outages.
type Memory struct {
	name string

	mu       sync.Mutex
	tables   map[string]map[string]*models.Entity
	subs     map[string][]*subscription
	offline  bool
	failures int
	failErr  error
	upserts  int
	deletes  int
	echo     bool
}

// NewMemory creates an empty in-memory backend.
func NewMemory(name string) *Memory {
	return &Memory{
		name:   name,
		tables: make(map[string]map[string]*models.Entity),
		subs:   make(map[string][]*subscription),
		echo:   true,
	}
}

// Name implements Backend.
func (m *Memory) Name() string { return m.name }

// SetOffline makes every call fail with ErrUnavailable while offline.
func (m *Memory) SetOffline(offline bool) {
	m.mu.Lock()
	m.offline = offline
	m.mu.Unlock()
}

// SetEcho controls whether local writes are pushed back to subscribers.
func (m *Memory) SetEcho(echo bool) {
	m.mu.Lock()
	m.echo = echo
	m.mu.Unlock()
}

// FailNext makes the next n writes fail with err.
func (m *Memory) FailNext(n int, err error) {
	m.mu.Lock()
	m.failures = n
	m.failErr = err
	m.mu.Unlock()
}

// Calls returns how many upserts and deletes were applied.
func (m *Memory) Calls() (upserts, deletes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upserts, m.deletes
}

func (m *Memory) checkLocked(write bool) error {
	if m.offline {
		return fmt.Errorf("%s: %w", m.name, ErrUnavailable)
	}
	if write && m.failures > 0 {
		m.failures--
		if m.failErr != nil {
			return m.failErr
		}
		return fmt.Errorf("%s: injected failure", m.name)
	}
	return nil
}

// Ping implements Pinger.
func (m *Memory) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkLocked(false)
}

// Upsert implements Backend.
func (m *Memory) Upsert(ctx context.Context, table string, e *models.Entity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	if err := m.checkLocked(true); err != nil {
		m.mu.Unlock()
		return err
	}
	rows := m.table(table)
	_, existed := rows[e.ID]
	rows[e.ID] = e.Clone()
	m.upserts++
	subs, echo := m.subs[table], m.echo
	m.mu.Unlock()

	if echo {
		typ := ChangeInsert
		if existed {
			typ = ChangeUpdate
		}
		m.broadcast(subs, table, typ, e)
	}
	return nil
}

// Delete implements Backend.
func (m *Memory) Delete(ctx context.Context, table, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	if err := m.checkLocked(true); err != nil {
		m.mu.Unlock()
		return err
	}
	rows := m.table(table)
	old, existed := rows[id]
	delete(rows, id)
	m.deletes++
	subs, echo := m.subs[table], m.echo
	m.mu.Unlock()

	if echo && existed {
		m.broadcast(subs, table, ChangeDelete, old)
	}
	return nil
}

// Fetch implements Backend.
func (m *Memory) Fetch(ctx context.Context, table, id string) (*models.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked(false); err != nil {
		return nil, err
	}
	e, ok := m.table(table)[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return e.Clone(), nil
}

// Subscribe implements Backend.
func (m *Memory) Subscribe(ctx context.Context, table string) (<-chan ChangeEvent, error) {
	sub := newSubscription(ctx, memoryFeedBuffer)
	m.mu.Lock()
	m.subs[table] = append(m.subs[table], sub)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		list := m.subs[table]
		for i, s := range list {
			if s == sub {
				m.subs[table] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
		m.mu.Unlock()
		sub.close()
	}()
	return sub.ch, nil
}

// Push simulates a change made by another client: the record is stored
// (or removed) and pushed to subscribers.
func (m *Memory) Push(table string, typ ChangeType, e *models.Entity) {
	m.mu.Lock()
	rows := m.table(table)
	if typ == ChangeDelete {
		delete(rows, e.ID)
	} else {
		rows[e.ID] = e.Clone()
	}
	subs := m.subs[table]
	m.mu.Unlock()

	m.broadcast(subs, table, typ, e)
}

// Get returns a stored record without failure injection.
func (m *Memory) Get(table, id string) (*models.Entity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.table(table)[id]
	return e.Clone(), ok
}

// Records returns every record of table ordered by id.
func (m *Memory) Records(table string) []*models.Entity {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.table(table)
	out := make([]*models.Entity, 0, len(rows))
	for _, e := range rows {
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Subscribers returns the number of live subscriptions for table.
func (m *Memory) Subscribers(table string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs[table])
}

func (m *Memory) table(name string) map[string]*models.Entity {
	rows, ok := m.tables[name]
	if !ok {
		rows = make(map[string]*models.Entity)
		m.tables[name] = rows
	}
	return rows
}

func (m *Memory) broadcast(subs []*subscription, table string, typ ChangeType, e *models.Entity) {
	now := time.Now()
	for _, s := range subs {
		s.send(ChangeEvent{
			Backend:    m.name,
			Table:      table,
			Type:       typ,
			Record:     e.Clone(),
			ReceivedAt: now,
		})
	}
}
