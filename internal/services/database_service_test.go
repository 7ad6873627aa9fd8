package services

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/kimhsiao/statsync/internal/cache"
	"github.com/kimhsiao/statsync/internal/db"
	apperrors "github.com/kimhsiao/statsync/internal/errors"
	"github.com/kimhsiao/statsync/internal/models"
	syncpkg "github.com/kimhsiao/statsync/internal/sync"
	"github.com/kimhsiao/statsync/internal/sync/conflict"
	"github.com/kimhsiao/statsync/internal/sync/queue"
	"github.com/kimhsiao/statsync/internal/sync/remote"
	"github.com/kimhsiao/statsync/internal/telemetry"
)

type testEnv struct {
	svc       *DatabaseService
	repo      *db.Repository
	primary   *remote.Memory
	secondary *remote.Memory
	monitor   *telemetry.Monitor
	path      string
}

type envOption func(*envConfig)

type envConfig struct {
	path       string
	noCache    bool
	queueLimit int
	strategy   conflict.Strategy
}

func withPath(p string) envOption { return func(c *envConfig) { c.path = p } }

func withoutCache() envOption { return func(c *envConfig) { c.noCache = true } }

func withQueueLimit(n int) envOption { return func(c *envConfig) { c.queueLimit = n } }

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	cfg := envConfig{
		path:     filepath.Join(t.TempDir(), "statsync.db"),
		strategy: conflict.StrategyManual,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	database, err := db.OpenPath(cfg.path)
	if err != nil {
		t.Fatalf("OpenPath() error = %v", err)
	}
	var repoOpts []db.Option
	if cfg.queueLimit > 0 {
		repoOpts = append(repoOpts, db.WithQueueLimit(cfg.queueLimit))
	}
	repo := db.NewRepository(database, repoOpts...)
	monitor := telemetry.NewMonitor(0, nil)

	var c *cache.Cache[*models.Entity]
	if !cfg.noCache {
		c = cache.New[*models.Entity](cache.Options{MaxSize: 64, Recorder: monitor})
	}
	env := &testEnv{
		repo:      repo,
		primary:   remote.NewMemory("primary"),
		secondary: remote.NewMemory("secondary"),
		monitor:   monitor,
		path:      cfg.path,
	}
	q := queue.NewSyncQueue(repo, queue.Options{MaxRetries: 3}, nil)
	resolver := conflict.NewResolver(cfg.strategy, repo, nil)
	mgr := syncpkg.NewManager(repo, q, resolver, []remote.Backend{env.primary, env.secondary}, syncpkg.Options{
		Tables:         []string{"teams"},
		RequestTimeout: time.Second,
		Cache:          c,
		Monitor:        monitor,
	})
	svc, err := NewDatabaseService(Deps{DB: database, Repo: repo, Manager: mgr, Cache: c, Monitor: monitor})
	if err != nil {
		t.Fatalf("NewDatabaseService() error = %v", err)
	}
	env.svc = svc
	t.Cleanup(func() { svc.Close() })
	return env
}

func (e *testEnv) offline() {
	e.primary.SetOffline(true)
	e.secondary.SetOffline(true)
}

// TestNewDatabaseService_requiresDeps verifies constructor validation.
func TestNewDatabaseService_requiresDeps(t *testing.T) {
	if _, err := NewDatabaseService(Deps{}); !apperrors.Is(err, apperrors.ErrInvalid) {
		t.Errorf("NewDatabaseService(empty) error = %v, want ErrInvalid", err)
	}
}

// TestCreateOffline verifies a create succeeds without connectivity and is
// queued for every backend.
func TestCreateOffline(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.offline()

	e, err := env.svc.Create(ctx, "teams", map[string]any{"name": "Team A", "version": 99, "id": "forged"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if e.ID == "" || e.ID == "forged" || e.Version != 1 || e.SyncStatus != models.SyncStatusPending {
		t.Errorf("created = %s v%d %s", e.ID, e.Version, e.SyncStatus)
	}
	if e.Checksum != models.ComputeChecksum(e) {
		t.Error("checksum not computed")
	}

	got, err := env.svc.FindByID(ctx, "teams", e.ID)
	if err != nil {
		t.Fatalf("FindByID() error = %v", err)
	}
	if got.Fields["name"] != "Team A" || got.SyncStatus != models.SyncStatusPending {
		t.Errorf("FindByID() = %v %s", got.Fields, got.SyncStatus)
	}

	ops, err := env.repo.ListOperationsForEntity(ctx, "teams", e.ID)
	if err != nil {
		t.Fatalf("ListOperationsForEntity() error = %v", err)
	}
	if len(ops) != 1 || ops[0].Operation != models.OperationCreate {
		t.Fatalf("queued operations = %v", ops)
	}
	if len(ops[0].TargetDatabases) != 2 {
		t.Errorf("targets = %v, want both backends", ops[0].TargetDatabases)
	}

	// Offline drains leave the operation pending delivery.
	res, err := env.svc.ForceSync(ctx)
	if err != nil || res.Failed != 1 {
		t.Errorf("ForceSync() offline = %+v, %v", res, err)
	}
}

// TestCreateRejectsInvalidTable verifies table names are validated.
func TestCreateRejectsInvalidTable(t *testing.T) {
	env := newTestEnv(t)
	for _, table := range []string{"", "sync_queue", "Teams; DROP", "sqlite_master"} {
		if _, err := env.svc.Create(context.Background(), table, map[string]any{"name": "x"}); err == nil {
			t.Errorf("Create(%q) succeeded", table)
		}
	}
}

// TestQueuedWritesSurviveRestart verifies durability before sync.
func TestQueuedWritesSurviveRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "statsync.db")

	first := newTestEnv(t, withPath(path))
	first.offline()
	e, err := first.svc.Create(ctx, "teams", map[string]any{"name": "Team A"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := first.svc.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	second := newTestEnv(t, withPath(path))
	qs, err := second.svc.GetSyncStatus(ctx)
	if err != nil {
		t.Fatalf("GetSyncStatus() error = %v", err)
	}
	if qs.Queue.Pending != 1 {
		t.Errorf("pending after restart = %d, want 1", qs.Queue.Pending)
	}
	res, err := second.svc.ForceSync(ctx)
	if err != nil || res.Completed != 1 {
		t.Fatalf("ForceSync() = %+v, %v", res, err)
	}
	if _, ok := second.primary.Get("teams", e.ID); !ok {
		t.Error("entity did not reach the backend after restart")
	}
}

// TestUpdateVersioning verifies each update advances the version by one.
func TestUpdateVersioning(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	e, err := env.svc.Create(ctx, "teams", map[string]any{"name": "Team A", "goals": 0})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	prev := e
	for i := 1; i <= 3; i++ {
		u, err := env.svc.Update(ctx, "teams", e.ID, map[string]any{"goals": i, "version": 1000})
		if err != nil {
			t.Fatalf("Update() #%d error = %v", i, err)
		}
		if u.Version != prev.Version+1 {
			t.Errorf("version after update #%d = %d, want %d", i, u.Version, prev.Version+1)
		}
		if !u.UpdatedAt.After(prev.UpdatedAt) {
			t.Errorf("updated_at did not advance on update #%d", i)
		}
		if u.Fields["name"] != "Team A" {
			t.Errorf("partial update dropped fields: %v", u.Fields)
		}
		prev = u
	}

	ops, _ := env.repo.ListOperationsForEntity(ctx, "teams", e.ID)
	if len(ops) != 4 || ops[3].Operation != models.OperationUpdate || ops[3].Data.Version != 4 {
		t.Errorf("queued %d operations, last %v", len(ops), ops[len(ops)-1].Data)
	}

	if _, err := env.svc.Update(ctx, "teams", "missing", map[string]any{"goals": 1}); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Update(missing) error = %v, want ErrNotFound", err)
	}
}

// TestDeleteQueuesSnapshot verifies delete carries the last snapshot.
func TestDeleteQueuesSnapshot(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	e, _ := env.svc.Create(ctx, "teams", map[string]any{"name": "Team A"})
	if _, err := env.svc.FindByID(ctx, "teams", e.ID); err != nil {
		t.Fatalf("FindByID() error = %v", err)
	}

	if err := env.svc.Delete(ctx, "teams", e.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	env.offline()
	if _, err := env.svc.FindByID(ctx, "teams", e.ID); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("FindByID() after delete error = %v (stale cache?)", err)
	}
	ops, _ := env.repo.ListOperationsForEntity(ctx, "teams", e.ID)
	last := ops[len(ops)-1]
	if last.Operation != models.OperationDelete || last.Data == nil || last.Data.Fields["name"] != "Team A" {
		t.Errorf("delete operation = %s %v", last.Operation, last.Data)
	}
	if err := env.svc.Delete(ctx, "teams", e.ID); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Delete(missing) error = %v, want ErrNotFound", err)
	}
}

// TestQueueLimitFailsLoudly verifies a full queue rejects the write and
// leaves no local row behind.
func TestQueueLimitFailsLoudly(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, withQueueLimit(1))
	env.offline()

	if _, err := env.svc.Create(ctx, "teams", map[string]any{"name": "Team A"}); err != nil {
		t.Fatalf("first Create() error = %v", err)
	}
	if _, err := env.svc.Create(ctx, "teams", map[string]any{"name": "Team B"}); !apperrors.Is(err, apperrors.ErrQueueFull) {
		t.Fatalf("second Create() error = %v, want ErrQueueFull", err)
	}
	all, err := env.svc.FindAll(ctx, "teams", nil)
	if err != nil || len(all) != 1 {
		t.Errorf("FindAll() = %d entities, %v; want 1", len(all), err)
	}
}

// TestFindByIDFallsBackToRemote verifies remote lookup and local adoption.
func TestFindByIDFallsBackToRemote(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	rec := &models.Entity{
		ID:        "remote-1",
		CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		UpdatedAt: time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC),
		Version:   4,
		Fields:    models.Fields{"name": "Remote FC"},
	}
	rec.Touch()
	env.secondary.Push("teams", remote.ChangeInsert, rec)

	got, err := env.svc.FindByID(ctx, "teams", "remote-1")
	if err != nil {
		t.Fatalf("FindByID() error = %v", err)
	}
	if got.Version != 4 || got.SyncStatus != models.SyncStatusSynced {
		t.Errorf("adopted = v%d %s", got.Version, got.SyncStatus)
	}
	if _, err := env.repo.FindByID(ctx, "teams", "remote-1"); err != nil {
		t.Errorf("remote hit not stored locally: %v", err)
	}

	env.offline()
	if _, err := env.svc.FindByID(ctx, "teams", "nowhere"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("FindByID(missing, offline) error = %v", err)
	}
}

// TestCacheTransparency verifies the same operations give the same store
// state with and without a cache.
func TestCacheTransparency(t *testing.T) {
	ctx := context.Background()
	run := func(env *testEnv) []*models.Entity {
		a, _ := env.svc.Create(ctx, "teams", map[string]any{"name": "A", "tags": []any{"x"}})
		b, _ := env.svc.Create(ctx, "teams", map[string]any{"name": "B"})
		got, _ := env.svc.FindByID(ctx, "teams", a.ID)
		got.Fields["name"] = "mutated by caller"
		env.svc.Update(ctx, "teams", a.ID, map[string]any{"goals": 2})
		env.svc.FindByID(ctx, "teams", a.ID)
		env.svc.Delete(ctx, "teams", b.ID)
		env.svc.ForceSync(ctx)
		all, err := env.svc.FindAll(ctx, "teams", nil)
		if err != nil {
			t.Fatalf("FindAll() error = %v", err)
		}
		return all
	}

	cached := run(newTestEnv(t))
	uncached := run(newTestEnv(t, withoutCache()))

	if len(cached) != 1 || len(uncached) != 1 {
		t.Fatalf("entities = %d cached, %d uncached", len(cached), len(uncached))
	}
	c, u := cached[0], uncached[0]
	if c.Version != u.Version || c.SyncStatus != u.SyncStatus || c.Fields["name"] != u.Fields["name"] || c.Fields["goals"] != u.Fields["goals"] {
		t.Errorf("cached = v%d %s %v, uncached = v%d %s %v", c.Version, c.SyncStatus, c.Fields, u.Version, u.SyncStatus, u.Fields)
	}
	if c.Fields["name"] != "A" {
		t.Errorf("caller mutation leaked into the store: %v", c.Fields)
	}
}

// TestRetryFailedSync verifies the retry bound and operator reset.
func TestRetryFailedSync(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	e, _ := env.svc.Create(ctx, "teams", map[string]any{"name": "Team A"})
	env.secondary.FailNext(3, errors.New("503 service unavailable"))

	for i := 0; i < 3; i++ {
		if _, err := env.svc.ForceSync(ctx); err != nil {
			t.Fatalf("ForceSync() error = %v", err)
		}
	}
	status, err := env.svc.GetSyncStatus(ctx)
	if err != nil {
		t.Fatalf("GetSyncStatus() error = %v", err)
	}
	if status.Queue.Exhausted != 1 || len(status.FailedOperations) != 1 {
		t.Fatalf("status = %+v", status)
	}
	op := status.FailedOperations[0]
	if op.Status != models.OperationStatusFailed || op.RetryCount != 3 {
		t.Errorf("failed op = %s retry %d", op.Status, op.RetryCount)
	}
	if status.LastError == "" {
		t.Error("last error not reported")
	}

	n, err := env.svc.RetryFailedSync(ctx)
	if err != nil || n != 1 {
		t.Fatalf("RetryFailedSync() = %d, %v", n, err)
	}
	if res, _ := env.svc.ForceSync(ctx); res.Completed != 1 {
		t.Errorf("drain after retry = %+v", res)
	}
	if _, ok := env.secondary.Get("teams", e.ID); !ok {
		t.Error("entity missing on secondary after retry")
	}
}

// TestResolveConflictThroughService verifies pending conflicts can be
// listed and resolved with custom data.
func TestResolveConflictThroughService(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	e, _ := env.svc.Create(ctx, "teams", map[string]any{"name": "Team A"})
	env.svc.ForceSync(ctx)

	incoming := e.Clone()
	incoming.Version = 5
	incoming.UpdatedAt = incoming.UpdatedAt.Add(time.Hour)
	incoming.Fields["name"] = "Team Z"
	incoming.Touch()
	mgr := env.svc.manager
	if err := mgr.HandleChange(ctx, remote.ChangeEvent{Backend: "primary", Table: "teams", Type: remote.ChangeUpdate, Record: incoming}); err != nil {
		t.Fatalf("HandleChange() error = %v", err)
	}

	pending, err := env.svc.GetPendingConflicts(ctx)
	if err != nil || len(pending) != 1 {
		t.Fatalf("GetPendingConflicts() = %d, %v", len(pending), err)
	}
	if _, err := env.svc.ResolveConflict(ctx, pending[0].ID, conflict.ChoiceCustom, nil); !apperrors.Is(err, apperrors.ErrInvalid) {
		t.Errorf("ResolveConflict(custom, nil) error = %v, want ErrInvalid", err)
	}
	if _, err := env.svc.ResolveConflict(ctx, pending[0].ID, conflict.ChoiceCustom, map[string]any{"name": "Team AZ"}); err != nil {
		t.Fatalf("ResolveConflict() error = %v", err)
	}

	got, err := env.svc.FindByID(ctx, "teams", e.ID)
	if err != nil {
		t.Fatalf("FindByID() error = %v", err)
	}
	if got.Fields["name"] != "Team AZ" || got.Version != 6 {
		t.Errorf("resolved = v%d %v, want Team AZ at v6", got.Version, got.Fields)
	}
	stats, _ := env.svc.ConflictStatistics(ctx)
	if stats.ManualResolved != 1 || stats.Pending != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

// TestOperationsAreMeasured verifies every call records a latency sample.
func TestOperationsAreMeasured(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	e, _ := env.svc.Create(ctx, "teams", map[string]any{"name": "Team A"})
	env.svc.FindByID(ctx, "teams", e.ID)
	env.svc.FindByID(ctx, "teams", e.ID)

	for _, name := range []string{"create_teams", "findById_teams"} {
		if len(env.monitor.Metrics(name, time.Time{})) == 0 {
			t.Errorf("no samples for %s", name)
		}
	}
	if stats := env.svc.GetCacheStats(); stats.Hits == 0 {
		t.Errorf("cache stats = %+v, want hits", stats)
	}
	report := env.svc.GetPerformanceMetrics()
	if report.Summary.CacheHitRate == 0 {
		t.Errorf("report cache hit rate = %v", report.Summary.CacheHitRate)
	}

	info, err := env.svc.GetStorageInfo(ctx)
	if err != nil || info.TotalRecords != 1 {
		t.Errorf("GetStorageInfo() = %+v, %v", info, err)
	}
	if err := env.svc.Vacuum(ctx); err != nil {
		t.Errorf("Vacuum() error = %v", err)
	}
	env.svc.ClearCache()
	if env.svc.GetCacheStats().Size != 0 {
		t.Error("ClearCache() left entries")
	}
}
