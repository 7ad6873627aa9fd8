package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/statsync/internal/errors"
	"github.com/kimhsiao/statsync/internal/models"
)

var (
	tableNameRe = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)
	fieldNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,127}$`)

	reservedTables = map[string]bool{
		"entity_tables":        true,
		"sync_queue":           true,
		"conflict_resolutions": true,
		"schema_migrations":    true,
	}
)

// ValidateTableName checks that table can be used as an entity table.
func ValidateTableName(table string) error {
	if !tableNameRe.MatchString(table) || reservedTables[table] || strings.HasPrefix(table, "sqlite_") {
		return apperrors.Newf(apperrors.ErrInvalid, "invalid table name %q", table)
	}
	return nil
}

// Repository is the local store. All writes are durable before the
// call returns.
type Repository struct {
	db *DB

	// Prepared statements keyed by query text, reused outside transactions.
	stmtCache sync.Map // map[string]*sql.Stmt

	// Entity tables known to exist.
	tables sync.Map // map[string]struct{}

	queueLimit int
	now        func() time.Time
}

// Option configures a Repository.
type Option func(*Repository)

// WithQueueLimit bounds the number of unfinished queued operations.
// Zero means unlimited.
func WithQueueLimit(n int) Option {
	return func(r *Repository) { r.queueLimit = n }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Repository) { r.now = now }
}

// NewRepository creates a new Repository instance.
func NewRepository(db *DB, opts ...Option) *Repository {
	r := &Repository{db: db, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// PrepareStmt gets or creates a prepared statement from cache.
func (r *Repository) PrepareStmt(ctx context.Context, query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	// If another goroutine already stored one, close our duplicate.
	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

// Close closes all cached prepared statements.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		if err := value.(*sql.Stmt).Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.stmtCache.Delete(key)
		return true
	})
	return firstErr
}

// runner executes statements either directly (through the statement
// cache) or inside a transaction. The single pooled connection is held
// by an open transaction, so transactional statements never go through
// the cache.
type runner struct {
	r       *Repository
	tx      *sql.Tx
	created []string
}

func (x *runner) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if x.tx != nil {
		return x.tx.ExecContext(ctx, query, args...)
	}
	stmt, err := x.r.PrepareStmt(ctx, query)
	if err != nil {
		return nil, err
	}
	return stmt.ExecContext(ctx, args...)
}

func (x *runner) execRaw(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if x.tx != nil {
		return x.tx.ExecContext(ctx, query, args...)
	}
	return x.r.db.ExecContext(ctx, query, args...)
}

func (x *runner) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if x.tx != nil {
		return x.tx.QueryContext(ctx, query, args...)
	}
	stmt, err := x.r.PrepareStmt(ctx, query)
	if err != nil {
		return nil, err
	}
	return stmt.QueryContext(ctx, args...)
}

func (x *runner) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	if x.tx != nil {
		return x.tx.QueryRowContext(ctx, query, args...)
	}
	stmt, err := x.r.PrepareStmt(ctx, query)
	if err != nil {
		return x.r.db.QueryRowContext(ctx, query, args...)
	}
	return stmt.QueryRowContext(ctx, args...)
}

func (r *Repository) direct() *runner {
	return &runner{r: r}
}

// Tx is a unit of work over the local store.
type Tx struct {
	run *runner
}

// WithTx runs fn in a transaction. Entity writes and their queue entries
// go through one Tx so neither exists without the other.
func (r *Repository) WithTx(ctx context.Context, fn func(tx *Tx) error) (err error) {
	sqlTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return dbErr("begin transaction", err)
	}
	run := &runner{r: r, tx: sqlTx}

	committed := false
	defer func() {
		if !committed {
			sqlTx.Rollback()
		}
	}()

	if err := fn(&Tx{run: run}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return dbErr("commit transaction", err)
	}
	committed = true

	for _, t := range run.created {
		r.tables.Store(t, struct{}{})
	}
	return nil
}

func dbErr(op string, err error) error {
	return apperrors.Wrap(apperrors.ErrDatabase, op, err)
}

func notFound(table, id string) error {
	return apperrors.Wrap(apperrors.ErrNotFound, fmt.Sprintf("%s/%s", table, id), models.ErrNotFound)
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// EnsureTable creates the entity table if it does not exist yet.
func (r *Repository) EnsureTable(ctx context.Context, table string) error {
	return r.ensureTable(ctx, r.direct(), table)
}

func (r *Repository) ensureTable(ctx context.Context, run *runner, table string) error {
	if err := ValidateTableName(table); err != nil {
		return err
	}
	if _, ok := r.tables.Load(table); ok {
		return nil
	}

	ddl := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		version INTEGER NOT NULL CHECK(version >= 1),
		sync_status TEXT NOT NULL,
		checksum TEXT NOT NULL,
		data TEXT NOT NULL DEFAULT '{}'
	);`, quoteIdent(table))
	if _, err := run.execRaw(ctx, ddl); err != nil {
		return dbErr("create table "+table, err)
	}
	index := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s(sync_status)`,
		quoteIdent("idx_"+table+"_sync_status"), quoteIdent(table))
	if _, err := run.execRaw(ctx, index); err != nil {
		return dbErr("create index on "+table, err)
	}
	if _, err := run.execRaw(ctx, `INSERT OR IGNORE INTO entity_tables (name, created_at) VALUES (?, ?)`,
		table, r.now().Unix()); err != nil {
		return dbErr("register table "+table, err)
	}

	if run.tx == nil {
		r.tables.Store(table, struct{}{})
	} else {
		run.created = append(run.created, table)
	}
	return nil
}

const entityColumns = "id, created_at, updated_at, version, sync_status, checksum, data"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(s rowScanner) (*models.Entity, error) {
	var (
		e                    models.Entity
		createdAt, updatedAt int64
		status, data         string
	)
	if err := s.Scan(&e.ID, &createdAt, &updatedAt, &e.Version, &status, &e.Checksum, &data); err != nil {
		return nil, err
	}
	e.CreatedAt = fromNanos(createdAt)
	e.UpdatedAt = fromNanos(updatedAt)
	e.SyncStatus = models.SyncStatus(status)
	e.Fields = models.Fields{}
	if data != "" {
		if err := json.Unmarshal([]byte(data), &e.Fields); err != nil {
			return nil, fmt.Errorf("corrupt payload for %s: %w", e.ID, err)
		}
	}
	return &e, nil
}

func encodeFields(f models.Fields) (string, error) {
	if f == nil {
		return "{}", nil
	}
	data, err := json.Marshal(f)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrInvalid, "payload is not JSON encodable", err)
	}
	return string(data), nil
}

func entityArgs(e *models.Entity) ([]any, error) {
	data, err := encodeFields(e.Fields)
	if err != nil {
		return nil, err
	}
	return []any{e.ID, toNanos(e.CreatedAt), toNanos(e.UpdatedAt), e.Version, string(e.SyncStatus), e.Checksum, data}, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (r *Repository) insert(ctx context.Context, run *runner, table string, e *models.Entity) error {
	if e == nil || e.ID == "" {
		return apperrors.New(apperrors.ErrInvalid, "entity id is required")
	}
	if err := r.ensureTable(ctx, run, table); err != nil {
		return err
	}
	args, err := entityArgs(e)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?)`, quoteIdent(table), entityColumns)
	if _, err := run.exec(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return apperrors.Wrap(apperrors.ErrDuplicate, fmt.Sprintf("%s/%s already exists", table, e.ID), err)
		}
		return dbErr("insert into "+table, err)
	}
	return nil
}

func (r *Repository) save(ctx context.Context, run *runner, table string, e *models.Entity) error {
	if e == nil || e.ID == "" {
		return apperrors.New(apperrors.ErrInvalid, "entity id is required")
	}
	if err := r.ensureTable(ctx, run, table); err != nil {
		return err
	}
	args, err := entityArgs(e)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			version = excluded.version,
			sync_status = excluded.sync_status,
			checksum = excluded.checksum,
			data = excluded.data`, quoteIdent(table), entityColumns)
	if _, err := run.exec(ctx, query, args...); err != nil {
		return dbErr("save into "+table, err)
	}
	return nil
}

func (r *Repository) findByID(ctx context.Context, run *runner, table, id string) (*models.Entity, error) {
	if err := r.ensureTable(ctx, run, table); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, entityColumns, quoteIdent(table))
	e, err := scanEntity(run.queryRow(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(table, id)
	}
	if err != nil {
		return nil, dbErr("find in "+table, err)
	}
	return e, nil
}

func (r *Repository) deleteRow(ctx context.Context, run *runner, table, id string) error {
	if err := r.ensureTable(ctx, run, table); err != nil {
		return err
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, quoteIdent(table))
	res, err := run.exec(ctx, query, id)
	if err != nil {
		return dbErr("delete from "+table, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return notFound(table, id)
	}
	return nil
}

func (r *Repository) update(ctx context.Context, run *runner, table, id string, partial map[string]any) (*models.Entity, error) {
	e, err := r.findByID(ctx, run, table, id)
	if err != nil {
		return nil, err
	}
	if err := ApplyPartial(e, partial); err != nil {
		return nil, err
	}
	args, err := entityArgs(e)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`UPDATE %s SET created_at = ?, updated_at = ?, version = ?, sync_status = ?, checksum = ?, data = ? WHERE id = ?`,
		quoteIdent(table))
	if _, err := run.exec(ctx, query, append(args[1:], id)...); err != nil {
		return nil, dbErr("update "+table, err)
	}
	return e, nil
}

// ApplyPartial merges a flat partial object into e. Payload keys replace
// top-level fields; updated_at, version, sync_status and checksum update
// metadata. id and created_at are immutable and ignored.
func ApplyPartial(e *models.Entity, partial map[string]any) error {
	meta := make(map[string]any)
	for k, v := range partial {
		switch {
		case k == models.FieldID || k == models.FieldCreatedAt:
		case models.IsMetadataField(k):
			meta[k] = v
		default:
			e.Set(k, v)
		}
	}
	if len(meta) == 0 {
		return nil
	}
	parsed, err := models.EntityFromMap(meta)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "invalid metadata in update", err)
	}
	if _, ok := meta[models.FieldUpdatedAt]; ok {
		e.UpdatedAt = parsed.UpdatedAt
	}
	if _, ok := meta[models.FieldVersion]; ok {
		e.Version = parsed.Version
	}
	if _, ok := meta[models.FieldSyncStatus]; ok {
		e.SyncStatus = parsed.SyncStatus
	}
	if _, ok := meta[models.FieldChecksum]; ok {
		e.Checksum = parsed.Checksum
	}
	return nil
}

func (r *Repository) findAll(ctx context.Context, run *runner, table string, conditions map[string]any) ([]*models.Entity, error) {
	if err := r.ensureTable(ctx, run, table); err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(conditions))
	for k := range conditions {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var (
		clauses []string
		args    []any
	)
	for _, k := range keys {
		clause, clauseArgs, err := conditionClause(k, conditions[k])
		if err != nil {
			return nil, err
		}
		clauses = append(clauses, clause)
		args = append(args, clauseArgs...)
	}

	query := fmt.Sprintf(`SELECT %s FROM %s`, entityColumns, quoteIdent(table))
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := run.query(ctx, query, args...)
	if err != nil {
		return nil, dbErr("query "+table, err)
	}
	defer rows.Close()

	var out []*models.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, dbErr("scan "+table, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("iterate "+table, err)
	}
	return out, nil
}

func conditionClause(key string, value any) (string, []any, error) {
	switch key {
	case models.FieldID, models.FieldVersion, models.FieldSyncStatus, models.FieldChecksum:
		if value == nil {
			return key + " IS NULL", nil, nil
		}
		return key + " = ?", []any{sqlValue(value)}, nil
	case models.FieldCreatedAt, models.FieldUpdatedAt:
		t, ok := value.(time.Time)
		if !ok {
			return "", nil, apperrors.Newf(apperrors.ErrInvalid, "condition %s requires a time value", key)
		}
		return key + " = ?", []any{toNanos(t)}, nil
	}

	if !fieldNameRe.MatchString(key) {
		return "", nil, apperrors.Newf(apperrors.ErrInvalid, "invalid field name %q", key)
	}
	path := "$." + key
	switch value.(type) {
	case nil:
		return "json_extract(data, ?) IS NULL", []any{path}, nil
	case map[string]any, []any, models.Fields:
		return "", nil, apperrors.Newf(apperrors.ErrInvalid, "condition %s must be a scalar", key)
	}
	return "json_extract(data, ?) = ?", []any{path, sqlValue(value)}, nil
}

// sqlValue maps a JSON scalar to what json_extract yields for it.
func sqlValue(v any) any {
	switch t := v.(type) {
	case bool:
		if t {
			return 1
		}
		return 0
	case models.SyncStatus:
		return string(t)
	default:
		return v
	}
}

// Insert writes a new entity. An existing id is an ErrDuplicate error.
func (r *Repository) Insert(ctx context.Context, table string, e *models.Entity) error {
	return r.insert(ctx, r.direct(), table, e)
}

// Save inserts or replaces an entity.
func (r *Repository) Save(ctx context.Context, table string, e *models.Entity) error {
	return r.save(ctx, r.direct(), table, e)
}

// Update merges partial into the stored entity and returns the result.
func (r *Repository) Update(ctx context.Context, table, id string, partial map[string]any) (*models.Entity, error) {
	var out *models.Entity
	err := r.WithTx(ctx, func(tx *Tx) error {
		e, err := tx.Update(ctx, table, id, partial)
		out = e
		return err
	})
	return out, err
}

// Delete removes an entity. A missing row is reported as not found.
func (r *Repository) Delete(ctx context.Context, table, id string) error {
	return r.deleteRow(ctx, r.direct(), table, id)
}

// FindByID returns one entity or an error wrapping models.ErrNotFound.
func (r *Repository) FindByID(ctx context.Context, table, id string) (*models.Entity, error) {
	return r.findByID(ctx, r.direct(), table, id)
}

// FindAll returns entities matching all equality conditions. Keys name
// either metadata columns or top-level payload fields.
func (r *Repository) FindAll(ctx context.Context, table string, conditions map[string]any) ([]*models.Entity, error) {
	return r.findAll(ctx, r.direct(), table, conditions)
}

// Count returns the number of rows in an entity table.
func (r *Repository) Count(ctx context.Context, table string) (int, error) {
	if err := r.EnsureTable(ctx, table); err != nil {
		return 0, err
	}
	var n int
	if err := r.direct().queryRow(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, quoteIdent(table))).Scan(&n); err != nil {
		return 0, dbErr("count "+table, err)
	}
	return n, nil
}

// Tables lists the entity tables created so far.
func (r *Repository) Tables(ctx context.Context) ([]string, error) {
	rows, err := r.direct().query(ctx, `SELECT name FROM entity_tables ORDER BY name`)
	if err != nil {
		return nil, dbErr("list tables", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, dbErr("scan tables", err)
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

// Insert writes a new entity inside the transaction.
func (t *Tx) Insert(ctx context.Context, table string, e *models.Entity) error {
	return t.run.r.insert(ctx, t.run, table, e)
}

// Save upserts an entity inside the transaction.
func (t *Tx) Save(ctx context.Context, table string, e *models.Entity) error {
	return t.run.r.save(ctx, t.run, table, e)
}

// Update merges partial into the stored entity inside the transaction.
func (t *Tx) Update(ctx context.Context, table, id string, partial map[string]any) (*models.Entity, error) {
	return t.run.r.update(ctx, t.run, table, id, partial)
}

// Delete removes an entity inside the transaction.
func (t *Tx) Delete(ctx context.Context, table, id string) error {
	return t.run.r.deleteRow(ctx, t.run, table, id)
}

// FindByID reads an entity inside the transaction.
func (t *Tx) FindByID(ctx context.Context, table, id string) (*models.Entity, error) {
	return t.run.r.findByID(ctx, t.run, table, id)
}

// AddToSyncQueue appends an operation inside the transaction.
func (t *Tx) AddToSyncQueue(ctx context.Context, op *models.SyncOperation) error {
	return t.run.r.addToSyncQueue(ctx, t.run, op)
}

// MarkConflictResolved records a conflict decision inside the transaction.
func (t *Tx) MarkConflictResolved(ctx context.Context, id string, strategy models.ResolutionStrategy,
	resolved *models.Entity, resolvedBy string, at time.Time) error {
	return t.run.r.markConflictResolved(ctx, t.run, id, strategy, resolved, resolvedBy, at)
}
