// Package conflict decides how diverging local and remote copies of an
// entity are reconciled.
package conflict

import (
	"context"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/statsync/internal/errors"
	"github.com/kimhsiao/statsync/internal/logging"
	"github.com/kimhsiao/statsync/internal/models"
	"github.com/kimhsiao/statsync/internal/uuid"
)

// Strategy is the global reconciliation policy.
type Strategy string

const (
	StrategyLastWriteWins Strategy = "last_write_wins"
	StrategyManual        Strategy = "manual"
	StrategyMerge         Strategy = "merge"
)

// ParseStrategy validates a configured strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyLastWriteWins, StrategyManual, StrategyMerge:
		return Strategy(s), nil
	}
	return "", apperrors.Newf(apperrors.ErrInvalid, "unknown conflict strategy %q", s)
}

// Choice is an operator's decision for a pending conflict.
type Choice string

const (
	ChoiceLocal  Choice = "local"
	ChoiceRemote Choice = "remote"
	ChoiceCustom Choice = "custom"
)

// Store persists conflict records. *db.Repository implements it.
type Store interface {
	SaveConflict(ctx context.Context, c *models.ConflictResolution) error
	GetConflict(ctx context.Context, id string) (*models.ConflictResolution, error)
	ListPendingConflicts(ctx context.Context) ([]*models.ConflictResolution, error)
	MarkConflictResolved(ctx context.Context, id string, strategy models.ResolutionStrategy,
		resolved *models.Entity, resolvedBy string, at time.Time) error
	ConflictStats(ctx context.Context) (models.ConflictStats, error)
}

// DurationRecorder receives the time spent on each resolution.
type DurationRecorder interface {
	RecordConflictResolutionTime(d time.Duration)
}

// Input describes one divergence. Remote is nil when the remote copy no
// longer exists.
type Input struct {
	EntityType string
	EntityID   string
	Local      *models.Entity
	Remote     *models.Entity
	Type       models.ConflictType
}

// Resolver applies the configured strategy. It owns no state besides the
// strategy; pending conflicts live in the Store.
type Resolver struct {
	mu       sync.RWMutex
	strategy Strategy

	store    Store
	recorder DurationRecorder
	logger   *logging.Logger
	now      func() time.Time
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithRecorder reports resolution latency to rec.
func WithRecorder(rec DurationRecorder) Option {
	return func(r *Resolver) { r.recorder = rec }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// NewResolver creates a Resolver. With a nil store nothing is persisted
// and manual resolution is unavailable.
func NewResolver(strategy Strategy, store Store, logger *logging.Logger, opts ...Option) *Resolver {
	if logger == nil {
		logger = logging.Nop()
	}
	r := &Resolver{
		strategy: strategy,
		store:    store,
		logger:   logger.With("conflict_resolver"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Strategy returns the active strategy.
func (r *Resolver) Strategy() Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.strategy
}

// SetStrategy replaces the active strategy, e.g. after a config reload.
func (r *Resolver) SetStrategy(s Strategy) {
	r.mu.Lock()
	old := r.strategy
	r.strategy = s
	r.mu.Unlock()
	if old != s {
		r.logger.Info("Conflict strategy changed", map[string]interface{}{"from": old, "to": s})
	}
}

// Resolve builds a resolution record for in. Automatic strategies return
// a resolved record; manual returns a pending one. Every record is
// persisted when a store is configured.
func (r *Resolver) Resolve(ctx context.Context, in Input) (*models.ConflictResolution, error) {
	if in.Local == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "conflict requires a local copy")
	}
	if in.Remote != nil && in.Remote.ID != in.Local.ID {
		return nil, apperrors.Newf(apperrors.ErrInvalid, "conflict id mismatch: local %s, remote %s", in.Local.ID, in.Remote.ID)
	}
	start := time.Now()
	defer func() {
		if r.recorder != nil {
			r.recorder.RecordConflictResolutionTime(time.Since(start))
		}
	}()

	strategy := r.determine(in)
	res := &models.ConflictResolution{
		ID:                 uuid.NewOrdered(),
		EntityType:         in.EntityType,
		EntityID:           in.EntityID,
		ConflictType:       in.Type,
		LocalData:          in.Local.Clone(),
		RemoteData:         in.Remote.Clone(),
		ResolutionStrategy: strategy,
		CreatedAt:          r.now(),
	}

	switch strategy {
	case models.ResolutionLocal:
		res.ResolvedData = keepLocal(in.Local, in.Remote)
	case models.ResolutionRemote:
		res.ResolvedData = keepRemote(in.Local, in.Remote)
	case models.ResolutionMerge:
		res.ResolvedData = Merge(in.Local, in.Remote)
	case models.ResolutionManual:
		if err := r.save(ctx, res); err != nil {
			return nil, err
		}
		r.logger.Warn("Conflict requires manual resolution", map[string]interface{}{
			"conflict_id":    res.ID,
			"entity_type":    in.EntityType,
			"entity_id":      in.EntityID,
			"conflict_type":  in.Type,
			"local_version":  in.Local.Version,
			"remote_version": remoteVersion(in.Remote),
		})
		return res, nil
	}

	at := r.now()
	res.ResolvedAt = &at
	res.ResolvedBy = models.ResolvedBySystem
	if err := r.save(ctx, res); err != nil {
		return nil, err
	}

	r.logger.Info("Conflict resolved automatically", map[string]interface{}{
		"entity_type":   in.EntityType,
		"entity_id":     in.EntityID,
		"conflict_type": in.Type,
		"strategy":      strategy,
	})
	return res, nil
}

func (r *Resolver) determine(in Input) models.ResolutionStrategy {
	switch r.Strategy() {
	case StrategyLastWriteWins:
		if in.Remote == nil {
			return models.ResolutionLocal
		}
		if in.Remote.UpdatedAt.After(in.Local.UpdatedAt) {
			return models.ResolutionRemote
		}
		return models.ResolutionLocal
	case StrategyMerge:
		if in.Type == models.ConflictTypeDelete {
			return models.ResolutionManual
		}
		return models.ResolutionMerge
	default:
		return models.ResolutionManual
	}
}

func (r *Resolver) save(ctx context.Context, res *models.ConflictResolution) error {
	if r.store == nil {
		return nil
	}
	if err := r.store.SaveConflict(ctx, res); err != nil {
		return fmt.Errorf("persist conflict for %s/%s: %w", res.EntityType, res.EntityID, err)
	}
	return nil
}

func remoteVersion(e *models.Entity) int64 {
	if e == nil {
		return 0
	}
	return e.Version
}

// keepLocal returns the local copy, advanced past the remote version when
// the remote is not behind, so the next round stays linear.
func keepLocal(local, remote *models.Entity) *models.Entity {
	out := local.Clone()
	if remote != nil && remote.Version >= out.Version {
		out.Version = remote.Version + 1
	}
	out.SyncStatus = models.SyncStatusPending
	out.Touch()
	return out
}

// keepRemote returns the remote copy with a version past both inputs.
func keepRemote(local, remote *models.Entity) *models.Entity {
	out := remote.Clone()
	out.Version = max(local.Version, remote.Version) + 1
	out.SyncStatus = models.SyncStatusSynced
	out.Touch()
	return out
}

// PendingConflicts lists conflicts awaiting a manual decision.
func (r *Resolver) PendingConflicts(ctx context.Context) ([]*models.ConflictResolution, error) {
	if r.store == nil {
		return nil, nil
	}
	return r.store.ListPendingConflicts(ctx)
}

// ResolveManually records an operator decision for a pending conflict.
// ChoiceCustom requires custom data. The resolved copy carries a version
// past both sides; a nil ResolvedData means the chosen side is a deletion.
func (r *Resolver) ResolveManually(ctx context.Context, id string, choice Choice, custom *models.Entity) (*models.ConflictResolution, error) {
	c, err := r.Decide(ctx, id, choice, custom)
	if err != nil {
		return nil, err
	}
	if err := r.store.MarkConflictResolved(ctx, id, c.ResolutionStrategy, c.ResolvedData, c.ResolvedBy, *c.ResolvedAt); err != nil {
		return nil, err
	}
	r.Resolved(c, choice)
	return c, nil
}

// Decide computes an operator decision for a pending conflict without
// recording it. The caller persists it with MarkConflictResolved, usually
// in the same transaction that applies the resolved copy, then reports
// it through Resolved.
func (r *Resolver) Decide(ctx context.Context, id string, choice Choice, custom *models.Entity) (*models.ConflictResolution, error) {
	if r.store == nil {
		return nil, apperrors.New(apperrors.ErrConflictNotFound, "no conflict store configured")
	}
	c, err := r.store.GetConflict(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.IsResolved() {
		return nil, apperrors.Newf(apperrors.ErrInvalid, "conflict %s is already resolved", id)
	}

	var (
		chosen   *models.Entity
		strategy models.ResolutionStrategy
	)
	switch choice {
	case ChoiceLocal:
		chosen, strategy = c.LocalData, models.ResolutionLocal
	case ChoiceRemote:
		chosen, strategy = c.RemoteData, models.ResolutionRemote
	case ChoiceCustom:
		if custom == nil {
			return nil, apperrors.New(apperrors.ErrInvalid, "custom data required for custom resolution")
		}
		chosen, strategy = custom, models.ResolutionManual
	default:
		return nil, apperrors.Newf(apperrors.ErrInvalid, "unknown resolution choice %q", choice)
	}

	var resolved *models.Entity
	if chosen != nil {
		resolved = chosen.Clone()
		resolved.ID = c.EntityID
		if c.LocalData != nil && !c.LocalData.CreatedAt.IsZero() {
			resolved.CreatedAt = c.LocalData.CreatedAt
		}
		resolved.Version = max(remoteVersion(c.LocalData), remoteVersion(c.RemoteData), chosen.Version) + 1
		resolved.UpdatedAt = r.now()
		resolved.SyncStatus = models.SyncStatusPending
		resolved.Touch()
	}

	at := r.now()
	c.ResolutionStrategy = strategy
	c.ResolvedData = resolved
	c.ResolvedAt = &at
	c.ResolvedBy = models.ResolvedByOperator
	return c, nil
}

// Resolved logs a recorded operator decision.
func (r *Resolver) Resolved(c *models.ConflictResolution, choice Choice) {
	r.logger.Info("Conflict resolved manually", map[string]interface{}{
		"conflict_id": c.ID,
		"choice":      choice,
		"entity_type": c.EntityType,
		"entity_id":   c.EntityID,
	})
}

// Statistics aggregates the conflict history.
func (r *Resolver) Statistics(ctx context.Context) (models.ConflictStats, error) {
	if r.store == nil {
		return models.ConflictStats{
			ByType:     map[models.ConflictType]int{},
			ByStrategy: map[models.ResolutionStrategy]int{},
		}, nil
	}
	return r.store.ConflictStats(ctx)
}
