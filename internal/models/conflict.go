package models

import "time"

// ConflictType classifies a local/remote divergence.
type ConflictType string

const (
	ConflictTypeVersion ConflictType = "version"
	ConflictTypeData    ConflictType = "data"
	ConflictTypeDelete  ConflictType = "delete"
)

// ResolutionStrategy records which side a resolution took.
type ResolutionStrategy string

const (
	ResolutionLocal  ResolutionStrategy = "local"
	ResolutionRemote ResolutionStrategy = "remote"
	ResolutionMerge  ResolutionStrategy = "merge"
	ResolutionManual ResolutionStrategy = "manual"
	ResolutionCustom ResolutionStrategy = "custom"
)

// Markers stored in ConflictResolution.ResolvedBy.
const (
	ResolvedBySystem     = "system"
	ResolvedByOperator   = "operator"
	ResolvedBySuperseded = "superseded"
)

// ConflictResolution records how a divergence was reconciled. A record
// with a nil ResolvedAt is pending a manual decision.
type ConflictResolution struct {
	ID                 string             `db:"id" json:"id"`
	EntityType         string             `db:"entity_type" json:"entity_type"`
	EntityID           string             `db:"entity_id" json:"entity_id"`
	ConflictType       ConflictType       `db:"conflict_type" json:"conflict_type"`
	LocalData          *Entity            `db:"local_data" json:"local_data"`
	RemoteData         *Entity            `db:"remote_data" json:"remote_data"`
	ResolutionStrategy ResolutionStrategy `db:"resolution_strategy" json:"resolution_strategy"`
	ResolvedData       *Entity            `db:"resolved_data" json:"resolved_data,omitempty"`
	ResolvedAt         *time.Time         `db:"resolved_at" json:"resolved_at,omitempty"`
	ResolvedBy         string             `db:"resolved_by" json:"resolved_by,omitempty"`
	CreatedAt          time.Time          `db:"created_at" json:"created_at"`
}

// TableName returns the table name for ConflictResolution.
func (ConflictResolution) TableName() string {
	return "conflict_resolutions"
}

// IsResolved reports whether a decision has been applied.
func (c *ConflictResolution) IsResolved() bool {
	return c.ResolvedAt != nil
}

// ConflictStats aggregates conflict history.
type ConflictStats struct {
	Total          int                        `json:"total"`
	Pending        int                        `json:"pending"`
	AutoResolved   int                        `json:"auto_resolved"`
	ManualResolved int                        `json:"manual_resolved"`
	ByType         map[ConflictType]int       `json:"by_type"`
	ByStrategy     map[ResolutionStrategy]int `json:"by_strategy"`
}
