package db

import (
	"context"
	"os"
)

// StorageInfo reports the footprint of the local store.
type StorageInfo struct {
	Path         string         `json:"path"`
	Tables       map[string]int `json:"tables"`
	TotalRecords int            `json:"total_records"`
	QueueEntries int            `json:"queue_entries"`
	Conflicts    int            `json:"conflicts"`
	SizeBytes    int64          `json:"size_bytes"`
	FreeBytes    int64          `json:"free_bytes"`
	WALSizeBytes int64          `json:"wal_size_bytes"`
}

// GetStorageInfo reports record counts and the on-disk footprint.
func (r *Repository) GetStorageInfo(ctx context.Context) (*StorageInfo, error) {
	info := &StorageInfo{Path: r.db.Path(), Tables: map[string]int{}}

	tables, err := r.Tables(ctx)
	if err != nil {
		return nil, err
	}
	for _, t := range tables {
		n, err := r.Count(ctx, t)
		if err != nil {
			return nil, err
		}
		info.Tables[t] = n
		info.TotalRecords += n
	}

	run := r.direct()
	if err := run.queryRow(ctx, `SELECT COUNT(*) FROM sync_queue`).Scan(&info.QueueEntries); err != nil {
		return nil, dbErr("count queue", err)
	}
	if err := run.queryRow(ctx, `SELECT COUNT(*) FROM conflict_resolutions`).Scan(&info.Conflicts); err != nil {
		return nil, dbErr("count conflicts", err)
	}

	var pageCount, pageSize, freePages int64
	if err := r.db.QueryRowContext(ctx, `PRAGMA page_count`).Scan(&pageCount); err != nil {
		return nil, dbErr("page count", err)
	}
	if err := r.db.QueryRowContext(ctx, `PRAGMA page_size`).Scan(&pageSize); err != nil {
		return nil, dbErr("page size", err)
	}
	if err := r.db.QueryRowContext(ctx, `PRAGMA freelist_count`).Scan(&freePages); err != nil {
		return nil, dbErr("freelist count", err)
	}
	info.SizeBytes = pageCount * pageSize
	info.FreeBytes = freePages * pageSize

	if fi, err := os.Stat(r.db.Path() + "-wal"); err == nil {
		info.WALSizeBytes = fi.Size()
	}
	return info, nil
}

// Vacuum checkpoints the WAL and rebuilds the database file.
func (r *Repository) Vacuum(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return dbErr("checkpoint", err)
	}
	if _, err := r.db.ExecContext(ctx, `VACUUM`); err != nil {
		return dbErr("vacuum", err)
	}
	return nil
}
