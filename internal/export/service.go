// Package export provides JSON export/import of the local store and
// compressed, optionally encrypted backups with retention.
package export

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/kimhsiao/statsync/internal/crypto"
	apperrors "github.com/kimhsiao/statsync/internal/errors"
	"github.com/kimhsiao/statsync/internal/logging"
	"github.com/kimhsiao/statsync/internal/models"
	"github.com/kimhsiao/statsync/internal/uuid"
)

// FormatVersion is written into every export document and manifest.
const FormatVersion = "1.0"

const (
	backupExt   = ".backup"
	manifestExt = ".json"
)

var backupIDRe = regexp.MustCompile(`^backup-[0-9]{8}T[0-9]{6}Z-[0-9a-f]{8}$`)

// Store is the part of the database service export reads from and import
// writes through. Import goes through Create so every restored record is
// queued for the backends like any other local write.
type Store interface {
	Tables(ctx context.Context) ([]string, error)
	FindAll(ctx context.Context, table string, conditions map[string]any) ([]*models.Entity, error)
	Create(ctx context.Context, table string, data map[string]any) (*models.Entity, error)
}

// Document is the export format: every table's entities plus an envelope.
type Document struct {
	Timestamp time.Time                   `json:"timestamp"`
	Data      map[string][]*models.Entity `json:"data"`
	Metadata  DocumentMetadata            `json:"metadata"`
}

// DocumentMetadata is the export envelope.
type DocumentMetadata struct {
	Version      string `json:"version"`
	TotalRecords int    `json:"total_records"`
}

// Config holds backup configuration.
type Config struct {
	Dir        string
	Password   string // Empty disables encryption
	MaxBackups int    // Zero keeps every backup
}

// ExportService provides export/import and backup functionality.
type ExportService struct {
	store  Store
	config Config
	logger *logging.Logger
	now    func() time.Time
}

// NewExportService creates a new ExportService.
func NewExportService(store Store, config Config, logger *logging.Logger) *ExportService {
	if config.Dir == "" {
		config.Dir = "backups"
	}
	if config.MaxBackups < 0 {
		config.MaxBackups = 0
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &ExportService{
		store:  store,
		config: config,
		logger: logger.With("export"),
		now:    time.Now,
	}
}

// Dir returns the backup directory.
func (s *ExportService) Dir() string {
	return s.config.Dir
}

// ExportResult represents the result of an export operation.
type ExportResult struct {
	Tables       []string      `json:"tables"`
	TotalRecords int           `json:"total_records"`
	SizeBytes    int64         `json:"size_bytes"`
	Duration     time.Duration `json:"duration"`
}

// ImportResult represents the result of an import operation.
type ImportResult struct {
	ImportedCount int           `json:"imported_count"`
	SkippedCount  int           `json:"skipped_count"`
	Duration      time.Duration `json:"duration"`
}

// BuildDocument collects every table of the local store.
func (s *ExportService) BuildDocument(ctx context.Context) (*Document, error) {
	tables, err := s.store.Tables(ctx)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrExportFailed, "list tables", err)
	}
	sort.Strings(tables)

	doc := &Document{
		Timestamp: s.now().UTC(),
		Data:      make(map[string][]*models.Entity, len(tables)),
		Metadata:  DocumentMetadata{Version: FormatVersion},
	}
	for _, table := range tables {
		records, err := s.store.FindAll(ctx, table, nil)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrExportFailed, "read "+table, err)
		}
		if records == nil {
			records = []*models.Entity{}
		}
		doc.Data[table] = records
		doc.Metadata.TotalRecords += len(records)
	}
	return doc, nil
}

// Export writes the JSON document of the whole store to w.
func (s *ExportService) Export(ctx context.Context, w io.Writer) (*ExportResult, error) {
	start := time.Now()
	doc, err := s.BuildDocument(ctx)
	if err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrExportFailed, "encode export", err)
	}
	n, err := w.Write(data)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrExportFailed, "write export", err)
	}

	result := &ExportResult{
		Tables:       sortedTables(doc),
		TotalRecords: doc.Metadata.TotalRecords,
		SizeBytes:    int64(n),
		Duration:     time.Since(start),
	}
	s.logger.Info("Export completed", map[string]interface{}{
		"tables":  len(result.Tables),
		"records": result.TotalRecords,
		"bytes":   result.SizeBytes,
	})
	return result, nil
}

// Import replays every record of an export document through Create.
// Identity and metadata are not carried over: each record becomes a new
// local entity queued for every backend. Records that fail are skipped
// and counted.
func (s *ExportService) Import(ctx context.Context, r io.Reader) (*ImportResult, error) {
	var doc Document
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrImportFailed, "decode export document", err)
	}
	return s.importDocument(ctx, &doc)
}

func (s *ExportService) importDocument(ctx context.Context, doc *Document) (*ImportResult, error) {
	start := time.Now()
	if doc.Data == nil {
		return nil, apperrors.New(apperrors.ErrImportFailed, "export document has no data")
	}

	result := &ImportResult{}
	for _, table := range sortedTables(doc) {
		records := doc.Data[table]
		s.logger.Info("Restoring table", map[string]interface{}{"table": table, "records": len(records)})
		for _, rec := range records {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if rec == nil {
				result.SkippedCount++
				continue
			}
			if _, err := s.store.Create(ctx, table, rec.Fields); err != nil {
				result.SkippedCount++
				s.logger.Warn("Failed to restore record", map[string]interface{}{
					"table": table,
					"id":    rec.ID,
					"error": err.Error(),
				})
				continue
			}
			result.ImportedCount++
		}
	}
	result.Duration = time.Since(start)

	s.logger.Info("Import completed", map[string]interface{}{
		"imported": result.ImportedCount,
		"skipped":  result.SkippedCount,
	})
	return result, nil
}

func sortedTables(doc *Document) []string {
	tables := make([]string, 0, len(doc.Data))
	for t := range doc.Data {
		tables = append(tables, t)
	}
	sort.Strings(tables)
	return tables
}

// BackupManifest is the metadata sidecar written next to every backup.
type BackupManifest struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	Description string    `json:"description,omitempty"`
	Size        int64     `json:"size"`
	Checksum    string    `json:"checksum"`
	Tables      []string  `json:"tables"`
	RecordCount int       `json:"record_count"`
	Version     string    `json:"version"`
	Encrypted   bool      `json:"encrypted"`
	Compressed  bool      `json:"compressed"`
}

// ValidationReport is the outcome of ValidateBackup.
type ValidationReport struct {
	Valid    bool            `json:"valid"`
	Issues   []string        `json:"issues"`
	Manifest *BackupManifest `json:"manifest,omitempty"`
}

// BackupStats summarises the backup directory.
type BackupStats struct {
	TotalBackups int        `json:"total_backups"`
	TotalSize    int64      `json:"total_size"`
	Oldest       *time.Time `json:"oldest,omitempty"`
	Newest       *time.Time `json:"newest,omitempty"`
}

func (s *ExportService) backupPath(id string) string {
	return filepath.Join(s.config.Dir, id+backupExt)
}

func (s *ExportService) manifestPath(id string) string {
	return filepath.Join(s.config.Dir, id+manifestExt)
}

func (s *ExportService) newBackupID() string {
	return fmt.Sprintf("backup-%s-%s", s.now().UTC().Format("20060102T150405Z"), strings.ReplaceAll(uuid.New(), "-", "")[:8])
}

func validateBackupID(id string) error {
	if !backupIDRe.MatchString(id) {
		return apperrors.Newf(apperrors.ErrInvalid, "invalid backup id %q", id)
	}
	return nil
}

// CreateBackup writes the export document gzip-compressed, encrypted when
// a password is configured, plus its manifest, then applies retention.
func (s *ExportService) CreateBackup(ctx context.Context, description string) (*BackupManifest, error) {
	start := time.Now()
	doc, err := s.BuildDocument(ctx)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrExportFailed, "encode backup", err)
	}
	payload, err := compress(raw)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrExportFailed, "compress backup", err)
	}
	encrypted := s.config.Password != ""
	if encrypted {
		payload, err = crypto.EncryptArchive(payload, s.config.Password)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrCryptoFailed, "encrypt backup", err)
		}
	}

	manifest := &BackupManifest{
		ID:          s.newBackupID(),
		Timestamp:   doc.Timestamp,
		Description: description,
		Size:        int64(len(payload)),
		Checksum:    checksum(payload),
		Tables:      sortedTables(doc),
		RecordCount: doc.Metadata.TotalRecords,
		Version:     FormatVersion,
		Encrypted:   encrypted,
		Compressed:  true,
	}
	if manifest.Description == "" {
		manifest.Description = "Automatic backup - " + manifest.Timestamp.Format(time.RFC3339)
	}

	if err := os.MkdirAll(s.config.Dir, 0o755); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrExportFailed, "create backup directory", err)
	}
	if err := writeFileAtomic(s.backupPath(manifest.ID), payload); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrExportFailed, "write backup", err)
	}
	if err := s.writeManifest(manifest); err != nil {
		os.Remove(s.backupPath(manifest.ID))
		return nil, apperrors.Wrap(apperrors.ErrExportFailed, "write manifest", err)
	}

	s.logger.Info("Backup created", map[string]interface{}{
		"id":          manifest.ID,
		"size":        manifest.Size,
		"records":     manifest.RecordCount,
		"encrypted":   encrypted,
		"duration_ms": time.Since(start).Milliseconds(),
	})

	if _, err := s.Prune(); err != nil {
		s.logger.Error("Backup retention failed", err)
	}
	return manifest, nil
}

// ListBackups returns every backup manifest, newest first. Unreadable
// manifests are skipped.
func (s *ExportService) ListBackups() ([]*BackupManifest, error) {
	entries, err := os.ReadDir(s.config.Dir)
	if errors.Is(err, os.ErrNotExist) {
		return []*BackupManifest{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}

	out := []*BackupManifest{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != manifestExt {
			continue
		}
		id := strings.TrimSuffix(name, manifestExt)
		if validateBackupID(id) != nil {
			continue
		}
		m, err := s.readManifest(id)
		if err != nil {
			s.logger.Warn("Skipping unreadable backup manifest", map[string]interface{}{"id": id, "error": err.Error()})
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID > out[j].ID
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out, nil
}

// ValidateBackup checks integrity, decryption, decompression and the
// document shape of one backup.
func (s *ExportService) ValidateBackup(id string) (*ValidationReport, error) {
	if err := validateBackupID(id); err != nil {
		return nil, err
	}
	manifest, err := s.readManifest(id)
	if err != nil {
		return &ValidationReport{Issues: []string{"Failed to read backup manifest"}}, nil
	}

	report := &ValidationReport{Manifest: manifest, Issues: []string{}}
	if err := verifyChecksum(s.backupPath(id), manifest.Checksum); err != nil {
		report.Issues = append(report.Issues, "Backup integrity check failed")
	}
	if _, err := s.loadDocument(manifest); err != nil {
		report.Issues = append(report.Issues, "Failed to process backup data: "+err.Error())
	}
	report.Valid = len(report.Issues) == 0
	return report, nil
}

// RestoreBackup verifies a backup and replays it through Create.
func (s *ExportService) RestoreBackup(ctx context.Context, id string) (*ImportResult, error) {
	if err := validateBackupID(id); err != nil {
		return nil, err
	}
	manifest, err := s.readManifest(id)
	if err != nil {
		return nil, err
	}
	if err := verifyChecksum(s.backupPath(id), manifest.Checksum); err != nil {
		return nil, err
	}
	doc, err := s.loadDocument(manifest)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Starting backup restoration", map[string]interface{}{"id": id, "records": manifest.RecordCount})
	result, err := s.importDocument(ctx, doc)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Backup restored", map[string]interface{}{"id": id, "imported": result.ImportedCount})
	return result, nil
}

// DeleteBackup removes a backup and its manifest.
func (s *ExportService) DeleteBackup(id string) error {
	if err := validateBackupID(id); err != nil {
		return err
	}
	if _, err := os.Stat(s.manifestPath(id)); errors.Is(err, os.ErrNotExist) {
		return apperrors.Wrap(apperrors.ErrNotFound, "backup "+id, models.ErrNotFound)
	}
	for _, p := range []string{s.backupPath(id), s.manifestPath(id)} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to delete %s: %w", filepath.Base(p), err)
		}
	}
	s.logger.Info("Backup deleted", map[string]interface{}{"id": id})
	return nil
}

// Prune deletes the oldest backups beyond MaxBackups and returns how many
// were removed.
func (s *ExportService) Prune() (int, error) {
	if s.config.MaxBackups <= 0 {
		return 0, nil
	}
	backups, err := s.ListBackups()
	if err != nil {
		return 0, err
	}
	if len(backups) <= s.config.MaxBackups {
		return 0, nil
	}

	removed := 0
	for _, b := range backups[s.config.MaxBackups:] {
		if err := s.DeleteBackup(b.ID); err != nil {
			s.logger.Error("Failed to delete old backup", err, map[string]interface{}{"id": b.ID})
			continue
		}
		removed++
	}
	s.logger.Info("Cleaned up old backups", map[string]interface{}{"removed": removed})
	return removed, nil
}

// Stats summarises the backup directory.
func (s *ExportService) Stats() (*BackupStats, error) {
	backups, err := s.ListBackups()
	if err != nil {
		return nil, err
	}
	stats := &BackupStats{TotalBackups: len(backups)}
	for _, b := range backups {
		stats.TotalSize += b.Size
	}
	if len(backups) > 0 {
		newest := backups[0].Timestamp
		oldest := backups[len(backups)-1].Timestamp
		stats.Newest, stats.Oldest = &newest, &oldest
	}
	return stats, nil
}

func (s *ExportService) loadDocument(manifest *BackupManifest) (*Document, error) {
	payload, err := os.ReadFile(s.backupPath(manifest.ID))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrNotFound, "backup "+manifest.ID, err)
	}
	if manifest.Encrypted {
		if s.config.Password == "" {
			return nil, apperrors.New(apperrors.ErrInvalidPassword, "backup is encrypted and no password is configured")
		}
		payload, err = crypto.DecryptArchive(payload, s.config.Password)
		switch {
		case errors.Is(err, crypto.ErrInvalidPassword):
			return nil, apperrors.Wrap(apperrors.ErrInvalidPassword, "decrypt backup", err)
		case err != nil:
			return nil, apperrors.Wrap(apperrors.ErrCorruptedArchive, "decrypt backup", err)
		}
	}
	if manifest.Compressed {
		payload, err = decompress(payload)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrCorruptedArchive, "decompress backup", err)
		}
	}
	var doc Document
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCorruptedArchive, "decode backup", err)
	}
	return &doc, nil
}

// writeManifest writes the backup manifest.
func (s *ExportService) writeManifest(m *BackupManifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(s.manifestPath(m.ID), data)
}

// readManifest reads and parses a backup manifest.
func (s *ExportService) readManifest(id string) (*BackupManifest, error) {
	data, err := os.ReadFile(s.manifestPath(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, apperrors.Wrap(apperrors.ErrNotFound, "backup "+id, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var m BackupManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCorruptedArchive, "decode manifest "+id, err)
	}
	return &m, nil
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// verifyChecksum compares the SHA-256 of the file at path with expected.
func verifyChecksum(path, expected string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrNotFound, "read "+filepath.Base(path), err)
	}
	if got := checksum(data); got != expected {
		return apperrors.Newf(apperrors.ErrCorruptedArchive, "checksum mismatch for %s: got %s, want %s", filepath.Base(path), got, expected)
	}
	return nil
}

// writeFileAtomic writes through a temporary file so a crash never leaves
// a truncated backup behind.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
