// Package history persists completed scans to a local SQLite archive.
//
// Each scan is stored twice: a summary row for cheap listing and trend
// queries, and the full normalized report as a zstd-compressed JSON
// blob for later retrieval. The archive is append-only from the
// engine's point of view.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/geotoolkit/geotoolkit/pkg/models"
	"github.com/geotoolkit/geotoolkit/pkg/shared/severity"
)

// Store is the SQLite-backed scan archive.
type Store struct {
	db *sql.DB
	mu sync.Mutex

	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// Entry is one archived scan summary.
type Entry struct {
	ScanID      uuid.UUID `json:"scan_id"`
	ProjectID   uuid.UUID `json:"project_id"`
	ProjectName string    `json:"project_name"`
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	Findings    int       `json:"findings"`
	High        int       `json:"high"`
	Medium      int       `json:"medium"`
	Low         int       `json:"low"`
}

// Open creates or opens the archive at the given path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init compressor: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init decompressor: %w", err)
	}

	s := &Store{db: db, encoder: encoder, decoder: decoder}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS scans (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		project_name TEXT NOT NULL,
		status TEXT NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		findings_count INTEGER NOT NULL,
		high_count INTEGER NOT NULL,
		medium_count INTEGER NOT NULL,
		low_count INTEGER NOT NULL,
		report BLOB NOT NULL,
		report_size INTEGER NOT NULL,
		compression_algo TEXT DEFAULT 'zstd',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_scans_project_id ON scans(project_id);
	CREATE INDEX IF NOT EXISTS idx_scans_timestamp ON scans(timestamp);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Save archives a terminal scan.
func (s *Store) Save(ctx context.Context, p *models.Project, scan *models.Scan) error {
	if !scan.Status.Terminal() {
		return fmt.Errorf("scan %s is not terminal (%s)", scan.ID, scan.Status)
	}

	raw, err := json.Marshal(scan)
	if err != nil {
		return fmt.Errorf("encode scan: %w", err)
	}
	compressed := s.encoder.EncodeAll(raw, nil)

	counts := severity.CountBySeverity{}
	for _, f := range scan.Findings {
		counts.Increment(f.Severity)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scans (id, project_id, project_name, status, timestamp,
			findings_count, high_count, medium_count, low_count, report, report_size)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		scan.ID.String(), scan.ProjectID.String(), p.Name, string(scan.Status),
		scan.Timestamp.UTC(), len(scan.Findings),
		counts.High, counts.Medium, counts.Low,
		compressed, len(raw),
	)
	if err != nil {
		return fmt.Errorf("save scan: %w", err)
	}
	return nil
}

// Recent lists the most recent archived scans, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, project_name, status, timestamp,
			findings_count, high_count, medium_count, low_count
		FROM scans ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list scans: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var scanID, projectID string
		if err := rows.Scan(&scanID, &projectID, &e.ProjectName, &e.Status, &e.Timestamp,
			&e.Findings, &e.High, &e.Medium, &e.Low); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		if e.ScanID, err = uuid.Parse(scanID); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		if e.ProjectID, err = uuid.Parse(projectID); err != nil {
			return nil, fmt.Errorf("project id: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Get retrieves the full archived scan by ID.
func (s *Store) Get(ctx context.Context, scanID uuid.UUID) (*models.Scan, error) {
	var compressed []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT report FROM scans WHERE id = ?`, scanID.String()).Scan(&compressed)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("scan %s not archived", scanID)
	}
	if err != nil {
		return nil, fmt.Errorf("load scan: %w", err)
	}

	raw, err := s.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress report: %w", err)
	}
	var scan models.Scan
	if err := json.Unmarshal(raw, &scan); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	return &scan, nil
}

// Close releases the database and codec resources.
func (s *Store) Close() error {
	s.encoder.Close()
	s.decoder.Close()
	return s.db.Close()
}
