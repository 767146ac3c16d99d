package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/joescharf/apex/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One writer at a time; the watch loop and the local API share this handle.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// newULID generates a new ULID string.
func newULID() string {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(entropy, 0)).String()
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()

		var count int
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count); err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Builds ---

// SaveBuild inserts or replaces the cached snapshot of a build.
func (s *SQLiteStore) SaveBuild(ctx context.Context, b *models.BuildSession) error {
	if b == nil || b.ID == "" {
		return errors.New("save build: missing build id")
	}
	snapshot, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode build %s: %w", b.ID, err)
	}

	created := b.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	updated := b.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO builds (id, project_id, description, mode, power_mode, status, progress, live, resumable, snapshot, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			project_id=excluded.project_id, description=excluded.description, mode=excluded.mode,
			power_mode=excluded.power_mode, status=excluded.status, progress=excluded.progress,
			live=excluded.live, resumable=excluded.resumable, snapshot=excluded.snapshot,
			updated_at=excluded.updated_at`,
		b.ID, b.ProjectID, b.Description, string(b.Mode), string(b.PowerMode), string(b.Status),
		b.Progress, boolToInt(b.Live), boolToInt(b.Resumable), string(snapshot), created.UTC(), updated.UTC(),
	)
	if err != nil {
		return fmt.Errorf("save build: %w", err)
	}
	return nil
}

// GetBuild returns the cached snapshot of a build.
func (s *SQLiteStore) GetBuild(ctx context.Context, id string) (*models.BuildSession, error) {
	var snapshot string
	err := s.db.QueryRowContext(ctx, `SELECT snapshot FROM builds WHERE id = ?`, id).Scan(&snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("build not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get build: %w", err)
	}
	return decodeSnapshot(id, snapshot)
}

// ListBuilds returns cached builds, most recently updated first.
func (s *SQLiteStore) ListBuilds(ctx context.Context, filter BuildListFilter) ([]*models.BuildSession, error) {
	query := `SELECT id, snapshot FROM builds WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.LiveOnly {
		query += " AND live = 1"
	}
	query += " ORDER BY updated_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list builds: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var builds []*models.BuildSession
	for rows.Next() {
		var id, snapshot string
		if err := rows.Scan(&id, &snapshot); err != nil {
			return nil, fmt.Errorf("scan build: %w", err)
		}
		b, err := decodeSnapshot(id, snapshot)
		if err != nil {
			return nil, err
		}
		builds = append(builds, b)
	}
	return builds, rows.Err()
}

// DeleteBuild removes a build and its recorded events.
func (s *SQLiteStore) DeleteBuild(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM builds WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete build: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("build not found: %s", id)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM build_events WHERE build_id = ?`, id); err != nil {
		return fmt.Errorf("delete build events: %w", err)
	}
	return nil
}

func decodeSnapshot(id, snapshot string) (*models.BuildSession, error) {
	b := &models.BuildSession{}
	if err := json.Unmarshal([]byte(snapshot), b); err != nil {
		return nil, fmt.Errorf("decode build %s: %w", id, err)
	}
	if b.Agents == nil {
		b.Agents = map[string]models.Agent{}
	}
	return b, nil
}

// --- Event journal ---

// RecordEvent appends a raw stream frame to the build's journal.
func (s *SQLiteStore) RecordEvent(ctx context.Context, buildID, kind string, payload []byte) error {
	if !json.Valid(payload) {
		return fmt.Errorf("record event: payload for %s is not valid JSON", buildID)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO build_events (id, build_id, kind, payload, received_at) VALUES (?, ?, ?, ?, ?)`,
		newULID(), buildID, kind, string(payload), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	return nil
}

// ListEvents returns a build's journal in arrival order.
func (s *SQLiteStore) ListEvents(ctx context.Context, buildID string) ([]*RecordedEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, build_id, kind, payload, received_at FROM build_events WHERE build_id = ? ORDER BY seq`, buildID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*RecordedEvent
	for rows.Next() {
		ev := &RecordedEvent{}
		var payload string
		if err := rows.Scan(&ev.ID, &ev.BuildID, &ev.Kind, &payload, &ev.ReceivedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Payload = json.RawMessage(payload)
		out = append(out, ev)
	}
	return out, rows.Err()
}
