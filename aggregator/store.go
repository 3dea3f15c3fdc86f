package aggregator

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"github.com/arc-archive/arc-datastore/period"
)

//go:embed migrations/*.sql
var migrations embed.FS

var (
	_ Backend     = (*Store)(nil)
	_ OffsetStore = (*Store)(nil)
)

// Store is the SQLite Backend.
type Store struct {
	db       *sql.DB
	provider *goose.Provider
}

// NewStore opens the database at dbPath and applies pending migrations
func NewStore(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=on", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrent access
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load migrations: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create migration provider: %w", err)
	}

	store := &Store{db: db, provider: provider}
	if err := store.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// Migrate applies every pending migration
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.provider.Up(ctx)
	return err
}

// SchemaVersion returns the current migration version
func (s *Store) SchemaVersion(ctx context.Context) (int64, error) {
	return s.provider.GetDBVersion(ctx)
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) LatestSession(ctx context.Context, namespace, subjectID string, since time.Time) (*Session, error) {
	query := `
	SELECT id, subject_id, started_at, last_active_at
	FROM sessions
	WHERE namespace = ? AND subject_id = ? AND last_active_at >= ?
	ORDER BY last_active_at DESC
	LIMIT 1
	`

	var session Session
	var startedAt, lastActiveAt int64
	err := s.db.QueryRowContext(ctx, query, namespace, subjectID, since.UnixMilli()).Scan(
		&session.ID, &session.SubjectID, &startedAt, &lastActiveAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("query latest session", err)
	}

	session.StartedAt = fromMillis(startedAt)
	session.LastActiveAt = fromMillis(lastActiveAt)
	return &session, nil
}

func (s *Store) InsertSession(ctx context.Context, namespace string, session *Session) error {
	if err := ValidateSession(session); err != nil {
		return err
	}

	query := `
	INSERT INTO sessions (id, namespace, subject_id, started_at, last_active_at)
	VALUES (?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		session.ID, namespace, session.SubjectID,
		session.StartedAt.UnixMilli(), session.LastActiveAt.UnixMilli(),
	)
	if err != nil {
		return unavailable("insert session", err)
	}
	return nil
}

func (s *Store) TouchSession(ctx context.Context, namespace, sessionID string, lastActiveAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_active_at = ? WHERE namespace = ? AND id = ?`,
		lastActiveAt.UnixMilli(), namespace, sessionID,
	)
	if err != nil {
		return unavailable("update session", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("update session", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ScanSessions pages through the window ordered by (started_at, id) so that
// no page depends on an offset and rows are released before fn runs.
func (s *Store) ScanSessions(ctx context.Context, namespace string, start, end time.Time, opts ScanOptions, fn func(*Session) error) error {
	columns := "id, subject_id, started_at, last_active_at"
	if opts.SubjectOnly {
		columns = "id, subject_id, started_at"
	}
	query := `
	SELECT ` + columns + `
	FROM sessions
	WHERE namespace = ? AND started_at >= ? AND started_at <= ?
		AND (started_at > ? OR (started_at = ? AND id > ?))
	ORDER BY started_at, id
	LIMIT ?
	`

	pageSize := opts.PageSizeOrDefault()
	lastStarted := start.UnixMilli() - 1
	lastID := ""

	for {
		page, err := s.scanPage(ctx, query, opts.SubjectOnly,
			namespace, start.UnixMilli(), end.UnixMilli(), lastStarted, lastStarted, lastID, pageSize)
		if err != nil {
			return err
		}

		for _, session := range page {
			if err := fn(session); err != nil {
				return err
			}
		}

		if len(page) < pageSize {
			return nil
		}
		last := page[len(page)-1]
		lastStarted = last.StartedAt.UnixMilli()
		lastID = last.ID
	}
}

func (s *Store) scanPage(ctx context.Context, query string, subjectOnly bool, args ...any) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("scan sessions", err)
	}
	defer rows.Close()

	var page []*Session
	for rows.Next() {
		var session Session
		var startedAt, lastActiveAt int64

		if subjectOnly {
			err = rows.Scan(&session.ID, &session.SubjectID, &startedAt)
		} else {
			err = rows.Scan(&session.ID, &session.SubjectID, &startedAt, &lastActiveAt)
			session.LastActiveAt = fromMillis(lastActiveAt)
		}
		if err != nil {
			return nil, unavailable("scan sessions", err)
		}
		session.StartedAt = fromMillis(startedAt)
		page = append(page, &session)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("scan sessions", err)
	}
	return page, nil
}

// GetAggregate retrieves the rollup stored for kind and key
func (s *Store) GetAggregate(ctx context.Context, namespace string, kind period.Kind, key string) (*PeriodAggregate, error) {
	query := `
	SELECT kind, period_key, window_start, window_end,
		session_count, user_count, daily_breakdown, created_at
	FROM period_aggregates
	WHERE namespace = ? AND kind = ? AND period_key = ?
	`

	agg, err := scanAggregate(s.db.QueryRowContext(ctx, query, namespace, string(kind), key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get aggregate", err)
	}
	return agg, nil
}

// InsertAggregate relies on the primary key to reject a second rollup for
// the same period, so concurrent writers cannot both succeed.
func (s *Store) InsertAggregate(ctx context.Context, namespace string, agg *PeriodAggregate) error {
	var breakdown sql.NullString
	if agg.DailyBreakdown != nil {
		data, err := json.Marshal(agg.DailyBreakdown)
		if err != nil {
			return fmt.Errorf("failed to marshal daily breakdown: %w", err)
		}
		breakdown = sql.NullString{String: string(data), Valid: true}
	}

	query := `
	INSERT INTO period_aggregates (
		namespace, kind, period_key, window_start, window_end,
		session_count, user_count, daily_breakdown, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(namespace, kind, period_key) DO NOTHING
	`
	res, err := s.db.ExecContext(ctx, query,
		namespace, string(agg.Kind), agg.Key,
		agg.WindowStart.UnixMilli(), agg.WindowEnd.UnixMilli(),
		agg.SessionCount, agg.UserCount, breakdown, agg.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return unavailable("insert aggregate", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("insert aggregate", err)
	}
	if n == 0 {
		return ErrAggregateExists
	}
	return nil
}

func (s *Store) ListAggregates(ctx context.Context, namespace string, kind period.Kind, start, end time.Time) ([]*PeriodAggregate, error) {
	query := `
	SELECT kind, period_key, window_start, window_end,
		session_count, user_count, daily_breakdown, created_at
	FROM period_aggregates
	WHERE namespace = ? AND kind = ? AND window_start >= ? AND window_start <= ?
	`

	rows, err := s.db.QueryContext(ctx, query, namespace, string(kind), start.UnixMilli(), end.UnixMilli())
	if err != nil {
		return nil, unavailable("list aggregates", err)
	}
	defer rows.Close()

	var aggregates []*PeriodAggregate
	for rows.Next() {
		agg, err := scanAggregate(rows)
		if err != nil {
			return nil, unavailable("list aggregates", err)
		}
		aggregates = append(aggregates, agg)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list aggregates", err)
	}
	return aggregates, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAggregate(row rowScanner) (*PeriodAggregate, error) {
	var agg PeriodAggregate
	var kind string
	var windowStart, windowEnd, createdAt int64
	var breakdown sql.NullString

	err := row.Scan(
		&kind, &agg.Key, &windowStart, &windowEnd,
		&agg.SessionCount, &agg.UserCount, &breakdown, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	agg.Kind = period.Kind(kind)
	agg.WindowStart = fromMillis(windowStart)
	agg.WindowEnd = fromMillis(windowEnd)
	agg.CreatedAt = fromMillis(createdAt)
	if breakdown.Valid && breakdown.String != "" {
		if err := json.Unmarshal([]byte(breakdown.String), &agg.DailyBreakdown); err != nil {
			return nil, fmt.Errorf("failed to decode daily breakdown for %s/%s: %w", kind, agg.Key, err)
		}
	}
	return &agg, nil
}

// UpdateProcessingState updates the processing state for a file
func (s *Store) UpdateProcessingState(ctx context.Context, fileName string, byteOffset int64, fileSize int64) error {
	query := `
	INSERT INTO processing_state (file_name, last_byte_offset, last_processed_time, file_size_bytes, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(file_name) DO UPDATE SET
		last_byte_offset = excluded.last_byte_offset,
		last_processed_time = excluded.last_processed_time,
		file_size_bytes = excluded.file_size_bytes,
		updated_at = excluded.updated_at
	`

	now := time.Now().Unix()
	if _, err := s.db.ExecContext(ctx, query, fileName, byteOffset, now, fileSize, now); err != nil {
		return unavailable("update processing state", err)
	}
	return nil
}

// GetProcessingState retrieves the processing state for a file
func (s *Store) GetProcessingState(ctx context.Context, fileName string) (*ProcessingState, error) {
	query := `
	SELECT file_name, last_byte_offset, last_processed_time, file_size_bytes, updated_at
	FROM processing_state WHERE file_name = ?
	`

	var state ProcessingState
	var lastProcessedTime, updatedAt int64

	err := s.db.QueryRowContext(ctx, query, fileName).Scan(
		&state.FileName, &state.LastByteOffset, &lastProcessedTime,
		&state.FileSizeBytes, &updatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		// Return empty state if not found
		return &ProcessingState{
			FileName:       fileName,
			LastByteOffset: 0,
		}, nil
	}

	if err != nil {
		return nil, unavailable("get processing state", err)
	}

	state.LastProcessedTime = time.Unix(lastProcessedTime, 0)
	state.UpdatedAt = time.Unix(updatedAt, 0)

	return &state, nil
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
