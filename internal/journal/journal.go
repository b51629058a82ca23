package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// MemoryPath opens a private in-memory database
const MemoryPath = ":memory:"

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	startedAt REAL NOT NULL,
	endedAt REAL,
	state TEXT NOT NULL,
	sampleRate INTEGER NOT NULL,
	channels INTEGER NOT NULL,
	device TEXT NOT NULL DEFAULT '',
	provider TEXT NOT NULL DEFAULT '',
	dir TEXT NOT NULL DEFAULT '',
	transcript TEXT,
	errorKind TEXT,
	errorChunk INTEGER,
	errorMessage TEXT
);

CREATE TABLE IF NOT EXISTS chunks (
	sessionId TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	sequenceNumber INTEGER NOT NULL,
	durationMs INTEGER NOT NULL,
	sizeBytes INTEGER NOT NULL,
	path TEXT NOT NULL,
	status TEXT NOT NULL,
	text TEXT NOT NULL DEFAULT '',
	attempts INTEGER NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT '',
	updatedAt REAL NOT NULL,
	PRIMARY KEY (sessionId, sequenceNumber)
);

CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(startedAt);
`

// SessionRecord is a journaled recording session
type SessionRecord struct {
	ID           string        `json:"id"`
	StartedAt    time.Time     `json:"started_at"`
	EndedAt      *time.Time    `json:"ended_at,omitempty"`
	State        string        `json:"state"`
	SampleRate   int           `json:"sample_rate"`
	Channels     int           `json:"channels"`
	Device       string        `json:"device"`
	Provider     string        `json:"provider"`
	Dir          string        `json:"dir"`
	Transcript   string        `json:"transcript,omitempty"`
	ErrorKind    string        `json:"error_kind,omitempty"`
	ErrorChunk   *int          `json:"error_chunk,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
	Chunks       []ChunkRecord `json:"chunks,omitempty"`
}

// ChunkRecord is the journaled status of one chunk
type ChunkRecord struct {
	SessionID string        `json:"session_id"`
	Index     int           `json:"index"`
	Duration  time.Duration `json:"duration"`
	Size      int64         `json:"size_bytes"`
	Path      string        `json:"path"`
	Status    string        `json:"status"`
	Text      string        `json:"text,omitempty"`
	Attempts  int           `json:"attempts"`
	Error     string        `json:"error,omitempty"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Outcome is the terminal result of a session
type Outcome struct {
	State        string
	EndedAt      time.Time
	Transcript   string
	ErrorKind    string
	ErrorChunk   int // negative when no chunk is involved
	ErrorMessage string
}

// Journal is the session ledger. A nil *Journal accepts and discards all
// writes.
type Journal struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens or creates the database at path
func Open(path string, logger *slog.Logger) (*Journal, error) {
	if path == "" {
		return nil, fmt.Errorf("journal path cannot be empty")
	}

	dsn := MemoryPath
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create journal directory: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection serialises writers and keeps :memory: databases alive.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	if path == MemoryPath {
		if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable foreign keys: %w", err)
		}
	}

	logger.Debug("Journal opened", slog.String("path", path))
	return &Journal{db: db, logger: logger}, nil
}

// DefaultPath returns the journal location under the user's data directory
func DefaultPath() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "voicedeck", "journal.sqlite")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "voicedeck", "journal.sqlite")
}

// Close closes the database connection
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	return j.db.Close()
}

// SessionStarted inserts a new session row
func (j *Journal) SessionStarted(ctx context.Context, rec SessionRecord) error {
	if j == nil {
		return nil
	}
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO sessions (id, startedAt, state, sampleRate, channels, device, provider, dir)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, unixFromTime(rec.StartedAt), rec.State, rec.SampleRate, rec.Channels,
		rec.Device, rec.Provider, rec.Dir)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// SessionState updates the state of a running session
func (j *Journal) SessionState(ctx context.Context, id, state string) error {
	if j == nil {
		return nil
	}
	if _, err := j.db.ExecContext(ctx, `UPDATE sessions SET state = ? WHERE id = ? AND endedAt IS NULL`, state, id); err != nil {
		return fmt.Errorf("update session state: %w", err)
	}
	return nil
}

// SessionFinished stores the terminal outcome of a session
func (j *Journal) SessionFinished(ctx context.Context, id string, out Outcome) error {
	if j == nil {
		return nil
	}

	var errorChunk sql.NullInt64
	if out.ErrorChunk >= 0 {
		errorChunk = sql.NullInt64{Int64: int64(out.ErrorChunk), Valid: true}
	}
	_, err := j.db.ExecContext(ctx, `
		UPDATE sessions
		SET state = ?, endedAt = ?, transcript = ?, errorKind = ?, errorChunk = ?, errorMessage = ?
		WHERE id = ?
	`, out.State, unixFromTime(out.EndedAt), nullString(out.Transcript), nullString(out.ErrorKind),
		errorChunk, nullString(out.ErrorMessage), id)
	if err != nil {
		return fmt.Errorf("finish session: %w", err)
	}
	return nil
}

// ChunkUpdated inserts or updates a chunk row
func (j *Journal) ChunkUpdated(ctx context.Context, rec ChunkRecord) error {
	if j == nil {
		return nil
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO chunks (sessionId, sequenceNumber, durationMs, sizeBytes, path, status, text, attempts, error, updatedAt)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (sessionId, sequenceNumber) DO UPDATE SET
			status = excluded.status,
			text = excluded.text,
			attempts = excluded.attempts,
			error = excluded.error,
			updatedAt = excluded.updatedAt
	`, rec.SessionID, rec.Index, rec.Duration.Milliseconds(), rec.Size, rec.Path, rec.Status,
		rec.Text, rec.Attempts, rec.Error, unixFromTime(rec.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert chunk: %w", err)
	}
	return nil
}

// Session returns a session with its chunks, or nil if it does not exist
func (j *Journal) Session(ctx context.Context, id string) (*SessionRecord, error) {
	if j == nil {
		return nil, nil
	}

	row := j.db.QueryRowContext(ctx, `
		SELECT id, startedAt, endedAt, state, sampleRate, channels, device, provider, dir,
			transcript, errorKind, errorChunk, errorMessage
		FROM sessions
		WHERE id = ?
	`, id)
	rec, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	rows, err := j.db.QueryContext(ctx, `
		SELECT sessionId, sequenceNumber, durationMs, sizeBytes, path, status, text, attempts, error, updatedAt
		FROM chunks
		WHERE sessionId = ?
		ORDER BY sequenceNumber ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var c ChunkRecord
		var durationMs int64
		var updatedAt float64
		if err := rows.Scan(&c.SessionID, &c.Index, &durationMs, &c.Size, &c.Path, &c.Status,
			&c.Text, &c.Attempts, &c.Error, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		c.Duration = time.Duration(durationMs) * time.Millisecond
		c.UpdatedAt = timeFromUnix(updatedAt)
		rec.Chunks = append(rec.Chunks, c)
	}
	return rec, rows.Err()
}

// Sessions returns the most recent sessions, newest first, without chunks
func (j *Journal) Sessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	if j == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := j.db.QueryContext(ctx, `
		SELECT id, startedAt, endedAt, state, sampleRate, channels, device, provider, dir,
			transcript, errorKind, errorChunk, errorMessage
		FROM sessions
		ORDER BY startedAt DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// Delete removes a session and its chunks
func (j *Journal) Delete(ctx context.Context, id string) error {
	if j == nil {
		return nil
	}
	if _, err := j.db.ExecContext(ctx, `DELETE FROM chunks WHERE sessionId = ?`, id); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	if _, err := j.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*SessionRecord, error) {
	var rec SessionRecord
	var startedAt float64
	var endedAt sql.NullFloat64
	var transcript, errorKind, errorMessage sql.NullString
	var errorChunk sql.NullInt64

	if err := row.Scan(&rec.ID, &startedAt, &endedAt, &rec.State, &rec.SampleRate, &rec.Channels,
		&rec.Device, &rec.Provider, &rec.Dir,
		&transcript, &errorKind, &errorChunk, &errorMessage); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}

	rec.StartedAt = timeFromUnix(startedAt)
	if endedAt.Valid {
		t := timeFromUnix(endedAt.Float64)
		rec.EndedAt = &t
	}
	rec.Transcript = transcript.String
	rec.ErrorKind = errorKind.String
	rec.ErrorMessage = errorMessage.String
	if errorChunk.Valid {
		idx := int(errorChunk.Int64)
		rec.ErrorChunk = &idx
	}
	return &rec, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func unixFromTime(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func timeFromUnix(ts float64) time.Time {
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}
