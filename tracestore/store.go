// Package tracestore persists turn telemetry to SQLite. A Recorder consumes
// the event stream of one turn and writes the turn, each model round-trip and
// each tool call as they arrive.
package tracestore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS turns (
    id TEXT PRIMARY KEY,
    thread_id TEXT NOT NULL,
    model TEXT,
    started_at INTEGER NOT NULL,
    finished_at INTEGER,
    reason TEXT,
    summary TEXT,
    input_tokens INTEGER DEFAULT 0,
    output_tokens INTEGER DEFAULT 0,
    rounds INTEGER DEFAULT 0,
    error TEXT
);

CREATE TABLE IF NOT EXISTS llm_calls (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    turn_id TEXT NOT NULL REFERENCES turns(id) ON DELETE CASCADE,
    round INTEGER NOT NULL,
    started_at INTEGER NOT NULL,
    latency_ms INTEGER NOT NULL,
    text TEXT,
    reasoning TEXT,
    input_tokens INTEGER DEFAULT 0,
    output_tokens INTEGER DEFAULT 0,
    request_messages TEXT,
    request_tools TEXT,
    error TEXT
);

CREATE TABLE IF NOT EXISTS tool_calls (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    turn_id TEXT NOT NULL REFERENCES turns(id) ON DELETE CASCADE,
    round INTEGER NOT NULL,
    tool_call_id TEXT NOT NULL,
    tool_name TEXT NOT NULL,
    arguments TEXT,
    output TEXT,
    is_error BOOLEAN DEFAULT FALSE,
    duration_ms INTEGER DEFAULT 0,
    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_turns_started_at ON turns(started_at DESC);
CREATE INDEX IF NOT EXISTS idx_llm_calls_turn ON llm_calls(turn_id, round);
CREATE INDEX IF NOT EXISTS idx_tool_calls_turn ON tool_calls(turn_id, id);
`

// schemaVersion is the version a fresh database is created at.
const schemaVersion = 1

// migration upgrades a database created before version.
type migration struct {
	version     int
	description string
	statements  []string
}

var migrations = []migration{
	{
		version:     1,
		description: "record request payloads and failed rounds",
		statements: []string{
			`ALTER TABLE llm_calls ADD COLUMN request_messages TEXT`,
			`ALTER TABLE llm_calls ADD COLUMN request_tools TEXT`,
			`ALTER TABLE llm_calls ADD COLUMN error TEXT`,
		},
	},
}

// initSchema creates the tables and applies pending migrations. The version
// lives in PRAGMA user_version; a database that already has tables at
// version 0 predates versioning and gets every migration.
func initSchema(db *sql.DB) error {
	var version int
	if err := db.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version >= schemaVersion {
		return nil
	}

	var existing int
	if err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'llm_calls'`).Scan(&existing); err != nil {
		return fmt.Errorf("inspect schema: %w", err)
	}
	if existing == 0 {
		if _, err := db.Exec(schema); err != nil {
			return err
		}
	} else {
		for _, m := range migrations {
			if m.version <= version {
				continue
			}
			for _, stmt := range m.statements {
				if _, err := db.Exec(stmt); err != nil && !isDuplicateColumnError(err) {
					return fmt.Errorf("migration %d (%s): %w", m.version, m.description, err)
				}
			}
		}
		// Create anything the older schema lacked.
		if _, err := db.Exec(schema); err != nil {
			return err
		}
	}
	_, err := db.Exec(fmt.Sprintf(`PRAGMA user_version = %d`, schemaVersion))
	return err
}

func isDuplicateColumnError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate column") || strings.Contains(msg, "already exists")
}

// Store is a SQLite trace database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// DataDir returns $XDG_DATA_HOME/crow or ~/.local/share/crow.
func DataDir() (string, error) {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "crow"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "crow"), nil
}

// DefaultPath returns the default trace database path.
func DefaultPath() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "traces.db"), nil
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return &Store{db: db, logger: slog.Default()}, nil
}

// SetLogger replaces the store's logger.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Turn is one row of the turns table.
type Turn struct {
	ID           string
	ThreadID     string
	Model        string
	StartedAt    time.Time
	FinishedAt   time.Time // zero while running
	Reason       string
	Summary      string
	InputTokens  int
	OutputTokens int
	Rounds       int
	Error        string
}

// LLMCall is one model round-trip.
type LLMCall struct {
	TurnID       string
	Round        int
	StartedAt    time.Time
	Latency      time.Duration
	Text         string
	Reasoning    string
	InputTokens  int
	OutputTokens int

	// RequestMessages and RequestTools are the JSON payload sent for the
	// round, empty when it was not captured.
	RequestMessages string
	RequestTools    string
	Error           string // set when the round failed
}

// ToolCall is one executed tool call.
type ToolCall struct {
	TurnID     string
	Round      int
	ToolCallID string
	ToolName   string
	Arguments  string
	Output     string
	IsError    bool
	Duration   time.Duration
	CreatedAt  time.Time
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms sql.NullInt64) time.Time {
	if !ms.Valid {
		return time.Time{}
	}
	return time.UnixMilli(ms.Int64)
}

// RecentTurns returns the most recently started turns, newest first.
func (s *Store) RecentTurns(ctx context.Context, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, thread_id, COALESCE(model, ''), started_at, finished_at, COALESCE(reason, ''),
		       COALESCE(summary, ''), input_tokens, output_tokens, rounds, COALESCE(error, '')
		FROM turns ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		var started, finished sql.NullInt64
		if err := rows.Scan(&t.ID, &t.ThreadID, &t.Model, &started, &finished, &t.Reason,
			&t.Summary, &t.InputTokens, &t.OutputTokens, &t.Rounds, &t.Error); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.StartedAt = fromMillis(started)
		t.FinishedAt = fromMillis(finished)
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// LLMCalls returns the round-trips of a turn in round order.
func (s *Store) LLMCalls(ctx context.Context, turnID string) ([]LLMCall, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT turn_id, round, started_at, latency_ms, COALESCE(text, ''), COALESCE(reasoning, ''),
		       input_tokens, output_tokens, COALESCE(request_messages, ''), COALESCE(request_tools, ''),
		       COALESCE(error, '')
		FROM llm_calls WHERE turn_id = ? ORDER BY round, id`, turnID)
	if err != nil {
		return nil, fmt.Errorf("query llm calls: %w", err)
	}
	defer rows.Close()

	var calls []LLMCall
	for rows.Next() {
		var c LLMCall
		var started sql.NullInt64
		var latency int64
		if err := rows.Scan(&c.TurnID, &c.Round, &started, &latency, &c.Text, &c.Reasoning,
			&c.InputTokens, &c.OutputTokens, &c.RequestMessages, &c.RequestTools, &c.Error); err != nil {
			return nil, fmt.Errorf("scan llm call: %w", err)
		}
		c.StartedAt = fromMillis(started)
		c.Latency = time.Duration(latency) * time.Millisecond
		calls = append(calls, c)
	}
	return calls, rows.Err()
}

// ToolCalls returns the tool calls of a turn in execution order.
func (s *Store) ToolCalls(ctx context.Context, turnID string) ([]ToolCall, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT turn_id, round, tool_call_id, tool_name, COALESCE(arguments, ''), COALESCE(output, ''),
		       is_error, duration_ms, created_at
		FROM tool_calls WHERE turn_id = ? ORDER BY id`, turnID)
	if err != nil {
		return nil, fmt.Errorf("query tool calls: %w", err)
	}
	defer rows.Close()

	var calls []ToolCall
	for rows.Next() {
		var c ToolCall
		var durationMs int64
		var created sql.NullInt64
		if err := rows.Scan(&c.TurnID, &c.Round, &c.ToolCallID, &c.ToolName, &c.Arguments, &c.Output,
			&c.IsError, &durationMs, &created); err != nil {
			return nil, fmt.Errorf("scan tool call: %w", err)
		}
		c.Duration = time.Duration(durationMs) * time.Millisecond
		c.CreatedAt = fromMillis(created)
		calls = append(calls, c)
	}
	return calls, rows.Err()
}
