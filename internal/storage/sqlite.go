package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Episode kinds, by what the listening was for.
const (
	KindManual = "manual"
	KindAnswer = "answer"
	KindChat   = "chat"
)

// Episode is one finished listening episode.
type Episode struct {
	ID             string    `json:"id"`
	Kind           string    `json:"kind"`
	Reason         string    `json:"reason"`
	Transcript     string    `json:"transcript"`
	Expected       []string  `json:"expected,omitempty"`
	Accepted       bool      `json:"accepted"`
	Confidence     float64   `json:"confidence"`
	AudioPath      string    `json:"audio_path,omitempty"`
	Error          string    `json:"error,omitempty"`
	Ticks          int       `json:"ticks"`
	Transcriptions int       `json:"transcriptions"`
	Failures       int       `json:"failures"`
	StartedAt      time.Time `json:"started_at"`
	EndedAt        time.Time `json:"ended_at"`
}

func (e Episode) Duration() time.Duration {
	return e.EndedAt.Sub(e.StartedAt)
}

// Turn is one chat message in a tutor conversation.
type Turn struct {
	ID             int64     `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if strings.TrimSpace(dbPath) == "" {
		dbPath = filepath.Join("data", "sofia.db")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

var schema = []struct {
	name string
	sql  string
}{
	{"pragma journal_mode", "PRAGMA journal_mode = WAL"},
	{"pragma busy_timeout", "PRAGMA busy_timeout = 5000"},
	{"episodes table", `
		CREATE TABLE IF NOT EXISTS episodes (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			reason TEXT NOT NULL,
			transcript TEXT NOT NULL DEFAULT '',
			expected TEXT NOT NULL DEFAULT '[]',
			accepted INTEGER NOT NULL DEFAULT 0,
			confidence REAL NOT NULL DEFAULT 0,
			audio_path TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			ticks INTEGER NOT NULL DEFAULT 0,
			transcriptions INTEGER NOT NULL DEFAULT 0,
			failures INTEGER NOT NULL DEFAULT 0,
			started_at TEXT NOT NULL,
			ended_at TEXT NOT NULL
		)`},
	{"chat_turns table", `
		CREATE TABLE IF NOT EXISTS chat_turns (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`},
	{"episodes index", "CREATE INDEX IF NOT EXISTS idx_episodes_started_at ON episodes(started_at)"},
	{"chat_turns index", "CREATE INDEX IF NOT EXISTS idx_chat_turns_conversation ON chat_turns(conversation_id, id)"},
}

func (s *SQLiteStore) init() error {
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt.sql); err != nil {
			return fmt.Errorf("apply %s: %w", stmt.name, err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// SaveEpisode inserts ep, replacing any earlier row with the same id.
func (s *SQLiteStore) SaveEpisode(ep Episode) error {
	if strings.TrimSpace(ep.ID) == "" {
		return errors.New("episode id is required")
	}

	expected, err := json.Marshal(nonNil(ep.Expected))
	if err != nil {
		return fmt.Errorf("encode expected answers for episode %s: %w", ep.ID, err)
	}

	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO episodes(
			id, kind, reason, transcript, expected, accepted, confidence, audio_path, error,
			ticks, transcriptions, failures, started_at, ended_at
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ep.ID,
		ep.Kind,
		ep.Reason,
		strings.TrimSpace(ep.Transcript),
		string(expected),
		ep.Accepted,
		ep.Confidence,
		ep.AudioPath,
		ep.Error,
		ep.Ticks,
		ep.Transcriptions,
		ep.Failures,
		ep.StartedAt.UTC().Format(time.RFC3339Nano),
		ep.EndedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save episode %s: %w", ep.ID, err)
	}
	return nil
}

const episodeColumns = `id, kind, reason, transcript, expected, accepted, confidence, audio_path, error,
	ticks, transcriptions, failures, started_at, ended_at`

// GetEpisodesByDate returns the episodes started on date (YYYY-MM-DD, UTC), newest first.
func (s *SQLiteStore) GetEpisodesByDate(date string) ([]Episode, error) {
	rows, err := s.db.Query(
		`SELECT `+episodeColumns+`
		 FROM episodes
		 WHERE substr(started_at, 1, 10) = ?
		 ORDER BY started_at DESC`,
		date,
	)
	if err != nil {
		return nil, fmt.Errorf("query episodes by date %s: %w", date, err)
	}
	defer func() { _ = rows.Close() }()

	episodes := make([]Episode, 0, 16)
	for rows.Next() {
		ep, err := scanEpisode(rows)
		if err != nil {
			return nil, err
		}
		episodes = append(episodes, ep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate episode rows: %w", err)
	}
	return episodes, nil
}

func (s *SQLiteStore) GetEpisode(id string) (Episode, error) {
	row := s.db.QueryRow(`SELECT `+episodeColumns+` FROM episodes WHERE id = ?`, id)
	ep, err := scanEpisode(row)
	if err != nil {
		return Episode{}, fmt.Errorf("query episode %s: %w", id, err)
	}
	return ep, nil
}

func (s *SQLiteStore) GetDates() ([]string, error) {
	rows, err := s.db.Query(
		`SELECT DISTINCT substr(started_at, 1, 10) AS date FROM episodes ORDER BY date DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query dates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var dates []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scan date: %w", err)
		}
		dates = append(dates, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dates rows: %w", err)
	}

	return dates, nil
}

func (s *SQLiteStore) AppendTurn(turn Turn) error {
	if strings.TrimSpace(turn.ConversationID) == "" {
		return errors.New("conversation id is required")
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now()
	}

	_, err := s.db.Exec(
		`INSERT INTO chat_turns(conversation_id, role, content, created_at) VALUES(?, ?, ?, ?)`,
		turn.ConversationID,
		turn.Role,
		strings.TrimSpace(turn.Content),
		turn.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("append turn for conversation %s: %w", turn.ConversationID, err)
	}
	return nil
}

// RecentTurns returns the last n turns of a conversation in chronological order.
func (s *SQLiteStore) RecentTurns(conversationID string, n int) ([]Turn, error) {
	if n <= 0 {
		return nil, nil
	}

	rows, err := s.db.Query(
		`SELECT id, conversation_id, role, content, created_at FROM (
			SELECT id, conversation_id, role, content, created_at
			FROM chat_turns
			WHERE conversation_id = ?
			ORDER BY id DESC
			LIMIT ?
		) ORDER BY id ASC`,
		conversationID,
		n,
	)
	if err != nil {
		return nil, fmt.Errorf("query turns for conversation %s: %w", conversationID, err)
	}
	defer func() { _ = rows.Close() }()

	turns := make([]Turn, 0, n)
	for rows.Next() {
		var turn Turn
		var createdAt string
		if err := rows.Scan(&turn.ID, &turn.ConversationID, &turn.Role, &turn.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan turn for conversation %s: %w", conversationID, err)
		}
		if turn.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("parse turn created_at for conversation %s: %w", conversationID, err)
		}
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turn rows for conversation %s: %w", conversationID, err)
	}

	return turns, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEpisode(row scanner) (Episode, error) {
	var (
		ep                 Episode
		expected           string
		startedAt, endedAt string
	)
	if err := row.Scan(
		&ep.ID, &ep.Kind, &ep.Reason, &ep.Transcript, &expected, &ep.Accepted, &ep.Confidence,
		&ep.AudioPath, &ep.Error, &ep.Ticks, &ep.Transcriptions, &ep.Failures, &startedAt, &endedAt,
	); err != nil {
		return Episode{}, fmt.Errorf("scan episode: %w", err)
	}

	if err := json.Unmarshal([]byte(expected), &ep.Expected); err != nil {
		return Episode{}, fmt.Errorf("decode expected answers for episode %s: %w", ep.ID, err)
	}
	if len(ep.Expected) == 0 {
		ep.Expected = nil
	}

	var err error
	if ep.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
		return Episode{}, fmt.Errorf("parse episode %s started_at: %w", ep.ID, err)
	}
	if ep.EndedAt, err = time.Parse(time.RFC3339Nano, endedAt); err != nil {
		return Episode{}, fmt.Errorf("parse episode %s ended_at: %w", ep.ID, err)
	}
	return ep, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
