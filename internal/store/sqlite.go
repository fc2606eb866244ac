package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/llmgate/llmgate/internal/llm"
)

// Store is the SQLite persistence layer: conversations, their messages, and
// the usage counters the quota gate reads.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    provider TEXT NOT NULL,
    model TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    input_tokens INTEGER DEFAULT 0,
    output_tokens INTEGER DEFAULT 0,
    total_tokens INTEGER DEFAULT 0
);

CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
    role TEXT NOT NULL CHECK (role IN ('user', 'assistant', 'system', 'tool')),
    content TEXT NOT NULL,
    reasoning TEXT,
    provider TEXT,
    model TEXT,
    input_tokens INTEGER DEFAULT 0,
    output_tokens INTEGER DEFAULT 0,
    total_tokens INTEGER DEFAULT 0,
    tool_invocations TEXT,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    sequence INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS user_usage (
    user_id TEXT PRIMARY KEY,
    today_total_tokens INTEGER NOT NULL DEFAULT 0,
    month_total_tokens INTEGER NOT NULL DEFAULT 0,
    usage_updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS usage_reports (
    report_date TEXT NOT NULL,
    user_id TEXT NOT NULL,
    provider TEXT NOT NULL,
    model TEXT NOT NULL,
    input_tokens INTEGER NOT NULL DEFAULT 0,
    output_tokens INTEGER NOT NULL DEFAULT 0,
    total_tokens INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (report_date, user_id, provider, model)
);

CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, updated_at DESC);
CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_conversation_sequence ON messages(conversation_id, sequence);
CREATE INDEX IF NOT EXISTS idx_usage_reports_user ON usage_reports(user_id, report_date DESC);
`

// schemaVersion is the current schema version. Fresh databases get the full
// schema and start here; existing databases run migrations to reach it.
const schemaVersion = 1

type migration struct {
	version     int
	description string
	up          func(db *sql.DB) error
}

var migrations = []migration{}

// NewStore opens (or creates) the database at path.
func NewStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &Store{db: db}, nil
}

func initSchema(db *sql.DB) error {
	var currentVersion int
	err := db.QueryRow("SELECT version FROM schema_version").Scan(&currentVersion)
	if err == nil && currentVersion >= schemaVersion {
		return nil
	}

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("create base schema: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	if err != nil && (err == sql.ErrNoRows || strings.Contains(err.Error(), "no such table")) {
		currentVersion = schemaVersion
		if _, err := db.Exec("INSERT INTO schema_version (version) VALUES (?)", currentVersion); err != nil {
			return fmt.Errorf("insert initial version: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("get current version: %w", err)
	}

	for _, m := range migrations {
		if m.version > currentVersion {
			if err := m.up(db); err != nil {
				return fmt.Errorf("migration %d (%s): %w", m.version, m.description, err)
			}
			if _, err := db.Exec("UPDATE schema_version SET version = ?", m.version); err != nil {
				return fmt.Errorf("update version to %d: %w", m.version, err)
			}
		}
	}

	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Conversation is one persisted chat thread with cumulative token counters.
type Conversation struct {
	ID           string
	UserID       string
	Provider     string
	Model        string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// Message is one persisted conversation turn.
type Message struct {
	ID             string
	ConversationID string
	Role           string
	Content        string
	Reasoning      string
	Provider       string
	Model          string
	Usage          llm.Usage
	Invocations    []llm.ToolInvocation
	CreatedAt      time.Time
	Sequence       int
}

// EnsureConversation creates the conversation row if it does not exist.
func (s *Store) EnsureConversation(ctx context.Context, id, userID, provider, model string) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, user_id, provider, model, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at`,
		id, userID, provider, model, now, now)
	if err != nil {
		return fmt.Errorf("ensure conversation: %w", err)
	}
	return nil
}

// GetConversation retrieves one conversation, or nil if absent.
func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, provider, model, created_at, updated_at,
		       input_tokens, output_tokens, total_tokens
		FROM conversations WHERE id = ?`, id)

	var c Conversation
	err := row.Scan(&c.ID, &c.UserID, &c.Provider, &c.Model, &c.CreatedAt, &c.UpdatedAt,
		&c.InputTokens, &c.OutputTokens, &c.TotalTokens)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation: %w", err)
	}
	return &c, nil
}

// ListConversations returns a user's conversations, newest first.
func (s *Store) ListConversations(ctx context.Context, userID string, limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, provider, model, created_at, updated_at,
		       input_tokens, output_tokens, total_tokens
		FROM conversations
		WHERE user_id = ?
		ORDER BY updated_at DESC
		LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var results []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.UserID, &c.Provider, &c.Model, &c.CreatedAt, &c.UpdatedAt,
			&c.InputTokens, &c.OutputTokens, &c.TotalTokens); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		results = append(results, c)
	}
	return results, rows.Err()
}

// AppendMessage persists one message, allocating its sequence number
// atomically within the conversation. Returns the message id.
func (s *Store) AppendMessage(ctx context.Context, msg *Message) (string, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	var invocationsJSON sql.NullString
	if len(msg.Invocations) > 0 {
		data, err := json.Marshal(msg.Invocations)
		if err != nil {
			return "", fmt.Errorf("serialize tool invocations: %w", err)
		}
		invocationsJSON = sql.NullString{String: string(data), Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var maxSeq sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM messages WHERE conversation_id = ?`,
		msg.ConversationID).Scan(&maxSeq)
	if err != nil {
		return "", fmt.Errorf("get max sequence: %w", err)
	}
	if maxSeq.Valid {
		msg.Sequence = int(maxSeq.Int64) + 1
	} else {
		msg.Sequence = 0
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, role, content, reasoning, provider, model,
		                      input_tokens, output_tokens, total_tokens, tool_invocations, created_at, sequence)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.Role, msg.Content, nullString(msg.Reasoning),
		nullString(msg.Provider), nullString(msg.Model),
		msg.Usage.InputTokens, msg.Usage.OutputTokens, msg.Usage.TotalTokens,
		invocationsJSON, msg.CreatedAt, msg.Sequence)
	if err != nil {
		return "", fmt.Errorf("insert message: %w", err)
	}

	_, err = tx.ExecContext(ctx, "UPDATE conversations SET updated_at = ? WHERE id = ?",
		time.Now(), msg.ConversationID)
	if err != nil {
		return "", fmt.Errorf("update conversation timestamp: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit transaction: %w", err)
	}
	return msg.ID, nil
}

// GetMessages retrieves a conversation's messages in sequence order.
func (s *Store) GetMessages(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, reasoning, provider, model,
		       input_tokens, output_tokens, total_tokens, tool_invocations, created_at, sequence
		FROM messages
		WHERE conversation_id = ?
		ORDER BY sequence ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var msg Message
		var reasoning, provider, model, invocations sql.NullString
		err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content,
			&reasoning, &provider, &model,
			&msg.Usage.InputTokens, &msg.Usage.OutputTokens, &msg.Usage.TotalTokens,
			&invocations, &msg.CreatedAt, &msg.Sequence)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Reasoning = reasoning.String
		msg.Provider = provider.String
		msg.Model = model.String
		if invocations.Valid {
			if err := json.Unmarshal([]byte(invocations.String), &msg.Invocations); err != nil {
				return nil, fmt.Errorf("deserialize tool invocations: %w", err)
			}
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// AddConversationUsage adds usage to a conversation's cumulative counters.
// Plain addition, no rollover. The increments are applied in SQL so
// concurrent turns cannot lose updates.
func (s *Store) AddConversationUsage(ctx context.Context, conversationID string, u llm.Usage) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET
		       input_tokens = input_tokens + ?,
		       output_tokens = output_tokens + ?,
		       total_tokens = total_tokens + ?,
		       updated_at = ?
		WHERE id = ?`,
		u.InputTokens, u.OutputTokens, u.TotalTokens, time.Now(), conversationID)
	return err
}

// UserUsage is the per-user counter row read by the quota gate.
type UserUsage struct {
	UserID           string
	TodayTotalTokens int
	MonthTotalTokens int
	UpdatedAt        time.Time
}

// GetUserUsage retrieves a user's counters, or nil if the user has none yet.
func (s *Store) GetUserUsage(ctx context.Context, userID string) (*UserUsage, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, today_total_tokens, month_total_tokens, usage_updated_at
		FROM user_usage WHERE user_id = ?`, userID)

	var u UserUsage
	err := row.Scan(&u.UserID, &u.TodayTotalTokens, &u.MonthTotalTokens, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user usage: %w", err)
	}
	return &u, nil
}

// AddUserUsage adds total to both counters with an atomic in-SQL increment,
// inserting the row if the user has none.
func (s *Store) AddUserUsage(ctx context.Context, userID string, total int, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_usage (user_id, today_total_tokens, month_total_tokens, usage_updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
		       today_total_tokens = today_total_tokens + excluded.today_total_tokens,
		       month_total_tokens = month_total_tokens + excluded.month_total_tokens,
		       usage_updated_at = excluded.usage_updated_at`,
		userID, total, total, now)
	return err
}

// ResetUserUsageMonth sets both counters to total, guarded on the stored
// timestamp still predating boundary so concurrent rollovers apply once.
// Returns false when another writer already rolled the row over.
func (s *Store) ResetUserUsageMonth(ctx context.Context, userID string, total int, now, boundary time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE user_usage SET
		       today_total_tokens = ?,
		       month_total_tokens = ?,
		       usage_updated_at = ?
		WHERE user_id = ? AND usage_updated_at < ?`,
		total, total, now, userID, boundary)
	if err != nil {
		return false, err
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// ResetUserUsageDay resets the daily counter to total and adds total to the
// monthly counter, with the same timestamp guard as the month reset.
func (s *Store) ResetUserUsageDay(ctx context.Context, userID string, total int, now, boundary time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE user_usage SET
		       today_total_tokens = ?,
		       month_total_tokens = month_total_tokens + ?,
		       usage_updated_at = ?
		WHERE user_id = ? AND usage_updated_at < ?`,
		total, total, now, userID, boundary)
	if err != nil {
		return false, err
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// UsageReportRow is one per-(date, user, model, provider) aggregate.
type UsageReportRow struct {
	Date         string
	UserID       string
	Provider     string
	Model        string
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// UpsertUsageReport adds usage to the aggregate row, inserting it first if
// absent.
func (s *Store) UpsertUsageReport(ctx context.Context, date, userID, provider, model string, u llm.Usage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_reports (report_date, user_id, provider, model, input_tokens, output_tokens, total_tokens)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(report_date, user_id, provider, model) DO UPDATE SET
		       input_tokens = input_tokens + excluded.input_tokens,
		       output_tokens = output_tokens + excluded.output_tokens,
		       total_tokens = total_tokens + excluded.total_tokens`,
		date, userID, provider, model, u.InputTokens, u.OutputTokens, u.TotalTokens)
	return err
}

// GetUsageReports returns a user's daily aggregates, newest first.
func (s *Store) GetUsageReports(ctx context.Context, userID string, limit int) ([]UsageReportRow, error) {
	if limit <= 0 {
		limit = 31
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT report_date, user_id, provider, model, input_tokens, output_tokens, total_tokens
		FROM usage_reports
		WHERE user_id = ?
		ORDER BY report_date DESC
		LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query usage reports: %w", err)
	}
	defer rows.Close()

	var results []UsageReportRow
	for rows.Next() {
		var r UsageReportRow
		if err := rows.Scan(&r.Date, &r.UserID, &r.Provider, &r.Model,
			&r.InputTokens, &r.OutputTokens, &r.TotalTokens); err != nil {
			return nil, fmt.Errorf("scan usage report: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// nullString converts an empty string to NULL for database storage.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
