package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/relaypool/internal/model"
)

// MessageStats aggregates the processed_messages table for reporting.
type MessageStats struct {
	TotalMessages     int            `json:"total_messages"`
	ForwardedMessages int            `json:"forwarded_messages"`
	MessagesLast24h   int            `json:"messages_24h"`
	TopServices       map[string]int `json:"top_services,omitempty"`
}

// Store persists accounts, processed messages, settings, and periodic
// statistics in SQLite. It backs both the account pool and the dispatcher.
type Store struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewStore opens (or creates) the SQLite database at dbPath. Existing data
// is kept; accounts and message history survive restarts.
func NewStore(logger *zap.Logger, dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{
		logger: logger.Named("storage"),
		db:     db,
	}

	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// initialize creates the necessary tables if they don't exist
func (s *Store) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			username TEXT UNIQUE NOT NULL,
			token TEXT,
			creds_file TEXT,
			is_active BOOLEAN DEFAULT TRUE,
			last_used DATETIME,
			messages_processed INTEGER DEFAULT 0,
			error_count INTEGER DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE TABLE IF NOT EXISTS processed_messages (
			id TEXT PRIMARY KEY,
			chat_id INTEGER NOT NULL,
			message_id INTEGER NOT NULL,
			sender_id INTEGER,
			sender_name TEXT,
			message_text TEXT,
			detected_services TEXT,
			confidence REAL,
			is_forwarded BOOLEAN DEFAULT FALSE,
			account_id TEXT,
			processed_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_processed_messages_processed_at ON processed_messages(processed_at);
		CREATE INDEX IF NOT EXISTS idx_processed_messages_account_id ON processed_messages(account_id);
		CREATE TABLE IF NOT EXISTS settings (
			setting_key TEXT PRIMARY KEY,
			setting_value TEXT,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE TABLE IF NOT EXISTS statistics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			stat_type TEXT NOT NULL,
			stat_key TEXT NOT NULL,
			stat_value TEXT,
			recorded_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_statistics_type ON statistics(stat_type, recorded_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// AddAccount inserts a new relay account.
func (s *Store) AddAccount(ctx context.Context, cfg *model.AccountConfig) error {
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (
			id, username, token, creds_file, is_active, created_at
		) VALUES (?, ?, ?, ?, ?, ?)`,
		cfg.ID,
		cfg.Username,
		sql.NullString{String: cfg.Token, Valid: cfg.Token != ""},
		sql.NullString{String: cfg.CredsFile, Valid: cfg.CredsFile != ""},
		cfg.IsActive,
		cfg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to add account: %w", err)
	}
	return nil
}

// LoadAccounts returns stored account configs, optionally only active ones.
func (s *Store) LoadAccounts(ctx context.Context, activeOnly bool) ([]model.AccountConfig, error) {
	query := "SELECT id, username, token, creds_file, is_active, created_at FROM accounts"
	if activeOnly {
		query += " WHERE is_active = TRUE"
	}
	query += " ORDER BY created_at"

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to load accounts: %w", err)
	}
	defer rows.Close()

	var configs []model.AccountConfig
	for rows.Next() {
		var cfg model.AccountConfig
		var token, credsFile sql.NullString

		if err := rows.Scan(&cfg.ID, &cfg.Username, &token, &credsFile, &cfg.IsActive, &cfg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		cfg.Token = token.String
		cfg.CredsFile = credsFile.String
		configs = append(configs, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return configs, nil
}

// UpdateAccountStats adds the given deltas to the account's counters and
// stamps last_used.
func (s *Store) UpdateAccountStats(ctx context.Context, id string, processedDelta, errorDelta int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET
			messages_processed = messages_processed + ?,
			error_count = error_count + ?,
			last_used = ?
		WHERE id = ?`,
		processedDelta, errorDelta, time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update account stats: %w", err)
	}
	return nil
}

// DeactivateAccount marks an account inactive so it is not loaded into the
// pool on the next start.
func (s *Store) DeactivateAccount(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "UPDATE accounts SET is_active = FALSE WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to deactivate account: %w", err)
	}

	affected, _ := result.RowsAffected()
	if affected > 0 {
		s.logger.Info("Account deactivated", zap.String("account_id", id))
	}
	return nil
}

// RecordProcessedMessage stores the outcome of one dispatched message.
func (s *Store) RecordProcessedMessage(ctx context.Context, msg *model.ProcessedMessage) error {
	var servicesStr string
	if len(msg.Services) > 0 {
		data, err := json.Marshal(msg.Services)
		if err != nil {
			return fmt.Errorf("failed to marshal services: %w", err)
		}
		servicesStr = string(data)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO processed_messages (
			id, chat_id, message_id, sender_id, sender_name, message_text,
			detected_services, confidence, is_forwarded, account_id, processed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID,
		msg.ChatID,
		msg.MessageID,
		msg.SenderID,
		sql.NullString{String: msg.SenderName, Valid: msg.SenderName != ""},
		msg.Text,
		sql.NullString{String: servicesStr, Valid: servicesStr != ""},
		msg.Confidence,
		msg.IsForwarded,
		sql.NullString{String: msg.AccountID, Valid: msg.AccountID != ""},
		msg.ProcessedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record processed message: %w", err)
	}
	return nil
}

// RecentMessages returns the most recently processed messages, newest first.
func (s *Store) RecentMessages(ctx context.Context, limit int) ([]*model.ProcessedMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			id, chat_id, message_id, sender_id, sender_name, message_text,
			detected_services, confidence, is_forwarded, account_id, processed_at
		FROM processed_messages
		ORDER BY processed_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent messages: %w", err)
	}
	defer rows.Close()

	var messages []*model.ProcessedMessage
	for rows.Next() {
		msg := &model.ProcessedMessage{}
		var senderName, services, accountID sql.NullString

		err := rows.Scan(
			&msg.ID,
			&msg.ChatID,
			&msg.MessageID,
			&msg.SenderID,
			&senderName,
			&msg.Text,
			&services,
			&msg.Confidence,
			&msg.IsForwarded,
			&accountID,
			&msg.ProcessedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan processed message: %w", err)
		}

		msg.SenderName = senderName.String
		msg.AccountID = accountID.String
		if services.Valid && services.String != "" {
			if err := json.Unmarshal([]byte(services.String), &msg.Services); err != nil {
				return nil, fmt.Errorf("failed to unmarshal services: %w", err)
			}
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return messages, nil
}

// DeleteMessagesBefore purges processed messages older than the given time.
func (s *Store) DeleteMessagesBefore(ctx context.Context, before time.Time) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM processed_messages WHERE processed_at < ?", before)
	if err != nil {
		return fmt.Errorf("failed to delete processed messages: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}

	s.logger.Info("Purged old processed messages",
		zap.Time("before", before),
		zap.Int64("deleted", affected))
	return nil
}

// MessageStats aggregates message counts for health and admin reporting.
func (s *Store) MessageStats(ctx context.Context) (*MessageStats, error) {
	stats := &MessageStats{TopServices: make(map[string]int)}

	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM processed_messages").Scan(&stats.TotalMessages); err != nil {
		return nil, fmt.Errorf("failed to count messages: %w", err)
	}
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM processed_messages WHERE is_forwarded = TRUE").Scan(&stats.ForwardedMessages); err != nil {
		return nil, fmt.Errorf("failed to count forwarded messages: %w", err)
	}
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM processed_messages WHERE processed_at > datetime('now', '-1 day')").Scan(&stats.MessagesLast24h); err != nil {
		return nil, fmt.Errorf("failed to count recent messages: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT detected_services, COUNT(*) AS count
		FROM processed_messages
		WHERE is_forwarded = TRUE AND detected_services IS NOT NULL
		GROUP BY detected_services
		ORDER BY count DESC
		LIMIT 5`)
	if err != nil {
		return nil, fmt.Errorf("failed to query top services: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var servicesJSON string
		var count int
		if err := rows.Scan(&servicesJSON, &count); err != nil {
			return nil, fmt.Errorf("failed to scan service count: %w", err)
		}
		var services []string
		if err := json.Unmarshal([]byte(servicesJSON), &services); err != nil {
			continue
		}
		for _, svc := range services {
			stats.TopServices[svc] += count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return stats, nil
}

// GetSetting returns the stored value for key, or def when unset.
func (s *Store) GetSetting(ctx context.Context, key, def string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		"SELECT setting_value FROM settings WHERE setting_key = ?", key).Scan(&value)
	if err != nil {
		if err == sql.ErrNoRows {
			return def, nil
		}
		return "", fmt.Errorf("failed to get setting: %w", err)
	}
	return value, nil
}

// SetSetting upserts a setting value.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (setting_key, setting_value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(setting_key) DO UPDATE SET
			setting_value = excluded.setting_value,
			updated_at = excluded.updated_at`,
		key, value, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to set setting: %w", err)
	}
	return nil
}

// Statistic is one persisted metric sample.
type Statistic struct {
	Type       string    `json:"stat_type"`
	Key        string    `json:"stat_key"`
	Value      string    `json:"stat_value"`
	RecordedAt time.Time `json:"recorded_at"`
}

// SaveStatistic appends one statistic sample.
func (s *Store) SaveStatistic(ctx context.Context, statType, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO statistics (stat_type, stat_key, stat_value)
		VALUES (?, ?, ?)`,
		statType, key, value,
	)
	if err != nil {
		return fmt.Errorf("failed to save statistic: %w", err)
	}
	return nil
}

// Statistics returns samples of the given type recorded at or after since,
// newest first.
func (s *Store) Statistics(ctx context.Context, statType string, since time.Time) ([]Statistic, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT stat_type, stat_key, stat_value, recorded_at
		FROM statistics
		WHERE stat_type = ? AND recorded_at >= ?
		ORDER BY recorded_at DESC`,
		statType, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query statistics: %w", err)
	}
	defer rows.Close()

	var stats []Statistic
	for rows.Next() {
		var st Statistic
		if err := rows.Scan(&st.Type, &st.Key, &st.Value, &st.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan statistic: %w", err)
		}
		stats = append(stats, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return stats, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}
