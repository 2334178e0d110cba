package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ashureev/stella/internal/domain"
	"github.com/ashureev/stella/internal/faceid"
	"github.com/ashureev/stella/internal/guard"
	"github.com/ashureev/stella/internal/notify"
	"github.com/ashureev/stella/internal/shared"
)

const (
	// historyWindow is how many recent withdrawals feed an average.
	historyWindow = 30

	defaultListLimit = 100
	writeRetries     = 3
	retryBaseDelay   = 100 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS events (
		message_id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		unit_id TEXT NOT NULL,
		session_id TEXT,
		data_json TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at);
	CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, created_at);

	CREATE TABLE IF NOT EXISTS withdrawals (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		request_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		product_key TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		user_name TEXT,
		validation_method TEXT NOT NULL,
		completed_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_withdrawals_product ON withdrawals(product_key, completed_at);

	CREATE TABLE IF NOT EXISTS identities (
		ref TEXT PRIMARY KEY,
		user_name TEXT NOT NULL,
		embedding_json TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		last_used_at INTEGER
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

func (s *SQLiteStore) exec(ctx context.Context, op string, fn func() error) error {
	err := shared.RetryOnConflict(ctx, writeRetries, retryBaseDelay, fn)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// RecordEvent stores e, ignoring duplicates by message ID.
func (s *SQLiteStore) RecordEvent(ctx context.Context, e domain.Event) error {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}
	query := `
		INSERT OR IGNORE INTO events (message_id, event_type, unit_id, session_id, data_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`

	return s.exec(ctx, "record event", func() error {
		_, err := s.db.ExecContext(ctx, query,
			e.MessageID, string(e.Type), e.UnitID, e.SessionKey,
			string(data), e.Timestamp.UnixMilli(),
		)
		return err
	})
}

// ListEvents returns recorded events, newest first.
func (s *SQLiteStore) ListEvents(ctx context.Context, f EventFilter) ([]domain.Event, error) {
	query := `
		SELECT message_id, event_type, unit_id, session_id, data_json, created_at
		FROM events WHERE 1 = 1`
	var args []any
	if f.SessionKey != "" {
		query += ` AND session_id = ?`
		args = append(args, f.SessionKey)
	}
	if f.Type != "" {
		query += ` AND event_type = ?`
		args = append(args, string(f.Type))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close event rows", "error", closeErr)
		}
	}()

	events := make([]domain.Event, 0)
	for rows.Next() {
		var (
			e         domain.Event
			eventType string
			sessionID sql.NullString
			dataJSON  string
			createdAt int64
		)
		if err := rows.Scan(&e.MessageID, &eventType, &e.UnitID, &sessionID, &dataJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		e.Type = domain.EventType(eventType)
		e.SessionKey = sessionID.String
		e.Timestamp = time.UnixMilli(createdAt).UTC()
		if err := json.Unmarshal([]byte(dataJSON), &e.Data); err != nil {
			return nil, fmt.Errorf("decode event %s data: %w", e.MessageID, err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// CleanupEvents removes events recorded before cutoff.
func (s *SQLiteStore) CleanupEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := s.exec(ctx, "cleanup events", func() error {
		result, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff.UnixMilli())
		if err != nil {
			return err
		}
		n, err = result.RowsAffected()
		return err
	})
	return n, err
}

// RecordWithdrawal stores all records in one transaction.
func (s *SQLiteStore) RecordWithdrawal(ctx context.Context, records []domain.WithdrawalRecord) error {
	if len(records) == 0 {
		return nil
	}
	query := `
		INSERT INTO withdrawals (request_id, session_id, product_key, quantity, user_name, validation_method, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	return s.exec(ctx, "record withdrawal", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() {
			_ = tx.Rollback()
		}()
		for _, r := range records {
			if _, err := tx.ExecContext(ctx, query,
				r.RequestID, r.SessionKey, r.ProductKey, r.Quantity,
				r.UserName, r.ValidationMethod, r.CompletedAt.UnixMilli(),
			); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// AverageWithdrawal averages the last historyWindow withdrawals of productKey.
func (s *SQLiteStore) AverageWithdrawal(ctx context.Context, productKey string) (float64, bool, error) {
	query := `
		SELECT AVG(quantity), COUNT(*) FROM (
			SELECT quantity FROM withdrawals
			WHERE product_key = ?
			ORDER BY completed_at DESC, id DESC
			LIMIT ?
		)`

	var avg sql.NullFloat64
	var count int
	if err := s.db.QueryRowContext(ctx, query, productKey, historyWindow).Scan(&avg, &count); err != nil {
		return 0, false, fmt.Errorf("average withdrawal: %w", err)
	}
	if count == 0 || !avg.Valid {
		return 0, false, nil
	}
	return avg.Float64, true, nil
}

// SaveIdentity creates or updates an identity template.
func (s *SQLiteStore) SaveIdentity(ctx context.Context, t domain.IdentityTemplate) error {
	embedding, err := json.Marshal(t.Embedding)
	if err != nil {
		return fmt.Errorf("marshal embedding: %w", err)
	}
	query := `
		INSERT INTO identities (ref, user_name, embedding_json, created_at, last_used_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(ref) DO UPDATE SET
			user_name = excluded.user_name,
			embedding_json = excluded.embedding_json,
			last_used_at = excluded.last_used_at`

	var lastUsed any
	if !t.LastUsedAt.IsZero() {
		lastUsed = t.LastUsedAt.UnixMilli()
	}

	return s.exec(ctx, "save identity", func() error {
		_, err := s.db.ExecContext(ctx, query,
			t.Ref, t.UserName, string(embedding), t.CreatedAt.UnixMilli(), lastUsed,
		)
		return err
	})
}

// GetIdentity retrieves a template by reference. It returns
// faceid.ErrTemplateNotFound when ref is unknown.
func (s *SQLiteStore) GetIdentity(ctx context.Context, ref string) (domain.IdentityTemplate, error) {
	query := `
		SELECT ref, user_name, embedding_json, created_at, last_used_at
		FROM identities WHERE ref = ?`

	var (
		t         domain.IdentityTemplate
		embedding string
		createdAt int64
		lastUsed  sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, query, ref).Scan(&t.Ref, &t.UserName, &embedding, &createdAt, &lastUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.IdentityTemplate{}, faceid.ErrTemplateNotFound
	}
	if err != nil {
		return domain.IdentityTemplate{}, fmt.Errorf("scan identity: %w", err)
	}
	if err := json.Unmarshal([]byte(embedding), &t.Embedding); err != nil {
		return domain.IdentityTemplate{}, fmt.Errorf("decode embedding: %w", err)
	}
	t.CreatedAt = time.UnixMilli(createdAt).UTC()
	if lastUsed.Valid {
		t.LastUsedAt = time.UnixMilli(lastUsed.Int64).UTC()
	}
	return t, nil
}

var (
	_ Repository            = (*SQLiteStore)(nil)
	_ notify.Sink           = (*SQLiteStore)(nil)
	_ guard.HistoryProvider = (*SQLiteStore)(nil)
	_ faceid.TemplateStore  = (*SQLiteStore)(nil)
)
