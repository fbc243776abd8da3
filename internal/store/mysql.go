package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"ssechat/internal/model"
)

const createMessagesTable = `CREATE TABLE IF NOT EXISTS messages (
	id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT PRIMARY KEY,
	content TEXT NOT NULL,
	created_at DATETIME(6) NOT NULL
)`

// MySQL stores the history in a messages table. Ids come from
// AUTO_INCREMENT.
type MySQL struct {
	db *sql.DB
}

// OpenMySQL connects with dsn, checks the connection and creates the
// messages table when missing.
func OpenMySQL(ctx context.Context, dsn string) (*MySQL, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// 接続テスト
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := NewMySQL(db)
	if err := s.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewMySQL wraps an existing connection pool.
func NewMySQL(db *sql.DB) *MySQL {
	return &MySQL{db: db}
}

// EnsureSchema creates the messages table if it does not exist.
func (s *MySQL) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createMessagesTable); err != nil {
		return fmt.Errorf("failed to create messages table: %w", err)
	}
	return nil
}

func (s *MySQL) Append(ctx context.Context, content string) (model.Message, error) {
	msg := model.Message{Content: content, CreatedAt: time.Now()}
	result, err := s.db.ExecContext(ctx, "INSERT INTO messages (content, created_at) VALUES (?, ?)",
		msg.Content, msg.CreatedAt)
	if err != nil {
		return model.Message{}, fmt.Errorf("failed to insert message: %w", err)
	}

	lastInsertID, err := result.LastInsertId()
	if err != nil {
		return model.Message{}, fmt.Errorf("failed to retrieve message id: %w", err)
	}
	msg.ID = formatID(uint64(lastInsertID))
	return msg, nil
}

func (s *MySQL) Since(ctx context.Context, lastID string, limit int) ([]model.Message, error) {
	after, err := parseID(lastID)
	if err != nil {
		return nil, err
	}
	return s.query(ctx, after, limit)
}

func (s *MySQL) Recent(ctx context.Context, limit int) ([]model.Message, error) {
	return s.query(ctx, 0, limit)
}

func (s *MySQL) query(ctx context.Context, after uint64, limit int) ([]model.Message, error) {
	q := "SELECT id, content, created_at FROM messages WHERE id > ? ORDER BY id DESC"
	args := []any{after}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	msgList := make([]model.Message, 0)
	for rows.Next() {
		var (
			msg model.Message
			id  uint64
		)
		if err := rows.Scan(&id, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.ID = formatID(id)
		msgList = append(msgList, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}
	reverse(msgList)
	return msgList, nil
}

func (s *MySQL) Close() error {
	return s.db.Close()
}
