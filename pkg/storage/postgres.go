package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects a pool and verifies connectivity.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("database dsn is required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) CreateChat(ctx context.Context, userID, title string) (*Chat, error) {
	c := Chat{UserID: userID, Title: title}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO chats (user_id, title) VALUES ($1, $2) RETURNING id, created_at`,
		userID, title,
	).Scan(&c.ID, &c.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert chat: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) GetChat(ctx context.Context, chatID int64) (*Chat, error) {
	var c Chat
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, title, created_at FROM chats WHERE id = $1`,
		chatID,
	).Scan(&c.ID, &c.UserID, &c.Title, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select chat: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) ListChats(ctx context.Context, userID string) ([]Chat, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, title, created_at FROM chats WHERE user_id = $1 ORDER BY id DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select chats: %w", err)
	}
	defer rows.Close()

	var chats []Chat
	for rows.Next() {
		var c Chat
		if err := rows.Scan(&c.ID, &c.UserID, &c.Title, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

func (s *PostgresStore) AppendMessage(ctx context.Context, m *Message) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO messages (user_id, chat_id, content, is_bot, db_type)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id, created_at`,
		m.UserID, m.ChatID, m.Content, m.IsBot, m.DBType,
	).Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecentMessages(ctx context.Context, chatID int64, limit int, beforeID int64) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT id, user_id, chat_id, content, is_bot, db_type, created_at
		 FROM messages WHERE chat_id = $1`
	args := []any{chatID}
	if beforeID > 0 {
		query += ` AND id < $2`
		args = append(args, beforeID)
	}
	query += fmt.Sprintf(` ORDER BY id DESC LIMIT %d`, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.UserID, &m.ChatID, &m.Content, &m.IsBot, &m.DBType, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *PostgresStore) ClearHistory(ctx context.Context, userID string, chatID int64) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM messages WHERE user_id = $1 AND chat_id = $2`,
		userID, chatID,
	)
	if err != nil {
		return 0, fmt.Errorf("delete messages: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}
