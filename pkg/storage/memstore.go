package storage

import (
	"context"
	"sync"
	"time"
)

// MemStore is an in-memory Store used by tests and local development without
// a database. It mirrors PostgresStore semantics, including id assignment and
// newest-first reads.
type MemStore struct {
	mu       sync.Mutex
	now      func() time.Time
	nextChat int64
	nextMsg  int64
	chats    map[int64]Chat
	messages []Message
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		now:      time.Now,
		nextChat: 1,
		nextMsg:  1,
		chats:    make(map[int64]Chat),
	}
}

// SetNow overrides the clock, for tests that assert on creation times.
func (s *MemStore) SetNow(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemStore) Ping(context.Context) error { return nil }

func (s *MemStore) CreateChat(_ context.Context, userID, title string) (*Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := Chat{ID: s.nextChat, UserID: userID, Title: title, CreatedAt: s.now()}
	s.nextChat++
	s.chats[c.ID] = c
	return &c, nil
}

func (s *MemStore) GetChat(_ context.Context, chatID int64) (*Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[chatID]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (s *MemStore) ListChats(_ context.Context, userID string) ([]Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var chats []Chat
	for id := s.nextChat - 1; id >= 1; id-- {
		if c, ok := s.chats[id]; ok && c.UserID == userID {
			chats = append(chats, c)
		}
	}
	return chats, nil
}

func (s *MemStore) AppendMessage(_ context.Context, m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m.ID = s.nextMsg
	s.nextMsg++
	m.CreatedAt = s.now()
	s.messages = append(s.messages, *m)
	return nil
}

func (s *MemStore) RecentMessages(_ context.Context, chatID int64, limit int, beforeID int64) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var msgs []Message
	for i := len(s.messages) - 1; i >= 0 && len(msgs) < limit; i-- {
		m := s.messages[i]
		if m.ChatID != chatID {
			continue
		}
		if beforeID > 0 && m.ID >= beforeID {
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func (s *MemStore) ClearHistory(_ context.Context, userID string, chatID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.messages[:0]
	var removed int64
	for _, m := range s.messages {
		if m.UserID == userID && m.ChatID == chatID {
			removed++
			continue
		}
		kept = append(kept, m)
	}
	s.messages = kept
	return removed, nil
}

// Messages returns a copy of the chat's messages in insertion order. A zero
// chatID returns every stored message.
func (s *MemStore) Messages(chatID int64) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, 0, len(s.messages))
	for _, m := range s.messages {
		if chatID == 0 || m.ChatID == chatID {
			out = append(out, m)
		}
	}
	return out
}

func (s *MemStore) Close() {}
