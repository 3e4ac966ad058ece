package datastore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/NicolasHaas/gorelay/pkg/crypto"
	"github.com/NicolasHaas/gorelay/pkg/model"
)

// MemoryStore provides an in-memory DataStore implementation for tests.
// It mirrors SQLite behavior for validation and error handling.
type MemoryStore struct {
	mu sync.RWMutex

	now func() time.Time

	nextUserID    int64
	nextMessageID int64

	usersByUsername map[string]*model.User
	messages        []model.Message
}

// Compile-time checks.
var (
	_ DataProviderFactory = (*MemoryStore)(nil)
	_ DataStore           = (*MemoryStore)(nil)
)

// NewMemory creates a MemoryStore using time.Now().UTC().
func NewMemory() *MemoryStore {
	return NewMemoryWithClock(func() time.Time { return time.Now().UTC() })
}

// NewMemoryWithClock creates a MemoryStore with a custom clock.
func NewMemoryWithClock(now func() time.Time) *MemoryStore {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &MemoryStore{
		now:             now,
		nextUserID:      1,
		nextMessageID:   1,
		usersByUsername: make(map[string]*model.User),
	}
}

// NonTx returns the store itself; MemoryStore has no transaction scope.
func (s *MemoryStore) NonTx() DataStore {
	return s
}

// Tx returns a DataStoreTx with no-op commit/rollback. The per-method
// mutex already makes each operation atomic.
func (s *MemoryStore) Tx(_ context.Context) (DataStoreTx, error) {
	return &memoryTx{s}, nil
}

type memoryTx struct {
	*MemoryStore
}

func (t *memoryTx) Rollback() error { return nil }
func (t *memoryTx) Commit() error   { return nil }

// Close is a no-op for MemoryStore.
func (s *MemoryStore) Close() error {
	return nil
}

// CreateUser creates a new user marked online.
func (s *MemoryStore) CreateUser(username, passwordDigest string, connectedAt time.Time) (*model.User, error) {
	if err := model.ValidateUsername(username); err != nil {
		return nil, fmt.Errorf("datastore: create user: %w", err)
	}
	if err := crypto.ParseDigest(passwordDigest); err != nil {
		return nil, fmt.Errorf("datastore: create user: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.usersByUsername[username]; exists {
		return nil, fmt.Errorf("datastore: create user: constraint failed: UNIQUE constraint failed: users.username")
	}
	user := &model.User{
		ID:             s.nextUserID,
		Username:       username,
		PasswordDigest: passwordDigest,
		IsOnline:       true,
		ConnectedAt:    connectedAt.UTC().Truncate(time.Second),
		CreatedAt:      s.now().UTC(),
	}
	s.nextUserID++
	s.usersByUsername[username] = user
	copyUser := *user
	return &copyUser, nil
}

// GetUserByUsername retrieves a user by username. Returns (nil, nil) when absent.
func (s *MemoryStore) GetUserByUsername(username string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.usersByUsername[username]
	if !ok {
		return nil, nil
	}
	copyUser := *user
	return &copyUser, nil
}

// MarkOnline flags a user online and refreshes their connect time.
func (s *MemoryStore) MarkOnline(username string, connectedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if user, ok := s.usersByUsername[username]; ok {
		user.IsOnline = true
		user.ConnectedAt = connectedAt.UTC().Truncate(time.Second)
	}
	return nil
}

// SetOffline clears a user's online flag. Unknown username is a no-op.
func (s *MemoryStore) SetOffline(username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if user, ok := s.usersByUsername[username]; ok {
		user.IsOnline = false
	}
	return nil
}

// ResetOnline clears every user's online flag.
func (s *MemoryStore) ResetOnline() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, user := range s.usersByUsername {
		user.IsOnline = false
	}
	return nil
}

// ListUsers returns all users ordered by ID.
func (s *MemoryStore) ListUsers() ([]model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]model.User, 0, len(s.usersByUsername))
	for _, u := range s.usersByUsername {
		users = append(users, *u)
	}
	for i := 1; i < len(users); i++ {
		for j := i; j > 0 && users[j-1].ID > users[j].ID; j-- {
			users[j-1], users[j] = users[j], users[j-1]
		}
	}
	return users, nil
}

// CreateMessage appends a message record.
func (s *MemoryStore) CreateMessage(message *model.Message) error {
	if err := message.Validate(); err != nil {
		return fmt.Errorf("datastore: message failed validation: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	message.ID = s.nextMessageID
	s.nextMessageID++
	if message.CreatedAt.IsZero() {
		message.CreatedAt = s.now().UTC()
	}
	s.messages = append(s.messages, *message)
	return nil
}

// ListMessages returns messages newest-first with the same filter
// semantics as the SQLite provider.
func (s *MemoryStore) ListMessages(filters model.MessageFilters) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var filtered []model.Message
	for i := len(s.messages) - 1; i >= 0; i-- {
		m := s.messages[i]
		if filters.LimitToSender != nil && m.Sender != *filters.LimitToSender {
			continue
		}
		filtered = append(filtered, m)
	}

	offset := int64(0)
	if filters.Offset != nil {
		offset = *filters.Offset
	}
	limit := int64(100)
	if filters.PageSize != nil {
		limit = *filters.PageSize
	}
	if offset >= int64(len(filtered)) {
		return nil, nil
	}
	filtered = filtered[offset:]
	if int64(len(filtered)) > limit {
		filtered = filtered[:limit]
	}
	return filtered, nil
}
