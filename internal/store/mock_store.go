// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu       sync.RWMutex
	users    map[int64]*User
	vendors  map[int64]*VendorProfile
	messages []*Message
	nextUser int64
	nextMsg  int64

	// failWith, when set, is returned by every operation
	failWith error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		users:    make(map[int64]*User),
		vendors:  make(map[int64]*VendorProfile),
		nextUser: 1,
		nextMsg:  1,
	}
}

// InjectError makes every subsequent call fail with err. Pass nil to clear.
func (m *MockStore) InjectError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith = err
}

// CreateUser stores a user, assigning an id when user.ID is zero.
func (m *MockStore) CreateUser(ctx context.Context, user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failWith != nil {
		return m.failWith
	}
	if !user.Role.Valid() {
		return fmt.Errorf("invalid role %q", user.Role)
	}
	if user.ID == 0 {
		user.ID = m.nextUser
	}
	if _, exists := m.users[user.ID]; exists {
		return fmt.Errorf("inserting user: UNIQUE constraint failed: users.id")
	}
	if user.ID >= m.nextUser {
		m.nextUser = user.ID + 1
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	u := *user
	m.users[u.ID] = &u
	return nil
}

// GetUser retrieves a user by ID.
func (m *MockStore) GetUser(ctx context.Context, id int64) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.failWith != nil {
		return nil, m.failWith
	}
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *u
	return &result, nil
}

// GetUsers retrieves the users present in ids, keyed by id.
func (m *MockStore) GetUsers(ctx context.Context, ids []int64) (map[int64]*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.failWith != nil {
		return nil, m.failWith
	}
	result := make(map[int64]*User, len(ids))
	for _, id := range ids {
		if u, ok := m.users[id]; ok {
			c := *u
			result[id] = &c
		}
	}
	return result, nil
}

// CountUsers returns the number of stored users.
func (m *MockStore) CountUsers(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.failWith != nil {
		return 0, m.failWith
	}
	return len(m.users), nil
}

// UpsertVendorProfile creates or replaces a vendor profile.
func (m *MockStore) UpsertVendorProfile(ctx context.Context, profile *VendorProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failWith != nil {
		return m.failWith
	}
	if _, ok := m.users[profile.VendorUserID]; !ok {
		return ErrUnknownUser
	}
	p := *profile
	m.vendors[p.VendorUserID] = &p
	return nil
}

// GetVendorProfiles retrieves the vendor profiles present in userIDs.
func (m *MockStore) GetVendorProfiles(ctx context.Context, userIDs []int64) (map[int64]*VendorProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.failWith != nil {
		return nil, m.failWith
	}
	result := make(map[int64]*VendorProfile, len(userIDs))
	for _, id := range userIDs {
		if p, ok := m.vendors[id]; ok {
			c := *p
			result[id] = &c
		}
	}
	return result, nil
}

// AppendMessage validates and stores a single message.
func (m *MockStore) AppendMessage(ctx context.Context, draft *MessageDraft) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failWith != nil {
		return nil, m.failWith
	}
	if err := m.checkDraft(draft); err != nil {
		return nil, err
	}
	return m.insert(draft), nil
}

// AppendMessages stores all drafts or none of them.
func (m *MockStore) AppendMessages(ctx context.Context, drafts []*MessageDraft) ([]*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failWith != nil {
		return nil, m.failWith
	}

	var failures []BatchFailure
	for i, d := range drafts {
		if err := m.checkDraft(d); err != nil {
			failures = append(failures, BatchFailure{Index: i, Err: err})
		}
	}
	if len(failures) > 0 {
		return nil, &BatchError{Failures: failures}
	}

	msgs := make([]*Message, 0, len(drafts))
	for _, d := range drafts {
		msgs = append(msgs, m.insert(d))
	}
	return msgs, nil
}

// FindBetween returns the conversation between a and b ordered by (timestamp, id).
func (m *MockStore) FindBetween(ctx context.Context, a, b int64) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.failWith != nil {
		return nil, m.failWith
	}
	low, high := conversationBounds(a, b)
	result := []*Message{}
	for _, msg := range m.messages {
		l, h := conversationBounds(msg.FromUser, msg.ToUser)
		if l == low && h == high {
			c := *msg
			result = append(result, &c)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return newer(result[j], result[i])
	})
	return result, nil
}

// FindAllInvolving returns every message sent or received by userID.
func (m *MockStore) FindAllInvolving(ctx context.Context, userID int64) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.failWith != nil {
		return nil, m.failWith
	}
	result := []*Message{}
	for _, msg := range m.messages {
		if msg.FromUser == userID || msg.ToUser == userID {
			c := *msg
			result = append(result, &c)
		}
	}
	return result, nil
}

// LatestPerConversation returns the newest message of each conversation of userID.
func (m *MockStore) LatestPerConversation(ctx context.Context, userID int64) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.failWith != nil {
		return nil, m.failWith
	}
	heads := make(map[[2]int64]*Message)
	for _, msg := range m.messages {
		if msg.FromUser != userID && msg.ToUser != userID {
			continue
		}
		low, high := conversationBounds(msg.FromUser, msg.ToUser)
		key := [2]int64{low, high}
		if cur, ok := heads[key]; !ok || newer(msg, cur) {
			heads[key] = msg
		}
	}

	result := make([]*Message, 0, len(heads))
	for _, msg := range heads {
		c := *msg
		result = append(result, &c)
	}
	return result, nil
}

// Ping always succeeds unless an error was injected.
func (m *MockStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.failWith
}

// Close is a no-op for the mock store.
func (m *MockStore) Close() error {
	return nil
}

// checkDraft must be called with m.mu held
func (m *MockStore) checkDraft(d *MessageDraft) error {
	if err := validateDraft(d); err != nil {
		return err
	}
	if _, ok := m.users[d.FromUser]; !ok {
		return ErrUnknownUser
	}
	if _, ok := m.users[d.ToUser]; !ok {
		return ErrUnknownUser
	}
	return nil
}

// insert must be called with m.mu held
func (m *MockStore) insert(d *MessageDraft) *Message {
	msg := &Message{
		ID:        m.nextMsg,
		FromUser:  d.FromUser,
		ToUser:    d.ToUser,
		Timestamp: time.Unix(0, d.Timestamp.UnixNano()).UTC(),
		Body:      d.Body,
	}
	m.nextMsg++
	m.messages = append(m.messages, msg)

	c := *msg
	return &c
}

// Ensure MockStore implements Store interface
var _ Store = (*MockStore)(nil)
