// ABOUTME: Tests for SQLite store implementation
// ABOUTME: Covers user directory, message appends, batch atomicity and conversation ordering

package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestNewSQLiteStore(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer store.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "database file should exist")
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer store.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "database file should exist in nested directory")
}

func TestNewSQLiteStoreWithDriver_Unsupported(t *testing.T) {
	_, err := NewSQLiteStoreWithDriver("postgres", filepath.Join(t.TempDir(), "x.db"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported sqlite driver")
}

func TestNewSQLiteStore_InMemory(t *testing.T) {
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Ping(context.Background()))
}

func TestCreateAndGetUser(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	u := &User{Role: RoleVendor, FirstName: "Ada", LastName: "Lovelace", ProfilePic: "ada.png"}
	require.NoError(t, store.CreateUser(ctx, u))
	assert.NotZero(t, u.ID, "id should be assigned")

	got, err := store.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, RoleVendor, got.Role)
	assert.Equal(t, "Ada Lovelace", got.DisplayName())
	assert.Equal(t, "ada.png", got.ProfilePic)

	count, err := store.CountUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestCreateUser_ExplicitIDAndInvalidRole(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateUser(ctx, &User{ID: 42, Role: RolePlanner}))
	got, err := store.GetUser(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, int64(42), got.ID)

	err = store.CreateUser(ctx, &User{ID: 42, Role: RolePlanner})
	assert.Error(t, err, "duplicate id should fail")

	err = store.CreateUser(ctx, &User{Role: "admin"})
	assert.Error(t, err)
}

func TestGetUser_NotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetUser(context.Background(), 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetUsersAndVendorProfiles_Batched(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	vendor := createUser(t, store, 1, RoleVendor, "Val", "Vendor")
	planner := createUser(t, store, 2, RolePlanner, "Pat", "Planner")
	require.NoError(t, store.UpsertVendorProfile(ctx, &VendorProfile{VendorUserID: vendor.ID, CompanyName: "Blooms"}))
	require.NoError(t, store.UpsertVendorProfile(ctx, &VendorProfile{VendorUserID: vendor.ID, CompanyName: "Blooms & Co"}))

	users, err := store.GetUsers(ctx, []int64{vendor.ID, planner.ID, 77})
	require.NoError(t, err)
	assert.Len(t, users, 2)
	assert.Equal(t, "Pat", users[planner.ID].FirstName)

	profiles, err := store.GetVendorProfiles(ctx, []int64{vendor.ID, planner.ID})
	require.NoError(t, err)
	require.Len(t, profiles, 1)
	assert.Equal(t, "Blooms & Co", profiles[vendor.ID].CompanyName)

	empty, err := store.GetUsers(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestUpsertVendorProfile_UnknownUser(t *testing.T) {
	store := newTestStore(t)

	err := store.UpsertVendorProfile(context.Background(), &VendorProfile{VendorUserID: 5, CompanyName: "Ghost"})
	assert.ErrorIs(t, err, ErrUnknownUser)
}

func TestAppendMessage(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	createUser(t, store, 1, RoleVendor, "A", "")
	createUser(t, store, 2, RolePlanner, "B", "")

	msg, err := store.AppendMessage(ctx, &MessageDraft{FromUser: 2, ToUser: 1, Timestamp: t0, Body: "Hi"})
	require.NoError(t, err)
	assert.NotZero(t, msg.ID)
	assert.True(t, msg.Timestamp.Equal(t0))

	thread, err := store.FindBetween(ctx, 1, 2)
	require.NoError(t, err)
	require.Len(t, thread, 1)
	assert.Equal(t, msg.ID, thread[0].ID)
	assert.Equal(t, "Hi", thread[0].Body)
}

func TestAppendMessage_Rejections(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	createUser(t, store, 1, RoleVendor, "A", "")
	createUser(t, store, 2, RolePlanner, "B", "")

	tests := []struct {
		name  string
		draft *MessageDraft
		want  error
	}{
		{"self message", &MessageDraft{FromUser: 1, ToUser: 1, Timestamp: t0, Body: "x"}, ErrSelfMessage},
		{"unknown recipient", &MessageDraft{FromUser: 1, ToUser: 9, Timestamp: t0, Body: "x"}, ErrUnknownUser},
		{"unknown sender", &MessageDraft{FromUser: 9, ToUser: 1, Timestamp: t0, Body: "x"}, ErrUnknownUser},
		{"blank body", &MessageDraft{FromUser: 1, ToUser: 2, Timestamp: t0, Body: "   "}, ErrEmptyBody},
		{"zero timestamp", &MessageDraft{FromUser: 1, ToUser: 2, Body: "x"}, ErrTimestamp},
		{"timestamp after 2262", &MessageDraft{FromUser: 1, ToUser: 2, Timestamp: time.Date(2300, 1, 1, 0, 0, 0, 0, time.UTC), Body: "x"}, ErrTimestamp},
		{"timestamp before 1678", &MessageDraft{FromUser: 1, ToUser: 2, Timestamp: MinTimestamp.Add(-time.Nanosecond), Body: "x"}, ErrTimestamp},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := store.AppendMessage(ctx, tt.draft)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	all, err := store.FindAllInvolving(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, all, "rejected drafts must not be stored")
}

func TestAppendMessages_AllOrNothing(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	createUser(t, store, 1, RoleVendor, "A", "")
	createUser(t, store, 2, RolePlanner, "B", "")

	_, err := store.AppendMessages(ctx, []*MessageDraft{
		{FromUser: 1, ToUser: 2, Timestamp: t0, Body: "ok"},
		{FromUser: 1, ToUser: 1, Timestamp: t0, Body: "self"},
		{FromUser: 1, ToUser: 2, Timestamp: t0, Body: "ok too"},
		{FromUser: 3, ToUser: 2, Timestamp: t0, Body: "ghost"},
	})
	require.Error(t, err)

	var batchErr *BatchError
	require.True(t, errors.As(err, &batchErr))
	require.Len(t, batchErr.Failures, 2)
	assert.Equal(t, 1, batchErr.Failures[0].Index)
	assert.ErrorIs(t, batchErr.Failures[0].Err, ErrSelfMessage)
	assert.Equal(t, 3, batchErr.Failures[1].Index)
	assert.ErrorIs(t, batchErr.Failures[1].Err, ErrUnknownUser)
	assert.ErrorIs(t, err, ErrUnknownUser)

	thread, err := store.FindBetween(ctx, 1, 2)
	require.NoError(t, err)
	assert.Empty(t, thread, "nothing from a rejected batch may be committed")
}

func TestAppendMessage_TimestampBounds(t *testing.T) {
	store := newTestStore(t)
	createUser(t, store, 1, RoleVendor, "A", "")
	createUser(t, store, 2, RolePlanner, "B", "")

	appendAt(t, store, 1, 2, t0, "normal")
	oldest := appendAt(t, store, 1, 2, MinTimestamp, "oldest")
	newest := appendAt(t, store, 2, 1, MaxTimestamp, "newest")
	assert.True(t, oldest.Timestamp.Equal(MinTimestamp))
	assert.True(t, newest.Timestamp.Equal(MaxTimestamp))

	thread, err := store.FindBetween(context.Background(), 1, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"oldest", "normal", "newest"}, bodies(thread))
	assert.True(t, thread[2].Timestamp.Equal(MaxTimestamp), "read back without wrapping")

	heads, err := store.LatestPerConversation(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, heads, 1)
	assert.Equal(t, "newest", heads[0].Body)
}

func TestAppendMessages_OutOfRangeTimestamp(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	createUser(t, store, 1, RoleVendor, "A", "")
	createUser(t, store, 2, RolePlanner, "B", "")

	_, err := store.AppendMessages(ctx, []*MessageDraft{
		{FromUser: 1, ToUser: 2, Timestamp: t0, Body: "ok"},
		{FromUser: 1, ToUser: 2, Timestamp: time.Date(2300, 1, 1, 0, 0, 0, 0, time.UTC), Body: "future"},
	})
	var batchErr *BatchError
	require.True(t, errors.As(err, &batchErr))
	require.Len(t, batchErr.Failures, 1)
	assert.Equal(t, 1, batchErr.Failures[0].Index)
	assert.ErrorIs(t, batchErr.Failures[0].Err, ErrTimestamp)

	thread, err := store.FindBetween(ctx, 1, 2)
	require.NoError(t, err)
	assert.Empty(t, thread)
}

func TestAppendMessages_Success(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	createUser(t, store, 1, RoleVendor, "A", "")
	createUser(t, store, 2, RolePlanner, "B", "")
	createUser(t, store, 3, RolePlanner, "C", "")

	msgs, err := store.AppendMessages(ctx, []*MessageDraft{
		{FromUser: 1, ToUser: 2, Timestamp: t0, Body: "one"},
		{FromUser: 3, ToUser: 1, Timestamp: t0.Add(time.Second), Body: "two"},
	})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Less(t, msgs[0].ID, msgs[1].ID, "ids follow batch order")

	empty, err := store.AppendMessages(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestFindBetween_OrderAndIsolation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	createUser(t, store, 1, RoleVendor, "A", "")
	createUser(t, store, 2, RolePlanner, "B", "")
	createUser(t, store, 3, RolePlanner, "C", "")

	// Inserted out of timestamp order, with a tie at t0+10s
	appendAt(t, store, 1, 2, t0.Add(30*time.Second), "third")
	appendAt(t, store, 2, 1, t0.Add(10*time.Second), "first")
	appendAt(t, store, 1, 2, t0.Add(10*time.Second), "second")
	appendAt(t, store, 1, 3, t0, "elsewhere")

	thread, err := store.FindBetween(ctx, 2, 1)
	require.NoError(t, err)
	require.Len(t, thread, 3)
	assert.Equal(t, []string{"first", "second", "third"}, bodies(thread))

	none, err := store.FindBetween(ctx, 2, 3)
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func TestLatestPerConversation_MatchesScan(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	createUser(t, store, 1, RoleVendor, "A", "")
	createUser(t, store, 2, RolePlanner, "B", "")
	createUser(t, store, 3, RolePlanner, "C", "")

	appendAt(t, store, 2, 1, t0.Add(time.Second), "Hi")
	appendAt(t, store, 1, 2, t0.Add(2*time.Second), "Hello")
	// Older timestamp appended later must not replace the head
	appendAt(t, store, 2, 1, t0, "late arrival")
	tieA := appendAt(t, store, 3, 1, t0.Add(5*time.Second), "tie a")
	tieB := appendAt(t, store, 1, 3, t0.Add(5*time.Second), "tie b")
	require.Less(t, tieA.ID, tieB.ID)

	heads, err := store.LatestPerConversation(ctx, 1)
	require.NoError(t, err)
	require.Len(t, heads, 2)

	byBody := map[string]bool{}
	for _, h := range heads {
		byBody[h.Body] = true
	}
	assert.True(t, byBody["Hello"])
	assert.True(t, byBody["tie b"], "ties resolve to the higher id")

	forTwo, err := store.LatestPerConversation(ctx, 2)
	require.NoError(t, err)
	require.Len(t, forTwo, 1)
	assert.Equal(t, "Hello", forTwo[0].Body)
}

func TestRunMigrations_BackfillsHeads(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	createUser(t, store, 1, RoleVendor, "A", "")
	createUser(t, store, 2, RolePlanner, "B", "")
	appendAt(t, store, 1, 2, t0, "old")
	appendAt(t, store, 2, 1, t0.Add(time.Minute), "new")

	_, err = store.db.ExecContext(ctx, `DELETE FROM conversation_heads`)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer reopened.Close()

	heads, err := reopened.LatestPerConversation(ctx, 1)
	require.NoError(t, err)
	require.Len(t, heads, 1)
	assert.Equal(t, "new", heads[0].Body)
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, "", placeholders(0))
	assert.Equal(t, "?", placeholders(1))
	assert.Equal(t, "?, ?, ?", placeholders(3))
}

// newTestStore creates a store in a temp directory for testing
func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func createUser(t *testing.T, s Store, id int64, role Role, first, last string) *User {
	t.Helper()

	u := &User{ID: id, Role: role, FirstName: first, LastName: last}
	require.NoError(t, s.CreateUser(context.Background(), u))
	return u
}

func appendAt(t *testing.T, s Store, from, to int64, ts time.Time, body string) *Message {
	t.Helper()

	msg, err := s.AppendMessage(context.Background(), &MessageDraft{FromUser: from, ToUser: to, Timestamp: ts, Body: body})
	require.NoError(t, err)
	return msg
}

func bodies(msgs []*Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Body
	}
	return out
}
