// ABOUTME: Store interface and data types for huddle-chat persistence
// ABOUTME: Defines User, VendorProfile, Message and the append-only MessageStore contract

package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Message validation errors. AppendMessage and AppendMessages wrap these
// so callers can classify a rejected draft with errors.Is.
var (
	ErrSelfMessage = errors.New("sender and recipient must differ")
	ErrUnknownUser = errors.New("participant does not exist")
	ErrEmptyBody   = errors.New("message body is empty")
	ErrTimestamp   = errors.New("message timestamp out of range")
)

// Timestamps are stored as Unix nanoseconds, which covers roughly the years
// 1678 to 2262.
var (
	MinTimestamp = time.Unix(0, math.MinInt64).UTC()
	MaxTimestamp = time.Unix(0, math.MaxInt64).UTC()
)

// TimestampInRange reports whether ts can be stored without loss.
func TimestampInRange(ts time.Time) bool {
	return !ts.Before(MinTimestamp) && !ts.After(MaxTimestamp)
}

// Role is the marketplace role of a user
type Role string

const (
	RolePlanner Role = "planner"
	RoleVendor  Role = "vendor"
)

// Valid reports whether r is a known role
func (r Role) Valid() bool {
	return r == RolePlanner || r == RoleVendor
}

// User is the subset of a marketplace account this service reads
type User struct {
	ID         int64
	Role       Role
	FirstName  string
	LastName   string
	ProfilePic string
	CreatedAt  time.Time
}

// DisplayName returns "First Last", trimmed when either half is missing
func (u *User) DisplayName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// VendorProfile is the one-to-one vendor extension of a User
type VendorProfile struct {
	VendorUserID int64
	CompanyName  string
}

// Message is a single immutable chat message between two users
type Message struct {
	ID        int64
	FromUser  int64
	ToUser    int64
	Timestamp time.Time
	Body      string
}

// MessageDraft is a message that has not been assigned an ID yet
type MessageDraft struct {
	FromUser  int64     `validate:"required,gt=0"`
	ToUser    int64     `validate:"required,gt=0,nefield=FromUser"`
	Timestamp time.Time `validate:"required"`
	Body      string    `validate:"required,max=4000"`
}

// BatchFailure describes why one item of a batch append was rejected
type BatchFailure struct {
	Index int
	Err   error
}

// BatchError is returned by AppendMessages when any item fails.
// Nothing from the batch is committed when a BatchError is returned.
type BatchError struct {
	Failures []BatchFailure
}

func (e *BatchError) Error() string {
	if len(e.Failures) == 1 {
		f := e.Failures[0]
		return fmt.Sprintf("batch rejected: item %d: %v", f.Index, f.Err)
	}
	return fmt.Sprintf("batch rejected: %d items failed", len(e.Failures))
}

// Unwrap exposes the per-item causes to errors.Is and errors.As
func (e *BatchError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f.Err
	}
	return errs
}

// MessageStore is the append-only message log
type MessageStore interface {
	AppendMessage(ctx context.Context, draft *MessageDraft) (*Message, error)
	AppendMessages(ctx context.Context, drafts []*MessageDraft) ([]*Message, error)

	// FindBetween returns the conversation between a and b ordered by
	// (timestamp, id) ascending.
	FindBetween(ctx context.Context, a, b int64) ([]*Message, error)

	// FindAllInvolving returns every message sent or received by userID, unordered.
	FindAllInvolving(ctx context.Context, userID int64) ([]*Message, error)

	// LatestPerConversation returns the newest message of each conversation
	// userID takes part in, read from the conversation_heads index.
	LatestPerConversation(ctx context.Context, userID int64) ([]*Message, error)
}

// UserDirectory gives read access to user display attributes
type UserDirectory interface {
	GetUser(ctx context.Context, id int64) (*User, error)
	GetUsers(ctx context.Context, ids []int64) (map[int64]*User, error)
	GetVendorProfiles(ctx context.Context, userIDs []int64) (map[int64]*VendorProfile, error)
}

// Store defines the full persistence surface used by the gateway
type Store interface {
	MessageStore
	UserDirectory

	// Seeding and admin tooling
	CreateUser(ctx context.Context, user *User) error
	UpsertVendorProfile(ctx context.Context, profile *VendorProfile) error
	CountUsers(ctx context.Context) (int, error)

	// Ping checks that the storage engine is reachable
	Ping(ctx context.Context) error

	// Close releases any resources held by the store
	Close() error
}

// validateDraft performs the checks shared by every Store implementation
// that do not need the users table.
func validateDraft(d *MessageDraft) error {
	if d.FromUser == d.ToUser {
		return ErrSelfMessage
	}
	if strings.TrimSpace(d.Body) == "" {
		return ErrEmptyBody
	}
	if !TimestampInRange(d.Timestamp) {
		return ErrTimestamp
	}
	return nil
}

// conversationBounds orders a participant pair as (low, high).
// Mirrors conversation.Key; the store keeps its own copy to avoid an import cycle.
func conversationBounds(a, b int64) (int64, int64) {
	if a < b {
		return a, b
	}
	return b, a
}

// newer reports whether m sorts after other by (timestamp, id)
func newer(m, other *Message) bool {
	if !m.Timestamp.Equal(other.Timestamp) {
		return m.Timestamp.After(other.Timestamp)
	}
	return m.ID > other.ID
}
