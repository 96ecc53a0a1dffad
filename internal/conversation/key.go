// ABOUTME: Key is the canonical identity of a two-party conversation
// ABOUTME: Direction-independent: messages A->B and B->A share the same Key

package conversation

import (
	"fmt"

	"github.com/2389/huddle-chat/internal/store"
)

// Key is the ordered participant pair of a conversation, Low < High.
type Key struct {
	Low  int64
	High int64
}

// NewKey builds the Key for the conversation between a and b.
func NewKey(a, b int64) Key {
	if a < b {
		return Key{Low: a, High: b}
	}
	return Key{Low: b, High: a}
}

// KeyOf returns the conversation a message belongs to.
func KeyOf(m *store.Message) Key {
	return NewKey(m.FromUser, m.ToUser)
}

// Involves reports whether id is one of the two participants.
func (k Key) Involves(id int64) bool {
	return k.Low == id || k.High == id
}

// Other returns the participant that is not id.
// The result is meaningless when id is not a participant.
func (k Key) Other(id int64) int64 {
	if k.Low == id {
		return k.High
	}
	return k.Low
}

func (k Key) String() string {
	return fmt.Sprintf("%d:%d", k.Low, k.High)
}
