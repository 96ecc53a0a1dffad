// ABOUTME: Realtime event types and their JSON wire frames
// ABOUTME: Frames are identity-assigned, message and error, tagged by a "type" field

package realtime

import (
	"time"

	"github.com/2389/huddle-chat/internal/store"
)

// Frame types exchanged over the socket
const (
	FrameIdentityAssigned = "identity-assigned"
	FrameMessage          = "message"
	FrameError            = "error"
)

// Event is what the broadcaster queues for a connection
type Event struct {
	Message *store.Message
}

// identityFrame is sent once, immediately after the socket is accepted
type identityFrame struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connectionId"`
}

// MessageFrame is an outbound message event
type MessageFrame struct {
	Type     string    `json:"type"`
	ID       int64     `json:"id"`
	FromUser int64     `json:"fromUser"`
	ToUser   int64     `json:"toUser"`
	Date     time.Time `json:"date"`
	Message  string    `json:"message"`
}

// inboundFrame is a client message submission. fromUser is accepted for
// compatibility and checked against the authenticated identity.
type inboundFrame struct {
	Type            string    `json:"type"`
	FromUser        int64     `json:"fromUser"`
	ToUser          int64     `json:"toUser"`
	Date            time.Time `json:"date"`
	Message         string    `json:"message"`
	ClientMessageID string    `json:"clientMessageId"`
}

type errorFrame struct {
	Type            string `json:"type"`
	Error           string `json:"error"`
	ClientMessageID string `json:"clientMessageId,omitempty"`
}

// NewMessageFrame converts a stored message to its wire form
func NewMessageFrame(m *store.Message) MessageFrame {
	return MessageFrame{
		Type:     FrameMessage,
		ID:       m.ID,
		FromUser: m.FromUser,
		ToUser:   m.ToUser,
		Date:     m.Timestamp,
		Message:  m.Body,
	}
}
