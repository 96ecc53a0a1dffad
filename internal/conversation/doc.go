// Package conversation provides the conversation layer of huddle-chat.
//
// # Overview
//
// The package sits between the transports (HTTP API, WebSocket) and the
// message store. It owns the conversation key, inbox aggregation, thread
// reads and message posting.
//
// # Conversation Key
//
// Key{Low, High} identifies the conversation between two users regardless
// of who sent a message:
//
//	conversation.NewKey(7, 3) == conversation.NewKey(3, 7) // Key{Low: 3, High: 7}
//
// # Aggregation
//
// ListConversations returns one Summary per counterpart of the viewer,
// carrying the newest message by (timestamp, id). Candidates come from a full
// scan of the viewer's messages (ModeScan) or from the conversation_heads
// index (ModeIndex); both produce the same result. Display attributes are
// fetched in one batched lookup:
//
//   - a vendor sees the planner's first and last name
//   - a planner sees the vendor's company name
//
// A vendor without a company profile is hidden from planners unless
// Options.AllowPlannerFallback is set.
//
// # Posting
//
// Post and PostBatch bind the sender to the authenticated identity, validate
// the message, append it and publish it to both participants. PostBatch is
// all-or-nothing and reports every failing index in a *BatchError.
//
// # Errors
//
//   - *ValidationError (ErrValidation): input rejected, safe to show
//   - *StorageError (ErrStorage): persistence failed, log only
//   - *NotFoundError (ErrNotFound): the requesting user does not exist
package conversation
