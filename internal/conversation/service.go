// ABOUTME: Service is the conversation layer between transports and the message store
// ABOUTME: Posts are validated and appended first, then published to the two participants

package conversation

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/2389/huddle-chat/internal/metrics"
	"github.com/2389/huddle-chat/internal/store"
)

// Store is what the service needs from storage
type Store interface {
	store.MessageStore
	store.UserDirectory
}

// Publisher delivers an appended message to connected participants
type Publisher interface {
	Publish(msg *store.Message)
}

// Mode selects how candidate messages are gathered for aggregation
type Mode string

const (
	// ModeScan reads every message involving the viewer and groups in memory
	ModeScan Mode = "scan"
	// ModeIndex reads one head message per conversation from conversation_heads
	ModeIndex Mode = "index"
)

// Options tune the service. The zero value scans and keeps counterparts
// without a vendor profile out of a planner's list.
type Options struct {
	Mode Mode

	// AllowPlannerFallback lists counterparts without a vendor profile in a
	// planner's conversations under their first/last name instead of hiding them.
	AllowPlannerFallback bool

	Metrics *metrics.Metrics

	// Now supplies the timestamp for posts that carry none
	Now func() time.Time
}

// Service implements conversation listing, thread reading and posting.
type Service struct {
	store     Store
	publisher Publisher
	opts      Options
	logger    *slog.Logger
}

var validate = validator.New()

// New creates a new conversation Service. publisher may be nil.
func New(st Store, publisher Publisher, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Mode == "" {
		opts.Mode = ModeScan
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		store:     st,
		publisher: publisher,
		opts:      opts,
		logger:    logger.With("component", "conversation"),
	}
}

// PostRequest is one message as submitted by a client.
// FromUser is optional; when set it must equal the sender.
type PostRequest struct {
	FromUser int64
	ToUser   int64
	Date     time.Time
	Message  string
}

// GetThread returns the full history between a and b ordered by
// (timestamp, id). No history, or an unknown counterpart, yields an empty slice.
func (s *Service) GetThread(ctx context.Context, a, b int64) ([]*store.Message, error) {
	msgs, err := s.store.FindBetween(ctx, a, b)
	if err != nil {
		return nil, s.storageError("get_thread", err, a, b)
	}
	return msgs, nil
}

// Post appends one message on behalf of sender and publishes it.
func (s *Service) Post(ctx context.Context, sender int64, req PostRequest) (*store.Message, error) {
	draft, err := s.draftFor(sender, req)
	if err != nil {
		return nil, err
	}

	msg, err := s.store.AppendMessage(ctx, draft)
	if err != nil {
		if verr := classifyStoreRejection(err); verr != nil {
			return nil, verr
		}
		return nil, s.storageError("append_message", err, draft.FromUser, draft.ToUser)
	}

	s.logger.Debug("message posted", "id", msg.ID, "from", msg.FromUser, "to", msg.ToUser)
	s.opts.Metrics.MessagesAppended("single", 1)
	s.publish(msg)
	return msg, nil
}

// PostBatch appends every request atomically on behalf of sender and
// publishes the results in order. On rejection a *BatchError lists every
// failing index and nothing is committed.
func (s *Service) PostBatch(ctx context.Context, sender int64, reqs []PostRequest) ([]*store.Message, error) {
	if len(reqs) == 0 {
		return []*store.Message{}, nil
	}

	drafts := make([]*store.MessageDraft, len(reqs))
	var items []BatchItemError
	for i, req := range reqs {
		draft, err := s.draftFor(sender, req)
		if err != nil {
			items = append(items, BatchItemError{Index: i, Err: err})
			continue
		}
		drafts[i] = draft
	}
	if len(items) > 0 {
		return nil, &BatchError{Items: items}
	}

	msgs, err := s.store.AppendMessages(ctx, drafts)
	if err != nil {
		var storeBatch *store.BatchError
		if errors.As(err, &storeBatch) {
			return nil, s.translateBatch(storeBatch, drafts)
		}
		return nil, s.storageError("append_batch", err, sender)
	}

	s.logger.Debug("batch posted", "count", len(msgs), "sender", sender)
	s.opts.Metrics.MessagesAppended("batch", len(msgs))
	for _, msg := range msgs {
		s.publish(msg)
	}
	return msgs, nil
}

func (s *Service) publish(msg *store.Message) {
	if s.publisher != nil {
		s.publisher.Publish(msg)
	}
}

// draftFor binds a request to the authenticated sender and validates it
func (s *Service) draftFor(sender int64, req PostRequest) (*store.MessageDraft, error) {
	if req.FromUser != 0 && req.FromUser != sender {
		return nil, &ValidationError{Field: "fromUser", Reason: "does not match the authenticated user"}
	}

	ts := req.Date
	if ts.IsZero() {
		ts = s.opts.Now()
	}
	if !store.TimestampInRange(ts) {
		return nil, &ValidationError{Field: "date", Reason: "is out of range"}
	}
	draft := &store.MessageDraft{
		FromUser:  sender,
		ToUser:    req.ToUser,
		Timestamp: ts.UTC(),
		Body:      req.Message,
	}
	if err := validate.Struct(draft); err != nil {
		return nil, fromValidator(err)
	}
	return draft, nil
}

func (s *Service) translateBatch(be *store.BatchError, drafts []*store.MessageDraft) error {
	items := make([]BatchItemError, len(be.Failures))
	for i, f := range be.Failures {
		if verr := classifyStoreRejection(f.Err); verr != nil {
			items[i] = BatchItemError{Index: f.Index, Err: verr}
			continue
		}
		d := drafts[f.Index]
		items[i] = BatchItemError{Index: f.Index, Err: s.storageError("append_batch", f.Err, d.FromUser, d.ToUser)}
	}
	return &BatchError{Items: items}
}

func (s *Service) storageError(op string, err error, userIDs ...int64) error {
	s.logger.Error("storage failure", "op", op, "user_ids", userIDs, "error", err)
	return &StorageError{Op: op, UserIDs: userIDs, Err: err}
}

// classifyStoreRejection maps store draft rejections to validation errors.
// Returns nil for anything else.
func classifyStoreRejection(err error) error {
	switch {
	case errors.Is(err, store.ErrSelfMessage):
		return &ValidationError{Field: "toUser", Reason: "cannot message yourself", Err: err}
	case errors.Is(err, store.ErrUnknownUser):
		return &ValidationError{Field: "toUser", Reason: "participant does not exist", Err: err}
	case errors.Is(err, store.ErrEmptyBody):
		return &ValidationError{Field: "message", Reason: "is empty", Err: err}
	case errors.Is(err, store.ErrTimestamp):
		return &ValidationError{Field: "date", Reason: "is out of range", Err: err}
	}
	return nil
}

// draftFields maps MessageDraft fields to their wire names
var draftFields = map[string]string{
	"FromUser":  "fromUser",
	"ToUser":    "toUser",
	"Timestamp": "date",
	"Body":      "message",
}

func fromValidator(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &ValidationError{Reason: "invalid message", Err: err}
	}

	fe := verrs[0]
	field := draftFields[fe.Field()]
	var reason string
	switch fe.Tag() {
	case "required":
		reason = "is required"
	case "gt":
		reason = "must be a positive user id"
	case "nefield":
		reason = "cannot message yourself"
	case "max":
		reason = "is longer than " + fe.Param() + " characters"
	default:
		reason = "is invalid"
	}
	return &ValidationError{Field: field, Reason: reason, Err: err}
}
