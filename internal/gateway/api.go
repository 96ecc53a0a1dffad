// ABOUTME: HTTP API handlers for conversations, threads, message posting and user details
// ABOUTME: Maps conversation error kinds to status codes and honors Idempotency-Key on posts

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/samber/lo"

	"github.com/2389/huddle-chat/internal/auth"
	"github.com/2389/huddle-chat/internal/conversation"
	"github.com/2389/huddle-chat/internal/dedupe"
	"github.com/2389/huddle-chat/internal/store"
)

// IdempotencyHeader lets clients retry posts without appending twice
const IdempotencyHeader = "Idempotency-Key"

// ReplayedHeader is set on responses served from the idempotency cache
const ReplayedHeader = "Idempotent-Replayed"

const maxBodyBytes = 1 << 20

// MessageRequest is the JSON body of POST /messages and each item of POST /messages/bulk.
type MessageRequest struct {
	FromUser int64     `json:"fromUser,omitempty"`
	ToUser   int64     `json:"toUser"`
	Date     time.Time `json:"date"`
	Message  string    `json:"message"`
}

// MessageResponse is the JSON representation of a stored message.
type MessageResponse struct {
	ID       int64     `json:"id"`
	FromUser int64     `json:"fromUser"`
	ToUser   int64     `json:"toUser"`
	Date     time.Time `json:"date"`
	Message  string    `json:"message"`
	HTML     string    `json:"html,omitempty"`
}

// ConversationResponse is one entry of GET /conversations.
type ConversationResponse struct {
	ConversationKey      string    `json:"conversationKey"`
	OtherUserID          int64     `json:"otherUserId"`
	OtherDisplayName     string    `json:"otherDisplayName"`
	OtherProfilePic      string    `json:"otherProfilePic,omitempty"`
	LastMessageID        int64     `json:"lastMessageId"`
	LastMessageBody      string    `json:"lastMessageBody"`
	LastMessageTimestamp time.Time `json:"lastMessageTimestamp"`
}

// ListConversationsResponse is the JSON response for GET /conversations.
type ListConversationsResponse struct {
	Conversations []ConversationResponse `json:"conversations"`
}

// ThreadResponse is the JSON response for GET /conversations/{otherUserId}.
type ThreadResponse struct {
	OtherUserID int64             `json:"otherUserId"`
	Messages    []MessageResponse `json:"messages"`
}

// BulkResponse is the JSON response for POST /messages/bulk.
type BulkResponse struct {
	IDs      []int64           `json:"ids"`
	Messages []MessageResponse `json:"messages,omitempty"`
}

// ReplayResponse is returned when an Idempotency-Key has already completed.
type ReplayResponse struct {
	IDs []int64 `json:"ids"`
}

// BatchFailureResponse is one rejected item of a bulk post.
type BatchFailureResponse struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// BatchErrorResponse is the 400 body of a rejected bulk post.
type BatchErrorResponse struct {
	Error    string                 `json:"error"`
	Failures []BatchFailureResponse `json:"failures"`
}

// UserResponse is the JSON response for GET /users/me and GET /users/{id}.
type UserResponse struct {
	ID          int64  `json:"id"`
	FirstName   string `json:"firstName"`
	LastName    string `json:"lastName"`
	Type        string `json:"type"`
	ProfilePic  string `json:"profilePic,omitempty"`
	CompanyName string `json:"companyName,omitempty"`
}

// registerAPIRoutes mounts the authenticated JSON API.
func (g *Gateway) registerAPIRoutes(mux *http.ServeMux, authMiddleware func(http.Handler) http.Handler) {
	route := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, g.instrument(pattern, authMiddleware(h)))
	}

	route("GET /conversations", g.handleListConversations)
	route("GET /conversations/{otherUserId}", g.handleThread)
	route("POST /messages", g.handlePostMessage)
	route("POST /messages/bulk", g.handlePostBulk)
	route("GET /users/me", g.handleCurrentUser)
	route("GET /users/{id}", g.handleGetUser)
}

// handleListConversations handles GET /conversations for the current user.
func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())

	summaries, err := g.conversation.ListConversations(r.Context(), id.UserID)
	if err != nil {
		g.sendServiceError(w, err)
		return
	}

	resp := ListConversationsResponse{
		Conversations: lo.Map(summaries, func(s *conversation.Summary, _ int) ConversationResponse {
			return ConversationResponse{
				ConversationKey:      s.Key.String(),
				OtherUserID:          s.OtherUserID,
				OtherDisplayName:     s.OtherDisplayName,
				OtherProfilePic:      s.OtherProfilePic,
				LastMessageID:        s.LastMessageID,
				LastMessageBody:      s.LastMessageBody,
				LastMessageTimestamp: s.LastMessageTimestamp,
			}
		}),
	}
	g.sendJSON(w, http.StatusOK, resp)
}

// handleThread handles GET /conversations/{otherUserId}.
// ?format=html adds a rendered HTML body to every message.
func (g *Gateway) handleThread(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())

	otherID, err := parseUserID(r.PathValue("otherUserId"))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	msgs, err := g.conversation.GetThread(r.Context(), id.UserID, otherID)
	if err != nil {
		g.sendServiceError(w, err)
		return
	}

	renderHTML := r.URL.Query().Get("format") == "html"
	resp := ThreadResponse{OtherUserID: otherID, Messages: make([]MessageResponse, 0, len(msgs))}
	for _, m := range msgs {
		mr := toMessageResponse(m)
		if renderHTML {
			mr.HTML = g.renderMarkdown(m.Body)
		}
		resp.Messages = append(resp.Messages, mr)
	}
	g.sendJSON(w, http.StatusOK, resp)
}

// handlePostMessage handles POST /messages.
func (g *Gateway) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())

	var req MessageRequest
	if err := decodeBody(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	g.withIdempotency(w, r, id.UserID, func(ctx context.Context) ([]int64, error) {
		msg, err := g.conversation.Post(ctx, id.UserID, toPostRequest(req))
		if err != nil {
			return nil, err
		}
		g.sendJSON(w, http.StatusCreated, toMessageResponse(msg))
		return []int64{msg.ID}, nil
	})
}

// handlePostBulk handles POST /messages/bulk. The batch is all-or-nothing.
func (g *Gateway) handlePostBulk(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())

	var reqs []MessageRequest
	if err := decodeBody(w, r, &reqs); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body: expected an array of messages")
		return
	}

	g.withIdempotency(w, r, id.UserID, func(ctx context.Context) ([]int64, error) {
		msgs, err := g.conversation.PostBatch(ctx, id.UserID, lo.Map(reqs, func(req MessageRequest, _ int) conversation.PostRequest {
			return toPostRequest(req)
		}))
		if err != nil {
			return nil, err
		}
		ids := lo.Map(msgs, func(m *store.Message, _ int) int64 { return m.ID })
		g.sendJSON(w, http.StatusCreated, BulkResponse{
			IDs:      ids,
			Messages: lo.Map(msgs, func(m *store.Message, _ int) MessageResponse { return toMessageResponse(m) }),
		})
		return ids, nil
	})
}

// withIdempotency runs post at most once per (user, Idempotency-Key).
// post writes the success response itself; errors are written here.
func (g *Gateway) withIdempotency(w http.ResponseWriter, r *http.Request, userID int64, post func(context.Context) ([]int64, error)) {
	key := r.Header.Get(IdempotencyHeader)
	if key == "" {
		if _, err := post(r.Context()); err != nil {
			g.sendServiceError(w, err)
		}
		return
	}

	cacheKey := fmt.Sprintf("http:%d:%s:%s", userID, r.URL.Path, key)
	ids, status := g.idempotency.Begin(cacheKey)
	switch status {
	case dedupe.StatusDone:
		w.Header().Set(ReplayedHeader, "true")
		g.sendJSON(w, http.StatusOK, ReplayResponse{IDs: ids})
		return
	case dedupe.StatusInFlight:
		g.sendJSONError(w, http.StatusConflict, "request with this Idempotency-Key is in progress")
		return
	}

	ids, err := post(r.Context())
	if err != nil {
		g.idempotency.Release(cacheKey)
		g.sendServiceError(w, err)
		return
	}
	g.idempotency.Complete(cacheKey, ids)
}

// handleCurrentUser handles GET /users/me.
func (g *Gateway) handleCurrentUser(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())
	g.writeUser(w, r, id.UserID)
}

// handleGetUser handles GET /users/{id}.
func (g *Gateway) handleGetUser(w http.ResponseWriter, r *http.Request) {
	userID, err := parseUserID(r.PathValue("id"))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	g.writeUser(w, r, userID)
}

func (g *Gateway) writeUser(w http.ResponseWriter, r *http.Request, userID int64) {
	u, err := g.store.GetUser(r.Context(), userID)
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		g.logger.Error("looking up user", "user_id", userID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}

	resp := UserResponse{
		ID:         u.ID,
		FirstName:  u.FirstName,
		LastName:   u.LastName,
		Type:       string(u.Role),
		ProfilePic: u.ProfilePic,
	}
	if u.Role == store.RoleVendor {
		profiles, err := g.store.GetVendorProfiles(r.Context(), []int64{u.ID})
		if err != nil {
			g.logger.Error("looking up vendor profile", "user_id", userID, "error", err)
			g.sendJSONError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if p, ok := profiles[u.ID]; ok {
			resp.CompanyName = p.CompanyName
		}
	}
	g.sendJSON(w, http.StatusOK, resp)
}

// sendServiceError maps conversation error kinds to HTTP responses.
// Only validation text reaches the client.
func (g *Gateway) sendServiceError(w http.ResponseWriter, err error) {
	var batchErr *conversation.BatchError
	if errors.As(err, &batchErr) && !errors.Is(err, conversation.ErrStorage) {
		resp := BatchErrorResponse{Error: "batch rejected"}
		for _, item := range batchErr.Items {
			resp.Failures = append(resp.Failures, BatchFailureResponse{Index: item.Index, Error: item.Err.Error()})
		}
		g.sendJSON(w, http.StatusBadRequest, resp)
		return
	}

	var verr *conversation.ValidationError
	switch {
	case errors.As(err, &verr):
		g.sendJSONError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, conversation.ErrNotFound):
		g.sendJSONError(w, http.StatusNotFound, "user not found")
	default:
		g.logger.Error("request failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal error")
	}
}

// sendJSON writes v as a JSON response with the given status.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("writing response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, map[string]string{"error": message})
}

// renderMarkdown renders a message body to HTML. Raw HTML in the body is omitted.
func (g *Gateway) renderMarkdown(body string) string {
	var buf bytes.Buffer
	if err := g.markdown.Convert([]byte(body), &buf); err != nil {
		g.logger.Warn("rendering message body", "error", err)
		return ""
	}
	return buf.String()
}

// statusRecorder captures the status code for metrics
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument counts requests per route and status code.
func (g *Gateway) instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		g.metrics.HTTPRequest(route, rec.status)
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(v)
}

func parseUserID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid user id %q", s)
	}
	return id, nil
}

func toPostRequest(req MessageRequest) conversation.PostRequest {
	return conversation.PostRequest{
		FromUser: req.FromUser,
		ToUser:   req.ToUser,
		Date:     req.Date,
		Message:  req.Message,
	}
}

func toMessageResponse(m *store.Message) MessageResponse {
	return MessageResponse{
		ID:       m.ID,
		FromUser: m.FromUser,
		ToUser:   m.ToUser,
		Date:     m.Timestamp,
		Message:  m.Body,
	}
}
