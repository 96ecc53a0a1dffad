// ABOUTME: Append-only message log operations for the SQLite store
// ABOUTME: Appends maintain conversation_heads in the same transaction as the insert

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AppendMessage validates and durably appends a single message.
// Returns ErrSelfMessage, ErrEmptyBody, ErrTimestamp or ErrUnknownUser for rejected drafts.
func (s *SQLiteStore) AppendMessage(ctx context.Context, draft *MessageDraft) (*Message, error) {
	if err := validateDraft(draft); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	known, err := existingUsers(ctx, tx, []int64{draft.FromUser, draft.ToUser})
	if err != nil {
		return nil, err
	}
	if !known[draft.FromUser] || !known[draft.ToUser] {
		return nil, ErrUnknownUser
	}

	msg, err := insertMessage(ctx, tx, draft)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing message: %w", err)
	}

	s.logger.Debug("appended message", "id", msg.ID, "from", msg.FromUser, "to", msg.ToUser)
	return msg, nil
}

// AppendMessages appends every draft in one transaction. Either all drafts
// are committed or none are; on rejection a *BatchError names each failing index.
func (s *SQLiteStore) AppendMessages(ctx context.Context, drafts []*MessageDraft) ([]*Message, error) {
	if len(drafts) == 0 {
		return []*Message{}, nil
	}

	var failures []BatchFailure
	ids := make([]int64, 0, len(drafts)*2)
	for i, d := range drafts {
		if err := validateDraft(d); err != nil {
			failures = append(failures, BatchFailure{Index: i, Err: err})
			continue
		}
		ids = append(ids, d.FromUser, d.ToUser)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	known, err := existingUsers(ctx, tx, ids)
	if err != nil {
		return nil, err
	}

	// Merge unknown-user failures with validation failures, keeping index order
	merged := make([]BatchFailure, 0, len(failures))
	next := 0
	for i, d := range drafts {
		if next < len(failures) && failures[next].Index == i {
			merged = append(merged, failures[next])
			next++
			continue
		}
		if !known[d.FromUser] || !known[d.ToUser] {
			merged = append(merged, BatchFailure{Index: i, Err: ErrUnknownUser})
		}
	}
	if len(merged) > 0 {
		return nil, &BatchError{Failures: merged}
	}

	msgs := make([]*Message, 0, len(drafts))
	for i, d := range drafts {
		msg, err := insertMessage(ctx, tx, d)
		if err != nil {
			return nil, &BatchError{Failures: []BatchFailure{{Index: i, Err: err}}}
		}
		msgs = append(msgs, msg)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing batch: %w", err)
	}

	s.logger.Debug("appended message batch", "count", len(msgs))
	return msgs, nil
}

// FindBetween returns every message exchanged by a and b ordered by (timestamp, id).
func (s *SQLiteStore) FindBetween(ctx context.Context, a, b int64) ([]*Message, error) {
	low, high := conversationBounds(a, b)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, from_user, to_user, sent_at, body
		FROM messages
		WHERE conv_low = ? AND conv_high = ?
		ORDER BY sent_at ASC, id ASC
	`, low, high)
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return scanMessages(rows)
}

// FindAllInvolving returns every message sent or received by userID.
func (s *SQLiteStore) FindAllInvolving(ctx context.Context, userID int64) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, from_user, to_user, sent_at, body
		FROM messages
		WHERE from_user = ?
		UNION ALL
		SELECT id, from_user, to_user, sent_at, body
		FROM messages
		WHERE to_user = ?
	`, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("querying messages for user: %w", err)
	}
	return scanMessages(rows)
}

// LatestPerConversation returns the head message of each conversation userID
// takes part in.
func (s *SQLiteStore) LatestPerConversation(ctx context.Context, userID int64) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.from_user, m.to_user, m.sent_at, m.body
		FROM conversation_heads h
		JOIN messages m ON m.id = h.message_id
		WHERE h.conv_low = ? OR h.conv_high = ?
	`, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("querying conversation heads: %w", err)
	}
	return scanMessages(rows)
}

// existingUsers reports which of ids are present in the users table
func existingUsers(ctx context.Context, tx *sql.Tx, ids []int64) (map[int64]bool, error) {
	known := make(map[int64]bool, len(ids))
	if len(ids) == 0 {
		return known, nil
	}

	seen := make(map[int64]struct{}, len(ids))
	unique := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}

	for start := 0; start < len(unique); start += lookupChunkSize {
		chunk := unique[start:min(start+lookupChunkSize, len(unique))]
		rows, err := tx.QueryContext(ctx,
			`SELECT id FROM users WHERE id IN (`+placeholders(len(chunk))+`)`,
			int64Args(chunk)...)
		if err != nil {
			return nil, fmt.Errorf("checking participants: %w", err)
		}
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scanning participant: %w", err)
			}
			known[id] = true
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("iterating participants: %w", err)
		}
		rows.Close()
	}
	return known, nil
}

// insertMessage writes one message and advances its conversation head
func insertMessage(ctx context.Context, tx *sql.Tx, d *MessageDraft) (*Message, error) {
	low, high := conversationBounds(d.FromUser, d.ToUser)
	ts := d.Timestamp.UTC()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO messages (from_user, to_user, conv_low, conv_high, sent_at, body)
		VALUES (?, ?, ?, ?, ?, ?)
	`, d.FromUser, d.ToUser, low, high, ts.UnixNano(), d.Body)
	if err != nil {
		if isConstraintViolation(err) {
			return nil, ErrUnknownUser
		}
		return nil, fmt.Errorf("inserting message: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading message id: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversation_heads (conv_low, conv_high, message_id, sent_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(conv_low, conv_high) DO UPDATE SET
			message_id = excluded.message_id,
			sent_at = excluded.sent_at
		WHERE excluded.sent_at > conversation_heads.sent_at
		   OR (excluded.sent_at = conversation_heads.sent_at
		       AND excluded.message_id > conversation_heads.message_id)
	`, low, high, id, ts.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("updating conversation head: %w", err)
	}

	return &Message{
		ID:        id,
		FromUser:  d.FromUser,
		ToUser:    d.ToUser,
		Timestamp: time.Unix(0, ts.UnixNano()).UTC(),
		Body:      d.Body,
	}, nil
}

func scanMessages(rows *sql.Rows) ([]*Message, error) {
	defer rows.Close()

	msgs := []*Message{}
	for rows.Next() {
		var m Message
		var sentAt int64
		if err := rows.Scan(&m.ID, &m.FromUser, &m.ToUser, &sentAt, &m.Body); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		m.Timestamp = time.Unix(0, sentAt).UTC()
		msgs = append(msgs, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}
	return msgs, nil
}
