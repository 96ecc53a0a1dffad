// ABOUTME: Conversation list aggregation: one summary per counterpart, newest message wins
// ABOUTME: Groups by Key in a single pass and resolves display fields with batched lookups

package conversation

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"time"

	"github.com/samber/lo"

	"github.com/2389/huddle-chat/internal/store"
)

// Summary is the inbox view of one conversation for a viewer
type Summary struct {
	Key                  Key
	OtherUserID          int64
	OtherDisplayName     string
	OtherProfilePic      string
	LastMessageID        int64
	LastMessageBody      string
	LastMessageTimestamp time.Time
}

// ListConversations returns one Summary per counterpart of viewerID, ordered
// by last message (timestamp, id) ascending. Returns a *NotFoundError when
// the viewer does not exist.
func (s *Service) ListConversations(ctx context.Context, viewerID int64) ([]*Summary, error) {
	start := time.Now()
	defer func() {
		s.opts.Metrics.ObserveAggregation(string(s.opts.Mode), time.Since(start))
	}()

	viewer, err := s.store.GetUser(ctx, viewerID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &NotFoundError{UserID: viewerID}
	}
	if err != nil {
		return nil, s.storageError("list_conversations", err, viewerID)
	}

	var candidates []*store.Message
	if s.opts.Mode == ModeIndex {
		candidates, err = s.store.LatestPerConversation(ctx, viewer.ID)
	} else {
		candidates, err = s.store.FindAllInvolving(ctx, viewer.ID)
	}
	if err != nil {
		return nil, s.storageError("list_conversations", err, viewer.ID)
	}

	heads := latestPerKey(candidates, viewer.ID)
	if len(heads) == 0 {
		return []*Summary{}, nil
	}

	otherIDs := lo.Map(heads, func(m *store.Message, _ int) int64 {
		return KeyOf(m).Other(viewer.ID)
	})

	users, err := s.store.GetUsers(ctx, otherIDs)
	if err != nil {
		return nil, s.storageError("list_conversations", err, viewer.ID)
	}

	var profiles map[int64]*store.VendorProfile
	if viewer.Role == store.RolePlanner {
		profiles, err = s.store.GetVendorProfiles(ctx, otherIDs)
		if err != nil {
			return nil, s.storageError("list_conversations", err, viewer.ID)
		}
	}

	summaries := make([]*Summary, 0, len(heads))
	for _, head := range heads {
		key := KeyOf(head)
		otherID := key.Other(viewer.ID)

		other, ok := users[otherID]
		if !ok {
			s.logger.Warn("conversation counterpart missing from directory",
				"viewer", viewer.ID, "other", otherID)
			continue
		}

		name, ok := s.displayName(viewer, other, profiles)
		if !ok {
			continue
		}

		summaries = append(summaries, &Summary{
			Key:                  key,
			OtherUserID:          otherID,
			OtherDisplayName:     name,
			OtherProfilePic:      other.ProfilePic,
			LastMessageID:        head.ID,
			LastMessageBody:      head.Body,
			LastMessageTimestamp: head.Timestamp,
		})
	}

	slices.SortFunc(summaries, func(a, b *Summary) int {
		if c := a.LastMessageTimestamp.Compare(b.LastMessageTimestamp); c != 0 {
			return c
		}
		return cmp.Compare(a.LastMessageID, b.LastMessageID)
	})
	return summaries, nil
}

// displayName shapes the counterpart name for the viewer's role. The second
// result is false when the counterpart must be left out of the list.
func (s *Service) displayName(viewer, other *store.User, profiles map[int64]*store.VendorProfile) (string, bool) {
	if viewer.Role != store.RolePlanner {
		return other.DisplayName(), true
	}
	if p, ok := profiles[other.ID]; ok {
		return p.CompanyName, true
	}
	if s.opts.AllowPlannerFallback {
		return other.DisplayName(), true
	}
	return "", false
}

// latestPerKey groups messages by conversation and keeps the newest of each
// group by (timestamp, id). Messages not involving viewerID are ignored.
func latestPerKey(msgs []*store.Message, viewerID int64) []*store.Message {
	relevant := lo.Filter(msgs, func(m *store.Message, _ int) bool {
		return m.FromUser != m.ToUser && KeyOf(m).Involves(viewerID)
	})
	groups := lo.GroupBy(relevant, KeyOf)

	return lo.MapToSlice(groups, func(_ Key, group []*store.Message) *store.Message {
		return lo.MaxBy(group, isNewer)
	})
}

// isNewer reports whether a sorts after b by (timestamp, id)
func isNewer(a, b *store.Message) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.After(b.Timestamp)
	}
	return a.ID > b.ID
}
