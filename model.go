package feedsync

import (
	"time"

	"golang.org/x/exp/slices"
)

// entity values cached in the store. every update copies the value that
// changed. shared tails of a slice may be aliased by multiple cache
// generations, so elements must never be written through after insert.

type UserSummary struct {
	UserId    Id     `json:"id"`
	Name      string `json:"name,omitempty"`
	AvatarUrl string `json:"avatar_url,omitempty"`
}

type ReplyRef struct {
	MessageId Id     `json:"message_id"`
	Content   string `json:"content,omitempty"`
	SenderId  Id     `json:"sender_id"`
}

type Message struct {
	MessageId      Id         `json:"id"`
	ConversationId Id         `json:"conversation_id"`
	SenderId       Id         `json:"sender_id"`
	Content        string     `json:"content"`
	MediaUrl       string     `json:"media_url,omitempty"`
	IsRead         bool       `json:"is_read"`
	ReadAt         *time.Time `json:"read_at,omitempty"`
	IsDeleted      bool       `json:"is_deleted"`
	EditedAt       *time.Time `json:"edited_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	ReplyTo        *ReplyRef  `json:"reply_to,omitempty"`
}

type LastMessage struct {
	Content   string    `json:"content"`
	SenderId  Id        `json:"sender_id"`
	IsRead    bool      `json:"is_read"`
	CreatedAt time.Time `json:"created_at"`
}

type Conversation struct {
	ConversationId Id           `json:"id"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
	IsPinned       bool         `json:"is_pinned"`
	PinnedAt       *time.Time   `json:"pinned_at,omitempty"`
	LastMessage    *LastMessage `json:"last_message,omitempty"`
	UnreadCount    int          `json:"unread_count"`
	User           *UserSummary `json:"user,omitempty"`
}

type Post struct {
	PostId        Id           `json:"id"`
	Author        *UserSummary `json:"author,omitempty"`
	Content       string       `json:"content"`
	CreatedAt     time.Time    `json:"created_at"`
	LikesCount    int          `json:"likes_count"`
	CommentsCount int          `json:"comments_count"`
	SharesCount   int          `json:"shares_count"`
	ViewsCount    int          `json:"views_count"`
	IsLiked       bool         `json:"is_liked"`
	IsBookmarked  bool         `json:"is_bookmarked"`
	IsApproved    bool         `json:"is_approved"`
	IsHidden      bool         `json:"is_hidden"`
	IsPinned      bool         `json:"is_pinned"`
	IsLocked      bool         `json:"is_locked"`
}

type CounterField string

const (
	CounterLikes    CounterField = "likes_count"
	CounterComments CounterField = "comments_count"
	CounterShares   CounterField = "shares_count"
	CounterViews    CounterField = "views_count"
)

func (self CounterField) Valid() bool {
	switch self {
	case CounterLikes, CounterComments, CounterShares, CounterViews:
		return true
	default:
		return false
	}
}

// most recent activity for ordering. a conversation with no messages
// falls back to its update time.
func (self *Conversation) ActivityTime() time.Time {
	if self.LastMessage != nil && self.UpdatedAt.Before(self.LastMessage.CreatedAt) {
		return self.LastMessage.CreatedAt
	}
	return self.UpdatedAt
}

// invariant order for a conversation list:
// pinned first by pin time descending, then most recent activity descending.
// returns a sorted copy, input is not modified.
func SortConversations(conversations []*Conversation) []*Conversation {
	ordered := slices.Clone(conversations)
	slices.SortStableFunc(ordered, func(a *Conversation, b *Conversation) int {
		if a.IsPinned != b.IsPinned {
			if a.IsPinned {
				return -1
			}
			return 1
		}
		if a.IsPinned && b.IsPinned {
			aPinnedAt := a.CreatedAt
			if a.PinnedAt != nil {
				aPinnedAt = *a.PinnedAt
			}
			bPinnedAt := b.CreatedAt
			if b.PinnedAt != nil {
				bPinnedAt = *b.PinnedAt
			}
			if c := bPinnedAt.Compare(aPinnedAt); c != 0 {
				return c
			}
		}
		return b.ActivityTime().Compare(a.ActivityTime())
	})
	return ordered
}

// merge a server-confirmed message over the optimistic local one.
// server fields win. fields the server response omits but the client
// already knows survive the merge (pending media url, reply snapshot).
func mergeServerMessage(local *Message, server *Message) *Message {
	merged := *server
	if merged.MediaUrl == "" {
		merged.MediaUrl = local.MediaUrl
	}
	if merged.ReplyTo == nil {
		merged.ReplyTo = local.ReplyTo
	}
	if merged.CreatedAt.IsZero() {
		merged.CreatedAt = local.CreatedAt
	}
	return &merged
}

// merge a partial message update into an existing cache entry by id.
// zero-valued server fields leave the current value untouched.
func mergeMessageUpdate(current *Message, update *Message) *Message {
	merged := *current
	if update.Content != "" {
		merged.Content = update.Content
	}
	if update.MediaUrl != "" {
		merged.MediaUrl = update.MediaUrl
	}
	if update.EditedAt != nil {
		merged.EditedAt = update.EditedAt
	}
	if update.ReadAt != nil {
		merged.IsRead = true
		merged.ReadAt = update.ReadAt
	}
	merged.IsDeleted = update.IsDeleted
	return &merged
}

func setPostCounter(post *Post, field CounterField, value int) *Post {
	next := *post
	switch field {
	case CounterLikes:
		next.LikesCount = value
	case CounterComments:
		next.CommentsCount = value
	case CounterShares:
		next.SharesCount = value
	case CounterViews:
		next.ViewsCount = value
	}
	return &next
}

// optimistic like delta. the count floors at zero, the server absolute
// value overwrites this on confirmation.
func applyLikeDelta(post *Post, liked bool) *Post {
	next := *post
	next.IsLiked = liked
	if liked {
		next.LikesCount = post.LikesCount + 1
	} else if 0 < post.LikesCount {
		next.LikesCount = post.LikesCount - 1
	} else {
		next.LikesCount = 0
	}
	return &next
}
