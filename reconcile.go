package feedsync

import (
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/slices"
)

// reconciliation rules: per-event-type fold functions that take the
// current cached value and an inbound event and return the next value.
// all folds are pure and idempotent. duplicate deliveries and events for
// ids that are absent fold to the same state, never to an error.

// own messages arrive through the mutation commit step, never via push.
// inserting here again would double the entry.
func foldMessageInsert(messages []*Message, message *Message, viewerId Id) []*Message {
	if message.SenderId == viewerId {
		return messages
	}
	if slices.ContainsFunc(messages, func(m *Message) bool {
		return m.MessageId == message.MessageId
	}) {
		return messages
	}
	next := slices.Clone(messages)
	// preserve creation-time order. events almost always arrive in
	// order, so scan from the tail.
	i := len(next)
	for 0 < i && message.CreatedAt.Before(next[i-1].CreatedAt) {
		i -= 1
	}
	return slices.Insert(next, i, message)
}

// a soft-deleted message leaves the window instead of being patched in place
func foldMessageUpdate(messages []*Message, update *Message) []*Message {
	i := slices.IndexFunc(messages, func(m *Message) bool {
		return m.MessageId == update.MessageId
	})
	if i < 0 {
		return messages
	}
	next := slices.Clone(messages)
	if update.IsDeleted {
		return slices.Delete(next, i, i+1)
	}
	next[i] = mergeMessageUpdate(next[i], update)
	return next
}

func foldMessageDelete(messages []*Message, messageId Id) []*Message {
	i := slices.IndexFunc(messages, func(m *Message) bool {
		return m.MessageId == messageId
	})
	if i < 0 {
		return messages
	}
	next := slices.Clone(messages)
	return slices.Delete(next, i, i+1)
}

func foldMessageBulkDelete(messages []*Message, messageIds []Id) []*Message {
	removed := map[Id]bool{}
	for _, messageId := range messageIds {
		removed[messageId] = true
	}
	next := []*Message{}
	for _, message := range messages {
		if !removed[message.MessageId] {
			next = append(next, message)
		}
	}
	if len(next) == len(messages) {
		return messages
	}
	return next
}

// the other participant read the conversation. only messages the viewer
// sent flip to read. the viewer's incoming unread count is a separate
// counter owned by mark-read commits and unread-count events.
func foldReadReceipt(messages []*Message, viewerId Id, readerId Id, readAt time.Time) []*Message {
	if readerId == viewerId {
		return messages
	}
	changed := false
	next := slices.Clone(messages)
	for i, message := range next {
		if message.SenderId == viewerId && !message.IsRead {
			read := *message
			read.IsRead = true
			readAt := readAt
			read.ReadAt = &readAt
			next[i] = &read
			changed = true
		}
	}
	if !changed {
		return messages
	}
	return next
}

func foldConversationNew(conversations []*Conversation, conversation *Conversation) []*Conversation {
	if slices.ContainsFunc(conversations, func(c *Conversation) bool {
		return c.ConversationId == conversation.ConversationId
	}) {
		return conversations
	}
	next := slices.Clone(conversations)
	next = append(next, conversation)
	return SortConversations(next)
}

// fold a message into the conversation list: refresh the embedded last
// message summary and re-run the full sort invariant. the unread count
// is deliberately untouched here.
func foldConversationActivity(conversations []*Conversation, message *Message) []*Conversation {
	i := slices.IndexFunc(conversations, func(c *Conversation) bool {
		return c.ConversationId == message.ConversationId
	})
	if i < 0 {
		return conversations
	}
	current := conversations[i]
	if current.LastMessage != nil && message.CreatedAt.Before(current.LastMessage.CreatedAt) {
		// stale or duplicate delivery
		return conversations
	}
	updated := *current
	updated.LastMessage = &LastMessage{
		Content:   message.Content,
		SenderId:  message.SenderId,
		IsRead:    message.IsRead,
		CreatedAt: message.CreatedAt,
	}
	updated.UpdatedAt = message.CreatedAt
	next := slices.Clone(conversations)
	next[i] = &updated
	return SortConversations(next)
}

func foldUnreadCount(conversations []*Conversation, conversationId Id, unreadCount int) []*Conversation {
	i := slices.IndexFunc(conversations, func(c *Conversation) bool {
		return c.ConversationId == conversationId
	})
	if i < 0 || conversations[i].UnreadCount == unreadCount {
		return conversations
	}
	updated := *conversations[i]
	updated.UnreadCount = unreadCount
	next := slices.Clone(conversations)
	next[i] = &updated
	return next
}

func foldPostInsert(posts []*Post, post *Post) []*Post {
	if slices.ContainsFunc(posts, func(p *Post) bool {
		return p.PostId == post.PostId
	}) {
		return posts
	}
	next := make([]*Post, 0, len(posts)+1)
	next = append(next, post)
	next = append(next, posts...)
	return next
}

func foldPostRemove(posts []*Post, postId Id) []*Post {
	i := slices.IndexFunc(posts, func(p *Post) bool {
		return p.PostId == postId
	})
	if i < 0 {
		return posts
	}
	next := slices.Clone(posts)
	return slices.Delete(next, i, i+1)
}

func foldPostReplace(posts []*Post, post *Post) []*Post {
	i := slices.IndexFunc(posts, func(p *Post) bool {
		return p.PostId == post.PostId
	})
	if i < 0 {
		return posts
	}
	next := slices.Clone(posts)
	next[i] = post
	return next
}

// reconciler folds decoded push events into the store for one viewer
type Reconciler struct {
	store    *Store
	viewerId Id
}

func NewReconciler(store *Store, viewerId Id) *Reconciler {
	return &Reconciler{
		store:    store,
		viewerId: viewerId,
	}
}

// apply one push event. malformed or out-of-scope events are dropped,
// never surfaced as errors.
func (self *Reconciler) Apply(event *Event) {
	switch event.Type {
	case EventMessageInsert:
		message, err := event.Message()
		if err != nil {
			glog.Warningf("[reconcile]drop %s: %s\n", event.Type, err)
			return
		}
		self.store.Patch(MessagesKey(message.ConversationId), func(value any, ok bool) (any, bool) {
			if !ok {
				return nil, false
			}
			return foldMessageInsert(value.([]*Message), message, self.viewerId), true
		})
		self.store.Patch(ConversationsKey(self.viewerId), func(value any, ok bool) (any, bool) {
			if !ok {
				return nil, false
			}
			return foldConversationActivity(value.([]*Conversation), message), true
		})

	case EventMessageUpdate:
		message, err := event.Message()
		if err != nil {
			glog.Warningf("[reconcile]drop %s: %s\n", event.Type, err)
			return
		}
		self.store.Patch(MessagesKey(message.ConversationId), func(value any, ok bool) (any, bool) {
			if !ok {
				return nil, false
			}
			return foldMessageUpdate(value.([]*Message), message), true
		})

	case EventMessageDelete:
		payload, err := event.MessageDelete()
		if err != nil {
			glog.Warningf("[reconcile]drop %s: %s\n", event.Type, err)
			return
		}
		self.store.Patch(MessagesKey(event.ResourceId), func(value any, ok bool) (any, bool) {
			if !ok {
				return nil, false
			}
			return foldMessageDelete(value.([]*Message), payload.MessageId), true
		})

	case EventMessageBulkDelete:
		payload, err := event.MessageBulkDelete()
		if err != nil {
			glog.Warningf("[reconcile]drop %s: %s\n", event.Type, err)
			return
		}
		self.store.Patch(MessagesKey(event.ResourceId), func(value any, ok bool) (any, bool) {
			if !ok {
				return nil, false
			}
			return foldMessageBulkDelete(value.([]*Message), payload.MessageIds), true
		})

	case EventConversationNew:
		conversation, err := event.Conversation()
		if err != nil {
			glog.Warningf("[reconcile]drop %s: %s\n", event.Type, err)
			return
		}
		self.store.Patch(ConversationsKey(self.viewerId), func(value any, ok bool) (any, bool) {
			if !ok {
				return nil, false
			}
			return foldConversationNew(value.([]*Conversation), conversation), true
		})

	case EventReadReceipt:
		payload, err := event.ReadReceipt()
		if err != nil {
			glog.Warningf("[reconcile]drop %s: %s\n", event.Type, err)
			return
		}
		self.store.Patch(MessagesKey(payload.ConversationId), func(value any, ok bool) (any, bool) {
			if !ok {
				return nil, false
			}
			return foldReadReceipt(value.([]*Message), self.viewerId, payload.ReaderId, payload.ReadAt), true
		})

	case EventUnreadCountUpdate:
		payload, err := event.UnreadCount()
		if err != nil {
			glog.Warningf("[reconcile]drop %s: %s\n", event.Type, err)
			return
		}
		self.store.Patch(ConversationsKey(self.viewerId), func(value any, ok bool) (any, bool) {
			if !ok {
				return nil, false
			}
			return foldUnreadCount(value.([]*Conversation), payload.ConversationId, payload.UnreadCount), true
		})

	case EventPostInsert:
		post, err := event.Post()
		if err != nil {
			glog.Warningf("[reconcile]drop %s: %s\n", event.Type, err)
			return
		}
		self.applyPostInsert(event, post)

	case EventPostUpdate:
		post, err := event.Post()
		if err != nil {
			glog.Warningf("[reconcile]drop %s: %s\n", event.Type, err)
			return
		}
		if post.IsHidden || !post.IsApproved {
			// moderated out. leaves every feed view immediately.
			removePostViews(self.store, post.PostId)
			return
		}
		patchPostViews(self.store, post.PostId, func(posts []*Post) []*Post {
			return foldPostReplace(posts, post)
		}, func(current *Post) *Post {
			return post
		})

	case EventPostDelete:
		payload, err := event.PostDelete()
		if err != nil {
			glog.Warningf("[reconcile]drop %s: %s\n", event.Type, err)
			return
		}
		removePostViews(self.store, payload.PostId)

	case EventPostLike:
		payload, err := event.PostLike()
		if err != nil {
			glog.Warningf("[reconcile]drop %s: %s\n", event.Type, err)
			return
		}
		if payload.UserId == self.viewerId {
			// own toggles are confirmed by the mutation commit
			return
		}
		patchPostViews(self.store, payload.PostId, func(posts []*Post) []*Post {
			i := slices.IndexFunc(posts, func(p *Post) bool {
				return p.PostId == payload.PostId
			})
			if i < 0 {
				return posts
			}
			next := slices.Clone(posts)
			next[i] = setPostCounter(next[i], CounterLikes, payload.LikesCount)
			return next
		}, func(current *Post) *Post {
			return setPostCounter(current, CounterLikes, payload.LikesCount)
		})

	case EventCounterUpdate:
		payload, err := event.CounterUpdate()
		if err != nil {
			glog.Warningf("[reconcile]drop %s: %s\n", event.Type, err)
			return
		}
		// absolute server value overwrites every cached view of the post
		patchPostViews(self.store, payload.PostId, func(posts []*Post) []*Post {
			i := slices.IndexFunc(posts, func(p *Post) bool {
				return p.PostId == payload.PostId
			})
			if i < 0 {
				return posts
			}
			next := slices.Clone(posts)
			next[i] = setPostCounter(next[i], payload.Field, payload.Value)
			return next
		}, func(current *Post) *Post {
			return setPostCounter(current, payload.Field, payload.Value)
		})

	default:
		// a newer server may emit types this client does not know
		glog.V(2).Infof("[reconcile]ignore unknown event type %s\n", event.Type)
	}
}

func postViewKey(key CacheKey) bool {
	switch key.ResourceType {
	case ResourceFeed, ResourcePost, ResourcePostBySlug:
		return true
	default:
		return false
	}
}

// a post appears in the feed list, the single-post projection, and the
// by-slug projection at the same time. one change updates all of them.
func patchPostViews(
	store *Store,
	postId Id,
	updateList func(posts []*Post) []*Post,
	updateSingle func(current *Post) *Post,
) {
	store.PatchMatching(postViewKey, func(value any, ok bool) (any, bool) {
		switch current := value.(type) {
		case []*Post:
			next := updateList(current)
			if slices.Equal(next, current) {
				return nil, false
			}
			return next, true
		case *Post:
			if current.PostId != postId {
				return nil, false
			}
			return updateSingle(current), true
		default:
			return nil, false
		}
	})
}

// drop the post from every list view and delete every single-post view
func removePostViews(store *Store, postId Id) {
	store.PatchMatching(postViewKey, func(value any, ok bool) (any, bool) {
		if current, ok := value.([]*Post); ok {
			next := foldPostRemove(current, postId)
			if slices.Equal(next, current) {
				return nil, false
			}
			return next, true
		}
		return nil, false
	})
	store.RemoveMatching(postViewKey, func(value any) bool {
		post, ok := value.(*Post)
		return ok && post.PostId == postId
	})
}

// a post from someone the viewer does not follow is buffered behind a
// counter instead of shifting the visible feed under the viewer's
// scroll position. the counter resets only on an explicit refresh.
func (self *Reconciler) applyPostInsert(event *Event, post *Post) {
	if post.IsHidden || !post.IsApproved {
		return
	}

	ownFeed := event.ResourceType == ResourceFeed && event.ResourceId == self.viewerId
	authoredByViewer := post.Author != nil && post.Author.UserId == self.viewerId

	if authoredByViewer || ownFeed {
		self.store.Patch(FeedKey(self.viewerId), func(value any, ok bool) (any, bool) {
			if !ok {
				return nil, false
			}
			return foldPostInsert(value.([]*Post), post), true
		})
		return
	}

	self.store.Patch(PendingPostsKey(self.viewerId), func(value any, ok bool) (any, bool) {
		pending := 0
		if ok {
			pending = value.(int)
		}
		return pending + 1, true
	})
}
