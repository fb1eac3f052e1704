package feedsync

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func testEvent(t *testing.T, eventType EventType, resourceType ResourceType, resourceId Id, payload any) *Event {
	payloadBytes, err := json.Marshal(payload)
	assert.Equal(t, err, nil)
	return &Event{
		Type:         eventType,
		ResourceType: resourceType,
		ResourceId:   resourceId,
		Payload:      payloadBytes,
	}
}

func TestReconcileMessageInsert(t *testing.T) {
	viewerId := NewId()
	otherId := NewId()
	conversationId := NewId()

	store := NewStore()
	reconciler := NewReconciler(store, viewerId)

	baseTime := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	existing := &Message{
		MessageId:      NewId(),
		ConversationId: conversationId,
		SenderId:       otherId,
		Content:        "first",
		CreatedAt:      baseTime,
	}
	store.Write(MessagesKey(conversationId), []*Message{existing})

	inbound := &Message{
		MessageId:      NewId(),
		ConversationId: conversationId,
		SenderId:       otherId,
		Content:        "second",
		CreatedAt:      baseTime.Add(time.Minute),
	}
	event := testEvent(t, EventMessageInsert, ResourceMessages, conversationId, inbound)

	reconciler.Apply(event)

	messages, _ := ReadTyped[[]*Message](store, MessagesKey(conversationId))
	assert.Equal(t, len(messages), 2)
	assert.Equal(t, messages[1].MessageId, inbound.MessageId)

	// duplicate delivery folds to the same state
	reconciler.Apply(event)
	messages, _ = ReadTyped[[]*Message](store, MessagesKey(conversationId))
	assert.Equal(t, len(messages), 2)
}

func TestReconcileOwnMessageSkipped(t *testing.T) {
	viewerId := NewId()
	conversationId := NewId()

	store := NewStore()
	reconciler := NewReconciler(store, viewerId)

	store.Write(MessagesKey(conversationId), []*Message{})

	// the viewer's own message arrives via the mutation commit, the echo
	// on the push channel must not double it
	own := &Message{
		MessageId:      NewId(),
		ConversationId: conversationId,
		SenderId:       viewerId,
		Content:        "mine",
		CreatedAt:      time.Now().UTC(),
	}
	reconciler.Apply(testEvent(t, EventMessageInsert, ResourceMessages, conversationId, own))

	messages, _ := ReadTyped[[]*Message](store, MessagesKey(conversationId))
	assert.Equal(t, len(messages), 0)
}

func TestReconcileMessageInsertOutOfOrder(t *testing.T) {
	viewerId := NewId()
	otherId := NewId()
	conversationId := NewId()

	store := NewStore()
	reconciler := NewReconciler(store, viewerId)

	baseTime := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	later := &Message{
		MessageId:      NewId(),
		ConversationId: conversationId,
		SenderId:       otherId,
		CreatedAt:      baseTime.Add(2 * time.Minute),
	}
	store.Write(MessagesKey(conversationId), []*Message{later})

	earlier := &Message{
		MessageId:      NewId(),
		ConversationId: conversationId,
		SenderId:       otherId,
		CreatedAt:      baseTime.Add(time.Minute),
	}
	reconciler.Apply(testEvent(t, EventMessageInsert, ResourceMessages, conversationId, earlier))

	messages, _ := ReadTyped[[]*Message](store, MessagesKey(conversationId))
	assert.Equal(t, len(messages), 2)
	assert.Equal(t, messages[0].MessageId, earlier.MessageId)
	assert.Equal(t, messages[1].MessageId, later.MessageId)
}

func TestReconcileSoftDelete(t *testing.T) {
	viewerId := NewId()
	otherId := NewId()
	conversationId := NewId()

	store := NewStore()
	reconciler := NewReconciler(store, viewerId)

	messageId := NewId()
	store.Write(MessagesKey(conversationId), []*Message{
		{
			MessageId:      messageId,
			ConversationId: conversationId,
			SenderId:       otherId,
			Content:        "soon gone",
			CreatedAt:      time.Now().UTC(),
		},
	})

	update := &Message{
		MessageId:      messageId,
		ConversationId: conversationId,
		IsDeleted:      true,
	}
	reconciler.Apply(testEvent(t, EventMessageUpdate, ResourceMessages, conversationId, update))

	messages, _ := ReadTyped[[]*Message](store, MessagesKey(conversationId))
	assert.Equal(t, len(messages), 0)
}

func TestReconcileReadReceipt(t *testing.T) {
	viewerId := NewId()
	otherId := NewId()
	conversationId := NewId()

	store := NewStore()
	reconciler := NewReconciler(store, viewerId)

	baseTime := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	sent := &Message{
		MessageId:      NewId(),
		ConversationId: conversationId,
		SenderId:       viewerId,
		CreatedAt:      baseTime,
	}
	received := &Message{
		MessageId:      NewId(),
		ConversationId: conversationId,
		SenderId:       otherId,
		CreatedAt:      baseTime.Add(time.Minute),
	}
	store.Write(MessagesKey(conversationId), []*Message{sent, received})

	readAt := baseTime.Add(2 * time.Minute)
	reconciler.Apply(testEvent(t, EventReadReceipt, ResourceMessages, conversationId, &ReadReceiptPayload{
		ConversationId: conversationId,
		ReaderId:       otherId,
		ReadAt:         readAt,
	}))

	messages, _ := ReadTyped[[]*Message](store, MessagesKey(conversationId))
	// only the viewer-sent message flips
	assert.Equal(t, messages[0].IsRead, true)
	assert.Equal(t, *messages[0].ReadAt, readAt)
	assert.Equal(t, messages[1].IsRead, false)

	// the original cached value was not written through
	assert.Equal(t, sent.IsRead, false)
}

func TestReconcileConversationActivity(t *testing.T) {
	viewerId := NewId()
	otherId := NewId()
	conversationId := NewId()
	quietConversationId := NewId()

	store := NewStore()
	reconciler := NewReconciler(store, viewerId)

	baseTime := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store.Write(ConversationsKey(viewerId), []*Conversation{
		{ConversationId: quietConversationId, UpdatedAt: baseTime.Add(time.Hour)},
		{ConversationId: conversationId, UpdatedAt: baseTime},
	})
	store.Write(MessagesKey(conversationId), []*Message{})

	inbound := &Message{
		MessageId:      NewId(),
		ConversationId: conversationId,
		SenderId:       otherId,
		Content:        "bump",
		CreatedAt:      baseTime.Add(2 * time.Hour),
	}
	reconciler.Apply(testEvent(t, EventMessageInsert, ResourceMessages, conversationId, inbound))

	conversations, _ := ReadTyped[[]*Conversation](store, ConversationsKey(viewerId))
	assert.Equal(t, conversations[0].ConversationId, conversationId)
	assert.Equal(t, conversations[0].LastMessage.Content, "bump")
	assert.Equal(t, conversations[1].ConversationId, quietConversationId)
}

func TestReconcileUnreadCount(t *testing.T) {
	viewerId := NewId()
	conversationId := NewId()

	store := NewStore()
	reconciler := NewReconciler(store, viewerId)

	store.Write(ConversationsKey(viewerId), []*Conversation{
		{ConversationId: conversationId, UnreadCount: 2},
	})

	reconciler.Apply(testEvent(t, EventUnreadCountUpdate, ResourceConversations, viewerId, &UnreadCountPayload{
		ConversationId: conversationId,
		UnreadCount:    5,
	}))

	conversations, _ := ReadTyped[[]*Conversation](store, ConversationsKey(viewerId))
	assert.Equal(t, conversations[0].UnreadCount, 5)
}

func TestReconcileCounterOverwrite(t *testing.T) {
	viewerId := NewId()
	postId := NewId()

	store := NewStore()
	reconciler := NewReconciler(store, viewerId)

	post := &Post{PostId: postId, LikesCount: 10, IsApproved: true}
	store.Write(FeedKey(viewerId), []*Post{post})
	store.Write(PostKey(postId), post)

	reconciler.Apply(testEvent(t, EventCounterUpdate, ResourcePost, postId, &CounterUpdatePayload{
		PostId: postId,
		Field:  CounterLikes,
		Value:  3,
	}))

	// the absolute server value lands in every cached view
	feed, _ := ReadTyped[[]*Post](store, FeedKey(viewerId))
	assert.Equal(t, feed[0].LikesCount, 3)

	single, _ := ReadTyped[*Post](store, PostKey(postId))
	assert.Equal(t, single.LikesCount, 3)
}

func TestReconcilePendingPosts(t *testing.T) {
	viewerId := NewId()
	otherId := NewId()

	store := NewStore()
	reconciler := NewReconciler(store, viewerId)

	store.Write(FeedKey(viewerId), []*Post{})

	// a post from a non-followed author buffers behind the counter
	// instead of shifting the visible feed
	discovered := &Post{
		PostId:     NewId(),
		Author:     &UserSummary{UserId: otherId},
		IsApproved: true,
	}
	event := testEvent(t, EventPostInsert, ResourceFeed, otherId, discovered)
	reconciler.Apply(event)
	reconciler.Apply(event)

	feed, _ := ReadTyped[[]*Post](store, FeedKey(viewerId))
	assert.Equal(t, len(feed), 0)

	pending, _ := ReadTyped[int](store, PendingPostsKey(viewerId))
	assert.Equal(t, pending, 2)

	// the viewer's own post lands in the feed directly
	own := &Post{
		PostId:     NewId(),
		Author:     &UserSummary{UserId: viewerId},
		IsApproved: true,
	}
	reconciler.Apply(testEvent(t, EventPostInsert, ResourceFeed, viewerId, own))

	feed, _ = ReadTyped[[]*Post](store, FeedKey(viewerId))
	assert.Equal(t, len(feed), 1)
	assert.Equal(t, feed[0].PostId, own.PostId)
}

func TestReconcileModerationRemoval(t *testing.T) {
	viewerId := NewId()
	postId := NewId()

	store := NewStore()
	reconciler := NewReconciler(store, viewerId)

	post := &Post{PostId: postId, IsApproved: true}
	other := &Post{PostId: NewId(), IsApproved: true}
	store.Write(FeedKey(viewerId), []*Post{post, other})
	store.Write(PostKey(postId), post)

	hidden := &Post{PostId: postId, IsApproved: true, IsHidden: true}
	reconciler.Apply(testEvent(t, EventPostUpdate, ResourcePost, postId, hidden))

	feed, _ := ReadTyped[[]*Post](store, FeedKey(viewerId))
	assert.Equal(t, len(feed), 1)
	assert.Equal(t, feed[0].PostId, other.PostId)

	// the single-post projection is deleted, not patched
	_, ok := store.Read(PostKey(postId))
	assert.Equal(t, ok, false)
}

func TestReconcileOwnLikeSkipped(t *testing.T) {
	viewerId := NewId()
	postId := NewId()

	store := NewStore()
	reconciler := NewReconciler(store, viewerId)

	store.Write(FeedKey(viewerId), []*Post{
		{PostId: postId, LikesCount: 1, IsApproved: true},
	})

	// the echo of the viewer's own like is already reconciled by the
	// mutation commit
	reconciler.Apply(testEvent(t, EventPostLike, ResourcePost, postId, &PostLikePayload{
		PostId:     postId,
		UserId:     viewerId,
		LikesCount: 99,
	}))

	feed, _ := ReadTyped[[]*Post](store, FeedKey(viewerId))
	assert.Equal(t, feed[0].LikesCount, 1)

	reconciler.Apply(testEvent(t, EventPostLike, ResourcePost, postId, &PostLikePayload{
		PostId:     postId,
		UserId:     NewId(),
		LikesCount: 2,
	}))

	feed, _ = ReadTyped[[]*Post](store, FeedKey(viewerId))
	assert.Equal(t, feed[0].LikesCount, 2)
}

func TestReconcileMalformedDrop(t *testing.T) {
	viewerId := NewId()
	conversationId := NewId()

	store := NewStore()
	reconciler := NewReconciler(store, viewerId)

	messages := []*Message{
		{MessageId: NewId(), ConversationId: conversationId, CreatedAt: time.Now().UTC()},
	}
	store.Write(MessagesKey(conversationId), messages)

	// payload without a message id
	reconciler.Apply(&Event{
		Type:         EventMessageInsert,
		ResourceType: ResourceMessages,
		ResourceId:   conversationId,
		Payload:      json.RawMessage(`{"content": "no id"}`),
	})

	// unparseable payload
	reconciler.Apply(&Event{
		Type:         EventMessageUpdate,
		ResourceType: ResourceMessages,
		ResourceId:   conversationId,
		Payload:      json.RawMessage(`{`),
	})

	// unknown counter field
	reconciler.Apply(&Event{
		Type:         EventCounterUpdate,
		ResourceType: ResourcePost,
		ResourceId:   NewId(),
		Payload:      json.RawMessage(`{"post_id": "` + NewId().String() + `", "field": "bogus", "value": 1}`),
	})

	current, _ := ReadTyped[[]*Message](store, MessagesKey(conversationId))
	assert.Equal(t, current, messages)
}

func TestReconcileBulkDelete(t *testing.T) {
	viewerId := NewId()
	otherId := NewId()
	conversationId := NewId()

	store := NewStore()
	reconciler := NewReconciler(store, viewerId)

	keep := &Message{MessageId: NewId(), ConversationId: conversationId, SenderId: otherId}
	dropA := &Message{MessageId: NewId(), ConversationId: conversationId, SenderId: otherId}
	dropB := &Message{MessageId: NewId(), ConversationId: conversationId, SenderId: otherId}
	store.Write(MessagesKey(conversationId), []*Message{dropA, keep, dropB})

	reconciler.Apply(testEvent(t, EventMessageBulkDelete, ResourceMessages, conversationId, &MessageBulkDeletePayload{
		MessageIds: []Id{dropA.MessageId, dropB.MessageId, NewId()},
	}))

	messages, _ := ReadTyped[[]*Message](store, MessagesKey(conversationId))
	assert.Equal(t, len(messages), 1)
	assert.Equal(t, messages[0].MessageId, keep.MessageId)
}
