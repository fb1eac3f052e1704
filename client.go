package feedsync

import (
	"context"
	"errors"
	"time"

	"golang.org/x/exp/slices"
)

// top-level client for one viewer session. owns the entity store, the
// backend api, the push router/transport, and the subscription
// registry, and exposes the user-facing operations. all mutations run
// through the optimistic coordinator.

var ErrUnauthenticated = errors.New("mutation requires an authenticated viewer")

type ClientSettings struct {
	ApiUrl  string
	PushUrl string

	TransportSettings *PushTransportSettings
}

func DefaultClientSettings() *ClientSettings {
	return &ClientSettings{
		ApiUrl:            "https://api.driftline.social",
		PushUrl:           "wss://push.driftline.social",
		TransportSettings: DefaultPushTransportSettings(),
	}
}

type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	viewerId Id
	byJwt    *ByJwt

	store       *Store
	api         *SocialApi
	router      *EventRouter
	registry    *SubscriptionRegistry
	coordinator *MutationCoordinator
	reconciler  *Reconciler
	transport   *PushTransport

	releaseGlobal  func()
	removeHandlers []func()
}

func NewClientWithDefaults(ctx context.Context, byJwtStr string) (*Client, error) {
	return NewClient(ctx, byJwtStr, DefaultClientSettings())
}

func NewClient(ctx context.Context, byJwtStr string, settings *ClientSettings) (*Client, error) {
	cancelCtx, cancel := context.WithCancel(ctx)

	client := &Client{
		ctx:      cancelCtx,
		cancel:   cancel,
		store:    NewStore(),
		api:      NewSocialApiWithContext(cancelCtx, settings.ApiUrl),
		router:   NewEventRouter(),
		registry: NewSubscriptionRegistry(),
	}
	client.coordinator = NewMutationCoordinator(client.store)

	// an empty jwt yields a read-only client: seeds and push events
	// work, mutations are rejected before any cache write
	if byJwtStr != "" {
		byJwt, err := ParseByJwtUnverified(byJwtStr)
		if err != nil {
			cancel()
			return nil, err
		}
		client.byJwt = byJwt
		client.viewerId = byJwt.UserId
		client.api.SetByJwt(byJwtStr)
	}

	client.reconciler = NewReconciler(client.store, client.viewerId)

	// the reconciler is the process-wide listener set. holding it
	// through the registry's global pseudo-resource means a second
	// client over the same registry could not double-register, and
	// teardown is symmetric with every other subscription.
	client.releaseGlobal = client.registry.EnsureSubscribed(GlobalResource)
	for _, resourceType := range []ResourceType{
		ResourceMessages,
		ResourceConversations,
		ResourceFeed,
		ResourcePost,
	} {
		remove := client.router.AddEventCallback(Resource{
			ResourceType: resourceType,
		}, client.reconciler.Apply)
		client.removeHandlers = append(client.removeHandlers, remove)
	}

	if settings.PushUrl != "" {
		transportSettings := settings.TransportSettings
		if transportSettings == nil {
			transportSettings = DefaultPushTransportSettings()
		}
		client.transport = NewPushTransport(
			cancelCtx,
			settings.PushUrl,
			byJwtStr,
			client.registry,
			client.router,
			transportSettings,
		)
	}

	return client, nil
}

func (self *Client) ViewerId() Id {
	return self.viewerId
}

func (self *Client) Store() *Store {
	return self.store
}

func (self *Client) Router() *EventRouter {
	return self.router
}

func (self *Client) Registry() *SubscriptionRegistry {
	return self.registry
}

func (self *Client) Api() *SocialApi {
	return self.api
}

func (self *Client) Close() {
	for _, remove := range self.removeHandlers {
		remove()
	}
	self.releaseGlobal()
	if self.transport != nil {
		self.transport.Close()
	}
	self.cancel()
}

func (self *Client) requireAuth() error {
	if self.viewerId.IsZero() {
		return ErrUnauthenticated
	}
	return nil
}

// seed fetches

func (self *Client) LoadConversations() ([]*Conversation, error) {
	result, err := self.api.GetConversationsSync()
	if err != nil {
		return nil, err
	}
	conversations := SortConversations(result.Conversations)
	self.store.Write(ConversationsKey(self.viewerId), conversations)
	return conversations, nil
}

func (self *Client) LoadMessages(conversationId Id) ([]*Message, error) {
	result, err := self.api.GetMessagesSync(conversationId)
	if err != nil {
		return nil, err
	}
	messages := result.Messages
	self.store.Write(MessagesKey(conversationId), messages)
	return messages, nil
}

func (self *Client) LoadFeed() ([]*Post, error) {
	result, err := self.api.GetFeedSync()
	if err != nil {
		return nil, err
	}
	self.store.Write(FeedKey(self.viewerId), result.Posts)
	return result.Posts, nil
}

// cached reads. an unseeded key reads as the empty projection.

func (self *Client) Conversations() []*Conversation {
	conversations, _ := ReadTyped[[]*Conversation](self.store, ConversationsKey(self.viewerId))
	return conversations
}

func (self *Client) Messages(conversationId Id) []*Message {
	messages, _ := ReadTyped[[]*Message](self.store, MessagesKey(conversationId))
	return messages
}

func (self *Client) Feed() []*Post {
	posts, _ := ReadTyped[[]*Post](self.store, FeedKey(self.viewerId))
	return posts
}

// posts withheld from the visible feed to keep the scroll position stable
func (self *Client) PendingPostCount() int {
	pending, _ := ReadTyped[int](self.store, PendingPostsKey(self.viewerId))
	return pending
}

// the explicit refresh action. merges buffered inserts by refetching
// and resets the pending counter. this is the only place the counter
// resets.
func (self *Client) RefreshFeed() ([]*Post, error) {
	posts, err := self.LoadFeed()
	if err != nil {
		return nil, err
	}
	self.store.Write(PendingPostsKey(self.viewerId), 0)
	return posts, nil
}

// subscriptions. the returned release closure is safe to call more
// than once.

func (self *Client) OpenConversation(conversationId Id) func() {
	return self.registry.EnsureSubscribed(Resource{
		ResourceType: ResourceMessages,
		ResourceId:   conversationId,
	})
}

func (self *Client) OpenConversationList() func() {
	return self.registry.EnsureSubscribed(Resource{
		ResourceType: ResourceConversations,
		ResourceId:   self.viewerId,
	})
}

func (self *Client) OpenFeed() func() {
	return self.registry.EnsureSubscribed(Resource{
		ResourceType: ResourceFeed,
		ResourceId:   self.viewerId,
	})
}

func (self *Client) AddChangeCallback(changeCallback StoreSubscriptionFunction) func() {
	return self.store.AddSubscriptionCallback(changeCallback)
}

// mutations

func (self *Client) SendMessage(conversationId Id, content string, mediaUrl string, replyTo *ReplyRef) (*Message, error) {
	if err := self.requireAuth(); err != nil {
		return nil, err
	}

	optimisticId := NewId()
	now := time.Now().UTC()
	optimistic := &Message{
		MessageId:      optimisticId,
		ConversationId: conversationId,
		SenderId:       self.viewerId,
		Content:        content,
		MediaUrl:       mediaUrl,
		IsRead:         false,
		CreatedAt:      now,
		ReplyTo:        replyTo,
	}

	result, err := RunMutation(self.coordinator, &Mutation[*SendMessageResult]{
		Keys: []CacheKey{
			MessagesKey(conversationId),
			ConversationsKey(self.viewerId),
		},
		Apply: func(store *Store) {
			store.Patch(MessagesKey(conversationId), func(value any, ok bool) (any, bool) {
				messages := []*Message{}
				if ok {
					messages = value.([]*Message)
				}
				// idempotent apply: a provisional entry with this
				// temporary id is only ever added once
				if slices.ContainsFunc(messages, func(m *Message) bool {
					return m.MessageId == optimisticId
				}) {
					return nil, false
				}
				next := slices.Clone(messages)
				next = append(next, optimistic)
				return next, true
			})
			store.Patch(ConversationsKey(self.viewerId), func(value any, ok bool) (any, bool) {
				if !ok {
					return nil, false
				}
				return foldConversationActivity(value.([]*Conversation), optimistic), true
			})
		},
		Commit: func() (*SendMessageResult, error) {
			return self.api.SendMessageSync(&SendMessageArgs{
				ConversationId: conversationId,
				SenderId:       self.viewerId,
				Content:        content,
				MediaUrl:       mediaUrl,
				ReplyTo:        replyTo,
			})
		},
		Reconcile: func(store *Store, result *SendMessageResult) {
			if result.Message == nil {
				return
			}
			store.Patch(MessagesKey(conversationId), func(value any, ok bool) (any, bool) {
				if !ok {
					return nil, false
				}
				messages := value.([]*Message)
				// the provisional entry is replaced in place, exactly
				// once, preserving its list position
				i := slices.IndexFunc(messages, func(m *Message) bool {
					return m.MessageId == optimisticId
				})
				if i < 0 {
					return nil, false
				}
				next := slices.Clone(messages)
				next[i] = mergeServerMessage(optimistic, result.Message)
				return next, true
			})
			store.Patch(ConversationsKey(self.viewerId), func(value any, ok bool) (any, bool) {
				if !ok {
					return nil, false
				}
				return foldConversationActivity(value.([]*Conversation), result.Message), true
			})
		},
		Invalidate: []CacheKey{
			AggregatesKey(self.viewerId),
		},
	})
	if err != nil {
		return nil, err
	}
	return result.Message, nil
}

func (self *Client) EditMessage(conversationId Id, messageId Id, content string) (*Message, error) {
	if err := self.requireAuth(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	result, err := RunMutation(self.coordinator, &Mutation[*EditMessageResult]{
		Keys: []CacheKey{
			MessagesKey(conversationId),
		},
		Apply: func(store *Store) {
			store.Patch(MessagesKey(conversationId), func(value any, ok bool) (any, bool) {
				if !ok {
					return nil, false
				}
				return foldMessageUpdate(value.([]*Message), &Message{
					MessageId: messageId,
					Content:   content,
					EditedAt:  &now,
				}), true
			})
		},
		Commit: func() (*EditMessageResult, error) {
			return self.api.EditMessageSync(&EditMessageArgs{
				MessageId:      messageId,
				ConversationId: conversationId,
				Content:        content,
			})
		},
		Reconcile: func(store *Store, result *EditMessageResult) {
			if result.Message == nil {
				return
			}
			store.Patch(MessagesKey(conversationId), func(value any, ok bool) (any, bool) {
				if !ok {
					return nil, false
				}
				return foldMessageUpdate(value.([]*Message), result.Message), true
			})
		},
	})
	if err != nil {
		return nil, err
	}
	return result.Message, nil
}

func (self *Client) DeleteMessage(conversationId Id, messageId Id) error {
	if err := self.requireAuth(); err != nil {
		return err
	}

	_, err := RunMutation(self.coordinator, &Mutation[*DeleteMessageResult]{
		Keys: []CacheKey{
			MessagesKey(conversationId),
		},
		Apply: func(store *Store) {
			store.Patch(MessagesKey(conversationId), func(value any, ok bool) (any, bool) {
				if !ok {
					return nil, false
				}
				return foldMessageDelete(value.([]*Message), messageId), true
			})
		},
		Commit: func() (*DeleteMessageResult, error) {
			return self.api.DeleteMessageSync(&DeleteMessageArgs{
				MessageId:      messageId,
				ConversationId: conversationId,
			})
		},
	})
	return err
}

func (self *Client) MarkRead(conversationId Id) error {
	if err := self.requireAuth(); err != nil {
		return err
	}

	_, err := RunMutation(self.coordinator, &Mutation[*MarkReadResult]{
		Keys: []CacheKey{
			ConversationsKey(self.viewerId),
		},
		Apply: func(store *Store) {
			store.Patch(ConversationsKey(self.viewerId), func(value any, ok bool) (any, bool) {
				if !ok {
					return nil, false
				}
				return foldUnreadCount(value.([]*Conversation), conversationId, 0), true
			})
		},
		Commit: func() (*MarkReadResult, error) {
			return self.api.MarkReadSync(&MarkReadArgs{
				ConversationId: conversationId,
				UserId:         self.viewerId,
			})
		},
	})
	return err
}

func (self *Client) PinConversation(conversationId Id, pinned bool) error {
	if err := self.requireAuth(); err != nil {
		return err
	}

	now := time.Now().UTC()
	_, err := RunMutation(self.coordinator, &Mutation[*PinConversationResult]{
		Keys: []CacheKey{
			ConversationsKey(self.viewerId),
		},
		Apply: func(store *Store) {
			store.Patch(ConversationsKey(self.viewerId), func(value any, ok bool) (any, bool) {
				if !ok {
					return nil, false
				}
				conversations := value.([]*Conversation)
				i := slices.IndexFunc(conversations, func(c *Conversation) bool {
					return c.ConversationId == conversationId
				})
				if i < 0 {
					return nil, false
				}
				updated := *conversations[i]
				updated.IsPinned = pinned
				if pinned {
					updated.PinnedAt = &now
				} else {
					updated.PinnedAt = nil
				}
				next := slices.Clone(conversations)
				next[i] = &updated
				// a sort-affecting mutation re-runs the full invariant,
				// not a positional move
				return SortConversations(next), true
			})
		},
		Commit: func() (*PinConversationResult, error) {
			return self.api.PinConversationSync(&PinConversationArgs{
				ConversationId: conversationId,
				IsPinned:       pinned,
			})
		},
		Reconcile: func(store *Store, result *PinConversationResult) {
			if result.Conversation == nil {
				return
			}
			store.Patch(ConversationsKey(self.viewerId), func(value any, ok bool) (any, bool) {
				if !ok {
					return nil, false
				}
				conversations := value.([]*Conversation)
				i := slices.IndexFunc(conversations, func(c *Conversation) bool {
					return c.ConversationId == conversationId
				})
				if i < 0 {
					return nil, false
				}
				next := slices.Clone(conversations)
				next[i] = result.Conversation
				return SortConversations(next), true
			})
		},
	})
	return err
}

func (self *Client) ToggleLike(postId Id) error {
	if err := self.requireAuth(); err != nil {
		return err
	}

	current, ok := self.findPost(postId)
	if !ok {
		return errors.New("post is not cached")
	}
	liked := !current.IsLiked

	_, err := RunMutation(self.coordinator, &Mutation[*ToggleLikeResult]{
		Keys: self.postViewKeys(),
		Apply: func(store *Store) {
			patchPostViews(store, postId, func(posts []*Post) []*Post {
				i := slices.IndexFunc(posts, func(p *Post) bool {
					return p.PostId == postId
				})
				if i < 0 || posts[i].IsLiked == liked {
					return posts
				}
				next := slices.Clone(posts)
				next[i] = applyLikeDelta(next[i], liked)
				return next
			}, func(current *Post) *Post {
				if current.IsLiked == liked {
					return current
				}
				return applyLikeDelta(current, liked)
			})
		},
		Commit: func() (*ToggleLikeResult, error) {
			return self.api.ToggleLikeSync(&ToggleLikeArgs{
				PostId:  postId,
				UserId:  self.viewerId,
				IsLiked: liked,
			})
		},
		Reconcile: func(store *Store, result *ToggleLikeResult) {
			// the server absolute value overwrites the optimistic
			// delta, it is never merged additively
			patchPostViews(store, postId, func(posts []*Post) []*Post {
				i := slices.IndexFunc(posts, func(p *Post) bool {
					return p.PostId == postId
				})
				if i < 0 {
					return posts
				}
				next := slices.Clone(posts)
				confirmed := setPostCounter(next[i], CounterLikes, result.LikesCount)
				confirmed.IsLiked = result.IsLiked
				next[i] = confirmed
				return next
			}, func(current *Post) *Post {
				confirmed := setPostCounter(current, CounterLikes, result.LikesCount)
				confirmed.IsLiked = result.IsLiked
				return confirmed
			})
		},
		Invalidate: []CacheKey{
			AggregatesKey(self.viewerId),
		},
	})
	return err
}

func (self *Client) ToggleBookmark(postId Id) error {
	if err := self.requireAuth(); err != nil {
		return err
	}

	current, ok := self.findPost(postId)
	if !ok {
		return errors.New("post is not cached")
	}
	bookmarked := !current.IsBookmarked

	setBookmarked := func(post *Post, value bool) *Post {
		next := *post
		next.IsBookmarked = value
		return &next
	}

	_, err := RunMutation(self.coordinator, &Mutation[*ToggleBookmarkResult]{
		Keys: self.postViewKeys(),
		Apply: func(store *Store) {
			patchPostViews(store, postId, func(posts []*Post) []*Post {
				i := slices.IndexFunc(posts, func(p *Post) bool {
					return p.PostId == postId
				})
				if i < 0 || posts[i].IsBookmarked == bookmarked {
					return posts
				}
				next := slices.Clone(posts)
				next[i] = setBookmarked(next[i], bookmarked)
				return next
			}, func(current *Post) *Post {
				return setBookmarked(current, bookmarked)
			})
		},
		Commit: func() (*ToggleBookmarkResult, error) {
			return self.api.ToggleBookmarkSync(&ToggleBookmarkArgs{
				PostId:       postId,
				UserId:       self.viewerId,
				IsBookmarked: bookmarked,
			})
		},
		Reconcile: func(store *Store, result *ToggleBookmarkResult) {
			patchPostViews(store, postId, func(posts []*Post) []*Post {
				i := slices.IndexFunc(posts, func(p *Post) bool {
					return p.PostId == postId
				})
				if i < 0 {
					return posts
				}
				next := slices.Clone(posts)
				next[i] = setBookmarked(next[i], result.IsBookmarked)
				return next
			}, func(current *Post) *Post {
				return setBookmarked(current, result.IsBookmarked)
			})
		},
	})
	return err
}

// every currently-cached view that can contain a post. snapshotting all
// of them keeps rollback exact no matter which views the post is in.
func (self *Client) postViewKeys() []CacheKey {
	keys := []CacheKey{}
	for _, key := range self.store.Keys() {
		if postViewKey(key) {
			keys = append(keys, key)
		}
	}
	return keys
}

func (self *Client) findPost(postId Id) (*Post, bool) {
	if post, ok := ReadTyped[*Post](self.store, PostKey(postId)); ok {
		return post, true
	}
	if posts, ok := ReadTyped[[]*Post](self.store, FeedKey(self.viewerId)); ok {
		i := slices.IndexFunc(posts, func(p *Post) bool {
			return p.PostId == postId
		})
		if 0 <= i {
			return posts[i], true
		}
	}
	return nil, false
}
