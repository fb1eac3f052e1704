package feedsync

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestStoreReadWrite(t *testing.T) {
	store := NewStore()

	key := FeedKey(NewId())

	_, ok := store.Read(key)
	assert.Equal(t, ok, false)

	posts := []*Post{
		{PostId: NewId(), Content: "a"},
	}
	store.Write(key, posts)

	value, ok := store.Read(key)
	assert.Equal(t, ok, true)
	assert.Equal(t, value, posts)

	typed, ok := ReadTyped[[]*Post](store, key)
	assert.Equal(t, ok, true)
	assert.Equal(t, typed, posts)

	// wrong type reads as absent
	_, ok = ReadTyped[[]*Message](store, key)
	assert.Equal(t, ok, false)

	store.Remove(key)
	_, ok = store.Read(key)
	assert.Equal(t, ok, false)
}

func TestStorePatch(t *testing.T) {
	store := NewStore()

	key := PendingPostsKey(NewId())

	// the updater can create a missing entry
	changed := store.Patch(key, func(value any, ok bool) (any, bool) {
		pending := 0
		if ok {
			pending = value.(int)
		}
		return pending + 1, true
	})
	assert.Equal(t, changed, true)

	pending, ok := ReadTyped[int](store, key)
	assert.Equal(t, ok, true)
	assert.Equal(t, pending, 1)

	// a declined patch leaves the entry untouched and fires nothing
	notifyCount := 0
	removeCallback := store.AddSubscriptionCallback(func(key CacheKey) {
		notifyCount += 1
	})
	defer removeCallback()

	changed = store.Patch(key, func(value any, ok bool) (any, bool) {
		return nil, false
	})
	assert.Equal(t, changed, false)
	assert.Equal(t, notifyCount, 0)

	pending, _ = ReadTyped[int](store, key)
	assert.Equal(t, pending, 1)
}

func TestStorePatchMatching(t *testing.T) {
	store := NewStore()

	viewerId := NewId()
	postId := NewId()

	post := &Post{PostId: postId, LikesCount: 1}
	store.Write(FeedKey(viewerId), []*Post{post})
	store.Write(PostKey(postId), post)
	store.Write(MessagesKey(NewId()), []*Message{})

	changedCount := store.PatchMatching(postViewKey, func(value any, ok bool) (any, bool) {
		switch current := value.(type) {
		case []*Post:
			next := make([]*Post, len(current))
			for i, p := range current {
				next[i] = setPostCounter(p, CounterLikes, 7)
			}
			return next, true
		case *Post:
			return setPostCounter(current, CounterLikes, 7), true
		default:
			return nil, false
		}
	})
	assert.Equal(t, changedCount, 2)

	single, _ := ReadTyped[*Post](store, PostKey(postId))
	assert.Equal(t, single.LikesCount, 7)

	feed, _ := ReadTyped[[]*Post](store, FeedKey(viewerId))
	assert.Equal(t, feed[0].LikesCount, 7)

	// the message list entry is untouched
	assert.Equal(t, len(store.Keys()), 3)
}

func TestStoreInvalidate(t *testing.T) {
	store := NewStore()

	key := AggregatesKey(NewId())
	store.Write(key, map[string]int{"unread_total": 3})

	assert.Equal(t, store.IsStale(key), false)

	store.Invalidate(key)
	assert.Equal(t, store.IsStale(key), true)

	// the stale value still serves
	_, ok := store.Read(key)
	assert.Equal(t, ok, true)

	// the next seed write clears staleness
	store.Write(key, map[string]int{"unread_total": 0})
	assert.Equal(t, store.IsStale(key), false)
}

func TestStoreSubscription(t *testing.T) {
	store := NewStore()

	key := FeedKey(NewId())

	changedKeys := []CacheKey{}
	removeCallback := store.AddSubscriptionCallback(func(key CacheKey) {
		changedKeys = append(changedKeys, key)
	})

	store.Write(key, []*Post{})
	assert.Equal(t, changedKeys, []CacheKey{key})

	removeCallback()
	store.Write(key, []*Post{})
	assert.Equal(t, len(changedKeys), 1)
}
