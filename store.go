package feedsync

import (
	"sync"

	"golang.org/x/exp/maps"
)

// notified after a cached value changes. called synchronously on the
// writer's goroutine, after the store lock is released.
type StoreSubscriptionFunction = func(key CacheKey)

type CacheKeyPredicate = func(key CacheKey) bool

// applied to the current value under the key. `ok` is false when the key
// is absent. returning ok=false leaves the entry untouched.
type UpdateFunction = func(value any, ok bool) (any, bool)

// in-memory, key-addressed cache of server entities.
// the store exclusively owns cached values: writers hand over a fresh
// value on every update and never modify it afterwards, which keeps
// identity-based change detection in consumers correct.
type Store struct {
	stateLock sync.Mutex

	values map[CacheKey]any
	// marked stale by mutation aggregate invalidation.
	// a stale key keeps serving its value until the next seed fetch.
	stale map[CacheKey]bool

	subscriptionCallbacks *CallbackList[StoreSubscriptionFunction]
}

func NewStore() *Store {
	return &Store{
		values:                map[CacheKey]any{},
		stale:                 map[CacheKey]bool{},
		subscriptionCallbacks: NewCallbackList[StoreSubscriptionFunction](),
	}
}

// never blocks. an unseeded key reads as absent, not as an error.
func (self *Store) Read(key CacheKey) (any, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	value, ok := self.values[key]
	return value, ok
}

func ReadTyped[T any](store *Store, key CacheKey) (T, bool) {
	value, ok := store.Read(key)
	if !ok {
		var empty T
		return empty, false
	}
	typed, ok := value.(T)
	return typed, ok
}

// unconditionally replaces the cached value and clears staleness
func (self *Store) Write(key CacheKey, value any) {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		self.values[key] = value
		delete(self.stale, key)
	}()

	self.notify(key)
}

// applies a pure transform to the current value.
// the updater sees ok=false for an absent key and can decline by
// returning ok=false, in which case nothing changes and no
// notification fires.
func (self *Store) Patch(key CacheKey, update UpdateFunction) bool {
	changed := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		value, ok := self.values[key]
		next, ok := update(value, ok)
		if !ok {
			return
		}
		self.values[key] = next
		changed = true
	}()

	if changed {
		self.notify(key)
	}
	return changed
}

// applies the same transform to every currently-cached key satisfying
// the predicate. used when one event must update several derived views
// of the same underlying entity.
func (self *Store) PatchMatching(predicate CacheKeyPredicate, update UpdateFunction) int {
	changedKeys := []CacheKey{}
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		for _, key := range maps.Keys(self.values) {
			if !predicate(key) {
				continue
			}
			next, ok := update(self.values[key], true)
			if !ok {
				continue
			}
			self.values[key] = next
			changedKeys = append(changedKeys, key)
		}
	}()

	for _, key := range changedKeys {
		self.notify(key)
	}
	return len(changedKeys)
}

// removes every cached entry satisfying both predicates. used when an
// entity disappears from views whose keys cannot be derived from the
// entity id (e.g. the by-slug projection of a deleted post).
func (self *Store) RemoveMatching(predicate CacheKeyPredicate, valuePredicate func(value any) bool) int {
	removedKeys := []CacheKey{}
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		for _, key := range maps.Keys(self.values) {
			if !predicate(key) {
				continue
			}
			if !valuePredicate(self.values[key]) {
				continue
			}
			delete(self.values, key)
			delete(self.stale, key)
			removedKeys = append(removedKeys, key)
		}
	}()

	for _, key := range removedKeys {
		self.notify(key)
	}
	return len(removedKeys)
}

func (self *Store) Remove(key CacheKey) {
	removed := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if _, ok := self.values[key]; ok {
			delete(self.values, key)
			delete(self.stale, key)
			removed = true
		}
	}()

	if removed {
		self.notify(key)
	}
}

// marks a key stale for the next seed fetch without dropping the value.
// used for server-derived aggregates that cannot be locally patched.
func (self *Store) Invalidate(key CacheKey) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.stale[key] = true
}

func (self *Store) IsStale(key CacheKey) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.stale[key]
}

func (self *Store) Keys() []CacheKey {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return maps.Keys(self.values)
}

func (self *Store) AddSubscriptionCallback(subscriptionCallback StoreSubscriptionFunction) func() {
	callbackId := self.subscriptionCallbacks.Add(subscriptionCallback)
	return func() {
		self.subscriptionCallbacks.Remove(callbackId)
	}
}

func (self *Store) notify(key CacheKey) {
	for _, subscriptionCallback := range self.subscriptionCallbacks.Get() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					glogWarnRecover("store subscription", r)
				}
			}()
			subscriptionCallback(key)
		}()
	}
}
