package feedsync

import (
	"sync"

	"golang.org/x/exp/maps"
)

// a subscribable push channel scope: a conversation, a room, or a feed.
// comparable
type Resource struct {
	ResourceType ResourceType
	ResourceId   Id
}

// pseudo-resource kind for process-wide listeners that are not scoped
// to any entity. registering them through the registry replaces the
// one-shot module flag pattern: remounting the owning consumer can
// never double-register because the reference count absorbs it.
const ResourceGlobal ResourceType = "global"

var GlobalResource = Resource{
	ResourceType: ResourceGlobal,
}

// fired on the 0->1 transition with subscribe=true and on the 1->0
// transition with subscribe=false. the transport joins and leaves the
// underlying channel in response.
type SubscriberFunction = func(resource Resource, subscribe bool)

// tracks which resources this client process holds push subscriptions
// for. reference counted per resource: N interested consumers share one
// underlying channel subscription, and teardown happens only when the
// last one releases.
type SubscriptionRegistry struct {
	stateLock sync.Mutex

	refCounts map[Resource]int

	subscriberCallbacks *CallbackList[SubscriberFunction]
}

func NewSubscriptionRegistry() *SubscriptionRegistry {
	return &SubscriptionRegistry{
		refCounts:           map[Resource]int{},
		subscriberCallbacks: NewCallbackList[SubscriberFunction](),
	}
}

// idempotent per consumer: the returned release closure decrements at
// most once no matter how many times it is called, so a consumer that
// unmounts twice cannot tear down a subscription someone else holds.
func (self *SubscriptionRegistry) EnsureSubscribed(resource Resource) func() {
	first := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		self.refCounts[resource] += 1
		first = self.refCounts[resource] == 1
	}()

	if first {
		self.notify(resource, true)
	}

	released := false
	var releaseLock sync.Mutex
	return func() {
		releaseLock.Lock()
		defer releaseLock.Unlock()
		if released {
			return
		}
		released = true
		self.Release(resource)
	}
}

func (self *SubscriptionRegistry) Release(resource Resource) {
	last := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		count, ok := self.refCounts[resource]
		if !ok {
			return
		}
		if count <= 1 {
			delete(self.refCounts, resource)
			last = true
		} else {
			self.refCounts[resource] = count - 1
		}
	}()

	if last {
		self.notify(resource, false)
	}
}

func (self *SubscriptionRegistry) IsSubscribed(resource Resource) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return 0 < self.refCounts[resource]
}

// every resource currently held with a nonzero reference count.
// the transport rejoins all of these after a reconnect.
func (self *SubscriptionRegistry) Resources() []Resource {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return maps.Keys(self.refCounts)
}

func (self *SubscriptionRegistry) AddSubscriberCallback(subscriberCallback SubscriberFunction) func() {
	callbackId := self.subscriberCallbacks.Add(subscriberCallback)
	return func() {
		self.subscriberCallbacks.Remove(callbackId)
	}
}

func (self *SubscriptionRegistry) notify(resource Resource, subscribe bool) {
	for _, subscriberCallback := range self.subscriberCallbacks.Get() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					glogWarnRecover("subscription registry", r)
				}
			}()
			subscriberCallback(resource, subscribe)
		}()
	}
}
