package feedsync

import (
	"sync"

	"golang.org/x/exp/maps"
)

// makes a copy of the callback list on every update so that `Get`
// can be iterated without holding the lock
type CallbackList[T any] struct {
	mutex          sync.Mutex
	callbackId     int
	callbackIds    []int
	callbacks      map[int]T
	orderedEntries []T
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		callbackIds: []int{},
		callbacks:   map[int]T{},
	}
}

// callbacks are returned in add order
func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.orderedEntries
}

func (self *CallbackList[T]) Add(callback T) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.callbackId += 1
	callbackId := self.callbackId
	self.callbackIds = append(self.callbackIds, callbackId)
	self.callbacks = maps.Clone(self.callbacks)
	self.callbacks[callbackId] = callback
	self.update()
	return callbackId
}

func (self *CallbackList[T]) Remove(callbackId int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if _, ok := self.callbacks[callbackId]; !ok {
		// not present
		return
	}
	nextCallbackIds := []int{}
	for _, existingCallbackId := range self.callbackIds {
		if existingCallbackId != callbackId {
			nextCallbackIds = append(nextCallbackIds, existingCallbackId)
		}
	}
	self.callbackIds = nextCallbackIds
	self.callbacks = maps.Clone(self.callbacks)
	delete(self.callbacks, callbackId)
	self.update()
}

func (self *CallbackList[T]) update() {
	orderedEntries := make([]T, 0, len(self.callbackIds))
	for _, callbackId := range self.callbackIds {
		orderedEntries = append(orderedEntries, self.callbacks[callbackId])
	}
	self.orderedEntries = orderedEntries
}
