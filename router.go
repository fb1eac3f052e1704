package feedsync

import (
	"sync"

	"github.com/golang/glog"
)

type EventHandlerFunction = func(event *Event)

// demultiplexes inbound push frames to handlers by
// (resource type, resource id). one router per client process, fed by
// the single shared push transport.
//
// dispatch is serialized: handlers run synchronously in registration
// order on the dispatching goroutine, one event at a time. there is no
// concurrent handler execution and no reentrancy hazard, matching the
// single-threaded interleaving model the reconciliation rules assume.
type EventRouter struct {
	// serializes handler invocation across all resources
	dispatchLock sync.Mutex

	stateLock sync.Mutex
	handlers  map[Resource]*CallbackList[EventHandlerFunction]
}

func NewEventRouter() *EventRouter {
	return &EventRouter{
		handlers: map[Resource]*CallbackList[EventHandlerFunction]{},
	}
}

// register a handler for one resource. a resource with a zero id
// receives every event of that resource type.
// the returned closure unregisters.
func (self *EventRouter) AddEventCallback(resource Resource, eventCallback EventHandlerFunction) func() {
	var callbacks *CallbackList[EventHandlerFunction]
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		callbacks = self.handlers[resource]
		if callbacks == nil {
			callbacks = NewCallbackList[EventHandlerFunction]()
			self.handlers[resource] = callbacks
		}
	}()

	callbackId := callbacks.Add(eventCallback)
	return func() {
		callbacks.Remove(callbackId)
	}
}

// parse and dispatch one wire frame.
// malformed and unknown frames are dropped, never errored.
func (self *EventRouter) Dispatch(frameBytes []byte) {
	event, err := parseEvent(frameBytes)
	if err != nil {
		glog.Warningf("[router]drop malformed event: %s\n", err)
		return
	}
	if !event.Type.Valid() {
		glog.V(2).Infof("[router]ignore unknown event type %s\n", event.Type)
		return
	}
	self.DispatchEvent(event)
}

func (self *EventRouter) DispatchEvent(event *Event) {
	self.dispatchLock.Lock()
	defer self.dispatchLock.Unlock()

	glog.V(2).Infof("[router]%s %s(%s)\n", event.Type, event.ResourceType, event.ResourceId)

	// exact resource handlers first, then type-wide handlers,
	// each in registration order
	self.invoke(Resource{
		ResourceType: event.ResourceType,
		ResourceId:   event.ResourceId,
	}, event)
	self.invoke(Resource{
		ResourceType: event.ResourceType,
	}, event)
}

func (self *EventRouter) invoke(resource Resource, event *Event) {
	var callbacks *CallbackList[EventHandlerFunction]
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		callbacks = self.handlers[resource]
	}()
	if callbacks == nil {
		return
	}
	for _, eventCallback := range callbacks.Get() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					glogWarnRecover("event handler", r)
				}
			}()
			eventCallback(event)
		}()
	}
}
