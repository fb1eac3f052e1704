package feedsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

// the push channel: one persistent websocket per client process.
// connect/auth/join lifecycle and reconnection live below the router's
// contract. reconnection is retried automatically and indefinitely;
// nothing above this layer retries anything.

type PushTransportSettings struct {
	WsHandshakeTimeout  time.Duration
	AuthTimeout         time.Duration
	ReconnectTimeout    time.Duration
	ReconnectMaxTimeout time.Duration
	PingTimeout         time.Duration
	WriteTimeout        time.Duration
	ReadTimeout         time.Duration
	SendBufferSize      int
}

func DefaultPushTransportSettings() *PushTransportSettings {
	return &PushTransportSettings{
		WsHandshakeTimeout:  2 * time.Second,
		AuthTimeout:         2 * time.Second,
		ReconnectTimeout:    1 * time.Second,
		ReconnectMaxTimeout: 30 * time.Second,
		PingTimeout:         15 * time.Second,
		WriteTimeout:        5 * time.Second,
		ReadTimeout:         60 * time.Second,
		SendBufferSize:      32,
	}
}

// client -> server control frames
type channelFrame struct {
	Type         string       `json:"type"`
	Jwt          string       `json:"jwt,omitempty"`
	ResourceType ResourceType `json:"resource_type,omitempty"`
	ResourceId   *Id          `json:"resource_id,omitempty"`
}

type PushTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	pushUrl string
	byJwt   string

	registry *SubscriptionRegistry
	router   *EventRouter

	settings *PushTransportSettings

	removeSubscriberCallback func()

	stateLock sync.Mutex
	// set while a connection is up, nil otherwise
	sendMonitor chan *channelFrame
}

func NewPushTransportWithDefaults(
	ctx context.Context,
	pushUrl string,
	byJwt string,
	registry *SubscriptionRegistry,
	router *EventRouter,
) *PushTransport {
	return NewPushTransport(ctx, pushUrl, byJwt, registry, router, DefaultPushTransportSettings())
}

func NewPushTransport(
	ctx context.Context,
	pushUrl string,
	byJwt string,
	registry *SubscriptionRegistry,
	router *EventRouter,
	settings *PushTransportSettings,
) *PushTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	transport := &PushTransport{
		ctx:      cancelCtx,
		cancel:   cancel,
		pushUrl:  pushUrl,
		byJwt:    byJwt,
		registry: registry,
		router:   router,
		settings: settings,
	}
	transport.removeSubscriberCallback = registry.AddSubscriberCallback(transport.subscriptionChanged)
	go transport.run()
	return transport
}

// SubscriberFunction
func (self *PushTransport) subscriptionChanged(resource Resource, subscribe bool) {
	if resource.ResourceType == ResourceGlobal {
		// global listeners have no channel scope to join
		return
	}
	frameType := "leave"
	if subscribe {
		frameType = "join"
	}
	resourceId := resource.ResourceId
	self.sendFrame(&channelFrame{
		Type:         frameType,
		ResourceType: resource.ResourceType,
		ResourceId:   &resourceId,
	})
}

// best effort. a frame sent while disconnected is dropped, the
// reconnect rejoin covers it.
func (self *PushTransport) sendFrame(frame *channelFrame) {
	var sendMonitor chan *channelFrame
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		sendMonitor = self.sendMonitor
	}()
	if sendMonitor == nil {
		return
	}
	select {
	case sendMonitor <- frame:
	case <-self.ctx.Done():
	default:
		glog.Infof("[push]send buffer full, dropping %s\n", frame.Type)
	}
}

func (self *PushTransport) setSendMonitor(sendMonitor chan *channelFrame) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.sendMonitor = sendMonitor
}

func (self *PushTransport) run() {
	defer self.removeSubscriberCallback()

	reconnectTimeout := self.settings.ReconnectTimeout
	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		err := self.connectAndRun()
		if err != nil {
			glog.Infof("[push]connection ended: %s\n", err)
		}

		select {
		case <-self.ctx.Done():
			return
		case <-time.After(reconnectTimeout):
		}
		reconnectTimeout = min(2*reconnectTimeout, self.settings.ReconnectMaxTimeout)
	}
}

func (self *PushTransport) connectAndRun() error {
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	conn, _, err := dialer.DialContext(self.ctx, self.pushUrl, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	// auth handshake before anything else
	authFrame := &channelFrame{
		Type: "auth",
		Jwt:  self.byJwt,
	}
	conn.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
	if err := conn.WriteJSON(authFrame); err != nil {
		return err
	}
	conn.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
	var authAck channelFrame
	if err := conn.ReadJSON(&authAck); err != nil {
		return err
	}
	if authAck.Type != "auth-ok" {
		return fmt.Errorf("auth rejected: %s", authAck.Type)
	}

	glog.Infof("[push]connected %s\n", self.pushUrl)

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	sendMonitor := make(chan *channelFrame, self.settings.SendBufferSize)
	self.setSendMonitor(sendMonitor)
	defer self.setSendMonitor(nil)

	// re-register interest for every held resource.
	// events for a resource are only delivered after its join returns,
	// which the single writer goroutine below guarantees.
	resources := self.registry.Resources()
	go func() {
		defer handleCancel()

		for _, resource := range resources {
			if resource.ResourceType == ResourceGlobal {
				continue
			}
			resourceId := resource.ResourceId
			joinFrame := &channelFrame{
				Type:         "join",
				ResourceType: resource.ResourceType,
				ResourceId:   &resourceId,
			}
			conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := conn.WriteJSON(joinFrame); err != nil {
				return
			}
		}
		if 0 < len(resources) {
			glog.Infof("[push]rejoined %d resources\n", len(resources))
		}

		for {
			select {
			case <-handleCtx.Done():
				return
			case frame := <-sendMonitor:
				conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := conn.WriteJSON(frame); err != nil {
					return
				}
			}
		}
	}()

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case <-time.After(self.settings.PingTimeout):
			}
			deadline := time.Now().Add(self.settings.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}()

	// receive loop. events are dispatched in arrival order on this
	// goroutine, which serializes all handler execution per connection.
	receiveDone := make(chan error, 1)
	go func() {
		defer handleCancel()

		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
			return nil
		})
		for {
			conn.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
			messageType, frameBytes, err := conn.ReadMessage()
			if err != nil {
				receiveDone <- err
				return
			}
			if messageType != websocket.TextMessage {
				continue
			}
			self.router.Dispatch(frameBytes)
		}
	}()

	select {
	case <-self.ctx.Done():
		return nil
	case <-handleCtx.Done():
		select {
		case err := <-receiveDone:
			return err
		default:
			return fmt.Errorf("write closed")
		}
	}
}

func (self *PushTransport) Close() {
	self.cancel()
}

// helper used by decode tests and the cli to build wire frames
func EncodeEvent(event *Event) ([]byte, error) {
	return json.Marshal(event)
}
