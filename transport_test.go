package feedsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/gorilla/websocket"
)

type testPushServer struct {
	server *httptest.Server

	// one entry per accepted connection, closed by the handler when the
	// connection ends
	connections chan *testPushConnection
}

type testPushConnection struct {
	conn *websocket.Conn

	// join/leave frames in arrival order
	frames chan *channelFrame
}

func newTestPushServer(t *testing.T) *testPushServer {
	upgrader := websocket.Upgrader{}

	pushServer := &testPushServer{
		connections: make(chan *testPushConnection, 8),
	}

	pushServer.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var authFrame channelFrame
		if err := conn.ReadJSON(&authFrame); err != nil {
			return
		}
		if authFrame.Type != "auth" || authFrame.Jwt == "" {
			conn.WriteJSON(&channelFrame{Type: "auth-error"})
			return
		}
		if err := conn.WriteJSON(&channelFrame{Type: "auth-ok"}); err != nil {
			return
		}

		connection := &testPushConnection{
			conn:   conn,
			frames: make(chan *channelFrame, 8),
		}
		pushServer.connections <- connection

		for {
			var frame channelFrame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			connection.frames <- &frame
		}
	}))

	return pushServer
}

func (self *testPushServer) url() string {
	return "ws" + strings.TrimPrefix(self.server.URL, "http")
}

func (self *testPushServer) close() {
	self.server.Close()
}

func (self *testPushConnection) nextFrame(t *testing.T) *channelFrame {
	select {
	case frame := <-self.frames:
		return frame
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for frame")
		return nil
	}
}

func awaitConnection(t *testing.T, pushServer *testPushServer) *testPushConnection {
	select {
	case connection := <-pushServer.connections:
		return connection
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for connection")
		return nil
	}
}

func testTransportSettings() *PushTransportSettings {
	settings := DefaultPushTransportSettings()
	settings.ReconnectTimeout = 50 * time.Millisecond
	settings.ReconnectMaxTimeout = 200 * time.Millisecond
	return settings
}

func TestTransportJoinAndDeliver(t *testing.T) {
	pushServer := newTestPushServer(t)
	defer pushServer.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := NewSubscriptionRegistry()
	router := NewEventRouter()

	conversationId := NewId()

	received := make(chan *Event, 8)
	removeCallback := router.AddEventCallback(Resource{
		ResourceType: ResourceMessages,
		ResourceId:   conversationId,
	}, func(event *Event) {
		received <- event
	})
	defer removeCallback()

	transport := NewPushTransport(ctx, pushServer.url(), "test-jwt", registry, router, testTransportSettings())
	defer transport.Close()

	connection := awaitConnection(t, pushServer)
	// let the client finish its side of the handshake before joining
	time.Sleep(100 * time.Millisecond)

	release := registry.EnsureSubscribed(Resource{
		ResourceType: ResourceMessages,
		ResourceId:   conversationId,
	})
	defer release()

	joinFrame := connection.nextFrame(t)
	assert.Equal(t, joinFrame.Type, "join")
	assert.Equal(t, joinFrame.ResourceType, ResourceMessages)
	assert.Equal(t, *joinFrame.ResourceId, conversationId)

	// push an event down the channel and expect router delivery
	frameBytes, err := EncodeEvent(&Event{
		Type:         EventMessageInsert,
		ResourceType: ResourceMessages,
		ResourceId:   conversationId,
		Payload:      json.RawMessage(`{}`),
	})
	assert.Equal(t, err, nil)
	err = connection.conn.WriteMessage(websocket.TextMessage, frameBytes)
	assert.Equal(t, err, nil)

	select {
	case event := <-received:
		assert.Equal(t, event.Type, EventMessageInsert)
		assert.Equal(t, event.ResourceId, conversationId)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestTransportLeave(t *testing.T) {
	pushServer := newTestPushServer(t)
	defer pushServer.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := NewSubscriptionRegistry()
	router := NewEventRouter()

	transport := NewPushTransport(ctx, pushServer.url(), "test-jwt", registry, router, testTransportSettings())
	defer transport.Close()

	connection := awaitConnection(t, pushServer)
	time.Sleep(100 * time.Millisecond)

	feedId := NewId()
	release := registry.EnsureSubscribed(Resource{
		ResourceType: ResourceFeed,
		ResourceId:   feedId,
	})

	joinFrame := connection.nextFrame(t)
	assert.Equal(t, joinFrame.Type, "join")

	release()

	leaveFrame := connection.nextFrame(t)
	assert.Equal(t, leaveFrame.Type, "leave")
	assert.Equal(t, leaveFrame.ResourceType, ResourceFeed)
	assert.Equal(t, *leaveFrame.ResourceId, feedId)
}

func TestTransportReconnectRejoin(t *testing.T) {
	pushServer := newTestPushServer(t)
	defer pushServer.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := NewSubscriptionRegistry()
	router := NewEventRouter()

	// held before the transport ever connects
	conversationId := NewId()
	release := registry.EnsureSubscribed(Resource{
		ResourceType: ResourceMessages,
		ResourceId:   conversationId,
	})
	defer release()

	// the global pseudo-resource must never produce a join frame
	releaseGlobal := registry.EnsureSubscribed(GlobalResource)
	defer releaseGlobal()

	transport := NewPushTransport(ctx, pushServer.url(), "test-jwt", registry, router, testTransportSettings())
	defer transport.Close()

	connection := awaitConnection(t, pushServer)

	joinFrame := connection.nextFrame(t)
	assert.Equal(t, joinFrame.Type, "join")
	assert.Equal(t, *joinFrame.ResourceId, conversationId)

	// drop the connection server-side. the transport reconnects and
	// rejoins the held resource without any caller involvement.
	connection.conn.Close()

	reconnection := awaitConnection(t, pushServer)

	rejoinFrame := reconnection.nextFrame(t)
	assert.Equal(t, rejoinFrame.Type, "join")
	assert.Equal(t, rejoinFrame.ResourceType, ResourceMessages)
	assert.Equal(t, *rejoinFrame.ResourceId, conversationId)
}
