package feedsync

import (
	"encoding/json"
	"fmt"
	"time"
)

// push channel event taxonomy. every event arrives as a json envelope
// scoped to one subscribed resource. payload shapes are fixed per type.

type EventType string

const (
	EventMessageInsert     EventType = "message-insert"
	EventMessageUpdate     EventType = "message-update"
	EventMessageDelete     EventType = "message-delete"
	EventMessageBulkDelete EventType = "message-bulk-delete"

	EventConversationNew   EventType = "conversation-new"
	EventReadReceipt       EventType = "read-receipt"
	EventUnreadCountUpdate EventType = "unread-count-update"

	EventPostInsert    EventType = "post-insert"
	EventPostUpdate    EventType = "post-update"
	EventPostDelete    EventType = "post-delete"
	EventPostLike      EventType = "post-like"
	EventCounterUpdate EventType = "counter-update"
)

func (self EventType) Valid() bool {
	switch self {
	case EventMessageInsert, EventMessageUpdate, EventMessageDelete, EventMessageBulkDelete,
		EventConversationNew, EventReadReceipt, EventUnreadCountUpdate,
		EventPostInsert, EventPostUpdate, EventPostDelete, EventPostLike, EventCounterUpdate:
		return true
	default:
		return false
	}
}

// wire envelope. `ResourceType`/`ResourceId` form the dispatch key and
// name the subscription the event was delivered on.
type Event struct {
	Type         EventType       `json:"type"`
	ResourceType ResourceType    `json:"resource_type"`
	ResourceId   Id              `json:"resource_id"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

type MessageDeletePayload struct {
	MessageId Id `json:"message_id"`
}

type MessageBulkDeletePayload struct {
	MessageIds []Id `json:"message_ids"`
}

type ReadReceiptPayload struct {
	ConversationId Id        `json:"conversation_id"`
	ReaderId       Id        `json:"reader_id"`
	ReadAt         time.Time `json:"read_at"`
}

type UnreadCountPayload struct {
	ConversationId Id  `json:"conversation_id"`
	UnreadCount    int `json:"unread_count"`
}

type PostDeletePayload struct {
	PostId Id `json:"post_id"`
}

type PostLikePayload struct {
	PostId     Id  `json:"post_id"`
	UserId     Id  `json:"user_id"`
	LikesCount int `json:"likes_count"`
}

type CounterUpdatePayload struct {
	PostId Id           `json:"post_id"`
	Field  CounterField `json:"field"`
	Value  int          `json:"value"`
}

// parse one wire frame into an envelope.
// unknown event types parse but are dropped later at dispatch,
// so that older clients tolerate newer servers.
func parseEvent(frameBytes []byte) (*Event, error) {
	event := &Event{}
	if err := json.Unmarshal(frameBytes, event); err != nil {
		return nil, err
	}
	if event.Type == "" {
		return nil, fmt.Errorf("event missing type")
	}
	if event.ResourceId.IsZero() {
		return nil, fmt.Errorf("event missing resource_id")
	}
	return event, nil
}

func (self *Event) Message() (*Message, error) {
	message := &Message{}
	if err := json.Unmarshal(self.Payload, message); err != nil {
		return nil, err
	}
	if message.MessageId.IsZero() {
		return nil, fmt.Errorf("message event missing id")
	}
	return message, nil
}

func (self *Event) Conversation() (*Conversation, error) {
	conversation := &Conversation{}
	if err := json.Unmarshal(self.Payload, conversation); err != nil {
		return nil, err
	}
	if conversation.ConversationId.IsZero() {
		return nil, fmt.Errorf("conversation event missing id")
	}
	return conversation, nil
}

func (self *Event) MessageDelete() (*MessageDeletePayload, error) {
	payload := &MessageDeletePayload{}
	if err := json.Unmarshal(self.Payload, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func (self *Event) MessageBulkDelete() (*MessageBulkDeletePayload, error) {
	payload := &MessageBulkDeletePayload{}
	if err := json.Unmarshal(self.Payload, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func (self *Event) ReadReceipt() (*ReadReceiptPayload, error) {
	payload := &ReadReceiptPayload{}
	if err := json.Unmarshal(self.Payload, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func (self *Event) UnreadCount() (*UnreadCountPayload, error) {
	payload := &UnreadCountPayload{}
	if err := json.Unmarshal(self.Payload, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func (self *Event) Post() (*Post, error) {
	post := &Post{}
	if err := json.Unmarshal(self.Payload, post); err != nil {
		return nil, err
	}
	if post.PostId.IsZero() {
		return nil, fmt.Errorf("post event missing id")
	}
	return post, nil
}

func (self *Event) PostDelete() (*PostDeletePayload, error) {
	payload := &PostDeletePayload{}
	if err := json.Unmarshal(self.Payload, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func (self *Event) PostLike() (*PostLikePayload, error) {
	payload := &PostLikePayload{}
	if err := json.Unmarshal(self.Payload, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func (self *Event) CounterUpdate() (*CounterUpdatePayload, error) {
	payload := &CounterUpdatePayload{}
	if err := json.Unmarshal(self.Payload, payload); err != nil {
		return nil, err
	}
	if !payload.Field.Valid() {
		return nil, fmt.Errorf("counter event has unknown field %s", payload.Field)
	}
	return payload, nil
}
