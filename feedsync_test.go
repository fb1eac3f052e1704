package feedsync

import (
	"encoding/json"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestId(t *testing.T) {
	id := NewId()
	assert.Equal(t, id.IsZero(), false)

	parsed, err := ParseId(id.String())
	assert.Equal(t, err, nil)
	assert.Equal(t, parsed, id)

	_, err = ParseId("not-a-uuid")
	assert.NotEqual(t, err, nil)

	var zero Id
	assert.Equal(t, zero.IsZero(), true)
}

func TestIdJson(t *testing.T) {
	type wrapper struct {
		MessageId Id `json:"message_id"`
	}

	id := NewId()
	encoded, err := json.Marshal(&wrapper{MessageId: id})
	assert.Equal(t, err, nil)
	assert.Equal(t, string(encoded), `{"message_id":"`+id.String()+`"}`)

	decoded := &wrapper{}
	err = json.Unmarshal(encoded, decoded)
	assert.Equal(t, err, nil)
	assert.Equal(t, decoded.MessageId, id)
}

func TestCacheKey(t *testing.T) {
	viewerId := NewId()

	// comparable keys address the cache
	assert.Equal(t, FeedKey(viewerId) == FeedKey(viewerId), true)
	assert.Equal(t, FeedKey(viewerId) == ConversationsKey(viewerId), false)

	key := MessagesKey(viewerId)
	assert.Equal(t, key.ResourceType, ResourceMessages)
	assert.Equal(t, key.ResourceId, viewerId)
}

func TestParseByJwt(t *testing.T) {
	userId := NewId()
	byJwtStr := testJwt(t, userId)

	byJwt, err := ParseByJwtUnverified(byJwtStr)
	assert.Equal(t, err, nil)
	assert.Equal(t, byJwt.UserId, userId)
	assert.Equal(t, byJwt.UserName, "tester")

	_, err = ParseByJwtUnverified("garbage")
	assert.NotEqual(t, err, nil)
}
