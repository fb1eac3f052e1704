package feedsync

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"
)

// client-side cache synchronization for the driftline social app.
// the cache is the single source of truth for the ui layer:
// - mutations apply optimistically and are confirmed or rolled back by the server
// - push events fold into the cache through pure reconciliation rules
// - every cached value is replaced whole, never mutated in place

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func ParseId(idStr string) (Id, error) {
	return parseUuid(idStr)
}

func RequireParseId(idStr string) Id {
	id, err := parseUuid(idStr)
	if err != nil {
		panic(err)
	}
	return id
}

func (self Id) IsZero() bool {
	return self == Id{}
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) String() string {
	return encodeUuid(self)
}

func (self *Id) MarshalJSON() ([]byte, error) {
	var buf [16]byte
	copy(buf[0:16], self[0:16])
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(encodeUuid(buf))
	buff.WriteByte('"')
	b := buff.Bytes()
	return b, nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) != 38 {
		return fmt.Errorf("invalid length for UUID: %v", len(src))
	}
	buf, err := parseUuid(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = buf
	return nil
}

func parseUuid(src string) (dst [16]byte, err error) {
	switch len(src) {
	case 36:
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
		// dashes already stripped, assume valid
	default:
		// assume invalid.
		return dst, fmt.Errorf("cannot parse UUID %v", src)
	}

	buf, err := hex.DecodeString(src)
	if err != nil {
		return dst, err
	}

	copy(dst[:], buf)
	return dst, err
}

func encodeUuid(src [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", src[0:4], src[4:6], src[6:8], src[8:10], src[10:16])
}

// closed set of cached resource kinds. reconciliation dispatch switches
// over this enum so that a new resource kind fails loudly at review time
// instead of silently falling through an untyped key tuple.
type ResourceType string

const (
	// conversation list for a viewer. aux id is the viewer id.
	ResourceConversations ResourceType = "conversations"
	// message window for a conversation. aux id is the conversation id.
	ResourceMessages ResourceType = "messages"
	// primary feed for a viewer. aux id is the viewer id.
	ResourceFeed ResourceType = "feed"
	// single post projection. aux id is the post id.
	ResourcePost ResourceType = "post"
	// post looked up by slug. aux id is the slug digest.
	ResourcePostBySlug ResourceType = "post-by-slug"
	// count of inserts withheld from the visible feed. aux id is the viewer id.
	ResourcePendingPosts ResourceType = "pending-posts"
	// server-derived aggregates (trending, search) that can only be
	// invalidated, never locally patched. aux id is the viewer id.
	ResourceAggregates ResourceType = "aggregates"
)

// comparable
type CacheKey struct {
	ResourceType ResourceType
	ResourceId   Id
}

func ConversationsKey(viewerId Id) CacheKey {
	return CacheKey{
		ResourceType: ResourceConversations,
		ResourceId:   viewerId,
	}
}

func MessagesKey(conversationId Id) CacheKey {
	return CacheKey{
		ResourceType: ResourceMessages,
		ResourceId:   conversationId,
	}
}

func FeedKey(viewerId Id) CacheKey {
	return CacheKey{
		ResourceType: ResourceFeed,
		ResourceId:   viewerId,
	}
}

func PostKey(postId Id) CacheKey {
	return CacheKey{
		ResourceType: ResourcePost,
		ResourceId:   postId,
	}
}

func PostBySlugKey(slugId Id) CacheKey {
	return CacheKey{
		ResourceType: ResourcePostBySlug,
		ResourceId:   slugId,
	}
}

func PendingPostsKey(viewerId Id) CacheKey {
	return CacheKey{
		ResourceType: ResourcePendingPosts,
		ResourceId:   viewerId,
	}
}

func AggregatesKey(viewerId Id) CacheKey {
	return CacheKey{
		ResourceType: ResourceAggregates,
		ResourceId:   viewerId,
	}
}

func (self CacheKey) String() string {
	return fmt.Sprintf("%s(%s)", self.ResourceType, self.ResourceId)
}
