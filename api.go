package feedsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any]() (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R])
	apiCallback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return apiCallback, c
}

// one http call per mutation, returning the authoritative
// post-operation entity or count. the surrounding transport applies its
// own timeout/retry policy; this layer never retries.
type SocialApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string

	byJwt string
}

func NewSocialApi(apiUrl string) *SocialApi {
	return NewSocialApiWithContext(context.Background(), apiUrl)
}

func NewSocialApiWithContext(ctx context.Context, apiUrl string) *SocialApi {
	cancelCtx, cancel := context.WithCancel(ctx)

	return &SocialApi{
		ctx:    cancelCtx,
		cancel: cancel,
		apiUrl: apiUrl,
	}
}

// this gets attached to api calls that need it
func (self *SocialApi) SetByJwt(byJwt string) {
	self.byJwt = byJwt
}

type SendMessageCallback apiCallback[*SendMessageResult]

type SendMessageArgs struct {
	ConversationId Id        `json:"conversation_id"`
	SenderId       Id        `json:"sender_id"`
	Content        string    `json:"content"`
	MediaUrl       string    `json:"media_url,omitempty"`
	ReplyTo        *ReplyRef `json:"reply_to,omitempty"`
}

type SendMessageResult struct {
	Message *Message `json:"message"`
}

func (self *SocialApi) SendMessage(sendMessage *SendMessageArgs, callback SendMessageCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/messages/send", self.apiUrl),
		sendMessage,
		self.byJwt,
		&SendMessageResult{},
		callback,
	)
}

func (self *SocialApi) SendMessageSync(sendMessage *SendMessageArgs) (*SendMessageResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/messages/send", self.apiUrl),
		sendMessage,
		self.byJwt,
		&SendMessageResult{},
		NewNoopApiCallback[*SendMessageResult](),
	)
}

type EditMessageCallback apiCallback[*EditMessageResult]

type EditMessageArgs struct {
	MessageId      Id     `json:"message_id"`
	ConversationId Id     `json:"conversation_id"`
	Content        string `json:"content"`
}

type EditMessageResult struct {
	Message *Message `json:"message"`
}

func (self *SocialApi) EditMessage(editMessage *EditMessageArgs, callback EditMessageCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/messages/edit", self.apiUrl),
		editMessage,
		self.byJwt,
		&EditMessageResult{},
		callback,
	)
}

func (self *SocialApi) EditMessageSync(editMessage *EditMessageArgs) (*EditMessageResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/messages/edit", self.apiUrl),
		editMessage,
		self.byJwt,
		&EditMessageResult{},
		NewNoopApiCallback[*EditMessageResult](),
	)
}

type DeleteMessageCallback apiCallback[*DeleteMessageResult]

type DeleteMessageArgs struct {
	MessageId      Id `json:"message_id"`
	ConversationId Id `json:"conversation_id"`
}

type DeleteMessageResult struct {
	MessageId Id `json:"message_id"`
}

func (self *SocialApi) DeleteMessage(deleteMessage *DeleteMessageArgs, callback DeleteMessageCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/messages/delete", self.apiUrl),
		deleteMessage,
		self.byJwt,
		&DeleteMessageResult{},
		callback,
	)
}

func (self *SocialApi) DeleteMessageSync(deleteMessage *DeleteMessageArgs) (*DeleteMessageResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/messages/delete", self.apiUrl),
		deleteMessage,
		self.byJwt,
		&DeleteMessageResult{},
		NewNoopApiCallback[*DeleteMessageResult](),
	)
}

type MarkReadCallback apiCallback[*MarkReadResult]

type MarkReadArgs struct {
	ConversationId Id `json:"conversation_id"`
	UserId         Id `json:"user_id"`
}

type MarkReadResult struct {
	// number of messages marked read
	Count int `json:"count"`
}

func (self *SocialApi) MarkRead(markRead *MarkReadArgs, callback MarkReadCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/conversations/mark-read", self.apiUrl),
		markRead,
		self.byJwt,
		&MarkReadResult{},
		callback,
	)
}

func (self *SocialApi) MarkReadSync(markRead *MarkReadArgs) (*MarkReadResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/conversations/mark-read", self.apiUrl),
		markRead,
		self.byJwt,
		&MarkReadResult{},
		NewNoopApiCallback[*MarkReadResult](),
	)
}

type PinConversationCallback apiCallback[*PinConversationResult]

type PinConversationArgs struct {
	ConversationId Id   `json:"conversation_id"`
	IsPinned       bool `json:"is_pinned"`
}

type PinConversationResult struct {
	Conversation *Conversation `json:"conversation"`
}

func (self *SocialApi) PinConversation(pinConversation *PinConversationArgs, callback PinConversationCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/conversations/pin", self.apiUrl),
		pinConversation,
		self.byJwt,
		&PinConversationResult{},
		callback,
	)
}

func (self *SocialApi) PinConversationSync(pinConversation *PinConversationArgs) (*PinConversationResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/conversations/pin", self.apiUrl),
		pinConversation,
		self.byJwt,
		&PinConversationResult{},
		NewNoopApiCallback[*PinConversationResult](),
	)
}

type ToggleLikeCallback apiCallback[*ToggleLikeResult]

type ToggleLikeArgs struct {
	PostId Id `json:"post_id"`
	UserId Id `json:"user_id"`
	// the liked state the client currently shows, so that the server
	// can detect races with other sessions of the same user
	IsLiked bool `json:"is_liked"`
}

type ToggleLikeResult struct {
	IsLiked    bool `json:"is_liked"`
	LikesCount int  `json:"likes_count"`
}

func (self *SocialApi) ToggleLike(toggleLike *ToggleLikeArgs, callback ToggleLikeCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/posts/toggle-like", self.apiUrl),
		toggleLike,
		self.byJwt,
		&ToggleLikeResult{},
		callback,
	)
}

func (self *SocialApi) ToggleLikeSync(toggleLike *ToggleLikeArgs) (*ToggleLikeResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/posts/toggle-like", self.apiUrl),
		toggleLike,
		self.byJwt,
		&ToggleLikeResult{},
		NewNoopApiCallback[*ToggleLikeResult](),
	)
}

type ToggleBookmarkCallback apiCallback[*ToggleBookmarkResult]

type ToggleBookmarkArgs struct {
	PostId       Id   `json:"post_id"`
	UserId       Id   `json:"user_id"`
	IsBookmarked bool `json:"is_bookmarked"`
}

type ToggleBookmarkResult struct {
	IsBookmarked bool `json:"is_bookmarked"`
}

func (self *SocialApi) ToggleBookmark(toggleBookmark *ToggleBookmarkArgs, callback ToggleBookmarkCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/posts/toggle-bookmark", self.apiUrl),
		toggleBookmark,
		self.byJwt,
		&ToggleBookmarkResult{},
		callback,
	)
}

func (self *SocialApi) ToggleBookmarkSync(toggleBookmark *ToggleBookmarkArgs) (*ToggleBookmarkResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/posts/toggle-bookmark", self.apiUrl),
		toggleBookmark,
		self.byJwt,
		&ToggleBookmarkResult{},
		NewNoopApiCallback[*ToggleBookmarkResult](),
	)
}

type AuthLoginCallback apiCallback[*AuthLoginResult]

type AuthLoginArgs struct {
	UserAuth string `json:"user_auth"`
	Password string `json:"password"`
}

type AuthLoginResult struct {
	ByJwt string `json:"by_jwt"`
	Error string `json:"error,omitempty"`
}

func (self *SocialApi) AuthLogin(authLogin *AuthLoginArgs, callback AuthLoginCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/auth/login", self.apiUrl),
		authLogin,
		self.byJwt,
		&AuthLoginResult{},
		callback,
	)
}

func (self *SocialApi) AuthLoginSync(authLogin *AuthLoginArgs) (*AuthLoginResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/auth/login", self.apiUrl),
		authLogin,
		self.byJwt,
		&AuthLoginResult{},
		NewNoopApiCallback[*AuthLoginResult](),
	)
}

type GetConversationsCallback apiCallback[*GetConversationsResult]

type GetConversationsResult struct {
	Conversations []*Conversation `json:"conversations"`
}

func (self *SocialApi) GetConversations(callback GetConversationsCallback) {
	go get(
		self.ctx,
		fmt.Sprintf("%s/conversations", self.apiUrl),
		self.byJwt,
		&GetConversationsResult{},
		callback,
	)
}

func (self *SocialApi) GetConversationsSync() (*GetConversationsResult, error) {
	return get(
		self.ctx,
		fmt.Sprintf("%s/conversations", self.apiUrl),
		self.byJwt,
		&GetConversationsResult{},
		NewNoopApiCallback[*GetConversationsResult](),
	)
}

type GetMessagesCallback apiCallback[*GetMessagesResult]

type GetMessagesResult struct {
	Messages []*Message `json:"messages"`
}

func (self *SocialApi) GetMessages(conversationId Id, callback GetMessagesCallback) {
	go get(
		self.ctx,
		fmt.Sprintf("%s/conversations/%s/messages", self.apiUrl, conversationId),
		self.byJwt,
		&GetMessagesResult{},
		callback,
	)
}

func (self *SocialApi) GetMessagesSync(conversationId Id) (*GetMessagesResult, error) {
	return get(
		self.ctx,
		fmt.Sprintf("%s/conversations/%s/messages", self.apiUrl, conversationId),
		self.byJwt,
		&GetMessagesResult{},
		NewNoopApiCallback[*GetMessagesResult](),
	)
}

type GetFeedCallback apiCallback[*GetFeedResult]

type GetFeedResult struct {
	Posts []*Post `json:"posts"`
}

func (self *SocialApi) GetFeed(callback GetFeedCallback) {
	go get(
		self.ctx,
		fmt.Sprintf("%s/feed", self.apiUrl),
		self.byJwt,
		&GetFeedResult{},
		callback,
	)
}

func (self *SocialApi) GetFeedSync() (*GetFeedResult, error) {
	return get(
		self.ctx,
		fmt.Sprintf("%s/feed", self.apiUrl),
		self.byJwt,
		&GetFeedResult{},
		NewNoopApiCallback[*GetFeedResult](),
	)
}

func post[R any](ctx context.Context, url string, args any, byJwt string, result R, callback apiCallback[R]) (R, error) {
	var requestBodyBytes []byte
	if args == nil {
		requestBodyBytes = make([]byte, 0)
	} else {
		var err error
		requestBodyBytes, err = json.Marshal(args)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return empty, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(requestBodyBytes))
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "text/json")

	if byJwt != "" {
		auth := fmt.Sprintf("Bearer %s", byJwt)
		req.Header.Add("Authorization", auth)
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		// the response body is the error message
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = errors.New(errorMessage)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}

func get[R any](ctx context.Context, url string, byJwt string, result R, callback apiCallback[R]) (R, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "text/json")

	if byJwt != "" {
		auth := fmt.Sprintf("Bearer %s", byJwt)
		req.Header.Add("Authorization", auth)
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = errors.New(errorMessage)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}
