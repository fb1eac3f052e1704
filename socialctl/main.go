package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/docopt/docopt-go"

	"driftline.social/feedsync"
)

const SocialCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Social control.

The default urls are:
    api_url: https://api.driftline.social
    push_url: wss://push.driftline.social

Usage:
    socialctl login [--api_url=<api_url>]
        --user_auth=<user_auth>
    socialctl conversations [--api_url=<api_url>] --jwt=<jwt>
    socialctl send [--api_url=<api_url>] [--push_url=<push_url>] --jwt=<jwt>
        --conversation=<conversation_id>
        [<message>]
    socialctl tail [--api_url=<api_url>] [--push_url=<push_url>] --jwt=<jwt>
        --conversation=<conversation_id>
        [--event_count=<event_count>]
    socialctl like [--api_url=<api_url>] --jwt=<jwt>
        --post=<post_id>

Options:
    -h --help                      Show this screen.
    --version                      Show version.
    --api_url=<api_url>
    --push_url=<push_url>
    --user_auth=<user_auth>        Email or phone number.
    --jwt=<jwt>                    Your platform JWT.
    --conversation=<conversation_id>
    --post=<post_id>
    --event_count=<event_count>    Print this many events then exit.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], SocialCtlVersion)
	if err != nil {
		panic(err)
	}

	if login_, _ := opts.Bool("login"); login_ {
		login(opts)
	} else if conversations_, _ := opts.Bool("conversations"); conversations_ {
		conversations(opts)
	} else if send_, _ := opts.Bool("send"); send_ {
		send(opts)
	} else if tail_, _ := opts.Bool("tail"); tail_ {
		tail(opts)
	} else if like_, _ := opts.Bool("like"); like_ {
		like(opts)
	}
}

func clientSettings(opts docopt.Opts) *feedsync.ClientSettings {
	settings := feedsync.DefaultClientSettings()
	if apiUrl, err := opts.String("--api_url"); err == nil && apiUrl != "" {
		settings.ApiUrl = apiUrl
	}
	if pushUrl, err := opts.String("--push_url"); err == nil && pushUrl != "" {
		settings.PushUrl = pushUrl
	}
	return settings
}

// log in and print the jwt
func login(opts docopt.Opts) {
	userAuth, _ := opts.String("--user_auth")

	fmt.Print("Password: ")
	passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		Err.Printf("Could not read password (%s).", err)
		return
	}

	settings := clientSettings(opts)
	api := feedsync.NewSocialApi(settings.ApiUrl)

	result, err := api.AuthLoginSync(&feedsync.AuthLoginArgs{
		UserAuth: userAuth,
		Password: string(passwordBytes),
	})
	if err != nil {
		Err.Printf("Login failed (%s).", err)
		return
	}
	if result.Error != "" {
		Err.Printf("Login failed (%s).", result.Error)
		return
	}

	Out.Printf("%s", result.ByJwt)
}

// list the viewer's conversations, pinned first
func conversations(opts docopt.Opts) {
	jwt, _ := opts.String("--jwt")

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := clientSettings(opts)
	// no push channel needed for a one-shot listing
	settings.PushUrl = ""

	client, err := feedsync.NewClient(cancelCtx, jwt, settings)
	if err != nil {
		Err.Printf("Invalid jwt (%s).", err)
		return
	}
	defer client.Close()

	conversations, err := client.LoadConversations()
	if err != nil {
		Err.Printf("Could not load conversations (%s).", err)
		return
	}

	for _, conversation := range conversations {
		pin := " "
		if conversation.IsPinned {
			pin = "*"
		}
		last := ""
		if conversation.LastMessage != nil {
			last = conversation.LastMessage.Content
		}
		name := ""
		if conversation.User != nil {
			name = conversation.User.Name
		}
		Out.Printf(
			"%s %s %-24s unread=%-3d %s",
			pin,
			conversation.ConversationId,
			name,
			conversation.UnreadCount,
			last,
		)
	}
}

// send a message and wait for the server-confirmed entity
func send(opts docopt.Opts) {
	jwt, _ := opts.String("--jwt")

	conversationIdStr, _ := opts.String("--conversation")
	messageContent, _ := opts.String("<message>")

	conversationId, err := feedsync.ParseId(conversationIdStr)
	if err != nil {
		Err.Printf("Invalid conversation_id (%s).", err)
		return
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := feedsync.NewClient(cancelCtx, jwt, clientSettings(opts))
	if err != nil {
		Err.Printf("Invalid jwt (%s).", err)
		return
	}
	defer client.Close()

	message, err := client.SendMessage(conversationId, messageContent, "", nil)
	if err != nil {
		Err.Printf("Message not confirmed (%s).", err)
		return
	}

	Out.Printf("Message confirmed %s at %s.", message.MessageId, message.CreatedAt.Format(time.RFC3339))
}

// follow push events for one conversation
func tail(opts docopt.Opts) {
	jwt, _ := opts.String("--jwt")

	conversationIdStr, _ := opts.String("--conversation")

	var eventCount int
	if eventCount_, err := opts.Int("--event_count"); err == nil {
		eventCount = eventCount_
	} else {
		eventCount = -1
	}

	conversationId, err := feedsync.ParseId(conversationIdStr)
	if err != nil {
		Err.Printf("Invalid conversation_id (%s).", err)
		return
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := feedsync.NewClient(cancelCtx, jwt, clientSettings(opts))
	if err != nil {
		Err.Printf("Invalid jwt (%s).", err)
		return
	}
	defer client.Close()

	if _, err := client.LoadMessages(conversationId); err != nil {
		Err.Printf("Could not seed messages (%s).", err)
		return
	}

	events := make(chan *feedsync.Event, 32)
	removeEventCallback := client.Router().AddEventCallback(
		feedsync.Resource{
			ResourceType: feedsync.ResourceMessages,
			ResourceId:   conversationId,
		},
		func(event *feedsync.Event) {
			select {
			case events <- event:
			default:
			}
		},
	)
	defer removeEventCallback()

	release := client.OpenConversation(conversationId)
	defer release()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	printed := 0
	for eventCount < 0 || printed < eventCount {
		select {
		case event := <-events:
			Out.Printf("%s %s %s", event.Type, event.ResourceId, string(event.Payload))
			printed += 1
		case <-sig:
			return
		}
	}
}

// toggle a like on a cached post
func like(opts docopt.Opts) {
	jwt, _ := opts.String("--jwt")

	postIdStr, _ := opts.String("--post")

	postId, err := feedsync.ParseId(postIdStr)
	if err != nil {
		Err.Printf("Invalid post_id (%s).", err)
		return
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := clientSettings(opts)
	settings.PushUrl = ""

	client, err := feedsync.NewClient(cancelCtx, jwt, settings)
	if err != nil {
		Err.Printf("Invalid jwt (%s).", err)
		return
	}
	defer client.Close()

	// the like mutation patches the cached post, so the feed must be
	// seeded first
	if _, err := client.LoadFeed(); err != nil {
		Err.Printf("Could not load feed (%s).", err)
		return
	}

	if err := client.ToggleLike(postId); err != nil {
		Err.Printf("Like not confirmed (%s).", err)
		return
	}

	for _, post := range client.Feed() {
		if post.PostId == postId {
			Out.Printf("likes_count=%d is_liked=%t", post.LikesCount, post.IsLiked)
			return
		}
	}
}
