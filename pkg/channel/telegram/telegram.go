// Package telegram bridges a Telegram account into the gateway. The account is
// reached through a Session: a TDLib user session or a Bot API bot.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"chatbridge/pkg/channel"
	"chatbridge/pkg/httpx"
)

const messagePreviewLimit = 240

// User is the counterparty of a private chat.
type User struct {
	ID         int64  `json:"id"`
	Username   string `json:"username,omitempty"`
	FirstName  string `json:"first_name,omitempty"`
	LastName   string `json:"last_name,omitempty"`
	Phone      string `json:"phone,omitempty"`
	AccessHash *int64 `json:"access_hash,omitempty"`
}

// DisplayName joins the user's first and last names.
func (u User) DisplayName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// Update is one private-chat message seen by the session.
type Update struct {
	MessageID string `json:"message_id"`
	ChatID    int64  `json:"chat_id"`
	// Outgoing messages were written by the account itself, from another device.
	Outgoing    bool                 `json:"outgoing"`
	Peer        User                 `json:"peer"`
	Text        string               `json:"text"`
	Attachments []channel.Attachment `json:"attachments,omitempty"`
	Date        time.Time            `json:"date"`
}

// Peer is a parsed recipient. Exactly one of UserID, Username and Phone is set.
type Peer struct {
	UserID     int64
	Username   string
	Phone      string
	AccessHash *int64
}

func (p Peer) String() string {
	switch {
	case p.Username != "":
		return "@" + p.Username
	case p.Phone != "":
		return "+" + p.Phone
	default:
		return "id:" + strconv.FormatInt(p.UserID, 10)
	}
}

// Chat is a resolved private chat.
type Chat struct {
	ID     int64
	UserID int64
}

// Session is a connected Telegram account.
type Session interface {
	// Listen pushes private-chat updates into out until ctx is done.
	Listen(ctx context.Context, out chan<- Update) error
	Resolve(ctx context.Context, peer Peer) (Chat, error)
	SendText(ctx context.Context, chatID int64, text string) (string, error)
	// SendVoice sends a local audio file as a voice note.
	SendVoice(ctx context.Context, chatID int64, path string, media channel.Attachment) (string, error)
	SendTyping(ctx context.Context, chatID int64, on bool) error
	Close() error
}

var (
	usernamePattern = regexp.MustCompile(`^@?([A-Za-z][A-Za-z0-9_]{2,31})$`)
	digitsPattern   = regexp.MustCompile(`^[0-9]+$`)
)

// ParseRecipient interprets a recipient id.
//
//	id:123 or 123   user id
//	+79990001122    phone number
//	@name or name   public username
func ParseRecipient(to channel.Recipient) (Peer, error) {
	raw := strings.TrimSpace(to.ID)
	peer := Peer{AccessHash: to.AccessHash}

	switch {
	case raw == "":
		return Peer{}, fmt.Errorf("%w: empty recipient", channel.ErrInvalidRecipient)
	case strings.HasPrefix(raw, "id:"):
		id, err := strconv.ParseInt(strings.TrimSpace(raw[3:]), 10, 64)
		if err != nil || id <= 0 {
			return Peer{}, fmt.Errorf("%w: %q is not a user id", channel.ErrInvalidRecipient, raw)
		}
		peer.UserID = id
	case digitsPattern.MatchString(raw):
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			return Peer{}, fmt.Errorf("%w: %q is not a user id", channel.ErrInvalidRecipient, raw)
		}
		peer.UserID = id
	case strings.HasPrefix(raw, "+"):
		phone := raw[1:]
		if !digitsPattern.MatchString(phone) {
			return Peer{}, fmt.Errorf("%w: %q is not a phone number", channel.ErrInvalidRecipient, raw)
		}
		peer.Phone = phone
	default:
		m := usernamePattern.FindStringSubmatch(raw)
		if m == nil {
			return Peer{}, fmt.Errorf("%w: %q is not a username", channel.ErrInvalidRecipient, raw)
		}
		peer.Username = m[1]
	}

	return peer, nil
}

// Adapter implements channel.Adapter over a Session.
type Adapter struct {
	session Session
	http    *http.Client
	log     *slog.Logger

	mu    sync.Mutex
	chats map[string]Chat
}

func NewAdapter(session Session, httpClient *http.Client, log *slog.Logger) *Adapter {
	if httpClient == nil {
		httpClient = httpx.NewClient(httpx.DefaultTimeout)
	}
	if log == nil {
		log = slog.Default()
	}

	return &Adapter{
		session: session,
		http:    httpClient,
		log:     log.With("component", "channel.telegram"),
		chats:   make(map[string]Chat),
	}
}

func (a *Adapter) ID() channel.ID { return channel.Telegram }

// resolve maps a recipient to a chat, caching the result per peer.
func (a *Adapter) resolve(ctx context.Context, to channel.Recipient) (Chat, error) {
	peer, err := ParseRecipient(to)
	if err != nil {
		return Chat{}, err
	}
	key := peer.String()

	a.mu.Lock()
	chat, ok := a.chats[key]
	a.mu.Unlock()
	if ok {
		return chat, nil
	}

	chat, err = a.session.Resolve(ctx, peer)
	if err != nil {
		return Chat{}, err
	}

	a.mu.Lock()
	a.chats[key] = chat
	a.mu.Unlock()

	return chat, nil
}

func (a *Adapter) SendText(ctx context.Context, to channel.Recipient, text string) (channel.DeliveryResult, error) {
	chat, err := a.resolve(ctx, to)
	if err != nil {
		return channel.DeliveryResult{}, err
	}

	id, err := a.session.SendText(ctx, chat.ID, text)
	if err != nil {
		return channel.DeliveryResult{}, fmt.Errorf("send telegram message: %w", err)
	}
	a.log.Info("Sent message", "chat_id", chat.ID, "message_id", id, "content", previewText(text))

	return a.result(id, chat), nil
}

// SendMedia delivers audio attachments as voice notes. Other kinds are unsupported.
func (a *Adapter) SendMedia(ctx context.Context, to channel.Recipient, media channel.Attachment) (channel.DeliveryResult, error) {
	if !media.IsAudio() {
		return channel.DeliveryResult{}, channel.ErrUnsupported
	}

	chat, err := a.resolve(ctx, to)
	if err != nil {
		return channel.DeliveryResult{}, err
	}

	path, cleanup, err := a.localFile(ctx, media)
	if err != nil {
		return channel.DeliveryResult{}, err
	}
	defer cleanup()

	id, err := a.session.SendVoice(ctx, chat.ID, path, media)
	if err != nil {
		return channel.DeliveryResult{}, fmt.Errorf("send telegram voice: %w", err)
	}
	a.log.Info("Sent voice note", "chat_id", chat.ID, "message_id", id)

	return a.result(id, chat), nil
}

func (a *Adapter) SetTyping(ctx context.Context, to channel.Recipient, on bool) error {
	chat, err := a.resolve(ctx, to)
	if err != nil {
		return err
	}

	return a.session.SendTyping(ctx, chat.ID, on)
}

func (a *Adapter) result(messageID string, chat Chat) channel.DeliveryResult {
	res := channel.DeliveryResult{MessageID: messageID, DeliveredAt: time.Now().UTC()}
	if chat.UserID != 0 {
		res.PeerID = strconv.FormatInt(chat.UserID, 10)
	}
	return res
}

// localFile returns a path to the attachment bytes, downloading remote files
// into a temporary file removed by cleanup.
func (a *Adapter) localFile(ctx context.Context, media channel.Attachment) (string, func(), error) {
	if media.Path != "" {
		return media.Path, func() {}, nil
	}
	if media.URL == "" {
		return "", nil, errors.New("attachment has neither path nor url")
	}

	body, _, err := httpx.Download(ctx, a.http, media.URL)
	if err != nil {
		return "", nil, err
	}
	defer body.Close()

	name := media.FileName
	if name == "" {
		name = httpx.FileName(media.URL, "voice.ogg")
	}
	f, err := os.CreateTemp("", "chatbridge-*-"+filepath.Base(name))
	if err != nil {
		return "", nil, fmt.Errorf("create temp file: %w", err)
	}
	cleanup := func() { os.Remove(f.Name()) }

	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		cleanup()
		return "", nil, fmt.Errorf("store attachment: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, err
	}

	return f.Name(), cleanup, nil
}

// Normalize decodes one JSON-encoded Update.
func (a *Adapter) Normalize(raw []byte) ([]channel.InboundEvent, error) {
	var u Update
	if err := json.Unmarshal(raw, &u); err != nil {
		return nil, fmt.Errorf("decode telegram update: %w", err)
	}

	ev, err := toEvent(u)
	if err != nil {
		return nil, err
	}
	return []channel.InboundEvent{ev}, nil
}

func toEvent(u Update) (channel.InboundEvent, error) {
	if u.Peer.ID == 0 {
		return channel.InboundEvent{}, fmt.Errorf("%w: update without peer", channel.ErrIgnored)
	}
	if strings.TrimSpace(u.Text) == "" && len(u.Attachments) == 0 {
		return channel.InboundEvent{}, fmt.Errorf("%w: empty message", channel.ErrIgnored)
	}

	userID := strconv.FormatInt(u.Peer.ID, 10)
	attrs := map[string]string{"telegram_chat_id": strconv.FormatInt(u.ChatID, 10)}
	if u.Peer.Phone != "" {
		attrs["telegram_phone"] = "+" + strings.TrimPrefix(u.Peer.Phone, "+")
	}

	direction := channel.Incoming
	if u.Outgoing {
		direction = channel.Outgoing
	}
	ts := u.Date
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	return channel.InboundEvent{
		Channel:   channel.Telegram,
		Direction: direction,
		MessageID: u.MessageID,
		Sender: channel.Sender{
			ExternalID:  userID,
			Username:    u.Peer.Username,
			DisplayName: u.Peer.DisplayName(),
			AccessHash:  u.Peer.AccessHash,
			Attributes:  attrs,
		},
		Text:        strings.TrimSpace(u.Text),
		Attachments: u.Attachments,
		Timestamp:   ts,
	}, nil
}

// Run listens on the session and forwards private-chat messages to handler.
func (a *Adapter) Run(ctx context.Context, handler channel.Handler) error {
	if handler == nil {
		return errors.New("handler is required")
	}

	updates := make(chan Update, 16)
	listenErr := make(chan error, 1)
	go func() {
		listenErr <- a.session.Listen(ctx, updates)
	}()

	a.log.Info("Telegram channel started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-listenErr:
			if ctx.Err() != nil {
				return nil
			}
			if err == nil {
				err = errors.New("telegram session stopped")
			}
			return err
		case u := <-updates:
			ev, err := toEvent(u)
			if err != nil {
				a.log.Debug("Ignoring update", "message_id", u.MessageID, "reason", err)
				continue
			}
			a.log.Info("Received message", "chat_id", u.ChatID, "sender_id", ev.Sender.ExternalID, "direction", ev.Direction, "content", previewText(ev.Text))

			if err := handler(ctx, ev); err != nil {
				a.log.Error("Failed to process inbound message", "message_id", u.MessageID, "error", err)
			}
		}
	}
}

// Close releases the session.
func (a *Adapter) Close() error {
	return a.session.Close()
}

// previewText returns a bounded log-safe preview of message text.
func previewText(text string) string {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) <= messagePreviewLimit {
		return trimmed
	}

	return trimmed[:messagePreviewLimit] + "..."
}
