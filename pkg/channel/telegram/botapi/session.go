// Package botapi runs a Telegram bot as a telegram.Session.
package botapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"chatbridge/pkg/channel"
	"chatbridge/pkg/channel/telegram"
)

// Session delivers through the Bot API. Bots cannot start conversations, so
// recipients must be user ids of people who already wrote to the bot.
type Session struct {
	bot *telego.Bot
	log *slog.Logger
}

// New builds a bot session. Extra options are passed to telego.
func New(token string, log *slog.Logger, opts ...telego.BotOption) (*Session, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("telegram bot token is required")
	}
	if log == nil {
		log = slog.Default()
	}

	opts = append([]telego.BotOption{telego.WithDiscardLogger()}, opts...)
	bot, err := telego.NewBot(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("initialize telegram bot: %w", err)
	}

	return &Session{bot: bot, log: log.With("component", "channel.telegram.botapi")}, nil
}

// Listen long-polls the Bot API for private messages.
func (s *Session) Listen(ctx context.Context, out chan<- telegram.Update) error {
	updates, err := s.bot.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		return fmt.Errorf("start long polling: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("telegram updates channel closed")
			}
			if update.Message == nil {
				continue
			}

			u, ok := s.toUpdate(ctx, update.Message)
			if !ok {
				continue
			}
			select {
			case out <- u:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (s *Session) toUpdate(ctx context.Context, msg *telego.Message) (telegram.Update, bool) {
	if msg.Chat.Type != telego.ChatTypePrivate || msg.From == nil || msg.From.IsBot {
		return telegram.Update{}, false
	}

	text := msg.Text
	if text == "" {
		text = msg.Caption
	}

	return telegram.Update{
		MessageID: strconv.Itoa(msg.MessageID),
		ChatID:    msg.Chat.ID,
		Peer: telegram.User{
			ID:        msg.From.ID,
			Username:  msg.From.Username,
			FirstName: msg.From.FirstName,
			LastName:  msg.From.LastName,
		},
		Text:        text,
		Attachments: s.attachments(ctx, msg),
		Date:        time.Unix(msg.Date, 0).UTC(),
	}, true
}

type fileRef struct {
	kind, id, name, contentType string
}

func (s *Session) attachments(ctx context.Context, msg *telego.Message) []channel.Attachment {
	var refs []fileRef
	switch {
	case msg.Voice != nil:
		refs = append(refs, fileRef{"audio", msg.Voice.FileID, "voice.ogg", msg.Voice.MimeType})
	case msg.Audio != nil:
		refs = append(refs, fileRef{"audio", msg.Audio.FileID, msg.Audio.FileName, msg.Audio.MimeType})
	case msg.Document != nil:
		refs = append(refs, fileRef{"file", msg.Document.FileID, msg.Document.FileName, msg.Document.MimeType})
	case msg.Video != nil:
		refs = append(refs, fileRef{"video", msg.Video.FileID, msg.Video.FileName, msg.Video.MimeType})
	case len(msg.Photo) > 0:
		best := msg.Photo[len(msg.Photo)-1]
		refs = append(refs, fileRef{"image", best.FileID, "photo.jpg", "image/jpeg"})
	}

	out := make([]channel.Attachment, 0, len(refs))
	for _, ref := range refs {
		att := channel.Attachment{Kind: ref.kind, FileName: ref.name, ContentType: ref.contentType}
		file, err := s.bot.GetFile(ctx, &telego.GetFileParams{FileID: ref.id})
		if err != nil {
			s.log.Warn("Attachment lookup failed", "file_id", ref.id, "error", err)
		} else {
			att.URL = s.bot.FileDownloadURL(file.FilePath)
		}
		out = append(out, att)
	}

	return out
}

// Resolve accepts user ids only; private chat ids equal user ids.
func (s *Session) Resolve(_ context.Context, peer telegram.Peer) (telegram.Chat, error) {
	if peer.UserID == 0 {
		return telegram.Chat{}, fmt.Errorf("%w: bots can only address user ids, got %s", channel.ErrInvalidRecipient, peer)
	}
	return telegram.Chat{ID: peer.UserID, UserID: peer.UserID}, nil
}

func (s *Session) SendText(ctx context.Context, chatID int64, text string) (string, error) {
	msg, err := s.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), text))
	if err != nil {
		return "", err
	}
	return strconv.Itoa(msg.MessageID), nil
}

func (s *Session) SendVoice(ctx context.Context, chatID int64, path string, _ channel.Attachment) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	msg, err := s.bot.SendVoice(ctx, tu.Voice(tu.ID(chatID), tu.File(f)))
	if err != nil {
		return "", err
	}
	return strconv.Itoa(msg.MessageID), nil
}

// SendTyping shows the typing action. The Bot API cannot cancel it; it
// expires on its own.
func (s *Session) SendTyping(ctx context.Context, chatID int64, on bool) error {
	if !on {
		return nil
	}
	return s.bot.SendChatAction(ctx, tu.ChatAction(tu.ID(chatID), telego.ChatActionTyping))
}

func (s *Session) Close() error { return nil }
