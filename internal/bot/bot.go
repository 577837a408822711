package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/centromex/photo-relay/internal/db"
	"github.com/centromex/photo-relay/internal/models"
	"github.com/centromex/photo-relay/internal/relay"
)

// Relay is the engine surface the bot feeds.
type Relay interface {
	HandlePhoto(ctx context.Context, ev relay.PhotoEvent) relay.Outcome
	LatestRequest(ctx context.Context, chatID int64) (*models.Request, error)
}

// Dispatcher runs handlers keyed by conversation.
type Dispatcher interface {
	Submit(key int64, job relay.Job) bool
}

type Bot struct {
	api       *tgbotapi.BotAPI
	groupChat int64 // Telegram chat ID of the operator group
	logger    *slog.Logger
}

type Config struct {
	Token     string
	GroupChat int64
	Logger    *slog.Logger
}

func New(cfg Config) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	cfg.Logger.Info("authorized on account", "username", api.Self.UserName, "id", api.Self.ID)

	return &Bot{
		api:       api,
		groupChat: cfg.GroupChat,
		logger:    cfg.Logger,
	}, nil
}

// Run polls for updates until ctx is cancelled. Every update is handed to
// the dispatcher, so a slow or failing event never stalls the loop.
func (b *Bot) Run(ctx context.Context, r Relay, d Dispatcher) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)
	b.logger.Info("telegram polling started")

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("telegram polling stopping")
			b.api.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			b.handleUpdate(update, r, d)
		}
	}
}

func (b *Bot) handleUpdate(update tgbotapi.Update, r Relay, d Dispatcher) {
	if cq := update.CallbackQuery; cq != nil {
		if cq.Message == nil || cq.Message.Chat == nil {
			return
		}
		d.Submit(cq.Message.Chat.ID, func(ctx context.Context) {
			b.handleCallback(ctx, cq)
		})
		return
	}

	msg := update.Message
	if msg == nil || msg.Chat == nil {
		return
	}

	if ev, ok := photoEvent(msg); ok {
		d.Submit(msg.Chat.ID, func(ctx context.Context) {
			r.HandlePhoto(ctx, ev)
		})
		return
	}

	if msg.IsCommand() && msg.Chat.ID != b.groupChat {
		d.Submit(msg.Chat.ID, func(ctx context.Context) {
			b.handleCommand(ctx, msg, r)
		})
	}
}

// photoEvent extracts the largest photo size of a message.
func photoEvent(msg *tgbotapi.Message) (relay.PhotoEvent, bool) {
	if len(msg.Photo) == 0 || msg.Chat == nil {
		return relay.PhotoEvent{}, false
	}
	ev := relay.PhotoEvent{
		ChatID:       msg.Chat.ID,
		SenderHandle: senderHandle(msg),
		MessageID:    msg.MessageID,
		PhotoFileID:  msg.Photo[len(msg.Photo)-1].FileID,
	}
	if msg.ReplyToMessage != nil {
		ev.ReplyToMessageID = msg.ReplyToMessage.MessageID
	}
	return ev, true
}

func senderHandle(msg *tgbotapi.Message) string {
	if msg.Chat != nil && msg.Chat.UserName != "" {
		return msg.Chat.UserName
	}
	if msg.From != nil && msg.From.UserName != "" {
		return msg.From.UserName
	}
	return models.UnknownHandle
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message, r Relay) {
	chatID := msg.Chat.ID

	switch msg.Command() {
	case "start":
		reply := tgbotapi.NewMessage(chatID, welcomeText)
		reply.ParseMode = tgbotapi.ModeMarkdown
		reply.ReplyMarkup = startKeyboard()
		b.send(reply)

	case "help":
		b.sendText(chatID, helpText)

	case "status":
		b.sendText(chatID, b.statusText(ctx, chatID, r))

	default:
		b.sendText(chatID, "Unknown command. Use /help to see available commands.")
	}
}

func (b *Bot) statusText(ctx context.Context, chatID int64, r Relay) string {
	req, err := r.LatestRequest(ctx, chatID)
	if errors.Is(err, db.ErrNotFound) {
		return noRequestText
	}
	if err != nil {
		b.logger.Error("status lookup failed", "chat_id", chatID, "err", err)
		return noRequestText
	}
	return FormatStatus(req)
}

func (b *Bot) handleCallback(ctx context.Context, cq *tgbotapi.CallbackQuery) {
	chatID := cq.Message.Chat.ID

	switch cq.Data {
	case callbackSendImage:
		b.sendText(chatID, "📸 Please send an image, and I'll process it for you!")
	case callbackHelp:
		reply := tgbotapi.NewMessage(chatID, howToText)
		reply.ParseMode = tgbotapi.ModeMarkdown
		b.send(reply)
	case callbackStatus:
		b.sendText(chatID, "📊 Checking your request status...\n\nUse /status to get the latest update!")
	}

	if _, err := b.api.Request(tgbotapi.NewCallback(cq.ID, "")); err != nil {
		b.logger.Warn("answering callback", "err", err)
	}
}

// SendMessage implements relay.Channel.
func (b *Bot) SendMessage(ctx context.Context, chatID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return &relay.TransportError{Op: "send message", Err: err}
	}
	if _, err := b.api.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		return &relay.TransportError{Op: "send message", Err: err}
	}
	return nil
}

// ForwardMessage implements relay.Channel.
func (b *Bot) ForwardMessage(ctx context.Context, toChatID, fromChatID int64, messageID int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, &relay.TransportError{Op: "forward", Err: err}
	}
	sent, err := b.api.Send(tgbotapi.NewForward(toChatID, fromChatID, messageID))
	if err != nil {
		return 0, &relay.TransportError{Op: "forward", Err: err}
	}
	return sent.MessageID, nil
}

// SendPhoto implements relay.Channel. URLs are sent by link, anything else
// is treated as a Telegram file ID.
func (b *Bot) SendPhoto(ctx context.Context, chatID int64, assetRef, caption string) error {
	if err := ctx.Err(); err != nil {
		return &relay.TransportError{Op: "send photo", Err: err}
	}
	var file tgbotapi.RequestFileData = tgbotapi.FileID(assetRef)
	if strings.HasPrefix(assetRef, "https://") || strings.HasPrefix(assetRef, "http://") {
		file = tgbotapi.FileURL(assetRef)
	}
	photo := tgbotapi.NewPhoto(chatID, file)
	photo.Caption = caption
	if _, err := b.api.Send(photo); err != nil {
		return &relay.TransportError{Op: "send photo", Err: err}
	}
	return nil
}

// DeleteMessage implements relay.Channel.
func (b *Bot) DeleteMessage(ctx context.Context, chatID int64, messageID int) error {
	if err := ctx.Err(); err != nil {
		return &relay.TransportError{Op: "delete message", Err: err}
	}
	if _, err := b.api.Request(tgbotapi.NewDeleteMessage(chatID, messageID)); err != nil {
		return &relay.TransportError{Op: "delete message", Err: err}
	}
	return nil
}

// ResolveAssetLink implements relay.Channel.
func (b *Bot) ResolveAssetLink(ctx context.Context, fileID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &relay.TransportError{Op: "file link", Err: err}
	}
	link, err := b.api.GetFileDirectURL(fileID)
	if err != nil {
		return "", &relay.TransportError{Op: "file link", Err: err}
	}
	return link, nil
}

func (b *Bot) sendText(chatID int64, text string) {
	b.send(tgbotapi.NewMessage(chatID, text))
}

func (b *Bot) send(c tgbotapi.Chattable) {
	if _, err := b.api.Send(c); err != nil {
		b.logger.Error("error sending message", "err", err)
	}
}
