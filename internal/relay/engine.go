package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/centromex/photo-relay/internal/audit"
	"github.com/centromex/photo-relay/internal/db"
	"github.com/centromex/photo-relay/internal/models"
)

const (
	DefaultAckText           = "Image received! Processing... 🎨"
	DefaultCompletionCaption = "✨ Here is your Ghibli-style artwork! 🎨 Enjoy!"

	// fallbackAssetPrefix marks a reference that could not be resolved to a URL.
	fallbackAssetPrefix = "telegram-file:"

	// defaultForwardWait bounds how long an unmatched reply waits for
	// submissions that were mid-forward when it arrived.
	defaultForwardWait = 10 * time.Second
)

type Config struct {
	GroupChatID       int64
	AckText           string
	CompletionCaption string
	Logger            *slog.Logger
}

// Engine correlates user submissions with their copies in the operator
// group and routes group replies back to the requester.
type Engine struct {
	channel Channel
	store   db.Store
	assets  AssetResolver
	auditor audit.Auditor
	locks   *keyedMutex
	pending *inflight
	acks    sync.WaitGroup
	logger  *slog.Logger

	groupChatID int64
	ackText     string
	caption     string
	forwardWait time.Duration
	now         func() time.Time
}

// New builds an engine. assets and auditor may be nil; the channel's file
// links and the logger are used instead.
func New(cfg Config, channel Channel, store db.Store, assets AssetResolver, auditor audit.Auditor) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.AckText == "" {
		cfg.AckText = DefaultAckText
	}
	if cfg.CompletionCaption == "" {
		cfg.CompletionCaption = DefaultCompletionCaption
	}
	if assets == nil {
		assets = channelLinks{channel}
	}
	if auditor == nil {
		auditor = audit.NewLog(cfg.Logger)
	}
	return &Engine{
		channel:     channel,
		store:       store,
		assets:      assets,
		auditor:     auditor,
		locks:       newKeyedMutex(),
		pending:     newInflight(),
		logger:      cfg.Logger,
		groupChatID: cfg.GroupChatID,
		ackText:     cfg.AckText,
		caption:     cfg.CompletionCaption,
		forwardWait: defaultForwardWait,
		now:         time.Now,
	}
}

// Classify tags an event by the chat it arrived in.
func (e *Engine) Classify(ev PhotoEvent) Origin {
	if ev.ChatID == e.groupChatID {
		return OriginGroupReply
	}
	return OriginSubmission
}

// HandlePhoto is the single entry point for inbound images. Failures are
// logged and reported as an Outcome; nothing is returned to the caller's loop.
func (e *Engine) HandlePhoto(ctx context.Context, ev PhotoEvent) Outcome {
	origin := e.Classify(ev)
	var outcome Outcome
	switch origin {
	case OriginGroupReply:
		outcome = e.complete(ctx, ev)
	default:
		outcome = e.submit(ctx, ev)
	}
	e.logger.Debug("photo handled",
		"origin", origin,
		"chat_id", ev.ChatID,
		"message_id", ev.MessageID,
		"outcome", outcome,
	)
	return outcome
}

// Wait blocks until every acknowledgement in flight has been sent.
func (e *Engine) Wait() {
	e.acks.Wait()
}

// LatestRequest returns the newest request of a requester, or db.ErrNotFound.
func (e *Engine) LatestRequest(ctx context.Context, chatID int64) (*models.Request, error) {
	return e.store.FindLatestByRequester(ctx, chatID)
}

func (e *Engine) submit(ctx context.Context, ev PhotoEvent) Outcome {
	if ev.ChatID == e.groupChatID {
		return OutcomeIgnored
	}

	e.acknowledge(ctx, ev.ChatID)

	done := e.pending.begin()
	defer done()

	forwardedID, err := e.channel.ForwardMessage(ctx, e.groupChatID, ev.ChatID, ev.MessageID)
	if err != nil {
		e.logger.Error("forward to group failed",
			"chat_id", ev.ChatID,
			"message_id", ev.MessageID,
			"err", err,
		)
		return OutcomeForwardFailed
	}

	unlock := e.locks.Lock(forwardedID)
	defer unlock()

	assetRef, err := e.assets.Resolve(ctx, ev.PhotoFileID)
	if err != nil {
		assetRef = fallbackAssetPrefix + ev.PhotoFileID
		e.logger.Warn("asset link unavailable, storing file id",
			"chat_id", ev.ChatID,
			"file_id", ev.PhotoFileID,
			"err", err,
		)
	}

	handle := ev.SenderHandle
	if handle == "" {
		handle = models.UnknownHandle
	}
	req := &models.Request{
		RequesterChatID:    ev.ChatID,
		RequesterHandle:    handle,
		SourceAssetRef:     assetRef,
		OriginalMessageID:  ev.MessageID,
		ForwardedMessageID: forwardedID,
		Status:             models.StatusProcessing,
		CreatedAt:          e.now().UTC(),
	}

	id, err := e.store.Create(ctx, req)
	if err != nil {
		e.logger.Error("request not persisted after forward",
			"chat_id", ev.ChatID,
			"forwarded_id", forwardedID,
			"err", err,
		)
		e.record(ctx, audit.Entry{
			Action:             audit.ActionOrphaned,
			RequesterChatID:    ev.ChatID,
			ForwardedMessageID: forwardedID,
			AssetRef:           assetRef,
			Detail:             err.Error(),
		})
		e.retractForward(ctx, forwardedID)
		return OutcomePersistFailed
	}

	e.record(ctx, audit.Entry{
		Action:             audit.ActionForwarded,
		RequestID:          id,
		RequesterChatID:    ev.ChatID,
		ForwardedMessageID: forwardedID,
		AssetRef:           assetRef,
	})
	e.logger.Info("new request forwarded to group",
		"request_id", id,
		"chat_id", ev.ChatID,
		"forwarded_id", forwardedID,
		"asset", assetRef,
	)
	return OutcomeCreated
}

// acknowledge tells the requester the image arrived without holding up the
// forward.
func (e *Engine) acknowledge(ctx context.Context, chatID int64) {
	e.acks.Add(1)
	go func() {
		defer e.acks.Done()
		if err := e.channel.SendMessage(ctx, chatID, e.ackText); err != nil {
			e.logger.Warn("acknowledgement failed", "chat_id", chatID, "err", err)
		}
	}()
}

// retractForward removes a forwarded copy that has no request behind it, so
// operators are not asked to process an image nobody will receive.
func (e *Engine) retractForward(ctx context.Context, forwardedID int) {
	if err := e.channel.DeleteMessage(ctx, e.groupChatID, forwardedID); err != nil {
		e.logger.Error("orphaned forward left in group",
			"forwarded_id", forwardedID,
			"err", err,
		)
	}
}

func (e *Engine) complete(ctx context.Context, ev PhotoEvent) Outcome {
	if !ev.IsReply() {
		return OutcomeIgnored
	}

	unlock := e.locks.Lock(ev.ReplyToMessageID)
	defer func() { unlock() }()

	req, err := e.store.FindByForwardedMessageID(ctx, ev.ReplyToMessageID)
	if errors.Is(err, db.ErrNotFound) {
		// The reply may have beaten the store write of its own submission.
		// Let the submissions already running finish, then look once more.
		if pending := e.pending.snapshot(); len(pending) > 0 {
			unlock()
			if !waitAll(ctx, pending, e.forwardWait) {
				e.logger.Warn("reply stopped waiting for in-flight submissions", "forwarded_id", ev.ReplyToMessageID)
			}
			unlock = e.locks.Lock(ev.ReplyToMessageID)
			req, err = e.store.FindByForwardedMessageID(ctx, ev.ReplyToMessageID)
		}
	}
	if errors.Is(err, db.ErrNotFound) {
		return OutcomeUnmatched
	}
	if err != nil {
		e.logger.Error("reply lookup failed", "forwarded_id", ev.ReplyToMessageID, "err", err)
		return OutcomeLookupFailed
	}
	if req.IsCompleted() {
		e.logger.Info("reply to completed request ignored",
			"request_id", req.ID,
			"forwarded_id", ev.ReplyToMessageID,
		)
		return OutcomeAlreadyCompleted
	}

	if err := e.channel.SendPhoto(ctx, req.RequesterChatID, ev.PhotoFileID, e.caption); err != nil {
		e.logger.Error("result delivery failed, request stays processing",
			"request_id", req.ID,
			"chat_id", req.RequesterChatID,
			"err", err,
		)
		return OutcomeDeliveryFailed
	}

	if err := e.store.MarkCompleted(ctx, ev.ReplyToMessageID); err != nil {
		e.logger.Error("result delivered but completion not recorded",
			"request_id", req.ID,
			"forwarded_id", ev.ReplyToMessageID,
			"err", err,
		)
		return OutcomePersistFailed
	}

	e.record(ctx, audit.Entry{
		Action:             audit.ActionCompleted,
		RequestID:          req.ID,
		RequesterChatID:    req.RequesterChatID,
		ForwardedMessageID: req.ForwardedMessageID,
		AssetRef:           req.SourceAssetRef,
	})
	e.logger.Info("processed image sent to requester",
		"request_id", req.ID,
		"chat_id", req.RequesterChatID,
	)
	return OutcomeCompleted
}

func (e *Engine) record(ctx context.Context, entry audit.Entry) {
	entry.At = e.now().UTC()
	if err := e.auditor.Record(ctx, entry); err != nil {
		e.logger.Warn("audit record failed", "action", entry.Action, "err", err)
	}
}

// channelLinks resolves assets straight from the platform's file links.
type channelLinks struct {
	channel Channel
}

func (c channelLinks) Resolve(ctx context.Context, fileID string) (string, error) {
	link, err := c.channel.ResolveAssetLink(ctx, fileID)
	if err != nil {
		return "", fmt.Errorf("resolve file link: %w", err)
	}
	return link, nil
}
