// Package audit records request lifecycle events for operators.
package audit

import (
	"context"
	"log/slog"
	"time"
)

type Action string

const (
	ActionForwarded Action = "forwarded"
	ActionCompleted Action = "completed"
	// ActionOrphaned marks a forward whose request could not be persisted.
	ActionOrphaned Action = "orphaned"
)

type Entry struct {
	Action             Action    `json:"action"`
	RequestID          string    `json:"request_id,omitempty"`
	RequesterChatID    int64     `json:"requester_chat_id"`
	ForwardedMessageID int       `json:"forwarded_message_id"`
	AssetRef           string    `json:"asset_ref,omitempty"`
	Detail             string    `json:"detail,omitempty"`
	At                 time.Time `json:"at"`
}

// Auditor receives audit entries. Record must not block for long.
type Auditor interface {
	Record(ctx context.Context, e Entry) error
}

// Log writes entries to a structured logger.
type Log struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	return &Log{logger: logger}
}

func (l *Log) Record(ctx context.Context, e Entry) error {
	l.logger.InfoContext(ctx, "audit",
		"action", e.Action,
		"request_id", e.RequestID,
		"chat_id", e.RequesterChatID,
		"forwarded_id", e.ForwardedMessageID,
		"asset", e.AssetRef,
		"detail", e.Detail,
	)
	return nil
}

// Multi fans an entry out to several auditors and reports the first error.
type Multi []Auditor

func (m Multi) Record(ctx context.Context, e Entry) error {
	var firstErr error
	for _, a := range m {
		if err := a.Record(ctx, e); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
