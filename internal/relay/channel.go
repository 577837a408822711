package relay

import (
	"context"
	"fmt"
)

// Channel is the chat platform surface the engine drives.
type Channel interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
	// ForwardMessage copies a message into another chat and returns the new message ID.
	ForwardMessage(ctx context.Context, toChatID, fromChatID int64, messageID int) (int, error)
	// SendPhoto sends an image given either a platform file ID or a URL.
	SendPhoto(ctx context.Context, chatID int64, assetRef, caption string) error
	DeleteMessage(ctx context.Context, chatID int64, messageID int) error
	// ResolveAssetLink returns a downloadable URL for a platform file ID.
	ResolveAssetLink(ctx context.Context, fileID string) (string, error)
}

// AssetResolver turns a platform file ID into the reference stored on a request.
type AssetResolver interface {
	Resolve(ctx context.Context, fileID string) (string, error)
}

// TransportError is a failed send, forward or delivery on the chat platform.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
