package models

import "time"

type RequestStatus string

const (
	StatusProcessing RequestStatus = "Processing"
	StatusCompleted  RequestStatus = "Completed"
)

// UnknownHandle is stored when the requester has no public username.
const UnknownHandle = "Unknown User"

// Request represents one image submitted by a user for processing
type Request struct {
	ID                 string        `db:"id" bson:"_id"`
	RequesterChatID    int64         `db:"requester_chat_id" bson:"requester_chat_id"`
	RequesterHandle    string        `db:"requester_handle" bson:"requester_handle"`
	SourceAssetRef     string        `db:"source_asset_ref" bson:"source_asset_ref"`
	OriginalMessageID  int           `db:"original_message_id" bson:"original_message_id"`
	ForwardedMessageID int           `db:"forwarded_message_id" bson:"forwarded_message_id"` // Message ID of the copy in the group chat
	Status             RequestStatus `db:"status" bson:"status"`
	CreatedAt          time.Time     `db:"created_at" bson:"created_at"`
	CompletedAt        *time.Time    `db:"completed_at" bson:"completed_at,omitempty"`
}

// IsCompleted reports whether the result has been delivered to the requester.
func (r *Request) IsCompleted() bool {
	return r.Status == StatusCompleted
}
