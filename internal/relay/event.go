package relay

// PhotoEvent is an inbound message carrying an image.
type PhotoEvent struct {
	ChatID           int64
	SenderHandle     string
	MessageID        int
	PhotoFileID      string
	ReplyToMessageID int // 0 when the message is not a reply
}

// IsReply reports whether the event references a parent message.
func (e PhotoEvent) IsReply() bool {
	return e.ReplyToMessageID != 0
}

// Origin tags where an inbound image came from.
type Origin int

const (
	// OriginSubmission is an image sent by a user in a private chat.
	OriginSubmission Origin = iota
	// OriginGroupReply is an image posted in the operator group.
	OriginGroupReply
)

func (o Origin) String() string {
	switch o {
	case OriginSubmission:
		return "submission"
	case OriginGroupReply:
		return "group_reply"
	default:
		return "unknown"
	}
}

// Outcome is the result of handling one event.
type Outcome int

const (
	OutcomeIgnored Outcome = iota
	OutcomeCreated
	OutcomeForwardFailed
	OutcomePersistFailed
	OutcomeCompleted
	OutcomeUnmatched
	OutcomeAlreadyCompleted
	OutcomeDeliveryFailed
	OutcomeLookupFailed
)

var outcomeNames = map[Outcome]string{
	OutcomeIgnored:          "ignored",
	OutcomeCreated:          "created",
	OutcomeForwardFailed:    "forward_failed",
	OutcomePersistFailed:    "persist_failed",
	OutcomeCompleted:        "completed",
	OutcomeUnmatched:        "unmatched",
	OutcomeAlreadyCompleted: "already_completed",
	OutcomeDeliveryFailed:   "delivery_failed",
	OutcomeLookupFailed:     "lookup_failed",
}

func (o Outcome) String() string {
	if name, ok := outcomeNames[o]; ok {
		return name
	}
	return "unknown"
}
