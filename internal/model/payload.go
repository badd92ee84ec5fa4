package model

// MessageType is the canonical semantic type of a message, independent of
// which provider produced it.
type MessageType string

const (
	TypeChat     MessageType = "chat"
	TypeAudio    MessageType = "audio"
	TypePTT      MessageType = "ptt"
	TypeVideo    MessageType = "video"
	TypeImage    MessageType = "image"
	TypeDocument MessageType = "document"
	TypeVCard    MessageType = "vcard"
	TypeSticker  MessageType = "sticker"
	TypeLocation MessageType = "location"
)

// Ack is the delivery acknowledgment level of a message.
type Ack int

const (
	AckPending   Ack = 0
	AckServer    Ack = 1
	AckDelivered Ack = 2
	AckRead      Ack = 3
	AckPlayed    Ack = 4
)

// MessagePayload is the normalized representation of one message.
// Immutable after normalization; later ack changes arrive as AckEvents.
type MessagePayload struct {
	ID        string
	Body      string
	FromMe    bool
	HasMedia  bool
	Type      MessageType
	Timestamp int64
	From      string
	To        string
	QuotedID  string
	Ack       Ack
}

// ContactPayload is the normalized representation of a message peer.
// Number and LinkedID may both be set when the same person is known under
// a phone-number identity and an opaque linked-device identity; downstream
// merge logic reconciles the duality.
type ContactPayload struct {
	Name          string
	Number        string
	LinkedID      string
	IsGroup       bool
	ProfilePicURL string
}

// ContextPayload carries the connection-scoped context of an inbound event.
type ContextPayload struct {
	ConnectionID int64
	ChatID       string
	// UnreadCount is the chat's inbound-message count since the account
	// last wrote in it.
	UnreadCount int
}

// MediaPayload is the downloaded media attachment of a message, when any.
type MediaPayload struct {
	Data     []byte
	Mimetype string
	Filename string
}

// AckEvent signals that a message's acknowledgment level changed. It has no
// independent lifecycle; it is consumed immediately.
type AckEvent struct {
	MessageID string
	Ack       Ack
}
