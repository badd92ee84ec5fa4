package provider

// EventKind enumerates the raw event surface of a provider. One enumerated
// type on one channel per connection keeps per-connection ordering without
// a set of independently registered listeners that would need manual
// deregistration on teardown.
type EventKind int

const (
	// EventQR carries a freshly issued pairing code. Codes rotate while
	// unscanned; each rotation is a new event.
	EventQR EventKind = iota
	// EventPairSuccess signals the QR was scanned and pairing completed.
	EventPairSuccess
	// EventConnected signals a completed authentication handshake.
	EventConnected
	// EventDisconnected signals a transient socket closure; the session
	// schedules a bounded-delay reconnect.
	EventDisconnected
	// EventLoggedOut signals the server revoked the device registration.
	// Terminal until a human re-initiates via QR.
	EventLoggedOut
	// EventAuthFailure signals a failed authentication handshake.
	EventAuthFailure
	// EventMessage carries one inbound (or echoed outbound) message.
	EventMessage
	// EventReceipt carries a delivery-receipt change for one or more
	// messages.
	EventReceipt
	// EventHistorySync carries the unread-message backlog delivered right
	// after authentication, before the connection is advertised usable.
	EventHistorySync
	// EventCredentials carries an updated serialized credential blob.
	EventCredentials
)

// Event is one raw provider event.
type Event struct {
	Kind        EventKind
	QRCode      string
	Credentials []byte
	Message     *RawMessage
	Receipt     *RawReceipt
	History     []*RawMessage
	// Reason annotates disconnect/logout/auth-failure events.
	Reason string
}

// RawMessage is the provider-native view of one message, flattened to the
// fields the normalization pipeline consumes. JID-valued fields keep the
// provider's addressing verbatim; identity resolution happens downstream.
type RawMessage struct {
	ID string

	// Routing metadata, in the pipeline's identity resolution priority
	// order: Participant (group sender), Sender, Chat, QuotedParticipant.
	Chat              string
	Sender            string
	Participant       string
	Recipient         string
	QuotedID          string
	QuotedParticipant string

	PushName  string
	FromMe    bool
	Broadcast bool
	Timestamp int64

	// ContentKind is the provider-native content marker ("conversation",
	// "image", "audio", ...). The pipeline maps it onto the canonical type
	// enumeration; unknown markers normalize to chat.
	ContentKind string
	// PTT distinguishes a voice note from generic audio.
	PTT  bool
	Body string

	Latitude     float64
	Longitude    float64
	LocationName string

	HasMedia bool
	Mimetype string
	Filename string
}

// RawReceipt is a delivery-receipt change. Kind is the provider-native
// receipt marker; "", "delivered", "read" and "played" describe delivery
// progress, anything else is protocol bookkeeping the pipeline ignores.
type RawReceipt struct {
	Chat       string
	Sender     string
	MessageIDs []string
	Kind       string
	Timestamp  int64
}
