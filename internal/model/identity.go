package model

// IdentityKind tags how a peer identifier was resolved.
type IdentityKind int

const (
	// IdentityUnknown means no usable identifier could be derived.
	IdentityUnknown IdentityKind = iota
	// IdentityPhone is a phone-number style identity.
	IdentityPhone
	// IdentityOpaque is a linked-device identity with no recoverable
	// phone-number alias; downstream merge logic may reconcile it later.
	IdentityOpaque
)

// Identity is the tagged result of resolving a message peer.
type Identity struct {
	Kind IdentityKind
	// User is the bare identifier (phone number digits for IdentityPhone,
	// the opaque id for IdentityOpaque).
	User string
	// JID is the full network address the identity was derived from.
	JID string
}

// Known reports whether the identity carries a usable identifier.
func (id Identity) Known() bool {
	return id.Kind != IdentityUnknown && id.User != ""
}

// Connection is the in-core view of one managed account session's record.
// The durable copy is owned by the persistence layer; the state machine
// mutates it and broadcasts the full record on every externally visible
// change.
type Connection struct {
	ID      int64
	Name    string
	Status  string
	QRCode  string
	Session []byte
	Retries int
	// Provider selects the adapter implementation ("whatsmeow", "loopback").
	Provider string
	Enabled  bool
}
