package bus

import "time"

// Event kinds published by the gateway core. Kinds share dotted namespaces
// ("connection.", "message.", "contact.") that subscribers filter on.
const (
	KindConnectionStatus = "connection.status"
	KindConnectionQR     = "connection.qr"
	KindMessageCreated   = "message.created"
	KindMessageAck       = "message.ack"
	KindContactUpserted  = "contact.upserted"
)

// Event is a notification published on the bus. Delivery is at-least-once
// from the core's point of view; subscribers must tolerate duplicates.
type Event struct {
	Kind         string
	ConnectionID int64
	Timestamp    time.Time
	Payload      any
}
