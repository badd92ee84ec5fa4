package pipeline

import (
	"github.com/hubdesk/wagate/internal/cache"
	"github.com/hubdesk/wagate/internal/model"
	"github.com/hubdesk/wagate/internal/provider"
)

// mapAck picks the ack level implied by a receipt's marker (played >
// read > delivered). Only delivery-progress markers map; the network also
// sends bookkeeping receipts ("retry", "sender", "inactive") that carry
// no level and are reported as unmapped.
func mapAck(receipt *provider.RawReceipt) (model.Ack, bool) {
	switch receipt.Kind {
	case "played", "played-self":
		return model.AckPlayed, true
	case "read", "read-self":
		return model.AckRead, true
	case "", "delivered":
		// A bare receipt means the recipient device acknowledged delivery.
		return model.AckDelivered, true
	default:
		return model.AckPending, false
	}
}

// AckGuard enforces monotonic ack levels per message id. Receipt events can
// arrive out of band; a late lower-level receipt must never lower the level
// already observed for a message.
type AckGuard struct {
	seen *cache.TTL[model.Ack]
}

// NewAckGuard creates a guard backed by a bounded TTL high-water cache.
func NewAckGuard(seen *cache.TTL[model.Ack]) *AckGuard {
	return &AckGuard{seen: seen}
}

// Raise records level for messageID and reports whether it advances the
// message's high-water mark. Equal or lower levels are suppressed.
func (g *AckGuard) Raise(messageID string, level model.Ack) bool {
	if current, ok := g.seen.Get(messageID); ok && level <= current {
		return false
	}
	g.seen.Set(messageID, level)
	return true
}
