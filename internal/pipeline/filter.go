package pipeline

import (
	"strings"

	"github.com/hubdesk/wagate/internal/model"
	"github.com/hubdesk/wagate/internal/provider"
)

// directionalityMark prefixes the body of forwarded/auto-generated protocol
// messages on the network; such bodies are artifacts, not user content.
const directionalityMark = "‎"

// ShouldHandle filters raw inbound events before normalization. Rejections:
// broadcast-status messages, unsupported content types, bodies opening with
// the directionality control mark, and self-sent messages outside the
// stricter allow-list (location, plain text, contact card, or anything
// carrying media) so echoes of the gateway's own protocol traffic are not
// reprocessed.
func ShouldHandle(raw *provider.RawMessage) bool {
	if raw.Broadcast || strings.HasSuffix(raw.Chat, "@broadcast") {
		return false
	}
	msgType, supported := raw.MessageType()
	if !supported && !raw.HasMedia {
		return false
	}
	if strings.HasPrefix(raw.Body, directionalityMark) {
		return false
	}
	if raw.FromMe {
		switch msgType {
		case model.TypeLocation, model.TypeChat, model.TypeVCard:
		default:
			if !raw.HasMedia {
				return false
			}
		}
	}
	return true
}
