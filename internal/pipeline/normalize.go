package pipeline

import (
	"github.com/hubdesk/wagate/internal/model"
	"github.com/hubdesk/wagate/internal/provider"
)

// Normalize converts a filtered raw message into its canonical payloads.
// The message payload is immutable after this point; later ack changes are
// separate reconciliation events referencing it by id.
func Normalize(connectionID int64, raw *provider.RawMessage) (model.MessagePayload, model.ContactPayload, model.ContextPayload) {
	msg := raw.Payload()

	identity := ResolveIdentity(raw)
	contact := model.ContactPayload{
		Name:    raw.PushName,
		IsGroup: IsGroupJID(raw.Chat),
	}
	switch identity.Kind {
	case model.IdentityPhone:
		contact.Number = identity.User
	case model.IdentityOpaque:
		contact.LinkedID = identity.User
	}
	if contact.Name == "" && identity.Known() {
		contact.Name = identity.User
	}

	ctx := model.ContextPayload{
		ConnectionID: connectionID,
		ChatID:       raw.Chat,
	}

	return msg, contact, ctx
}
