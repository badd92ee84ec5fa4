package pipeline

import (
	"strings"

	"github.com/hubdesk/wagate/internal/model"
	"github.com/hubdesk/wagate/internal/provider"
)

const (
	phoneServer  = "s.whatsapp.net"
	groupServer  = "g.us"
	linkedServer = "lid"
)

// ResolveIdentity derives the contact identity for a raw message from its
// routing metadata. Candidate fields are scanned in a fixed priority order
// (participant, sender, chat, quoted participant); a phone-number identity
// anywhere in the list wins over an opaque linked-device identity earlier
// in it. A message addressed only by opaque identity carries that identity
// through, tagged so downstream merge logic can reconcile it later.
func ResolveIdentity(raw *provider.RawMessage) model.Identity {
	candidates := []string{raw.Participant, raw.Sender, raw.Chat, raw.QuotedParticipant}

	var opaque model.Identity
	for _, jid := range candidates {
		user, server, ok := splitJID(jid)
		if !ok {
			continue
		}
		switch server {
		case phoneServer:
			return model.Identity{Kind: model.IdentityPhone, User: user, JID: jid}
		case linkedServer:
			if opaque.Kind == model.IdentityUnknown {
				opaque = model.Identity{Kind: model.IdentityOpaque, User: user, JID: jid}
			}
		}
	}
	return opaque
}

// IsGroupJID reports whether a JID addresses a group chat.
func IsGroupJID(jid string) bool {
	_, server, ok := splitJID(jid)
	return ok && server == groupServer
}

// splitJID separates user and server, stripping any device/agent suffix
// from the user part ("5511999999999:12@s.whatsapp.net").
func splitJID(jid string) (user, server string, ok bool) {
	if jid == "" {
		return "", "", false
	}
	user, server, ok = strings.Cut(jid, "@")
	if !ok || user == "" {
		return "", "", false
	}
	if i := strings.IndexByte(user, ':'); i >= 0 {
		user = user[:i]
	}
	return user, server, true
}
