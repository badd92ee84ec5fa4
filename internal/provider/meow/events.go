package meow

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hubdesk/wagate/internal/provider"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"
)

// credentialSnapshot is the opaque blob persisted on the connection
// record. The authoritative key material lives in the session database;
// this records which registration the directory belongs to so a stale
// directory can be detected on resume.
type credentialSnapshot struct {
	JID      string `json:"jid"`
	PushName string `json:"push_name"`
	Platform string `json:"platform"`
	PairedAt int64  `json:"paired_at"`
}

func (a *Adapter) snapshotCredentials() []byte {
	snap := credentialSnapshot{PairedAt: time.Now().UnixMilli()}
	if id := a.client.Store.ID; id != nil {
		snap.JID = id.String()
	}
	snap.PushName = a.client.Store.PushName
	snap.Platform = a.client.Store.Platform
	blob, err := json.Marshal(snap)
	if err != nil {
		return nil
	}
	return blob
}

// translate maps whatsmeow events onto the provider event stream. It runs
// on whatsmeow's handler goroutine; under dispatcher backpressure it
// blocks there, which pushes back on the socket instead of losing events.
func (a *Adapter) translate(rawEvt any) {
	switch evt := rawEvt.(type) {
	case *events.PairSuccess:
		a.emit(provider.Event{Kind: provider.EventPairSuccess})
		a.emit(provider.Event{Kind: provider.EventCredentials, Credentials: a.snapshotCredentials()})

	case *events.Connected:
		// Not usable yet: the server still replays the offline backlog.
		// The connected signal goes out once that drain completes.
		a.emit(provider.Event{Kind: provider.EventCredentials, Credentials: a.snapshotCredentials()})

	case *events.OfflineSyncCompleted:
		a.emit(provider.Event{Kind: provider.EventConnected})

	case *events.Disconnected:
		a.emit(provider.Event{Kind: provider.EventDisconnected})

	case *events.StreamReplaced:
		a.emit(provider.Event{Kind: provider.EventDisconnected, Reason: "stream replaced"})

	case *events.LoggedOut:
		a.emit(provider.Event{Kind: provider.EventLoggedOut, Reason: evt.Reason.String()})

	case *events.ConnectFailure:
		a.emit(provider.Event{Kind: provider.EventAuthFailure, Reason: evt.Reason.String()})

	case *events.ClientOutdated:
		a.emit(provider.Event{Kind: provider.EventAuthFailure, Reason: "client outdated"})

	case *events.Message:
		raw := a.parseMessage(evt)
		if raw == nil {
			return
		}
		a.emit(provider.Event{Kind: provider.EventMessage, Message: raw})

	case *events.Receipt:
		a.emit(provider.Event{Kind: provider.EventReceipt, Receipt: &provider.RawReceipt{
			Chat:       evt.Chat.String(),
			Sender:     evt.Sender.String(),
			MessageIDs: evt.MessageIDs,
			Kind:       string(evt.Type),
			Timestamp:  evt.Timestamp.UnixMilli(),
		}})

	case *events.HistorySync:
		a.handleHistorySync(evt)
	}
}

// handleHistorySync replays backlog conversations as raw messages in one
// batch so the consumer can reconcile them atomically.
func (a *Adapter) handleHistorySync(evt *events.HistorySync) {
	var batch []*provider.RawMessage
	for _, conv := range evt.Data.GetConversations() {
		chatJID, err := types.ParseJID(conv.GetID())
		if err != nil {
			continue
		}
		for _, histMsg := range conv.GetMessages() {
			parsed, err := a.client.ParseWebMessage(chatJID, histMsg.GetMessage())
			if err != nil {
				continue
			}
			if raw := a.parseMessage(parsed); raw != nil {
				batch = append(batch, raw)
			}
		}
	}
	a.logger.Debug("history sync batch",
		zap.String("type", evt.Data.GetSyncType().String()),
		zap.Int("messages", len(batch)))
	a.emit(provider.Event{Kind: provider.EventHistorySync, History: batch})
}

// parseMessage flattens a whatsmeow message into the provider's raw shape.
// Returns nil for content kinds the gateway has no mapping for.
func (a *Adapter) parseMessage(evt *events.Message) *provider.RawMessage {
	msg := evt.Message
	if msg == nil {
		return nil
	}

	raw := &provider.RawMessage{
		ID:        evt.Info.ID,
		Chat:      evt.Info.Chat.String(),
		Sender:    evt.Info.Sender.ToNonAD().String(),
		PushName:  evt.Info.PushName,
		FromMe:    evt.Info.IsFromMe,
		Broadcast: evt.Info.Chat == types.StatusBroadcastJID,
		Timestamp: evt.Info.Timestamp.UnixMilli(),
	}
	if evt.Info.IsGroup {
		raw.Participant = evt.Info.Sender.ToNonAD().String()
	}
	if raw.FromMe {
		raw.Recipient = evt.Info.Chat.String()
	}

	switch {
	case msg.GetConversation() != "":
		raw.ContentKind = "conversation"
		raw.Body = msg.GetConversation()

	case msg.ExtendedTextMessage != nil:
		raw.ContentKind = "extendedText"
		raw.Body = msg.ExtendedTextMessage.GetText()
		applyContext(raw, msg.ExtendedTextMessage.GetContextInfo())

	case msg.ImageMessage != nil:
		raw.ContentKind = "image"
		raw.Body = msg.ImageMessage.GetCaption()
		raw.HasMedia = true
		raw.Mimetype = msg.ImageMessage.GetMimetype()
		applyContext(raw, msg.ImageMessage.GetContextInfo())

	case msg.VideoMessage != nil:
		raw.ContentKind = "video"
		raw.Body = msg.VideoMessage.GetCaption()
		raw.HasMedia = true
		raw.Mimetype = msg.VideoMessage.GetMimetype()
		applyContext(raw, msg.VideoMessage.GetContextInfo())

	case msg.AudioMessage != nil:
		raw.ContentKind = "audio"
		raw.PTT = msg.AudioMessage.GetPTT()
		raw.HasMedia = true
		raw.Mimetype = msg.AudioMessage.GetMimetype()
		applyContext(raw, msg.AudioMessage.GetContextInfo())

	case msg.DocumentMessage != nil:
		raw.ContentKind = "document"
		raw.Body = msg.DocumentMessage.GetCaption()
		raw.HasMedia = true
		raw.Mimetype = msg.DocumentMessage.GetMimetype()
		raw.Filename = msg.DocumentMessage.GetFileName()
		applyContext(raw, msg.DocumentMessage.GetContextInfo())

	case msg.StickerMessage != nil:
		raw.ContentKind = "sticker"
		raw.HasMedia = true
		raw.Mimetype = msg.StickerMessage.GetMimetype()
		applyContext(raw, msg.StickerMessage.GetContextInfo())

	case msg.ContactMessage != nil:
		raw.ContentKind = "contact"
		raw.Body = msg.ContactMessage.GetVcard()
		applyContext(raw, msg.ContactMessage.GetContextInfo())

	case msg.LocationMessage != nil:
		raw.ContentKind = "location"
		raw.Latitude = msg.LocationMessage.GetDegreesLatitude()
		raw.Longitude = msg.LocationMessage.GetDegreesLongitude()
		raw.LocationName = msg.LocationMessage.GetName()
		applyContext(raw, msg.LocationMessage.GetContextInfo())

	case msg.ProtocolMessage != nil, msg.SenderKeyDistributionMessage != nil,
		msg.ReactionMessage != nil, msg.PollUpdateMessage != nil:
		return nil

	default:
		a.logger.Debug("unmapped message content", zap.String("id", evt.Info.ID))
		return nil
	}

	if raw.HasMedia {
		a.pendingMedia.Set(raw.ID, msg)
	}
	a.track(evt, raw)
	return raw
}

// track records the message in the recent cache and, for inbound
// messages, remembers the ids SendSeen should acknowledge.
func (a *Adapter) track(evt *events.Message, raw *provider.RawMessage) {
	a.remember(raw.Chat, raw.Payload())

	if raw.FromMe {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	mark := a.lastInbound[raw.Chat]
	mark.sender = evt.Info.Sender
	mark.ids = append(mark.ids, evt.Info.ID)
	if len(mark.ids) > recentPerChat {
		mark.ids = mark.ids[len(mark.ids)-recentPerChat:]
	}
	a.lastInbound[raw.Chat] = mark
}

func applyContext(raw *provider.RawMessage, ctx *waE2E.ContextInfo) {
	if ctx == nil {
		return
	}
	raw.QuotedID = ctx.GetStanzaID()
	raw.QuotedParticipant = ctx.GetParticipant()
}

func mediaFilename(msg *provider.RawMessage) string {
	if msg.Filename != "" {
		return msg.Filename
	}
	ext := map[string]string{
		"image/jpeg":      ".jpg",
		"image/png":       ".png",
		"image/webp":      ".webp",
		"video/mp4":       ".mp4",
		"audio/ogg":       ".ogg",
		"audio/mpeg":      ".mp3",
		"application/pdf": ".pdf",
	}[msg.Mimetype]
	return fmt.Sprintf("%s%s", msg.ID, ext)
}
