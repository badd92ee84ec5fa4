package provider

import (
	"fmt"
	"strconv"

	"github.com/hubdesk/wagate/internal/model"
)

// contentKinds is the fixed enumeration from provider-native content
// markers to the canonical semantic type set. Markers absent from the
// table normalize to chat when they carry media, and are rejected
// otherwise.
var contentKinds = map[string]model.MessageType{
	"conversation": model.TypeChat,
	"extendedText": model.TypeChat,
	"image":        model.TypeImage,
	"video":        model.TypeVideo,
	"audio":        model.TypeAudio,
	"document":     model.TypeDocument,
	"contact":      model.TypeVCard,
	"sticker":      model.TypeSticker,
	"location":     model.TypeLocation,
}

// MessageType resolves the raw message's canonical type and reports
// whether its content marker is a known one. Voice notes are
// distinguished from generic audio by the push-to-talk flag.
func (m *RawMessage) MessageType() (model.MessageType, bool) {
	t, ok := contentKinds[m.ContentKind]
	if !ok {
		return model.TypeChat, false
	}
	if t == model.TypeAudio && m.PTT {
		return model.TypePTT, true
	}
	return t, true
}

// Payload flattens the raw message into the canonical message shape. The
// pipeline layers contact and context resolution on top of this; adapters
// use it directly for their local recent-message caches.
func (m *RawMessage) Payload() model.MessagePayload {
	msgType, _ := m.MessageType()

	body := m.Body
	if msgType == model.TypeLocation {
		body = m.locationBody()
	}

	ack := model.AckPending
	if m.FromMe {
		ack = model.AckServer
	}

	msg := model.MessagePayload{
		ID:        m.ID,
		Body:      body,
		FromMe:    m.FromMe,
		HasMedia:  m.HasMedia,
		Type:      msgType,
		Timestamp: m.Timestamp,
		From:      m.Sender,
		To:        m.Recipient,
		QuotedID:  m.QuotedID,
		Ack:       ack,
	}
	if msg.To == "" {
		msg.To = m.Chat
	}
	return msg
}

// locationBody rewrites a location message so the canonical body carries a
// map-link URL then the human description, pipe-delimited, in that order.
func (m *RawMessage) locationBody() string {
	lat := strconv.FormatFloat(m.Latitude, 'f', -1, 64)
	lng := strconv.FormatFloat(m.Longitude, 'f', -1, 64)
	link := fmt.Sprintf("https://maps.google.com/maps?q=%s%%2C%s&z=17", lat, lng)
	return link + "|" + m.LocationName
}
