// Package loopback is an in-memory implementation of the provider
// contract. It answers sends from process memory and lets tests and dev
// setups synthesize inbound traffic, exercising the same contract the
// network-backed adapter satisfies.
package loopback

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hubdesk/wagate/internal/model"
	"github.com/hubdesk/wagate/internal/provider"
	"go.uber.org/zap"
)

// Name is the selector key for this implementation.
const Name = "loopback"

// Provider is an in-memory account session.
type Provider struct {
	conn   model.Connection
	logger *zap.Logger
	events chan provider.Event

	// stop releases emitters blocked on a full events buffer once Close
	// begins; stopped is guarded by emitMu.
	stop    chan struct{}
	emitMu  sync.RWMutex
	stopped bool

	mu          sync.Mutex
	connected   bool
	closed      bool
	recent      map[string][]model.MessagePayload
	attachments map[string]*model.MediaPayload
	seen        map[string]bool
	contacts    []model.ContactPayload
}

// New is the provider.Factory for loopback sessions.
func New(_ context.Context, cfg provider.Config) (provider.Provider, error) {
	return &Provider{
		conn:        cfg.Connection,
		logger:      cfg.Logger,
		events:      make(chan provider.Event, 64),
		stop:        make(chan struct{}),
		recent:      make(map[string][]model.MessagePayload),
		attachments: make(map[string]*model.MediaPayload),
		seen:        make(map[string]bool),
	}, nil
}

// Events returns the raw event stream.
func (p *Provider) Events() <-chan provider.Event {
	return p.events
}

// Init connects instantly. A connection without stored credentials walks a
// synthetic pairing cycle first so the state machine sees the same event
// order the network adapter produces.
func (p *Provider) Init(context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return provider.ErrNotInitialized
	}
	fresh := len(p.conn.Session) == 0
	p.connected = true
	p.conn.Session = []byte(`{"loopback":true}`)
	p.mu.Unlock()

	if fresh {
		p.emit(provider.Event{Kind: provider.EventQR, QRCode: "loopback-pairing-code"})
		p.emit(provider.Event{Kind: provider.EventPairSuccess})
	}
	p.emit(provider.Event{Kind: provider.EventCredentials, Credentials: []byte(`{"loopback":true}`)})
	p.emit(provider.Event{Kind: provider.EventConnected})
	return nil
}

// Close tears the session down and closes the event stream.
func (p *Provider) Close(context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.connected = false
	p.mu.Unlock()

	close(p.stop)
	// The write lock waits out in-flight emits; once stopped is set no
	// emitter can reach the channel again, so closing it is safe.
	p.emitMu.Lock()
	p.stopped = true
	p.emitMu.Unlock()
	close(p.events)
	return nil
}

// ResetCredentials clears the synthetic stored credentials so the next
// Init walks the pairing cycle again.
func (p *Provider) ResetCredentials(context.Context) error {
	p.mu.Lock()
	p.conn.Session = nil
	p.connected = false
	p.mu.Unlock()
	return nil
}

// Logout invalidates the synthetic registration.
func (p *Provider) Logout(context.Context) error {
	p.mu.Lock()
	p.connected = false
	p.conn.Session = nil
	closed := p.closed
	p.mu.Unlock()
	if !closed {
		p.emit(provider.Event{Kind: provider.EventLoggedOut, Reason: "logout requested"})
	}
	return nil
}

// SendMessage records a text message in the chat's recent history.
func (p *Provider) SendMessage(_ context.Context, to, body string, opts provider.SendOptions) (*model.MessagePayload, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return nil, provider.ErrNotInitialized
	}
	msg := model.MessagePayload{
		ID:        uuid.NewString(),
		Body:      body,
		FromMe:    true,
		Type:      model.TypeChat,
		Timestamp: time.Now().UnixMilli(),
		To:        to,
		QuotedID:  opts.QuotedID,
		Ack:       model.AckServer,
	}
	p.recent[to] = append(p.recent[to], msg)
	return &msg, nil
}

// SendMedia records an attachment message.
func (p *Provider) SendMedia(_ context.Context, to string, media provider.Media, opts provider.SendOptions) (*model.MessagePayload, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return nil, provider.ErrNotInitialized
	}
	msg := model.MessagePayload{
		ID:        uuid.NewString(),
		Body:      media.Caption,
		FromMe:    true,
		HasMedia:  true,
		Type:      mediaType(media),
		Timestamp: time.Now().UnixMilli(),
		To:        to,
		QuotedID:  opts.QuotedID,
		Ack:       model.AckServer,
	}
	p.recent[to] = append(p.recent[to], msg)
	p.attachments[msg.ID] = &model.MediaPayload{
		Data:     media.Data,
		Mimetype: media.Mimetype,
		Filename: media.Filename,
	}
	return &msg, nil
}

// DeleteMessage removes the sender's record of a message.
func (p *Provider) DeleteMessage(_ context.Context, chatID, messageID string, _ bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return provider.ErrNotInitialized
	}
	msgs := p.recent[chatID]
	for i, m := range msgs {
		if m.ID == messageID {
			p.recent[chatID] = append(msgs[:i], msgs[i+1:]...)
			break
		}
	}
	return nil
}

// CheckNumber accepts any all-digit number of plausible length.
func (p *Provider) CheckNumber(_ context.Context, number string) (string, error) {
	p.mu.Lock()
	connected := p.connected
	p.mu.Unlock()
	if !connected {
		return "", provider.ErrNotInitialized
	}
	digits := strings.TrimPrefix(number, "+")
	if len(digits) < 8 || strings.IndexFunc(digits, func(r rune) bool { return r < '0' || r > '9' }) >= 0 {
		return "", provider.ErrNumberNotRegistered
	}
	return digits + "@s.whatsapp.net", nil
}

// ProfilePicURL always reports no visible picture.
func (p *Provider) ProfilePicURL(context.Context, string) (string, error) {
	return "", nil
}

// Contacts returns the synthetic contact list.
func (p *Provider) Contacts(context.Context) ([]model.ContactPayload, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.ContactPayload, len(p.contacts))
	copy(out, p.contacts)
	return out, nil
}

// SendSeen records the chat as read.
func (p *Provider) SendSeen(_ context.Context, chatID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return provider.ErrNotInitialized
	}
	p.seen[chatID] = true
	return nil
}

// ChatMessages returns at most limit most-recent messages, newest first.
func (p *Provider) ChatMessages(_ context.Context, chatID string, limit int) ([]model.MessagePayload, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	msgs := p.recent[chatID]
	if limit <= 0 || limit > len(msgs) {
		limit = len(msgs)
	}
	out := make([]model.MessagePayload, 0, limit)
	for i := len(msgs) - 1; i >= len(msgs)-limit; i-- {
		out = append(out, msgs[i])
	}
	return out, nil
}

// DownloadMedia serves the attachment stored alongside the message.
func (p *Provider) DownloadMedia(_ context.Context, msg *provider.RawMessage) (*model.MediaPayload, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if media, ok := p.attachments[msg.ID]; ok {
		return media, nil
	}
	// Synthesized inbound messages without a stored attachment get a
	// deterministic placeholder so end-to-end tests can assert on it.
	return &model.MediaPayload{
		Data:     []byte(msg.ID),
		Mimetype: msg.Mimetype,
		Filename: msg.ID + extensionFor(msg.Mimetype),
	}, nil
}

// SetContacts seeds the synthetic contact list.
func (p *Provider) SetContacts(contacts []model.ContactPayload) {
	p.mu.Lock()
	p.contacts = contacts
	p.mu.Unlock()
}

// Seen reports whether SendSeen was called for a chat.
func (p *Provider) Seen(chatID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seen[chatID]
}

// InjectMessage synthesizes an inbound raw message event.
func (p *Provider) InjectMessage(raw *provider.RawMessage) {
	p.emit(provider.Event{Kind: provider.EventMessage, Message: raw})
}

// InjectReceipt synthesizes a delivery-receipt event.
func (p *Provider) InjectReceipt(receipt *provider.RawReceipt) {
	p.emit(provider.Event{Kind: provider.EventReceipt, Receipt: receipt})
}

// InjectCredentials synthesizes a rotated credential blob.
func (p *Provider) InjectCredentials(blob []byte) {
	p.mu.Lock()
	p.conn.Session = blob
	p.mu.Unlock()
	p.emit(provider.Event{Kind: provider.EventCredentials, Credentials: blob})
}

// InjectAuthFailure synthesizes a failed authentication handshake.
func (p *Provider) InjectAuthFailure(reason string) {
	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()
	p.emit(provider.Event{Kind: provider.EventAuthFailure, Reason: reason})
}

// InjectDisconnect synthesizes a transient socket closure.
func (p *Provider) InjectDisconnect(reason string) {
	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()
	p.emit(provider.Event{Kind: provider.EventDisconnected, Reason: reason})
}

// emit forwards one event to the dispatcher. Sends block under
// backpressure rather than drop: state-bearing events and messages must
// all arrive, in order. Close releases a blocked sender.
func (p *Provider) emit(evt provider.Event) {
	p.emitMu.RLock()
	defer p.emitMu.RUnlock()
	if p.stopped {
		return
	}
	select {
	case p.events <- evt:
	case <-p.stop:
	}
}

func mediaType(media provider.Media) model.MessageType {
	switch {
	case media.Voice:
		return model.TypePTT
	case strings.HasPrefix(media.Mimetype, "image/"):
		return model.TypeImage
	case strings.HasPrefix(media.Mimetype, "video/"):
		return model.TypeVideo
	case strings.HasPrefix(media.Mimetype, "audio/"):
		return model.TypeAudio
	default:
		return model.TypeDocument
	}
}

func extensionFor(mimetype string) string {
	switch mimetype {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "video/mp4":
		return ".mp4"
	case "audio/ogg":
		return ".ogg"
	default:
		return ".bin"
	}
}
