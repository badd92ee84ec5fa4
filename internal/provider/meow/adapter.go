// Package meow implements the provider contract on top of the whatsmeow
// client library.
package meow

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hubdesk/wagate/internal/cache"
	"github.com/hubdesk/wagate/internal/model"
	"github.com/hubdesk/wagate/internal/provider"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	wastore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3"
)

// Name is the selector key for this implementation.
const Name = "whatsmeow"

// Adapter wraps one whatsmeow client as a gateway provider.
type Adapter struct {
	client    *whatsmeow.Client
	container *sqlstore.Container
	conn      model.Connection
	logger    *zap.Logger
	events    chan provider.Event
	handlerID uint32

	// stop releases emitters blocked on a full events buffer once Close
	// begins; closed is guarded by emitMu.
	stop      chan struct{}
	closeOnce sync.Once
	emitMu    sync.RWMutex
	closed    bool

	mu sync.Mutex

	// pendingMedia keeps the native message payloads of recently seen
	// media messages so DownloadMedia can fetch lazily.
	pendingMedia *cache.TTL[*waE2E.Message]
	// recent backs ChatMessages from local state, newest appended last.
	recent map[string][]model.MessagePayload
	// lastInbound tracks per-chat unread ids for SendSeen.
	lastInbound map[string]inboundMark
}

type inboundMark struct {
	sender types.JID
	ids    []types.MessageID
}

const recentPerChat = 100

// New is the provider.Factory for whatsmeow sessions. The session database
// lives under the connection's state directory.
func New(ctx context.Context, cfg provider.Config) (provider.Provider, error) {
	// Device name shown in the phone's linked devices list.
	wastore.SetOSInfo("Wagate", [3]uint32{0, 1, 0})

	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s/session.db?_foreign_keys=on", cfg.Dir),
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("create session store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("get device store: %w", err)
	}

	client := whatsmeow.NewClient(deviceStore, nil)
	// The gateway owns the reconnect schedule.
	client.EnableAutoReconnect = false

	a := &Adapter{
		client:       client,
		container:    container,
		conn:         cfg.Connection,
		logger:       cfg.Logger,
		events:       make(chan provider.Event, 256),
		stop:         make(chan struct{}),
		pendingMedia: cache.NewTTL[*waE2E.Message](time.Hour, 2048),
		recent:       make(map[string][]model.MessagePayload),
		lastInbound:  make(map[string]inboundMark),
	}
	a.handlerID = a.client.AddEventHandler(a.translate)
	return a, nil
}

// Events returns the raw event stream.
func (a *Adapter) Events() <-chan provider.Event {
	return a.events
}

// IsLoggedIn reports whether the device store holds credentials.
func (a *Adapter) IsLoggedIn() bool {
	return a.client.Store.ID != nil
}

// Init connects the socket. Without stored credentials it first opens the
// QR channel and streams pairing codes as events; codes rotate until
// scanned or the channel times out.
func (a *Adapter) Init(ctx context.Context) error {
	if a.client.IsConnected() {
		return nil
	}
	if a.IsLoggedIn() {
		a.logger.Info("connecting with stored credentials")
		if err := a.client.Connect(); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		return nil
	}

	qrChan, err := a.client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("get QR channel: %w", err)
	}
	if err := a.client.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	go func() {
		for item := range qrChan {
			switch item.Event {
			case "code":
				a.emit(provider.Event{Kind: provider.EventQR, QRCode: item.Code})
			case "success":
				a.emit(provider.Event{Kind: provider.EventPairSuccess})
				return
			case "timeout":
				a.emit(provider.Event{Kind: provider.EventAuthFailure, Reason: "qr timeout"})
				return
			default:
				if item.Error != nil {
					a.emit(provider.Event{Kind: provider.EventAuthFailure, Reason: item.Error.Error()})
					return
				}
			}
		}
	}()
	return nil
}

// Close disconnects and closes the event stream, keeping stored
// credentials for a later resume.
func (a *Adapter) Close(context.Context) error {
	a.closeOnce.Do(func() {
		close(a.stop)
		// The write lock waits out in-flight emits; once closed is set no
		// emitter can reach the channel again, so closing it is safe.
		a.emitMu.Lock()
		a.closed = true
		a.emitMu.Unlock()

		a.client.RemoveEventHandler(a.handlerID)
		a.client.Disconnect()
		close(a.events)
	})
	return nil
}

// Logout invalidates the device registration on the network.
func (a *Adapter) Logout(ctx context.Context) error {
	if err := a.client.Logout(ctx); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

// ResetCredentials deletes the device record from the session database so
// the next Init cannot resume the failing registration.
func (a *Adapter) ResetCredentials(ctx context.Context) error {
	if a.client.Store.ID == nil {
		return nil
	}
	a.client.Disconnect()
	if err := a.client.Store.Delete(ctx); err != nil {
		return fmt.Errorf("delete device store: %w", err)
	}
	// The in-memory device keeps its JID after the row is gone; clear it
	// so Init sees an unpaired device.
	a.client.Store.ID = nil
	return nil
}

// SendMessage sends a text message, optionally quoting another message.
func (a *Adapter) SendMessage(ctx context.Context, to, body string, opts provider.SendOptions) (*model.MessagePayload, error) {
	jid, err := types.ParseJID(to)
	if err != nil {
		return nil, fmt.Errorf("%w: parse JID %q: %v", provider.ErrSendFailure, to, err)
	}

	var msg *waE2E.Message
	if opts.QuotedID != "" {
		msg = &waE2E.Message{
			ExtendedTextMessage: &waE2E.ExtendedTextMessage{
				Text: proto.String(body),
				ContextInfo: &waE2E.ContextInfo{
					StanzaID: proto.String(opts.QuotedID),
				},
			},
		}
	} else {
		msg = &waE2E.Message{Conversation: proto.String(body)}
	}

	resp, err := a.client.SendMessage(ctx, jid, msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrSendFailure, err)
	}

	payload := model.MessagePayload{
		ID:        resp.ID,
		Body:      body,
		FromMe:    true,
		Type:      model.TypeChat,
		Timestamp: resp.Timestamp.UnixMilli(),
		To:        jid.String(),
		QuotedID:  opts.QuotedID,
		Ack:       model.AckServer,
	}
	a.remember(jid.String(), payload)
	return &payload, nil
}

// SendMedia uploads and sends an attachment with an optional caption.
func (a *Adapter) SendMedia(ctx context.Context, to string, media provider.Media, opts provider.SendOptions) (*model.MessagePayload, error) {
	jid, err := types.ParseJID(to)
	if err != nil {
		return nil, fmt.Errorf("%w: parse JID %q: %v", provider.ErrSendFailure, to, err)
	}

	msg, msgType, err := a.buildMediaMessage(ctx, media)
	if err != nil {
		return nil, err
	}

	resp, err := a.client.SendMessage(ctx, jid, msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrSendFailure, err)
	}

	payload := model.MessagePayload{
		ID:        resp.ID,
		Body:      media.Caption,
		FromMe:    true,
		HasMedia:  true,
		Type:      msgType,
		Timestamp: resp.Timestamp.UnixMilli(),
		To:        jid.String(),
		QuotedID:  opts.QuotedID,
		Ack:       model.AckServer,
	}
	a.remember(jid.String(), payload)
	return &payload, nil
}

func (a *Adapter) buildMediaMessage(ctx context.Context, media provider.Media) (*waE2E.Message, model.MessageType, error) {
	switch {
	case strings.HasPrefix(media.Mimetype, "image/"):
		up, err := a.client.Upload(ctx, media.Data, whatsmeow.MediaImage)
		if err != nil {
			return nil, "", fmt.Errorf("%w: upload image: %v", provider.ErrSendFailure, err)
		}
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			Caption:       proto.String(media.Caption),
			Mimetype:      proto.String(media.Mimetype),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}, model.TypeImage, nil
	case strings.HasPrefix(media.Mimetype, "video/"):
		up, err := a.client.Upload(ctx, media.Data, whatsmeow.MediaVideo)
		if err != nil {
			return nil, "", fmt.Errorf("%w: upload video: %v", provider.ErrSendFailure, err)
		}
		return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			Caption:       proto.String(media.Caption),
			Mimetype:      proto.String(media.Mimetype),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}, model.TypeVideo, nil
	case strings.HasPrefix(media.Mimetype, "audio/"):
		up, err := a.client.Upload(ctx, media.Data, whatsmeow.MediaAudio)
		if err != nil {
			return nil, "", fmt.Errorf("%w: upload audio: %v", provider.ErrSendFailure, err)
		}
		msgType := model.TypeAudio
		if media.Voice {
			msgType = model.TypePTT
		}
		return &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			PTT:           proto.Bool(media.Voice),
			Mimetype:      proto.String(media.Mimetype),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}, msgType, nil
	default:
		up, err := a.client.Upload(ctx, media.Data, whatsmeow.MediaDocument)
		if err != nil {
			return nil, "", fmt.Errorf("%w: upload document: %v", provider.ErrSendFailure, err)
		}
		return &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			Title:         proto.String(media.Filename),
			FileName:      proto.String(media.Filename),
			Caption:       proto.String(media.Caption),
			Mimetype:      proto.String(media.Mimetype),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}, model.TypeDocument, nil
	}
}

// DeleteMessage retracts the sender's record of a message. Best effort:
// whether the remote copy disappears depends on the network.
func (a *Adapter) DeleteMessage(ctx context.Context, chatID, messageID string, fromMe bool) error {
	jid, err := types.ParseJID(chatID)
	if err != nil {
		return fmt.Errorf("parse JID %q: %w", chatID, err)
	}
	if !fromMe {
		// Revoking someone else's message needs group admin rights and the
		// original sender JID; only own messages are retractable here.
		return fmt.Errorf("message %s was not sent by this device", messageID)
	}
	if _, err := a.client.SendMessage(ctx, jid, a.client.BuildRevoke(jid, types.EmptyJID, messageID)); err != nil {
		return fmt.Errorf("revoke message: %w", err)
	}
	a.forget(jid.String(), messageID)
	return nil
}

// CheckNumber resolves a human-entered number to its canonical identity.
func (a *Adapter) CheckNumber(ctx context.Context, number string) (string, error) {
	resp, err := a.client.IsOnWhatsApp(ctx, []string{number})
	if err != nil {
		return "", fmt.Errorf("check number: %w", err)
	}
	if len(resp) == 0 || !resp[0].IsIn {
		return "", provider.ErrNumberNotRegistered
	}
	return resp[0].JID.String(), nil
}

// ProfilePicURL returns the profile picture URL for a number, or empty
// when the picture is hidden or unset.
func (a *Adapter) ProfilePicURL(ctx context.Context, number string) (string, error) {
	jid, err := types.ParseJID(number)
	if err != nil {
		return "", fmt.Errorf("parse JID %q: %w", number, err)
	}
	info, err := a.client.GetProfilePictureInfo(ctx, jid, nil)
	if err != nil || info == nil {
		return "", nil
	}
	return info.URL, nil
}

// Contacts lists the device store's contacts, preferring phone-number
// identities and carrying the linked-device identity alongside when known.
func (a *Adapter) Contacts(ctx context.Context) ([]model.ContactPayload, error) {
	all, err := a.client.Store.Contacts.GetAllContacts(ctx)
	if err != nil {
		return nil, fmt.Errorf("get contacts: %w", err)
	}
	contacts := make([]model.ContactPayload, 0, len(all))
	for jid, info := range all {
		normalized := jid.ToNonAD()
		c := model.ContactPayload{
			Name:    info.FullName,
			IsGroup: normalized.Server == types.GroupServer,
		}
		if c.Name == "" {
			c.Name = info.PushName
		}
		switch normalized.Server {
		case types.DefaultUserServer:
			c.Number = normalized.User
			if a.client.Store.LIDs != nil {
				if lid, err := a.client.Store.LIDs.GetLIDForPN(ctx, normalized); err == nil && !lid.IsEmpty() {
					c.LinkedID = lid.User
				}
			}
		case types.HiddenUserServer:
			c.LinkedID = normalized.User
			if pn := a.resolveLID(ctx, normalized); pn.Server == types.DefaultUserServer {
				c.Number = pn.User
			}
		default:
			continue
		}
		contacts = append(contacts, c)
	}
	return contacts, nil
}

// SendSeen marks the chat's tracked unread messages read.
func (a *Adapter) SendSeen(ctx context.Context, chatID string) error {
	jid, err := types.ParseJID(chatID)
	if err != nil {
		return fmt.Errorf("parse JID %q: %w", chatID, err)
	}

	a.mu.Lock()
	mark, ok := a.lastInbound[jid.String()]
	delete(a.lastInbound, jid.String())
	a.mu.Unlock()
	if !ok || len(mark.ids) == 0 {
		return nil
	}

	if err := a.client.MarkRead(ctx, mark.ids, time.Now(), jid, mark.sender); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

// ChatMessages returns at most limit most-recent messages from the local
// recent cache, newest first. It never forces a network re-sync.
func (a *Adapter) ChatMessages(_ context.Context, chatID string, limit int) ([]model.MessagePayload, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	msgs := a.recent[chatID]
	if limit <= 0 || limit > len(msgs) {
		limit = len(msgs)
	}
	out := make([]model.MessagePayload, 0, limit)
	for i := len(msgs) - 1; i >= len(msgs)-limit; i-- {
		out = append(out, msgs[i])
	}
	return out, nil
}

// DownloadMedia fetches the attachment of a recently seen message.
func (a *Adapter) DownloadMedia(ctx context.Context, msg *provider.RawMessage) (*model.MediaPayload, error) {
	native, ok := a.pendingMedia.Get(msg.ID)
	if !ok {
		return nil, fmt.Errorf("no pending media for message %s", msg.ID)
	}
	data, err := a.client.DownloadAny(ctx, native)
	if err != nil {
		return nil, fmt.Errorf("download media: %w", err)
	}
	return &model.MediaPayload{
		Data:     data,
		Mimetype: msg.Mimetype,
		Filename: mediaFilename(msg),
	}, nil
}

func (a *Adapter) resolveLID(ctx context.Context, jid types.JID) types.JID {
	if a.client.Store.LIDs == nil {
		return jid
	}
	pn, err := a.client.Store.LIDs.GetPNForLID(ctx, jid)
	if err != nil || pn.IsEmpty() {
		return jid
	}
	return pn
}

func (a *Adapter) remember(chatID string, msg model.MessagePayload) {
	a.mu.Lock()
	defer a.mu.Unlock()
	msgs := append(a.recent[chatID], msg)
	if len(msgs) > recentPerChat {
		msgs = msgs[len(msgs)-recentPerChat:]
	}
	a.recent[chatID] = msgs
}

func (a *Adapter) forget(chatID, messageID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	msgs := a.recent[chatID]
	for i, m := range msgs {
		if m.ID == messageID {
			a.recent[chatID] = append(msgs[:i], msgs[i+1:]...)
			return
		}
	}
}

// emit forwards one event to the dispatcher. Sends block under
// backpressure rather than drop: state-bearing events and messages must
// all arrive, in order. Close releases a blocked sender.
func (a *Adapter) emit(evt provider.Event) {
	a.emitMu.RLock()
	defer a.emitMu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.events <- evt:
	case <-a.stop:
	}
}
