// Package pipeline converts raw provider events into canonical payloads
// and hands them to the external event consumer.
package pipeline

import (
	"context"
	"time"

	"github.com/hubdesk/wagate/internal/bus"
	"github.com/hubdesk/wagate/internal/cache"
	"github.com/hubdesk/wagate/internal/model"
	"github.com/hubdesk/wagate/internal/provider"
	"go.uber.org/zap"
)

// Consumer receives normalized payloads. Business logic (ticket creation,
// queue routing) lives entirely behind this boundary; the pipeline's
// responsibility ends at handing off well-formed, filtered, deduplicated
// payloads.
type Consumer interface {
	HandleMessage(ctx context.Context, msg model.MessagePayload, contact model.ContactPayload, meta model.ContextPayload, media *model.MediaPayload) error
	HandleAck(ctx context.Context, ack model.AckEvent) error
}

// MediaFetcher downloads a raw message's attachment on demand.
type MediaFetcher interface {
	DownloadMedia(ctx context.Context, msg *provider.RawMessage) (*model.MediaPayload, error)
}

// Pipeline normalizes one connection's raw events. Distinct messages are
// independent; the per-connection dispatcher serializes calls, and the only
// shared state is the bounded caches.
type Pipeline struct {
	connectionID int64
	fetcher      MediaFetcher
	consumer     Consumer
	bus          *bus.Bus
	guard        *AckGuard
	// inbound keeps recently normalized messages so receipt reconciliation
	// and chat-history reads need no network round trip.
	inbound  *cache.TTL[model.MessagePayload]
	outbound *cache.TTL[model.MessagePayload]
	// unread counts inbound messages per chat since the account's own
	// last reply, carried on message context.
	unread *cache.TTL[int]
	logger *zap.Logger
}

// New creates a pipeline for one connection.
func New(connectionID int64, fetcher MediaFetcher, consumer Consumer, b *bus.Bus, ttl time.Duration, maxEntries int, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		connectionID: connectionID,
		fetcher:      fetcher,
		consumer:     consumer,
		bus:          b,
		guard:        NewAckGuard(cache.NewTTL[model.Ack](ttl, maxEntries)),
		inbound:      cache.NewTTL[model.MessagePayload](ttl, maxEntries),
		outbound:     cache.NewTTL[model.MessagePayload](ttl, maxEntries),
		unread:       cache.NewTTL[int](ttl, maxEntries),
		logger:       logger,
	}
}

// ProcessMessage filters, normalizes and hands off one raw message. Errors
// are logged per event and never propagate; one bad message must not stop
// the connection's event stream.
func (p *Pipeline) ProcessMessage(ctx context.Context, raw *provider.RawMessage) {
	if !ShouldHandle(raw) {
		return
	}

	msg, contact, meta := Normalize(p.connectionID, raw)
	meta.UnreadCount = p.bumpUnread(meta.ChatID, msg.FromMe)

	var media *model.MediaPayload
	if msg.HasMedia {
		var err error
		media, err = p.fetcher.DownloadMedia(ctx, raw)
		if err != nil {
			// The message is still delivered, without attachment.
			p.logger.Warn("media download failed",
				zap.String("msg_id", msg.ID),
				zap.Error(err))
			media = nil
		}
	}

	p.guard.Raise(msg.ID, msg.Ack)
	if msg.FromMe {
		p.outbound.Set(msg.ID, msg)
	} else {
		p.inbound.Set(msg.ID, msg)
	}

	if err := p.consumer.HandleMessage(ctx, msg, contact, meta, media); err != nil {
		p.logger.Error("consumer rejected message",
			zap.String("msg_id", msg.ID),
			zap.Error(err))
		return
	}

	p.bus.Publish(bus.Event{
		Kind:         bus.KindMessageCreated,
		ConnectionID: p.connectionID,
		Timestamp:    time.Now(),
		Payload:      msg,
	})
	p.bus.Publish(bus.Event{
		Kind:         bus.KindContactUpserted,
		ConnectionID: p.connectionID,
		Timestamp:    time.Now(),
		Payload:      contact,
	})
}

// bumpUnread maintains the per-chat unread counter: inbound messages
// raise it, the account's own message in the chat clears it.
func (p *Pipeline) bumpUnread(chatID string, fromMe bool) int {
	if fromMe {
		p.unread.Set(chatID, 0)
		return 0
	}
	n, _ := p.unread.Get(chatID)
	n++
	p.unread.Set(chatID, n)
	return n
}

// ProcessReceipt maps a delivery receipt onto the ack scale and hands each
// advancing transition to the consumer. Receipts that would lower a
// message's recorded level are suppressed, as are receipt kinds that do
// not describe delivery progress.
func (p *Pipeline) ProcessReceipt(ctx context.Context, receipt *provider.RawReceipt) {
	level, ok := mapAck(receipt)
	if !ok {
		p.logger.Debug("ignoring receipt kind", zap.String("kind", receipt.Kind))
		return
	}
	for _, id := range receipt.MessageIDs {
		if !p.guard.Raise(id, level) {
			continue
		}
		ack := model.AckEvent{MessageID: id, Ack: level}
		if err := p.consumer.HandleAck(ctx, ack); err != nil {
			p.logger.Error("consumer rejected ack",
				zap.String("msg_id", id),
				zap.Error(err))
			continue
		}
		p.bus.Publish(bus.Event{
			Kind:         bus.KindMessageAck,
			ConnectionID: p.connectionID,
			Timestamp:    time.Now(),
			Payload:      ack,
		})
	}
}

// ProcessHistory drains a backlog batch through the normal message path.
func (p *Pipeline) ProcessHistory(ctx context.Context, batch []*provider.RawMessage) {
	for _, raw := range batch {
		p.ProcessMessage(ctx, raw)
	}
}

// RecordOutbound caches a payload returned by a provider send so retries
// and receipt reconciliation can find it.
func (p *Pipeline) RecordOutbound(msg model.MessagePayload) {
	p.outbound.Set(msg.ID, msg)
	p.guard.Raise(msg.ID, msg.Ack)
}

// Lookup returns a recently seen message by id, checking the outbound
// cache first. Used for retry and delete flows so they need no network
// round trip.
func (p *Pipeline) Lookup(messageID string) (model.MessagePayload, bool) {
	if msg, ok := p.outbound.Get(messageID); ok {
		return msg, true
	}
	return p.inbound.Get(messageID)
}
