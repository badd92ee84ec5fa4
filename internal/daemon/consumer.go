package daemon

import (
	"context"

	"github.com/hubdesk/wagate/internal/model"
	"go.uber.org/zap"
)

// eventLogger is the default pipeline consumer: it records each handoff in
// the daemon log. Deployments embedding the gateway swap in their own
// consumer to route payloads into their ticketing or queueing layer.
type eventLogger struct {
	logger *zap.Logger
}

func newEventLogger(logger *zap.Logger) *eventLogger {
	return &eventLogger{logger: logger}
}

func (e *eventLogger) HandleMessage(_ context.Context, msg model.MessagePayload, contact model.ContactPayload, _ model.ContextPayload, media *model.MediaPayload) error {
	e.logger.Info("message",
		zap.String("id", msg.ID),
		zap.String("type", string(msg.Type)),
		zap.String("from", contact.Number),
		zap.Bool("from_me", msg.FromMe),
		zap.Bool("has_media", media != nil))
	return nil
}

func (e *eventLogger) HandleAck(_ context.Context, ack model.AckEvent) error {
	e.logger.Info("ack",
		zap.String("id", ack.MessageID),
		zap.Int("ack", int(ack.Ack)))
	return nil
}
