// Package provider defines the contract one underlying messaging client
// implementation must satisfy so that structurally different clients can be
// swapped behind the gateway without touching the pipeline or the state
// machine.
package provider

import (
	"context"

	"github.com/hubdesk/wagate/internal/model"
	"go.uber.org/zap"
)

// Media is an outbound attachment.
type Media struct {
	Data     []byte
	Mimetype string
	Filename string
	Caption  string
	// Voice marks audio as a push-to-talk voice note.
	Voice bool
}

// SendOptions carries optional send parameters.
type SendOptions struct {
	QuotedID string
}

// Provider is one account-connection against the messaging network. A
// Provider instance is owned by exactly one gateway session; Init is called
// once and Events is consumed by a single dispatcher loop.
type Provider interface {
	// Init establishes the connection. When no stored credentials exist the
	// provider emits QR events until paired. Callable again after a
	// disconnect to re-establish the socket; exclusivity with respect to a
	// prior live session for the same connection id is enforced one level
	// up, by the session registry's teardown-before-replace rule.
	Init(ctx context.Context) error

	// Events returns the provider's raw event stream. The channel is closed
	// when the provider shuts down; events arrive in network order.
	Events() <-chan Event

	// Close tears the socket down and releases resources, keeping stored
	// credentials so a later Init can resume the session.
	Close(ctx context.Context) error

	// Logout invalidates the device registration on the network. Terminal:
	// a later Init starts a fresh QR cycle.
	Logout(ctx context.Context) error

	// ResetCredentials discards the provider's locally stored credentials
	// without touching the network. After it returns, the next Init walks
	// a fresh QR cycle instead of resuming the old registration.
	ResetCredentials(ctx context.Context) error

	// SendMessage sends a text message. The returned payload has FromMe set
	// and an ack reflecting at least server-acknowledged.
	SendMessage(ctx context.Context, to, body string, opts SendOptions) (*model.MessagePayload, error)

	// SendMedia sends an attachment with an optional caption.
	SendMedia(ctx context.Context, to string, media Media, opts SendOptions) (*model.MessagePayload, error)

	// DeleteMessage retracts the sender's record of a message. Best effort:
	// the remote copy may survive, network-dependent.
	DeleteMessage(ctx context.Context, chatID, messageID string, fromMe bool) error

	// CheckNumber resolves a human-entered number to the network's canonical
	// identity string. Returns ErrNumberNotRegistered when the number has no
	// account; callers must not treat that as a transient failure.
	CheckNumber(ctx context.Context, number string) (string, error)

	// ProfilePicURL returns the profile picture URL for a number, or empty
	// when none is visible.
	ProfilePicURL(ctx context.Context, number string) (string, error)

	// Contacts lists the connection's known contacts.
	Contacts(ctx context.Context) ([]model.ContactPayload, error)

	// SendSeen marks a chat read.
	SendSeen(ctx context.Context, chatID string) error

	// ChatMessages returns at most limit most-recent messages for a chat
	// from local state. It never forces a network re-sync of older history.
	ChatMessages(ctx context.Context, chatID string, limit int) ([]model.MessagePayload, error)

	// DownloadMedia fetches the attachment of a raw message. Called lazily,
	// only for messages the pipeline accepted with HasMedia set.
	DownloadMedia(ctx context.Context, msg *RawMessage) (*model.MediaPayload, error)
}

// Config is what a factory needs to build a provider for one connection.
type Config struct {
	Connection model.Connection
	// Dir is the per-connection state directory (session database, scratch).
	Dir    string
	Logger *zap.Logger
}

// Factory builds a provider implementation for one connection.
type Factory func(ctx context.Context, cfg Config) (Provider, error)

// Selector maps implementation names to factories; the provider-selection
// contract of the gateway.
type Selector struct {
	factories   map[string]Factory
	defaultName string
}

// NewSelector creates a selector with the given default implementation name.
func NewSelector(defaultName string) *Selector {
	return &Selector{
		factories:   make(map[string]Factory),
		defaultName: defaultName,
	}
}

// Register binds a factory to an implementation name.
func (s *Selector) Register(name string, f Factory) {
	s.factories[name] = f
}

// New builds the provider selected by the connection record, falling back
// to the selector's default.
func (s *Selector) New(ctx context.Context, cfg Config) (Provider, error) {
	name := cfg.Connection.Provider
	if name == "" {
		name = s.defaultName
	}
	f, ok := s.factories[name]
	if !ok {
		return nil, &UnknownProviderError{Name: name}
	}
	return f(ctx, cfg)
}
