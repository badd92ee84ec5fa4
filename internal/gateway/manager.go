package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/hubdesk/wagate/internal/bus"
	"github.com/hubdesk/wagate/internal/config"
	"github.com/hubdesk/wagate/internal/keystore"
	"github.com/hubdesk/wagate/internal/model"
	"github.com/hubdesk/wagate/internal/pipeline"
	"github.com/hubdesk/wagate/internal/provider"
	"github.com/hubdesk/wagate/internal/session"
	"github.com/hubdesk/wagate/internal/state"
	"github.com/hubdesk/wagate/internal/store"
	"go.uber.org/zap"
)

// Manager owns the session registry and builds sessions on demand. All
// message operations resolve the live session for a connection id;
// operating on a connection with no live session is an error, never an
// implicit start.
type Manager struct {
	db       *store.DB
	bus      *bus.Bus
	registry *session.Registry
	selector *provider.Selector
	keys     *keystore.Store
	paths    session.Paths
	consumer pipeline.Consumer
	cfg      config.Gateway
	logger   *zap.Logger
}

// NewManager wires a manager from its collaborators.
func NewManager(db *store.DB, b *bus.Bus, registry *session.Registry, selector *provider.Selector, keys *keystore.Store, paths session.Paths, consumer pipeline.Consumer, cfg config.Gateway, logger *zap.Logger) *Manager {
	return &Manager{
		db:       db,
		bus:      b,
		registry: registry,
		selector: selector,
		keys:     keys,
		paths:    paths,
		consumer: consumer,
		cfg:      cfg,
		logger:   logger,
	}
}

// CreateConnection registers a new connection record. The session starts
// separately; a record can exist without ever having been started.
func (m *Manager) CreateConnection(name, providerName string) (int64, error) {
	return m.db.CreateConnection(name, providerName)
}

// Connection returns the connection record, preferring the live session's
// view over the stored one.
func (m *Manager) Connection(id int64) (*model.Connection, error) {
	if h, ok := m.registry.Get(id); ok {
		if s, ok := h.(*Session); ok {
			snap := s.Snapshot()
			return &snap, nil
		}
	}
	return m.db.GetConnection(id)
}

// StartSession builds and starts a session for the connection. Any
// existing session for the same id is torn down first, so at most one
// live handle exists per connection.
func (m *Manager) StartSession(ctx context.Context, id int64) error {
	conn, err := m.db.GetConnection(id)
	if err != nil {
		return fmt.Errorf("load connection %d: %w", id, err)
	}
	if conn == nil {
		return fmt.Errorf("connection %d not found", id)
	}
	if err := m.paths.EnsureConnectionDir(id); err != nil {
		return fmt.Errorf("ensure connection dir: %w", err)
	}

	log := m.logger.With(zap.Int64("connection_id", id), zap.String("name", conn.Name))

	prov, err := m.selector.New(ctx, provider.Config{
		Connection: *conn,
		Dir:        m.paths.ConnectionDir(id),
		Logger:     log,
	})
	if err != nil {
		return err
	}

	machine := state.NewMachine(*conn, m.db, m.bus, log)
	debouncer := keystore.NewDebouncer(
		time.Duration(m.cfg.CredentialDebounceMillis)*time.Millisecond,
		func(_ context.Context, blob []byte) error {
			return m.db.UpdateSession(id, blob)
		},
		log,
	)
	pipe := pipeline.New(id, prov, m.consumer, m.bus,
		time.Duration(m.cfg.MessageCacheTTLMinutes)*time.Minute,
		m.cfg.MessageCacheSize, log)

	sessCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		conn:             *conn,
		prov:             prov,
		machine:          machine,
		pipe:             pipe,
		debouncer:        debouncer,
		keys:             m.keys,
		logger:           log,
		reconnectDelay:   time.Duration(m.cfg.ReconnectDelaySeconds) * time.Second,
		handshakeTimeout: time.Duration(m.cfg.HandshakeTimeoutSeconds) * time.Second,
		maxAuthRetries:   m.cfg.MaxAuthRetries,
		ctx:              sessCtx,
		cancel:           cancel,
		done:             make(chan struct{}),
	}
	s.onTerminal = func() { m.registry.Evict(s) }

	if err := m.registry.Put(ctx, s); err != nil {
		log.Warn("previous session teardown", zap.Error(err))
	}
	if err := s.start(ctx); err != nil {
		m.registry.Evict(s)
		s.teardown(ctx)
		return fmt.Errorf("start session %d: %w", id, err)
	}
	log.Info("session started", zap.String("provider", conn.Provider))
	return nil
}

// RemoveSession tears the session down, keeping credentials for a later
// resume. Removing a connection with no live session is a no-op.
func (m *Manager) RemoveSession(ctx context.Context, id int64) error {
	_, err := m.registry.Remove(ctx, id)
	return err
}

// Logout invalidates the connection's device registration and removes the
// session. The connection record survives, parked DISCONNECTED.
func (m *Manager) Logout(ctx context.Context, id int64) error {
	s, err := m.resolve(id)
	if err != nil {
		return err
	}
	logoutErr := s.Logout(ctx)
	m.registry.Evict(s)
	return logoutErr
}

// DeleteConnection stops any live session, purges cached key material and
// removes the record with its device keys.
func (m *Manager) DeleteConnection(ctx context.Context, id int64) error {
	if _, err := m.registry.Remove(ctx, id); err != nil {
		m.logger.Warn("session teardown", zap.Int64("connection_id", id), zap.Error(err))
	}
	if err := m.keys.PurgeAll(ctx, id); err != nil {
		m.logger.Warn("purge keys", zap.Int64("connection_id", id), zap.Error(err))
	}
	return m.db.DeleteConnection(id)
}

// Boot starts sessions for every enabled connection. Individual failures
// are logged, not fatal; one broken connection must not hold the rest
// down.
func (m *Manager) Boot(ctx context.Context) error {
	conns, err := m.db.ListEnabledConnections()
	if err != nil {
		return fmt.Errorf("list connections: %w", err)
	}
	for _, conn := range conns {
		if err := m.StartSession(ctx, conn.ID); err != nil {
			m.logger.Error("boot connection",
				zap.Int64("connection_id", conn.ID),
				zap.String("name", conn.Name),
				zap.Error(err))
		}
	}
	return nil
}

// ShutdownAll tears down every live session.
func (m *Manager) ShutdownAll(ctx context.Context) {
	for _, id := range m.registry.IDs() {
		if _, err := m.registry.Remove(ctx, id); err != nil {
			m.logger.Warn("session teardown", zap.Int64("connection_id", id), zap.Error(err))
		}
	}
}

func (m *Manager) resolve(id int64) (*Session, error) {
	h, ok := m.registry.Get(id)
	if !ok {
		return nil, provider.ErrNotInitialized
	}
	s, ok := h.(*Session)
	if !ok {
		return nil, provider.ErrNotInitialized
	}
	return s, nil
}

// resolveConnected additionally requires a completed handshake; sends
// against a connection that is pairing or reconnecting fail fast.
func (m *Manager) resolveConnected(id int64) (*Session, error) {
	s, err := m.resolve(id)
	if err != nil {
		return nil, err
	}
	if s.Status() != state.Connected {
		return nil, provider.ErrNotInitialized
	}
	return s, nil
}

// SendMessage sends a text message through the connection's session and
// records it for later receipt reconciliation.
func (m *Manager) SendMessage(ctx context.Context, id int64, to, body string, opts provider.SendOptions) (*model.MessagePayload, error) {
	s, err := m.resolveConnected(id)
	if err != nil {
		return nil, err
	}
	msg, err := s.prov.SendMessage(ctx, to, body, opts)
	if err != nil {
		return nil, err
	}
	s.pipe.RecordOutbound(*msg)
	return msg, nil
}

// SendMedia sends an attachment through the connection's session.
func (m *Manager) SendMedia(ctx context.Context, id int64, to string, media provider.Media, opts provider.SendOptions) (*model.MessagePayload, error) {
	s, err := m.resolveConnected(id)
	if err != nil {
		return nil, err
	}
	msg, err := s.prov.SendMedia(ctx, to, media, opts)
	if err != nil {
		return nil, err
	}
	s.pipe.RecordOutbound(*msg)
	return msg, nil
}

// DeleteMessage retracts a message. The recent-message caches tell us the
// chat and direction; a message they no longer remember cannot be
// retracted through the gateway.
func (m *Manager) DeleteMessage(ctx context.Context, id int64, messageID string) error {
	s, err := m.resolveConnected(id)
	if err != nil {
		return err
	}
	msg, ok := s.pipe.Lookup(messageID)
	if !ok {
		return fmt.Errorf("message %s not found", messageID)
	}
	chat := msg.To
	if !msg.FromMe {
		chat = msg.From
	}
	return s.prov.DeleteMessage(ctx, chat, messageID, msg.FromMe)
}

// CheckNumber resolves a number to its canonical network identity.
func (m *Manager) CheckNumber(ctx context.Context, id int64, number string) (string, error) {
	s, err := m.resolveConnected(id)
	if err != nil {
		return "", err
	}
	return s.prov.CheckNumber(ctx, number)
}

// ProfilePicURL returns a contact's profile picture URL.
func (m *Manager) ProfilePicURL(ctx context.Context, id int64, number string) (string, error) {
	s, err := m.resolveConnected(id)
	if err != nil {
		return "", err
	}
	return s.prov.ProfilePicURL(ctx, number)
}

// Contacts lists the connection's contacts.
func (m *Manager) Contacts(ctx context.Context, id int64) ([]model.ContactPayload, error) {
	s, err := m.resolveConnected(id)
	if err != nil {
		return nil, err
	}
	return s.prov.Contacts(ctx)
}

// SendSeen marks a chat read.
func (m *Manager) SendSeen(ctx context.Context, id int64, chatID string) error {
	s, err := m.resolveConnected(id)
	if err != nil {
		return err
	}
	return s.prov.SendSeen(ctx, chatID)
}

// ChatMessages returns a chat's recent messages from local state.
func (m *Manager) ChatMessages(ctx context.Context, id int64, chatID string, limit int) ([]model.MessagePayload, error) {
	s, err := m.resolve(id)
	if err != nil {
		return nil, err
	}
	return s.prov.ChatMessages(ctx, chatID, limit)
}
