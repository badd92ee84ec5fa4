// Package gateway supervises live connection sessions: it owns the
// per-connection dispatcher loop that turns the provider's raw event
// stream into state transitions, credential writes and pipeline work.
package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/hubdesk/wagate/internal/keystore"
	"github.com/hubdesk/wagate/internal/model"
	"github.com/hubdesk/wagate/internal/pipeline"
	"github.com/hubdesk/wagate/internal/provider"
	"github.com/hubdesk/wagate/internal/state"
	"go.uber.org/zap"
)

// Session is the live handle for one connection. It consumes the
// provider's event stream on a single dispatcher goroutine, so state
// transitions and pipeline calls happen in network order.
type Session struct {
	conn      model.Connection
	prov      provider.Provider
	machine   *state.Machine
	pipe      *pipeline.Pipeline
	debouncer *keystore.Debouncer
	keys      *keystore.Store
	logger    *zap.Logger

	reconnectDelay   time.Duration
	handshakeTimeout time.Duration
	maxAuthRetries   int

	// onTerminal is invoked from the dispatcher when the session ends on
	// its own (remote logout). It must not block.
	onTerminal func()

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu          sync.Mutex
	terminating bool

	closeOnce sync.Once
}

// ID returns the connection id this session serves.
func (s *Session) ID() int64 {
	return s.conn.ID
}

// Status returns the connection's current lifecycle status.
func (s *Session) Status() state.State {
	return s.machine.Current()
}

// Snapshot returns the connection record as the state machine sees it.
func (s *Session) Snapshot() model.Connection {
	return s.machine.Snapshot()
}

// start launches the dispatcher and performs the initial connect. The
// dispatcher must be draining events before Init so nothing emitted
// during the handshake is lost.
func (s *Session) start(ctx context.Context) error {
	go s.run()
	if err := s.prov.Init(ctx); err != nil {
		return err
	}
	s.armHandshakeTimer()
	return nil
}

func (s *Session) run() {
	defer close(s.done)
	for evt := range s.prov.Events() {
		s.handle(evt)
	}
}

func (s *Session) handle(evt provider.Event) {
	ctx := s.ctx
	switch evt.Kind {
	case provider.EventQR:
		qr, err := renderQR(evt.QRCode)
		if err != nil {
			s.logger.Warn("render QR", zap.Error(err))
			qr = evt.QRCode
		}
		if err := s.machine.SetQR(qr); err != nil {
			s.logger.Warn("set QR", zap.Error(err))
		}

	case provider.EventPairSuccess:
		s.logger.Info("device paired")

	case provider.EventCredentials:
		s.machine.SetSession(evt.Credentials)
		s.debouncer.Update(evt.Credentials)
		s.storeCredentials(ctx, evt.Credentials)

	case provider.EventConnected:
		// Credentials hit the durable store before observers are told the
		// connection is usable.
		if err := s.debouncer.Flush(ctx); err != nil {
			s.logger.Error("flush credentials", zap.Error(err))
		}
		if err := s.machine.Authenticated(); err != nil {
			s.logger.Warn("mark authenticated", zap.Error(err))
		}

	case provider.EventMessage:
		s.pipe.ProcessMessage(ctx, evt.Message)

	case provider.EventReceipt:
		s.pipe.ProcessReceipt(ctx, evt.Receipt)

	case provider.EventHistorySync:
		s.pipe.ProcessHistory(ctx, evt.History)

	case provider.EventDisconnected:
		if s.isTerminating() {
			return
		}
		s.logger.Info("transient disconnect", zap.String("reason", evt.Reason))
		if err := s.debouncer.Flush(ctx); err != nil {
			s.logger.Error("flush credentials", zap.Error(err))
		}
		if err := s.machine.TransientDisconnect(); err != nil {
			s.logger.Warn("mark disconnected", zap.Error(err))
		}
		s.scheduleReconnect()

	case provider.EventAuthFailure:
		s.handleAuthFailure(ctx, evt.Reason)

	case provider.EventLoggedOut:
		s.handleRemoteLogout(ctx, evt.Reason)
	}
}

// Key-store addressing for the connection's own credential material.
const (
	credentialDevice = "primary"
	credentialKeyID  = "snapshot"
)

// storeCredentials mirrors the latest credential blob into the key store.
// The hot copy is session-scoped and vanishes with the registration; the
// durable copy records which registration the state directory belongs to
// and survives restarts.
func (s *Session) storeCredentials(ctx context.Context, blob []byte) {
	values := map[string][]byte{credentialKeyID: blob}
	if err := s.keys.Set(ctx, s.conn.ID, credentialDevice, keystore.TypeSession, values); err != nil {
		s.logger.Warn("cache credentials", zap.Error(err))
	}
	if err := s.keys.Set(ctx, s.conn.ID, credentialDevice, keystore.TypeIdentity, values); err != nil {
		s.logger.Warn("persist identity record", zap.Error(err))
	}
}

func (s *Session) handleAuthFailure(ctx context.Context, reason string) {
	if s.isTerminating() {
		return
	}
	wiped, err := s.machine.AuthFailure(s.maxAuthRetries)
	if err != nil {
		s.logger.Warn("record auth failure", zap.Error(err))
	}
	s.logger.Warn("auth failure",
		zap.String("reason", reason),
		zap.Int("retries", s.machine.Retries()),
		zap.Bool("credentials_wiped", wiped))
	if wiped {
		s.debouncer.Cancel()
		if err := s.prov.ResetCredentials(ctx); err != nil {
			s.logger.Error("reset provider credentials", zap.Error(err))
		}
		if err := s.keys.PurgeAll(ctx, s.conn.ID); err != nil {
			s.logger.Error("purge keys", zap.Error(err))
		}
	} else if err := s.debouncer.Flush(ctx); err != nil {
		s.logger.Error("flush credentials", zap.Error(err))
	}
	s.scheduleReconnect()
}

// handleRemoteLogout reacts to the network invalidating this device: the
// session ends and the connection parks DISCONNECTED until a human pairs
// it again.
func (s *Session) handleRemoteLogout(ctx context.Context, reason string) {
	if s.isTerminating() {
		return
	}
	s.logger.Warn("logged out by remote", zap.String("reason", reason))
	s.setTerminating()
	s.debouncer.Cancel()
	if err := s.keys.PurgeAll(ctx, s.conn.ID); err != nil {
		s.logger.Error("purge keys", zap.Error(err))
	}
	if err := s.machine.Logout(); err != nil {
		s.logger.Warn("mark logged out", zap.Error(err))
	}
	if s.onTerminal != nil {
		s.onTerminal()
	}
	go s.prov.Close(context.Background())
}

// scheduleReconnect arms a delayed re-init. The delay is mandatory; an
// immediate retry loop against the network is never correct here.
func (s *Session) scheduleReconnect() {
	timer := time.NewTimer(s.reconnectDelay)
	go func() {
		defer timer.Stop()
		select {
		case <-s.ctx.Done():
			return
		case <-timer.C:
		}
		if s.isTerminating() {
			return
		}
		if err := s.machine.Reopen(); err != nil {
			s.logger.Warn("reopen", zap.Error(err))
		}
		if err := s.prov.Init(s.ctx); err != nil {
			s.logger.Error("reconnect", zap.Error(err))
			s.scheduleReconnect()
			return
		}
		s.armHandshakeTimer()
	}()
}

// armHandshakeTimer bounds the opening handshake. A connection stuck in
// OPENING past the deadline without reaching qrcode or CONNECTED is
// treated as a failed attempt.
func (s *Session) armHandshakeTimer() {
	if s.handshakeTimeout <= 0 {
		return
	}
	timer := time.NewTimer(s.handshakeTimeout)
	go func() {
		defer timer.Stop()
		select {
		case <-s.ctx.Done():
			return
		case <-timer.C:
		}
		if s.isTerminating() || s.machine.Current() != state.Opening {
			return
		}
		s.logger.Warn("handshake timeout", zap.Duration("after", s.handshakeTimeout))
		if err := s.machine.TransientDisconnect(); err != nil {
			s.logger.Warn("mark disconnected", zap.Error(err))
		}
		s.scheduleReconnect()
	}()
}

// Logout invalidates the device registration and parks the connection
// DISCONNECTED. Pending credential writes are flushed first so the logout
// decision is taken against current state, then cancelled so nothing
// resurrects wiped credentials afterward.
func (s *Session) Logout(ctx context.Context) error {
	s.setTerminating()
	if err := s.debouncer.Flush(ctx); err != nil {
		s.logger.Error("flush credentials", zap.Error(err))
	}
	logoutErr := s.prov.Logout(ctx)
	s.debouncer.Cancel()
	if err := s.keys.PurgeAll(ctx, s.conn.ID); err != nil {
		s.logger.Error("purge keys", zap.Error(err))
	}
	if err := s.machine.Logout(); err != nil {
		s.logger.Warn("mark logged out", zap.Error(err))
	}
	s.teardown(ctx)
	return logoutErr
}

// Shutdown stops the session, keeping credentials so a later start
// resumes without a new QR cycle.
func (s *Session) Shutdown(ctx context.Context) error {
	s.setTerminating()
	if err := s.debouncer.Flush(ctx); err != nil {
		s.logger.Error("flush credentials", zap.Error(err))
	}
	s.debouncer.Cancel()
	s.teardown(ctx)
	return nil
}

func (s *Session) teardown(ctx context.Context) {
	s.closeOnce.Do(func() {
		s.cancel()
		if err := s.prov.Close(ctx); err != nil {
			s.logger.Warn("close provider", zap.Error(err))
		}
		select {
		case <-s.done:
		case <-ctx.Done():
		case <-time.After(5 * time.Second):
			s.logger.Warn("dispatcher did not drain in time")
		}
	})
}

func (s *Session) setTerminating() {
	s.mu.Lock()
	s.terminating = true
	s.mu.Unlock()
}

func (s *Session) isTerminating() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminating
}
