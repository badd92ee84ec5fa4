// Package state drives the per-connection status lifecycle and the
// external notifications that accompany it.
package state

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/hubdesk/wagate/internal/bus"
	"github.com/hubdesk/wagate/internal/model"
	"go.uber.org/zap"
)

// State is a connection lifecycle status. QR issuance is a sub-state of an
// opening connection awaiting scan, not a separate phase.
type State string

const (
	Opening      State = "OPENING"
	QRCode       State = "qrcode"
	Connected    State = "CONNECTED"
	Disconnected State = "DISCONNECTED"
)

// validTransitions defines allowed status transitions. A transition to the
// current state (QR rotation, repeated reconnects) is always allowed.
var validTransitions = map[State][]State{
	Opening:      {QRCode, Connected, Disconnected},
	QRCode:       {Connected, Disconnected},
	Connected:    {Opening, Disconnected},
	Disconnected: {Opening},
}

// Persist is the connection-persistence collaborator contract. The machine
// awaits the write before emitting the status notification.
type Persist interface {
	UpdateConnection(id int64, status, qrcode string, retries int, session []byte) error
}

// Machine tracks one connection's status, retry counter, QR payload and
// credential blob, persisting and broadcasting the full record on every
// externally visible change.
type Machine struct {
	mu      sync.RWMutex
	conn    model.Connection
	persist Persist
	bus     *bus.Bus
	logger  *zap.Logger
}

// NewMachine creates a machine for the given connection record.
// Construction issues OPENING.
func NewMachine(conn model.Connection, persist Persist, b *bus.Bus, logger *zap.Logger) *Machine {
	conn.Status = string(Opening)
	return &Machine{
		conn:    conn,
		persist: persist,
		bus:     b,
		logger:  logger,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return State(m.conn.Status)
}

// Snapshot returns a copy of the connection record.
func (m *Machine) Snapshot() model.Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conn
}

// Retries returns the current auth retry counter.
func (m *Machine) Retries() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conn.Retries
}

// SetSession records the latest credential blob on the in-memory record.
// Durability is the debouncer's job; this only keeps the broadcast record
// current.
func (m *Machine) SetSession(session []byte) {
	m.mu.Lock()
	m.conn.Session = session
	m.mu.Unlock()
}

// SetQR stores a newly issued QR payload, moves to the qrcode state and
// notifies observers. Codes rotate while unscanned; every new code is
// persisted and broadcast again, both on the status topic and on the
// dedicated QR topic for subscribers that only render pairing codes.
func (m *Machine) SetQR(code string) error {
	if err := m.apply(QRCode, func(c *model.Connection) {
		c.QRCode = code
	}); err != nil {
		return err
	}
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:         bus.KindConnectionQR,
			ConnectionID: m.conn.ID,
			Timestamp:    time.Now(),
			Payload:      code,
		})
	}
	return nil
}

// Authenticated marks a successful handshake: retry counter resets, the QR
// payload is cleared and the connection becomes CONNECTED.
func (m *Machine) Authenticated() error {
	return m.apply(Connected, func(c *model.Connection) {
		c.QRCode = ""
		c.Retries = 0
	})
}

// TransientDisconnect moves the connection back to OPENING ahead of a
// bounded-delay reconnect attempt.
func (m *Machine) TransientDisconnect() error {
	return m.apply(Opening, nil)
}

// Reopen moves a terminally disconnected connection back to OPENING when a
// human re-initiates the QR cycle.
func (m *Machine) Reopen() error {
	return m.apply(Opening, nil)
}

// Logout moves to DISCONNECTED, clearing stored credentials and QR and
// resetting the retry counter. Terminal until a human re-initiates via QR.
func (m *Machine) Logout() error {
	return m.apply(Disconnected, func(c *model.Connection) {
		c.QRCode = ""
		c.Session = nil
		c.Retries = 0
	})
}

// AuthFailure increments the retry counter. Once the counter exceeds
// maxRetries the stored credentials are wiped and the counter resets,
// forcing a fresh QR cycle; wiped reports whether that happened.
func (m *Machine) AuthFailure(maxRetries int) (wiped bool, err error) {
	m.mu.Lock()
	m.conn.Retries++
	if m.conn.Retries > maxRetries {
		m.conn.Session = nil
		m.conn.Retries = 0
		wiped = true
	}
	conn := m.conn
	m.mu.Unlock()

	if err := m.persistAndNotify(conn); err != nil {
		return wiped, err
	}
	return wiped, nil
}

// apply performs a validated transition, runs mutate on the record, then
// persists and broadcasts it.
func (m *Machine) apply(to State, mutate func(*model.Connection)) error {
	m.mu.Lock()
	from := State(m.conn.Status)
	if from != to && !slices.Contains(validTransitions[from], to) {
		m.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	m.conn.Status = string(to)
	if mutate != nil {
		mutate(&m.conn)
	}
	conn := m.conn
	m.mu.Unlock()

	if from != to {
		m.logger.Info("connection status changed",
			zap.String("from", string(from)),
			zap.String("to", string(to)))
	}
	return m.persistAndNotify(conn)
}

func (m *Machine) persistAndNotify(conn model.Connection) error {
	// Persistence completes before observers hear about the change;
	// duplicate notifications are acceptable, missed ones are not.
	if err := m.persist.UpdateConnection(conn.ID, conn.Status, conn.QRCode, conn.Retries, conn.Session); err != nil {
		m.logger.Error("persist connection failed", zap.Int64("connection", conn.ID), zap.Error(err))
		return err
	}
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:         bus.KindConnectionStatus,
			ConnectionID: conn.ID,
			Timestamp:    time.Now(),
			Payload:      conn,
		})
	}
	return nil
}
