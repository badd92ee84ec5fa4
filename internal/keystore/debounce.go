package keystore

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// WriteFunc persists a credential blob durably.
type WriteFunc func(ctx context.Context, session []byte) error

// Debouncer coalesces rapid credential-update bursts into a single durable
// write of the last value. A pending write must be flushed synchronously
// before a reconnect, a logout, or a transition to CONNECTED, so durable
// state is never lost to a crash right after a handshake.
type Debouncer struct {
	mu      sync.Mutex
	timer   *time.Timer
	pending []byte
	dirty   bool
	delay   time.Duration
	write   WriteFunc
	logger  *zap.Logger
}

// NewDebouncer creates a debouncer with the given settle delay.
func NewDebouncer(delay time.Duration, write WriteFunc, logger *zap.Logger) *Debouncer {
	return &Debouncer{
		delay:  delay,
		write:  write,
		logger: logger,
	}
}

// Update records a new credential value and (re)schedules the durable
// write. A value arriving before the delay elapses replaces the pending one
// and restarts the timer; only the final value of a burst is persisted.
func (d *Debouncer) Update(session []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = session
	d.dirty = true
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, d.fire)
}

func (d *Debouncer) fire() {
	d.mu.Lock()
	if !d.dirty {
		d.mu.Unlock()
		return
	}
	value := d.pending
	d.dirty = false
	d.mu.Unlock()

	if err := d.write(context.Background(), value); err != nil {
		d.logger.Error("debounced credential write failed", zap.Error(err))
		// Mark dirty again so a later flush retries with this value unless
		// a newer one arrived meanwhile.
		d.mu.Lock()
		if !d.dirty {
			d.pending = value
			d.dirty = true
		}
		d.mu.Unlock()
	}
}

// Flush synchronously persists the pending value, if any, and stops the
// timer. Safe to call with nothing pending.
func (d *Debouncer) Flush(ctx context.Context) error {
	d.mu.Lock()
	if d.timer != nil {
		d.timer.Stop()
	}
	if !d.dirty {
		d.mu.Unlock()
		return nil
	}
	value := d.pending
	d.dirty = false
	d.mu.Unlock()

	return d.write(ctx, value)
}

// Cancel stops the timer and drops any pending value. Used after the final
// flush on logout.
func (d *Debouncer) Cancel() {
	d.mu.Lock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.pending = nil
	d.dirty = false
	d.mu.Unlock()
}
