// Package waiter implements the reconnect wait: polling the device transport
// until a restarted device becomes reachable again, bounded by a timeout.
package waiter

import (
	"context"
	"log"
	"time"

	"golang.org/x/time/rate"

	activatorErrors "github.com/a5revive/activator/internal/errors"
	"github.com/a5revive/activator/internal/transport"
)

// DefaultPollInterval is how often a connection attempt is made.
const DefaultPollInterval = time.Second

// DefaultTimeout bounds the whole wait. Devices of this era take well over a
// minute to boot to lockdown after a restart.
const DefaultTimeout = 90 * time.Second

// Waiter polls a Dialer until a device answers, bounded by Timeout.
// The zero values of PollInterval and Timeout select the package defaults.
type Waiter struct {
	Dialer       transport.Dialer
	PollInterval time.Duration
	Timeout      time.Duration
}

// Await repeatedly attempts to connect and confirm liveness by reading the
// ProductType property. It returns the first live connection obtained, or an
// activation.timeout error once the elapsed wall-clock time exceeds Timeout.
//
// Elapsed time is measured with time.Since, which uses the monotonic clock,
// so wall-clock adjustments during the wait cannot cut it short or extend it.
// Await has no side effects beyond connection attempts and is safe to call
// repeatedly.
func (w *Waiter) Await(ctx context.Context) (transport.Conn, error) {
	interval := w.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	timeout := w.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	log.Printf("waiter: waiting up to %s for device", timeout)

	// The limiter paces connection attempts; its burst of 1 makes the first
	// attempt immediate and each subsequent one wait out the interval.
	limiter := rate.NewLimiter(rate.Every(interval), 1)
	start := time.Now()

	for {
		if err := limiter.Wait(ctx); err != nil {
			return nil, activatorErrors.Wrap(activatorErrors.CodeActivationTimeout, "wait cancelled", err)
		}

		conn, err := w.Dialer.Connect(ctx)
		if err == nil {
			// Confirm the handle is live, not a half-open connection to a
			// device still booting. Lockdown answers ProductType as soon as
			// it is usable.
			product, perr := conn.Property(ctx, transport.PropProductType)
			if perr == nil && product != "" {
				log.Printf("waiter: device %s is back after %s", product, time.Since(start).Round(time.Second))
				return conn, nil
			}
			conn.Close()
		}

		if time.Since(start) >= timeout {
			return nil, activatorErrors.ReconnectTimeout(timeout.String())
		}
	}
}

// AwaitDevice is a convenience wrapper around Waiter with default polling.
func AwaitDevice(ctx context.Context, dialer transport.Dialer, timeout time.Duration) (transport.Conn, error) {
	w := &Waiter{Dialer: dialer, Timeout: timeout}
	return w.Await(ctx)
}
