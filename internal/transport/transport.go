// Package transport defines the boundary to the device transport service:
// the external channel used to read lockdown properties, push files to the
// media partition, issue restarts, and query diagnostic flags.
//
// The wire protocols behind this boundary (USB multiplexing, the lockdown
// handshake, the file-transfer and diagnostics services) are out of scope
// here; the concrete implementation in this package talks to a local bridge
// daemon that owns them. Everything above this package works against the
// Dialer/Conn interfaces, which also keeps the orchestrator testable with
// in-process fakes.
package transport

import (
	"context"
)

// Well-known lockdown property keys.
const (
	PropProductType         = "ProductType"
	PropProductVersion      = "ProductVersion"
	PropActivationState     = "ActivationState"
	PropTelephonyCapability = "TelephonyCapability"
)

// FlagShouldHactivate is the diagnostics flag gating server-assisted
// activation. An explicit false means the device rejected the attempt.
const FlagShouldHactivate = "ShouldHactivate"

// ActivationStateActivated is the lockdown value reported by an activated device.
const ActivationStateActivated = "Activated"

// Dialer establishes connections to a device.
// Connect may block while the transport service locates a device and is
// expected to fail with a transport.connect_failed error when none is
// reachable.
type Dialer interface {
	Connect(ctx context.Context) (Conn, error)
}

// Conn is a live connection to a single device.
// All methods may be slow and may fail with transport errors at any time;
// callers must treat the connection as disposable and re-dial after a
// device restart.
type Conn interface {
	// Property reads a lockdown property. A device that omits the key yields
	// an empty string and a nil error; failures to reach the device yield a
	// transport.query_failed error.
	Property(ctx context.Context, key string) (string, error)

	// PushFile writes data to remotePath on the device's media partition,
	// replacing any existing file.
	PushFile(ctx context.Context, remotePath string, data []byte) error

	// Restart issues a diagnostics restart command. The connection is
	// unusable afterwards.
	Restart(ctx context.Context) error

	// QueryFlags reads diagnostic (mobilegestalt) flags by key. Keys the
	// device does not answer are absent from the result map.
	QueryFlags(ctx context.Context, keys []string) (map[string]any, error)

	// Close releases the connection. Safe to call more than once.
	Close() error
}

// Snapshot is a point-in-time read-only view of the device identity and
// activation state. It is never cached beyond a single check.
type Snapshot struct {
	ProductType         string
	ProductVersion      string
	ActivationState     string
	TelephonyCapability bool
}

// TakeSnapshot reads the identity and activation properties from a live
// connection. Property read failures abort the snapshot; an absent
// TelephonyCapability is treated as false.
func TakeSnapshot(ctx context.Context, conn Conn) (Snapshot, error) {
	var snap Snapshot
	var err error

	if snap.ProductType, err = conn.Property(ctx, PropProductType); err != nil {
		return Snapshot{}, err
	}
	if snap.ProductVersion, err = conn.Property(ctx, PropProductVersion); err != nil {
		return Snapshot{}, err
	}
	if snap.ActivationState, err = conn.Property(ctx, PropActivationState); err != nil {
		return Snapshot{}, err
	}

	telephony, err := conn.Property(ctx, PropTelephonyCapability)
	if err != nil {
		return Snapshot{}, err
	}
	snap.TelephonyCapability = telephony == "true"

	return snap, nil
}
