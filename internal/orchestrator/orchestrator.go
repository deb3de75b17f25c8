// Package orchestrator drives a full hacktivation run to a terminal state.
//
// A run takes a connected device through payload delivery, restart, reconnect
// and readiness polling, with bounded retries in between. Progress is reported
// over a buffered event channel so callers can render it however they like.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	activatorErrors "github.com/a5revive/activator/internal/errors"
	"github.com/a5revive/activator/internal/netaddr"
	"github.com/a5revive/activator/internal/payload"
	"github.com/a5revive/activator/internal/recordserver"
	"github.com/a5revive/activator/internal/storage"
	"github.com/a5revive/activator/internal/transport"
	"github.com/a5revive/activator/internal/waiter"
)

const (
	// MaxAttempts bounds the push/restart/poll cycle per run.
	MaxAttempts = 5

	// RemotePayloadPath is where the payload lands on the device. The
	// itunesstored download database is one of the few paths both writable
	// over the file relay and picked up again on boot.
	RemotePayloadPath = "Downloads/downloads.28.sqlitedb"

	// settleDelay sits between the restart request and the reconnect wait,
	// giving the device time to actually drop the link.
	settleDelay = 10 * time.Second

	backoffBase = 10 * time.Second
	backoffStep = 5 * time.Second

	eventBuffer = 16
)

// Config carries everything a run needs. Dialer and PayloadPath are
// required; the rest defaults sensibly.
type Config struct {
	Dialer      transport.Dialer
	PayloadPath string

	// LocalMode serves patched activation records from this machine and
	// rewrites the payload's URLs to point at it.
	LocalMode  bool
	ServerPort int
	PlistDir   string

	// ReconnectTimeout bounds the post-restart wait. Zero means 90s.
	ReconnectTimeout time.Duration

	// Audit, when set, persists the run and its attempts. Audit failures
	// are logged and never interfere with the run itself.
	Audit *storage.AuditStore
}

// recordServer is the slice of recordserver.Server the orchestrator uses.
type recordServer interface {
	Start() error
	Stop() error
	IsRunning() bool
}

// Orchestrator executes one activation run. Create one per run with New;
// Run may be called at most once.
type Orchestrator struct {
	cfg    Config
	events chan Event

	// resources owned by the run, released by cleanup on every exit path
	server      recordServer
	patchedPath string

	// seams for tests
	newServer func(recordserver.Config) recordServer
	patch     func(src, target string) (string, error)
	resolve   func(port int) netaddr.Resolution
	await     func(ctx context.Context, d transport.Dialer, timeout time.Duration) (transport.Conn, error)
	sleep     func(ctx context.Context, d time.Duration) error
}

// New returns an orchestrator ready to Run with the given configuration.
func New(cfg Config) *Orchestrator {
	if cfg.ReconnectTimeout <= 0 {
		cfg.ReconnectTimeout = 90 * time.Second
	}
	return &Orchestrator{
		cfg:    cfg,
		events: make(chan Event, eventBuffer),
		newServer: func(sc recordserver.Config) recordServer {
			return recordserver.NewServer(sc)
		},
		patch: func(src, target string) (string, error) {
			return (&payload.Patcher{}).Patch(src, target)
		},
		resolve: netaddr.Resolve,
		await:   waiter.AwaitDevice,
		sleep:   sleepCtx,
	}
}

// Events returns the progress channel. It is closed once the run reaches a
// terminal state and all cleanup has finished.
func (o *Orchestrator) Events() <-chan Event {
	return o.events
}

// Run executes the activation flow and blocks until it terminates. The
// returned error is also reported as a failed event; callers that consume
// Events may ignore it. Owned resources (record server, patched payload
// copy) are released on every exit path, including panics.
func (o *Orchestrator) Run(ctx context.Context) (err error) {
	defer close(o.events)
	defer o.cleanup()

	runID := o.beginAudit()

	msg, err := o.activate(ctx, runID)
	if err != nil {
		text := failureMessage(err, o.cfg.LocalMode)
		log.Printf("orchestrator: run failed: %v", err)
		o.finishAudit(runID, storage.RunOutcomeFailed, text)
		o.emit(Event{Kind: EventFailed, Text: text})
		return err
	}
	o.finishAudit(runID, storage.RunOutcomeSucceeded, msg)
	o.emit(Event{Kind: EventSucceeded, Text: msg})
	return nil
}

// activate is the state machine body. It returns the success message for
// the terminal event, or the error that ended the run.
func (o *Orchestrator) activate(ctx context.Context, runID string) (string, error) {
	conn, err := o.cfg.Dialer.Connect(ctx)
	if err != nil {
		return "", err
	}

	snap, err := transport.TakeSnapshot(ctx, conn)
	if err != nil {
		conn.Close()
		return "", err
	}
	if snap.ActivationState == transport.ActivationStateActivated {
		conn.Close()
		return "Device is already activated.", nil
	}
	if snap.ProductVersion == "8.4.1" && snap.TelephonyCapability {
		o.status("Activation of cellular devices on 8.4.1 is partially broken. Proceeding anyway.")
	}

	payloadPath := o.cfg.PayloadPath
	if o.cfg.LocalMode {
		payloadPath, err = o.prepareLocalBackend()
		if err != nil {
			conn.Close()
			return "", err
		}
	}

	data, err := os.ReadFile(payloadPath)
	if err != nil {
		conn.Close()
		return "", activatorErrors.CopyFailed(payloadPath, err)
	}

	o.status("Activating device...")
	for attempt := 0; attempt < MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := o.sleep(ctx, backoff(attempt-1)); err != nil {
				conn.Close()
				return "", activatorErrors.Wrap(activatorErrors.CodeActivationTimeout, "interrupted during retry backoff", err)
			}
			o.emit(Event{
				Kind:    EventStatus,
				Text:    fmt.Sprintf("Retrying activation attempt %d/%d", attempt+1, MaxAttempts),
				Attempt: attempt + 1,
				Total:   MaxAttempts,
			})
		}

		next, outcome, err := o.pushAttempt(ctx, conn, data)
		if err != nil {
			o.recordAttempt(runID, attempt, storage.AttemptTransportFailure, err.Error())
			return "", err
		}
		conn = next

		switch outcome {
		case outcomeActivated:
			o.recordAttempt(runID, attempt, storage.AttemptActivated, "")
			// Final restart so the device boots into its activated state.
			// The link dropping mid-request here is expected.
			if err := conn.Restart(ctx); err != nil {
				log.Printf("orchestrator: final restart: %v", err)
			}
			conn.Close()
			return "Done!", nil
		case outcomeRejected:
			o.recordAttempt(runID, attempt, storage.AttemptRejected, "")
		}
	}

	conn.Close()
	return "", activatorErrors.ActivationExhausted(MaxAttempts)
}

type attemptOutcome int

const (
	outcomeActivated attemptOutcome = iota
	outcomeRejected
)

// pushAttempt runs one push/restart/reconnect/poll cycle. The connection it
// was handed is consumed; the one it returns is live post-reconnect.
func (o *Orchestrator) pushAttempt(ctx context.Context, conn transport.Conn, data []byte) (transport.Conn, attemptOutcome, error) {
	if err := conn.PushFile(ctx, RemotePayloadPath, data); err != nil {
		conn.Close()
		return nil, 0, err
	}
	if err := conn.Restart(ctx); err != nil {
		conn.Close()
		return nil, 0, err
	}
	conn.Close()

	if err := o.sleep(ctx, settleDelay); err != nil {
		return nil, 0, activatorErrors.Wrap(activatorErrors.CodeActivationTimeout, "interrupted while the device was restarting", err)
	}

	o.status("Waiting for the device to come back...")
	next, err := o.await(ctx, o.cfg.Dialer, o.cfg.ReconnectTimeout)
	if err != nil {
		return nil, 0, err
	}

	flags, err := next.QueryFlags(ctx, []string{transport.FlagShouldHactivate})
	if err != nil {
		next.Close()
		return nil, 0, err
	}
	// Only an explicit false counts as rejection. An absent key or any
	// other value means the device no longer wants hacktivation.
	if v, ok := flags[transport.FlagShouldHactivate]; ok {
		if b, isBool := v.(bool); isBool && !b {
			return next, outcomeRejected, nil
		}
	}
	return next, outcomeActivated, nil
}

// prepareLocalBackend starts the record server, resolves a device-reachable
// URL for it and patches a working copy of the payload to point there. It
// returns the patched copy's path.
func (o *Orchestrator) prepareLocalBackend() (string, error) {
	srv := o.newServer(recordserver.Config{
		Addr:    fmt.Sprintf("0.0.0.0:%d", o.cfg.ServerPort),
		BaseDir: o.cfg.PlistDir,
	})
	if err := srv.Start(); err != nil {
		return "", err
	}
	o.server = srv

	res := o.resolve(o.cfg.ServerPort)
	o.status("Serving activation records at " + res.URL)
	for _, w := range res.Warnings {
		o.status("Warning: " + w)
	}

	patched, err := o.patch(o.cfg.PayloadPath, res.URL)
	if err != nil {
		return "", err
	}
	o.patchedPath = patched
	return patched, nil
}

// cleanup releases run-owned resources. Safe to call when nothing was
// acquired.
func (o *Orchestrator) cleanup() {
	if o.server != nil && o.server.IsRunning() {
		if err := o.server.Stop(); err != nil {
			log.Printf("orchestrator: stopping record server: %v", err)
		}
	}
	if o.patchedPath != "" {
		if err := os.Remove(o.patchedPath); err != nil && !os.IsNotExist(err) {
			log.Printf("orchestrator: removing patched payload: %v", err)
		}
	}
}

func (o *Orchestrator) status(text string) {
	o.emit(Event{Kind: EventStatus, Text: text})
}

// emit never blocks: if the consumer has fallen behind the buffered channel,
// the event is dropped with a log line rather than stalling the run.
func (o *Orchestrator) emit(ev Event) {
	select {
	case o.events <- ev:
	default:
		log.Printf("orchestrator: event buffer full, dropping %s event", ev.Kind)
	}
}

func (o *Orchestrator) beginAudit() string {
	if o.cfg.Audit == nil {
		return ""
	}
	id, err := o.cfg.Audit.BeginRun(o.cfg.LocalMode)
	if err != nil {
		log.Printf("orchestrator: begin audit run: %v", err)
		return ""
	}
	return id
}

func (o *Orchestrator) recordAttempt(runID string, idx int, outcome, detail string) {
	if o.cfg.Audit == nil || runID == "" {
		return
	}
	if err := o.cfg.Audit.RecordAttempt(runID, idx, outcome, detail); err != nil {
		log.Printf("orchestrator: record attempt: %v", err)
	}
}

func (o *Orchestrator) finishAudit(runID, outcome, message string) {
	if o.cfg.Audit == nil || runID == "" {
		return
	}
	if err := o.cfg.Audit.FinishRun(runID, outcome, message); err != nil {
		log.Printf("orchestrator: finish audit run: %v", err)
	}
}

// backoff grows linearly with the index of the attempt that just failed.
func backoff(failedIdx int) time.Duration {
	return backoffBase + time.Duration(failedIdx)*backoffStep
}

// failureMessage turns a terminal error into operator-facing advice.
func failureMessage(err error, localMode bool) string {
	switch {
	case activatorErrors.IsCode(err, activatorErrors.CodeActivationTimeout):
		return "Device did not reconnect in time. Make sure it is plugged in and try again."
	case activatorErrors.IsCode(err, activatorErrors.CodeActivationExhausted):
		if localMode {
			return "Activation failed after repeated attempts. Make sure the device can reach this machine over the USB network."
		}
		return "Activation failed after repeated attempts. Make sure the device is connected to Wi-Fi."
	default:
		return activatorErrors.GetMessage(err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
