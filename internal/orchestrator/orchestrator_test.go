package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	activatorErrors "github.com/a5revive/activator/internal/errors"
	"github.com/a5revive/activator/internal/netaddr"
	"github.com/a5revive/activator/internal/recordserver"
	"github.com/a5revive/activator/internal/transport"
)

// fakeDevice scripts one device across reconnects. Every Connect hands out a
// fresh conn backed by the same state, mirroring how a real device keeps its
// identity across restarts.
type fakeDevice struct {
	props   map[string]string
	flagSeq []map[string]any // one entry per QueryFlags call; last repeats

	connects int
	pushes   int
	restarts int
	flagIdx  int

	pushErr    error
	restartErr error
	flagsErr   error
}

func (d *fakeDevice) Connect(ctx context.Context) (transport.Conn, error) {
	d.connects++
	return &fakeDeviceConn{d: d}, nil
}

type fakeDeviceConn struct{ d *fakeDevice }

func (c *fakeDeviceConn) Property(ctx context.Context, key string) (string, error) {
	return c.d.props[key], nil
}

func (c *fakeDeviceConn) PushFile(ctx context.Context, remotePath string, data []byte) error {
	c.d.pushes++
	return c.d.pushErr
}

func (c *fakeDeviceConn) Restart(ctx context.Context) error {
	c.d.restarts++
	return c.d.restartErr
}

func (c *fakeDeviceConn) QueryFlags(ctx context.Context, keys []string) (map[string]any, error) {
	if c.d.flagsErr != nil {
		return nil, c.d.flagsErr
	}
	if len(c.d.flagSeq) == 0 {
		return map[string]any{}, nil
	}
	i := c.d.flagIdx
	if i >= len(c.d.flagSeq) {
		i = len(c.d.flagSeq) - 1
	}
	c.d.flagIdx++
	return c.d.flagSeq[i], nil
}

func (c *fakeDeviceConn) Close() error { return nil }

type fakeServer struct {
	startErr error
	running  bool
	stops    int
}

func (s *fakeServer) Start() error {
	if s.startErr != nil {
		return s.startErr
	}
	s.running = true
	return nil
}

func (s *fakeServer) Stop() error {
	s.running = false
	s.stops++
	return nil
}

func (s *fakeServer) IsRunning() bool { return s.running }

// newTestOrchestrator disables the real delays and reconnect machinery so a
// full run finishes in microseconds.
func newTestOrchestrator(t *testing.T, cfg Config) *Orchestrator {
	t.Helper()
	o := New(cfg)
	o.sleep = func(ctx context.Context, d time.Duration) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
	}
	o.await = func(ctx context.Context, d transport.Dialer, timeout time.Duration) (transport.Conn, error) {
		return d.Connect(ctx)
	}
	return o
}

func writePayload(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "payload")
	if err := os.WriteFile(path, []byte("payload-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// drain collects every event until the channel closes.
func drain(ch <-chan Event) []Event {
	var out []Event
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func terminal(t *testing.T, events []Event) Event {
	t.Helper()
	if len(events) == 0 {
		t.Fatal("no events emitted")
	}
	last := events[len(events)-1]
	if !last.Terminal() {
		t.Fatalf("last event %+v is not terminal", last)
	}
	for _, ev := range events[:len(events)-1] {
		if ev.Terminal() {
			t.Fatalf("terminal event %+v before the end of the stream", ev)
		}
	}
	return last
}

func TestRunAlreadyActivated(t *testing.T) {
	dev := &fakeDevice{props: map[string]string{
		transport.PropProductType:     "iPhone4,1",
		transport.PropProductVersion:  "9.3.6",
		transport.PropActivationState: transport.ActivationStateActivated,
	}}
	o := newTestOrchestrator(t, Config{Dialer: dev, PayloadPath: writePayload(t)})

	if err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	last := terminal(t, drain(o.Events()))
	if last.Kind != EventSucceeded {
		t.Fatalf("kind = %s, want succeeded", last.Kind)
	}
	if dev.pushes != 0 {
		t.Fatalf("pushes = %d, want 0 for an already activated device", dev.pushes)
	}
}

func TestRunSucceedsWhenFlagAbsent(t *testing.T) {
	dev := &fakeDevice{
		props:   map[string]string{transport.PropProductType: "iPod5,1"},
		flagSeq: []map[string]any{{}},
	}
	o := newTestOrchestrator(t, Config{Dialer: dev, PayloadPath: writePayload(t)})

	if err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	last := terminal(t, drain(o.Events()))
	if last.Kind != EventSucceeded || last.Text != "Done!" {
		t.Fatalf("terminal = %+v, want succeeded Done!", last)
	}
	if dev.pushes != 1 {
		t.Fatalf("pushes = %d, want 1", dev.pushes)
	}
	// one restart per attempt plus the final one after success
	if dev.restarts != 2 {
		t.Fatalf("restarts = %d, want 2", dev.restarts)
	}
}

func TestRunRetriesThenSucceeds(t *testing.T) {
	dev := &fakeDevice{
		props: map[string]string{transport.PropProductType: "iPad2,4"},
		flagSeq: []map[string]any{
			{transport.FlagShouldHactivate: false},
			{transport.FlagShouldHactivate: false},
			{transport.FlagShouldHactivate: true},
		},
	}
	o := newTestOrchestrator(t, Config{Dialer: dev, PayloadPath: writePayload(t)})

	if err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	events := drain(o.Events())
	if last := terminal(t, events); last.Kind != EventSucceeded {
		t.Fatalf("terminal = %+v", last)
	}
	if dev.pushes != 3 {
		t.Fatalf("pushes = %d, want 3", dev.pushes)
	}
	var retries []Event
	for _, ev := range events {
		if ev.Attempt > 0 {
			retries = append(retries, ev)
		}
	}
	if len(retries) != 2 {
		t.Fatalf("retry events = %d, want 2", len(retries))
	}
	if retries[0].Attempt != 2 || retries[0].Total != MaxAttempts {
		t.Fatalf("first retry = %+v, want attempt 2/%d", retries[0], MaxAttempts)
	}
}

func TestRunExhaustsAttempts(t *testing.T) {
	dev := &fakeDevice{
		props:   map[string]string{transport.PropProductType: "iPad3,1"},
		flagSeq: []map[string]any{{transport.FlagShouldHactivate: false}},
	}
	o := newTestOrchestrator(t, Config{Dialer: dev, PayloadPath: writePayload(t)})

	err := o.Run(context.Background())
	if !activatorErrors.IsCode(err, activatorErrors.CodeActivationExhausted) {
		t.Fatalf("err = %v, want %s", err, activatorErrors.CodeActivationExhausted)
	}
	if dev.pushes != MaxAttempts {
		t.Fatalf("pushes = %d, want exactly %d", dev.pushes, MaxAttempts)
	}
	last := terminal(t, drain(o.Events()))
	if last.Kind != EventFailed {
		t.Fatalf("kind = %s, want failed", last.Kind)
	}
	if !strings.Contains(last.Text, "Wi-Fi") {
		t.Fatalf("non-local failure advice should mention Wi-Fi, got %q", last.Text)
	}
}

func TestRunReconnectTimeoutIsFatal(t *testing.T) {
	dev := &fakeDevice{props: map[string]string{transport.PropProductType: "iPhone4,1"}}
	o := newTestOrchestrator(t, Config{Dialer: dev, PayloadPath: writePayload(t)})
	o.await = func(ctx context.Context, d transport.Dialer, timeout time.Duration) (transport.Conn, error) {
		return nil, activatorErrors.ReconnectTimeout("90s")
	}

	err := o.Run(context.Background())
	if !activatorErrors.IsCode(err, activatorErrors.CodeActivationTimeout) {
		t.Fatalf("err = %v, want %s", err, activatorErrors.CodeActivationTimeout)
	}
	if dev.pushes != 1 {
		t.Fatalf("pushes = %d, want 1 (no retries after a timeout)", dev.pushes)
	}
	last := terminal(t, drain(o.Events()))
	if !strings.Contains(last.Text, "reconnect") {
		t.Fatalf("timeout advice should mention reconnecting, got %q", last.Text)
	}
}

func TestRunLocalModeCleansUpOnSuccess(t *testing.T) {
	dev := &fakeDevice{
		props:   map[string]string{transport.PropProductType: "iPad2,1"},
		flagSeq: []map[string]any{{}},
	}
	srv := &fakeServer{}
	patched := filepath.Join(t.TempDir(), "patched.sqlitedb")

	o := newTestOrchestrator(t, Config{
		Dialer:      dev,
		PayloadPath: writePayload(t),
		LocalMode:   true,
		ServerPort:  8080,
		PlistDir:    t.TempDir(),
	})
	o.newServer = func(recordserver.Config) recordServer { return srv }
	o.resolve = func(port int) netaddr.Resolution {
		return netaddr.Resolution{URL: "http://host.local:8080"}
	}
	o.patch = func(src, target string) (string, error) {
		if err := os.WriteFile(patched, []byte("patched"), 0o644); err != nil {
			return "", err
		}
		return patched, nil
	}

	if err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	drain(o.Events())
	if srv.stops != 1 || srv.IsRunning() {
		t.Fatalf("record server not stopped exactly once: stops=%d running=%v", srv.stops, srv.IsRunning())
	}
	if _, err := os.Stat(patched); !os.IsNotExist(err) {
		t.Fatalf("patched payload copy still present: %v", err)
	}
}

func TestRunLocalModePatchFailureStopsServer(t *testing.T) {
	dev := &fakeDevice{props: map[string]string{transport.PropProductType: "iPad2,1"}}
	srv := &fakeServer{}

	o := newTestOrchestrator(t, Config{
		Dialer:      dev,
		PayloadPath: writePayload(t),
		LocalMode:   true,
		ServerPort:  8080,
	})
	o.newServer = func(recordserver.Config) recordServer { return srv }
	o.resolve = func(port int) netaddr.Resolution {
		return netaddr.Resolution{URL: "http://host.local:8080"}
	}
	o.patch = func(src, target string) (string, error) {
		return "", activatorErrors.PatchFailed("no tables", nil)
	}

	err := o.Run(context.Background())
	if !activatorErrors.IsCode(err, activatorErrors.CodePayloadPatchFailed) {
		t.Fatalf("err = %v, want %s", err, activatorErrors.CodePayloadPatchFailed)
	}
	if srv.IsRunning() {
		t.Fatal("record server left running after patch failure")
	}
	if dev.pushes != 0 {
		t.Fatalf("pushes = %d, want 0 when local preparation fails", dev.pushes)
	}
}

func TestRunLocalModeBindFailureIsFatal(t *testing.T) {
	dev := &fakeDevice{props: map[string]string{transport.PropProductType: "iPad2,1"}}
	o := newTestOrchestrator(t, Config{
		Dialer:      dev,
		PayloadPath: writePayload(t),
		LocalMode:   true,
		ServerPort:  8080,
	})
	o.newServer = func(recordserver.Config) recordServer {
		return &fakeServer{startErr: activatorErrors.BindFailed("0.0.0.0:8080", nil)}
	}

	err := o.Run(context.Background())
	if !activatorErrors.IsCode(err, activatorErrors.CodeServerBindFailed) {
		t.Fatalf("err = %v, want %s", err, activatorErrors.CodeServerBindFailed)
	}
	if dev.pushes != 0 {
		t.Fatalf("pushes = %d, want 0", dev.pushes)
	}
}

func TestRunCellularAdvisory(t *testing.T) {
	dev := &fakeDevice{
		props: map[string]string{
			transport.PropProductType:         "iPhone4,1",
			transport.PropProductVersion:      "8.4.1",
			transport.PropTelephonyCapability: "true",
		},
		flagSeq: []map[string]any{{}},
	}
	o := newTestOrchestrator(t, Config{Dialer: dev, PayloadPath: writePayload(t)})

	if err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	var advised bool
	for _, ev := range drain(o.Events()) {
		if ev.Kind == EventStatus && strings.Contains(ev.Text, "8.4.1") {
			advised = true
		}
	}
	if !advised {
		t.Fatal("expected an advisory status event for cellular 8.4.1 devices")
	}
}

func TestRunCancelledContext(t *testing.T) {
	dev := &fakeDevice{
		props:   map[string]string{transport.PropProductType: "iPhone4,1"},
		flagSeq: []map[string]any{{transport.FlagShouldHactivate: false}},
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	o := newTestOrchestrator(t, Config{Dialer: dev, PayloadPath: writePayload(t)})
	err := o.Run(ctx)
	if !activatorErrors.IsCode(err, activatorErrors.CodeActivationTimeout) {
		t.Fatalf("err = %v, want %s", err, activatorErrors.CodeActivationTimeout)
	}
	if last := terminal(t, drain(o.Events())); last.Kind != EventFailed {
		t.Fatalf("kind = %s, want failed", last.Kind)
	}
}

func TestFailureMessage(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		local bool
		want  string
	}{
		{
			name: "timeout",
			err:  activatorErrors.ReconnectTimeout("90s"),
			want: "reconnect",
		},
		{
			name: "exhausted wifi",
			err:  activatorErrors.ActivationExhausted(5),
			want: "Wi-Fi",
		},
		{
			name:  "exhausted local",
			err:   activatorErrors.ActivationExhausted(5),
			local: true,
			want:  "USB network",
		},
		{
			name: "other",
			err:  activatorErrors.ConnectFailed(nil),
			want: activatorErrors.GetMessage(activatorErrors.ConnectFailed(nil)),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := failureMessage(tt.err, tt.local)
			if !strings.Contains(got, tt.want) {
				t.Fatalf("failureMessage = %q, want it to contain %q", got, tt.want)
			}
		})
	}
}

func TestBackoffGrowsLinearly(t *testing.T) {
	if got := backoff(0); got != 10*time.Second {
		t.Fatalf("backoff(0) = %v", got)
	}
	if got := backoff(3); got != 25*time.Second {
		t.Fatalf("backoff(3) = %v", got)
	}
}
