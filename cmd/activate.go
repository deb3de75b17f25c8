package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/skip2/go-qrcode"

	"github.com/a5revive/activator/internal/config"
	activatorErrors "github.com/a5revive/activator/internal/errors"
	"github.com/a5revive/activator/internal/gate"
	"github.com/a5revive/activator/internal/mdns"
	"github.com/a5revive/activator/internal/netaddr"
	"github.com/a5revive/activator/internal/orchestrator"
	"github.com/a5revive/activator/internal/statusfeed"
	"github.com/a5revive/activator/internal/storage"
	"github.com/a5revive/activator/internal/transport"
)

// runActivate implements the `a5revive activate` command: gate the connected
// device, then drive a full orchestration run, streaming progress to stdout
// (and optionally to the WebSocket status feed).
func runActivate(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("activate", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var common commonFlags
	common.register(fs)

	var (
		statusAddr = fs.String("status-addr", "", "Expose a WebSocket status feed on this address")
		qr         = fs.Bool("qr", false, "Print a QR code of the record server URL (local mode)")
		timeoutS   = fs.Int("timeout", 0, "Reconnect timeout in seconds")
		auditDB    = fs.String("audit-db", "", `Audit database path ("off" disables)`)
	)

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: a5revive activate [options]\n\nActivate the connected device.\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if code := parseOrExit(fs, args, stderr); code >= 0 {
		return code
	}

	cfg, err := common.resolve(fs)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if *statusAddr != "" {
		cfg.StatusAddr = *statusAddr
	}
	if *timeoutS > 0 {
		cfg.ReconnectTimeoutS = *timeoutS
	}
	if *auditDB != "" {
		cfg.AuditDB = *auditDB
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	dialer := transport.NewBridgeClient(cfg.BridgeAddr)

	// Gate before touching anything: the payload only works on the devices
	// and OS versions it was built for.
	conn, err := dialer.Connect(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %s\n", activatorErrors.GetMessage(err))
		return 1
	}
	snap, err := transport.TakeSnapshot(ctx, conn)
	conn.Close()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %s\n", activatorErrors.GetMessage(err))
		return 1
	}
	fmt.Fprintf(stdout, "Device: %s (%s)\n", snap.ProductType, snap.ProductVersion)
	if err := gate.Check(snap.ProductType, snap.ProductVersion); err != nil {
		fmt.Fprintf(stderr, "Error: %s\n", activatorErrors.GetMessage(err))
		return 1
	}

	audit := openAudit(cfg.AuditDB)
	if audit != nil {
		defer audit.Close()
	}

	var feed *statusfeed.Feed
	if cfg.StatusAddr != "" {
		feed = statusfeed.NewFeed(cfg.StatusAddr)
		if err := feed.Start(); err != nil {
			fmt.Fprintf(stderr, "Error: %s\n", activatorErrors.GetMessage(err))
			return 1
		}
		defer feed.Stop()
		fmt.Fprintf(stdout, "Status feed: ws://%s/events\n", feed.Addr())
	}

	if cfg.LocalMode {
		if cfg.MdnsEnabled {
			adv := mdns.NewAdvertiser(mdns.Config{Port: cfg.Port})
			if err := adv.Start(); err != nil {
				log.Printf("cmd: mdns advertisement unavailable: %v", err)
			} else {
				defer adv.Stop()
			}
		}
		if *qr {
			res := netaddr.Resolve(cfg.Port)
			printQR(stdout, res.URL)
		}
	}

	orch := orchestrator.New(orchestrator.Config{
		Dialer:           dialer,
		PayloadPath:      cfg.Payload,
		LocalMode:        cfg.LocalMode,
		ServerPort:       cfg.Port,
		PlistDir:         cfg.PlistDir,
		ReconnectTimeout: time.Duration(cfg.ReconnectTimeoutS) * time.Second,
		Audit:            audit,
	})

	runErr := make(chan error, 1)
	go func() {
		runErr <- orch.Run(ctx)
	}()

	for ev := range orch.Events() {
		if feed != nil {
			feed.Publish(ev)
		}
		switch ev.Kind {
		case orchestrator.EventFailed:
			fmt.Fprintf(stderr, "Error: %s\n", ev.Text)
		default:
			fmt.Fprintln(stdout, ev.Text)
		}
	}

	if err := <-runErr; err != nil {
		return 1
	}
	return 0
}

// openAudit opens the audit store, falling back to the default path when the
// config leaves it empty. Anything going wrong disables auditing with a log
// line; it never blocks the run.
func openAudit(path string) *storage.AuditStore {
	if path == "off" {
		return nil
	}
	if path == "" {
		path = config.DefaultAuditDBPath()
		if path == "" {
			return nil
		}
	}
	store, err := storage.NewAuditStore(path)
	if err != nil {
		log.Printf("cmd: audit store unavailable, continuing without: %v", err)
		return nil
	}
	return store
}

// printQR renders the URL as a terminal QR code so it can be checked from a
// phone on the same network.
func printQR(w io.Writer, url string) {
	code, err := qrcode.New(url, qrcode.Medium)
	if err != nil {
		log.Printf("cmd: qr encode: %v", err)
		return
	}
	fmt.Fprintln(w, code.ToSmallString(false))
}
