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

	activatorErrors "github.com/a5revive/activator/internal/errors"
	"github.com/a5revive/activator/internal/mdns"
	"github.com/a5revive/activator/internal/netaddr"
	"github.com/a5revive/activator/internal/recordserver"
)

// runServe runs the activation record server on its own, without driving a
// device. Useful when the payload was pushed previously and the device just
// needs somewhere to fetch its record from on boot.
func runServe(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var common commonFlags
	common.register(fs)
	qr := fs.Bool("qr", false, "Print a QR code of the record server URL")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: a5revive serve [options]\n\nServe activation records until interrupted.\n\nOptions:\n")
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

	srv := recordserver.NewServer(recordserver.Config{
		Addr:    fmt.Sprintf("0.0.0.0:%d", cfg.Port),
		BaseDir: cfg.PlistDir,
	})
	if err := srv.Start(); err != nil {
		fmt.Fprintf(stderr, "Error: %s\n", activatorErrors.GetMessage(err))
		return 1
	}

	res := netaddr.Resolve(cfg.Port)
	fmt.Fprintf(stdout, "Serving activation records from %s at %s\n", cfg.PlistDir, res.URL)
	for _, w := range res.Warnings {
		fmt.Fprintf(stdout, "Warning: %s\n", w)
	}
	if *qr {
		printQR(stdout, res.URL)
	}

	if cfg.MdnsEnabled {
		adv := mdns.NewAdvertiser(mdns.Config{Port: cfg.Port})
		if err := adv.Start(); err != nil {
			log.Printf("cmd: mdns advertisement unavailable: %v", err)
		} else {
			defer adv.Stop()
			fmt.Fprintf(stdout, "Advertising %s via mDNS\n", mdns.ServiceType)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()

	fmt.Fprintln(stdout, "Shutting down.")
	if err := srv.Stop(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
