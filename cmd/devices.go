package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"

	activatorErrors "github.com/a5revive/activator/internal/errors"
	"github.com/a5revive/activator/internal/gate"
	"github.com/a5revive/activator/internal/transport"
)

// deviceReport is the JSON output of `a5revive devices --json`.
type deviceReport struct {
	ProductType     string `json:"product_type"`
	ProductVersion  string `json:"product_version"`
	ActivationState string `json:"activation_state"`
	Telephony       bool   `json:"telephony"`
	Supported       bool   `json:"supported"`
	Reason          string `json:"reason,omitempty"`
}

// runDevices shows the connected device and whether the activation flow
// supports it. An unsupported device is informational, not an error; only a
// transport failure exits non-zero.
func runDevices(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("devices", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var common commonFlags
	common.register(fs)
	jsonMode := fs.Bool("json", false, "Emit machine-readable JSON to stdout")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: a5revive devices [options]\n\nShow the connected device.\n\nOptions:\n")
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

	ctx := context.Background()
	conn, err := transport.NewBridgeClient(cfg.BridgeAddr).Connect(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %s\n", activatorErrors.GetMessage(err))
		return 1
	}
	defer conn.Close()

	snap, err := transport.TakeSnapshot(ctx, conn)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %s\n", activatorErrors.GetMessage(err))
		return 1
	}

	report := deviceReport{
		ProductType:     snap.ProductType,
		ProductVersion:  snap.ProductVersion,
		ActivationState: snap.ActivationState,
		Telephony:       snap.TelephonyCapability,
		Supported:       true,
	}
	if err := gate.Check(snap.ProductType, snap.ProductVersion); err != nil {
		report.Supported = false
		report.Reason = activatorErrors.GetMessage(err)
	}

	if *jsonMode {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		return 0
	}

	fmt.Fprintf(stdout, "Model:      %s\n", report.ProductType)
	fmt.Fprintf(stdout, "Version:    %s\n", report.ProductVersion)
	if report.ActivationState != "" {
		fmt.Fprintf(stdout, "Activation: %s\n", report.ActivationState)
	}
	if report.Telephony {
		fmt.Fprintln(stdout, "Cellular:   yes")
	}
	if report.Supported {
		fmt.Fprintln(stdout, "Supported:  yes")
	} else {
		fmt.Fprintf(stdout, "Supported:  no (%s)\n", report.Reason)
	}
	return 0
}
