// This file implements the `a5revive doctor` diagnostic command.
//
// Doctor runs a sequence of preflight checks against the local environment
// and reports actionable remediation guidance for any issues. It supports
// both human-readable (default) and machine-readable (--json) output.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/grandcat/zeroconf"
)

// DoctorResult is the top-level JSON output for `a5revive doctor --json`.
type DoctorResult struct {
	// Version is the doctor output schema version. Always "1".
	Version string `json:"version"`

	// Checks is the ordered list of diagnostic checks that were evaluated.
	Checks []DoctorCheck `json:"checks"`

	// Summary contains aggregate pass/warn/fail counts derived from Checks.
	Summary DoctorSummary `json:"summary"`
}

// DoctorCheck is one diagnostic check in the doctor output.
type DoctorCheck struct {
	// ID is a stable, machine-readable identifier for the check.
	ID string `json:"id"`

	// Status is the check result: "pass", "warn", or "fail".
	Status string `json:"status"`

	// Message is a human-readable summary of what was found.
	Message string `json:"message"`

	// NextAction is a concrete remediation step the operator should take.
	NextAction string `json:"next_action"`
}

// DoctorSummary holds aggregate counts of check outcomes.
type DoctorSummary struct {
	Pass int `json:"pass"`
	Warn int `json:"warn"`
	Fail int `json:"fail"`
}

// Stable check IDs used by the doctor command.
// These are part of the public CLI contract and must not change.
const (
	checkIDBridge  = "bridge.reachability"
	checkIDPayload = "payload.file"
	checkIDPlists  = "plists.directory"
	checkIDPort    = "server.port"
	checkIDMdns    = "mdns.advertise"
)

// Stable status values for doctor checks.
const (
	statusPass = "pass"
	statusWarn = "warn"
	statusFail = "fail"
)

// Function-variable seams for testability.
// Tests override these to inject deterministic behavior without network
// access.
var (
	// doctorProbeBridge checks the lockdown bridge daemon is answering.
	doctorProbeBridge = defaultProbeBridge

	// doctorProbePort checks the record server port can be bound.
	doctorProbePort = defaultProbePort

	// doctorProbeMdns checks the platform can open mDNS multicast sockets.
	doctorProbeMdns = defaultProbeMdns
)

// defaultProbeBridge issues a device-list request against the bridge.
func defaultProbeBridge(addr string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + addr + "/devices")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bridge returned %s", resp.Status)
	}
	return nil
}

// defaultProbePort verifies the port is free by binding and releasing it.
func defaultProbePort(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return err
	}
	return ln.Close()
}

func defaultProbeMdns() error {
	_, err := zeroconf.NewResolver(nil)
	return err
}

// runDoctor implements the `a5revive doctor` CLI command.
// Returns 0 when no checks fail, 1 when any check fails or an internal
// error occurs.
func runDoctor(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var common commonFlags
	common.register(fs)
	jsonMode := fs.Bool("json", false, "Emit machine-readable JSON to stdout")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: a5revive doctor [options]\n\nDiagnose bridge, payload and server readiness.\n\nOptions:\n")
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

	// Evaluate checks in deterministic order.
	checks := make([]DoctorCheck, 0, 5)
	checks = append(checks, evalBridge(cfg.BridgeAddr))
	checks = append(checks, evalPayload(cfg.Payload))
	checks = append(checks, evalPlists(cfg.PlistDir, cfg.LocalMode))
	checks = append(checks, evalPort(cfg.Port))
	checks = append(checks, evalMdns())

	summary := DoctorSummary{}
	for _, c := range checks {
		switch c.Status {
		case statusPass:
			summary.Pass++
		case statusWarn:
			summary.Warn++
		case statusFail:
			summary.Fail++
		}
	}

	result := DoctorResult{
		Version: "1",
		Checks:  checks,
		Summary: summary,
	}

	if *jsonMode {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			fmt.Fprintf(stderr, "Error: failed to encode JSON: %v\n", err)
			return 1
		}
	} else {
		renderDoctorHuman(stdout, result)
	}

	if summary.Fail > 0 {
		return 1
	}
	return 0
}

// evalBridge evaluates the bridge.reachability check.
// Decision table:
//   - bridge answers the device-list request -> pass
//   - anything else -> fail
func evalBridge(addr string) DoctorCheck {
	check := DoctorCheck{ID: checkIDBridge}

	if err := doctorProbeBridge(addr); err != nil {
		check.Status = statusFail
		check.Message = fmt.Sprintf("Lockdown bridge is not reachable at %s: %v", addr, err)
		check.NextAction = "Start the lockdown bridge daemon and verify the `--bridge` address."
		return check
	}

	check.Status = statusPass
	check.Message = fmt.Sprintf("Lockdown bridge is reachable at %s.", addr)
	check.NextAction = "No action required."
	return check
}

// evalPayload evaluates the payload.file check.
// Decision table:
//   - file missing or unreadable -> fail
//   - file empty -> fail
//   - otherwise -> pass
func evalPayload(path string) DoctorCheck {
	check := DoctorCheck{ID: checkIDPayload}

	info, err := os.Stat(path)
	if err != nil {
		check.Status = statusFail
		check.Message = fmt.Sprintf("Payload not found at %s.", path)
		check.NextAction = "Place the activation payload there or point `--payload` at it."
		return check
	}
	if info.Size() == 0 {
		check.Status = statusFail
		check.Message = fmt.Sprintf("Payload at %s is empty.", path)
		check.NextAction = "Replace it with the real activation payload database."
		return check
	}

	check.Status = statusPass
	check.Message = fmt.Sprintf("Payload present at %s (%d bytes).", path, info.Size())
	check.NextAction = "No action required."
	return check
}

// evalPlists evaluates the plists.directory check.
// Decision table:
//   - local mode off -> pass (directory is unused)
//   - directory missing -> fail
//   - directory present -> pass
func evalPlists(dir string, localMode bool) DoctorCheck {
	check := DoctorCheck{ID: checkIDPlists}

	if !localMode {
		check.Status = statusPass
		check.Message = "Local mode is off; the activation record directory is not used."
		check.NextAction = "No action required."
		return check
	}

	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		check.Status = statusFail
		check.Message = fmt.Sprintf("Activation record directory %s does not exist.", dir)
		check.NextAction = "Create it with one <model>/<build>/patched.plist per device, or point `--plists` at an existing tree."
		return check
	}

	check.Status = statusPass
	check.Message = fmt.Sprintf("Activation record directory present at %s.", dir)
	check.NextAction = "No action required."
	return check
}

// evalPort evaluates the server.port check.
// Decision table:
//   - port binds -> pass
//   - port busy -> fail
func evalPort(port int) DoctorCheck {
	check := DoctorCheck{ID: checkIDPort}

	if err := doctorProbePort(port); err != nil {
		check.Status = statusFail
		check.Message = fmt.Sprintf("Port %d cannot be bound: %v", port, err)
		check.NextAction = "Stop whatever is using the port or pick another one with `--port`."
		return check
	}

	check.Status = statusPass
	check.Message = fmt.Sprintf("Port %d is available.", port)
	check.NextAction = "No action required."
	return check
}

// evalMdns evaluates the mdns.advertise check. A probe failure is advisory:
// local mode still works if the device resolves the hostname another way.
func evalMdns() DoctorCheck {
	check := DoctorCheck{ID: checkIDMdns}

	if err := doctorProbeMdns(); err != nil {
		check.Status = statusWarn
		check.Message = fmt.Sprintf("mDNS support could not be verified: %v", err)
		check.NextAction = "Check that a Bonjour/Avahi responder is running if the device cannot resolve this machine's .local name."
		return check
	}

	check.Status = statusPass
	check.Message = "mDNS multicast sockets are available."
	check.NextAction = "No action required."
	return check
}

// renderDoctorHuman writes the doctor result in human-readable format.
func renderDoctorHuman(w io.Writer, result DoctorResult) {
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "a5revive Doctor")
	fmt.Fprintln(w, "===============")
	fmt.Fprintln(w, "")

	for _, c := range result.Checks {
		fmt.Fprintf(w, "  %s %s: %s\n", statusIcon(c.Status), c.ID, c.Message)
		if c.Status != statusPass {
			fmt.Fprintf(w, "    -> %s\n", c.NextAction)
		}
	}

	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "Summary: %d passed, %d warnings, %d failures\n",
		result.Summary.Pass, result.Summary.Warn, result.Summary.Fail)
	fmt.Fprintln(w, "")
}

// statusIcon returns a text marker for the check status.
func statusIcon(status string) string {
	switch status {
	case statusPass:
		return "[PASS]"
	case statusWarn:
		return "[WARN]"
	case statusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}
