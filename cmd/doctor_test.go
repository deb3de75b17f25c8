package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// withDoctorSeams swaps the probe seams for the duration of a test.
func withDoctorSeams(t *testing.T, bridge func(string) error, port func(int) error, mdns func() error) {
	t.Helper()
	origBridge, origPort, origMdns := doctorProbeBridge, doctorProbePort, doctorProbeMdns
	doctorProbeBridge, doctorProbePort, doctorProbeMdns = bridge, port, mdns
	t.Cleanup(func() {
		doctorProbeBridge, doctorProbePort, doctorProbeMdns = origBridge, origPort, origMdns
	})
}

func writeDoctorPayload(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "payload")
	if err := os.WriteFile(path, []byte("bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func runDoctorJSON(t *testing.T, args []string) (DoctorResult, int) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := runDoctor(append(args, "--json"), &stdout, &stderr)
	var result DoctorResult
	if err := json.Unmarshal(stdout.Bytes(), &result); err != nil {
		t.Fatalf("doctor --json output is not valid JSON: %v\n%s", err, stdout.String())
	}
	return result, code
}

func checkByID(t *testing.T, result DoctorResult, id string) DoctorCheck {
	t.Helper()
	for _, c := range result.Checks {
		if c.ID == id {
			return c
		}
	}
	t.Fatalf("check %s missing from doctor output", id)
	return DoctorCheck{}
}

func TestDoctorAllPass(t *testing.T) {
	withDoctorSeams(t,
		func(string) error { return nil },
		func(int) error { return nil },
		func() error { return nil },
	)
	payload := writeDoctorPayload(t)

	result, code := runDoctorJSON(t, []string{"--payload", payload})
	if code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	if result.Version != "1" {
		t.Fatalf("schema version = %q, want 1", result.Version)
	}
	if result.Summary.Fail != 0 {
		t.Fatalf("failures = %d, want 0: %+v", result.Summary.Fail, result.Checks)
	}
	if c := checkByID(t, result, checkIDBridge); c.Status != statusPass {
		t.Fatalf("bridge check = %s, want pass", c.Status)
	}
	// local mode off: the plist directory is not required
	if c := checkByID(t, result, checkIDPlists); c.Status != statusPass {
		t.Fatalf("plists check = %s, want pass", c.Status)
	}
}

func TestDoctorBridgeDownFails(t *testing.T) {
	withDoctorSeams(t,
		func(string) error { return errors.New("connection refused") },
		func(int) error { return nil },
		func() error { return nil },
	)
	payload := writeDoctorPayload(t)

	result, code := runDoctorJSON(t, []string{"--payload", payload})
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	c := checkByID(t, result, checkIDBridge)
	if c.Status != statusFail {
		t.Fatalf("bridge check = %s, want fail", c.Status)
	}
	if c.NextAction == "" {
		t.Fatal("failing check must carry a next action")
	}
}

func TestDoctorMissingPayloadFails(t *testing.T) {
	withDoctorSeams(t,
		func(string) error { return nil },
		func(int) error { return nil },
		func() error { return nil },
	)

	result, code := runDoctorJSON(t, []string{"--payload", filepath.Join(t.TempDir(), "absent")})
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if c := checkByID(t, result, checkIDPayload); c.Status != statusFail {
		t.Fatalf("payload check = %s, want fail", c.Status)
	}
}

func TestDoctorEmptyPayloadFails(t *testing.T) {
	withDoctorSeams(t,
		func(string) error { return nil },
		func(int) error { return nil },
		func() error { return nil },
	)
	path := filepath.Join(t.TempDir(), "payload")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	result, code := runDoctorJSON(t, []string{"--payload", path})
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if c := checkByID(t, result, checkIDPayload); c.Status != statusFail {
		t.Fatalf("payload check = %s, want fail", c.Status)
	}
}

func TestDoctorLocalModeRequiresPlistDir(t *testing.T) {
	withDoctorSeams(t,
		func(string) error { return nil },
		func(int) error { return nil },
		func() error { return nil },
	)
	payload := writeDoctorPayload(t)

	result, code := runDoctorJSON(t, []string{
		"--payload", payload,
		"--local",
		"--plists", filepath.Join(t.TempDir(), "absent"),
	})
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if c := checkByID(t, result, checkIDPlists); c.Status != statusFail {
		t.Fatalf("plists check = %s, want fail", c.Status)
	}

	// With the directory present the check passes.
	result, _ = runDoctorJSON(t, []string{
		"--payload", payload,
		"--local",
		"--plists", t.TempDir(),
	})
	if c := checkByID(t, result, checkIDPlists); c.Status != statusPass {
		t.Fatalf("plists check = %s, want pass", c.Status)
	}
}

func TestDoctorBusyPortFails(t *testing.T) {
	withDoctorSeams(t,
		func(string) error { return nil },
		func(int) error { return errors.New("address already in use") },
		func() error { return nil },
	)
	payload := writeDoctorPayload(t)

	result, code := runDoctorJSON(t, []string{"--payload", payload})
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if c := checkByID(t, result, checkIDPort); c.Status != statusFail {
		t.Fatalf("port check = %s, want fail", c.Status)
	}
}

func TestDoctorMdnsProblemOnlyWarns(t *testing.T) {
	withDoctorSeams(t,
		func(string) error { return nil },
		func(int) error { return nil },
		func() error { return errors.New("no multicast interfaces") },
	)
	payload := writeDoctorPayload(t)

	result, code := runDoctorJSON(t, []string{"--payload", payload})
	if code != 0 {
		t.Fatalf("exit code = %d, want 0 (warnings do not fail)", code)
	}
	if c := checkByID(t, result, checkIDMdns); c.Status != statusWarn {
		t.Fatalf("mdns check = %s, want warn", c.Status)
	}
	if result.Summary.Warn != 1 {
		t.Fatalf("warn count = %d, want 1", result.Summary.Warn)
	}
}

func TestDoctorHumanOutput(t *testing.T) {
	withDoctorSeams(t,
		func(string) error { return errors.New("connection refused") },
		func(int) error { return nil },
		func() error { return nil },
	)
	payload := writeDoctorPayload(t)

	var stdout, stderr bytes.Buffer
	code := runDoctor([]string{"--payload", payload}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	out := stdout.String()
	for _, want := range []string{"[FAIL]", "[PASS]", "Summary:", "->"} {
		if !bytes.Contains([]byte(out), []byte(want)) {
			t.Fatalf("human output missing %q:\n%s", want, out)
		}
	}
}
