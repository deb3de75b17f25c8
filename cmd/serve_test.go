package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
)

func TestServeMissingExplicitConfig(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := runServe([]string{"--config", filepath.Join(t.TempDir(), "absent.toml")}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "config file not found") {
		t.Fatalf("unexpected stderr:\n%s", stderr.String())
	}
}

func TestServeRejectsUnknownFlag(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := runServe([]string{"--bogus"}, &stdout, &stderr); code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
}
