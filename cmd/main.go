package main

import (
	"fmt"
	"io"
	"os"
)

// Version is set at build time via -ldflags.
// Example: go build -ldflags="-X main.Version=v0.3.0" ./cmd
var Version = "dev"

const usage = `a5revive - activation orchestrator for legacy mobile devices

Usage:
  a5revive <command> [options]

Commands:
  activate      Push the payload and drive the device through activation
  serve         Run the activation record server standalone
  devices       Show the connected device and whether it is supported
  history       List recent activation runs from the audit database
  doctor        Diagnose bridge, payload and server readiness

Run 'a5revive <command> --help' for more information on a command.
`

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		fmt.Fprint(stdout, usage)
		return 0
	}

	switch args[1] {
	case "activate":
		return runActivate(args[2:], stdout, stderr)
	case "serve":
		return runServe(args[2:], stdout, stderr)
	case "devices":
		return runDevices(args[2:], stdout, stderr)
	case "history":
		return runHistory(args[2:], stdout, stderr)
	case "doctor":
		return runDoctor(args[2:], stdout, stderr)
	case "--help", "-h", "help":
		fmt.Fprint(stdout, usage)
		return 0
	case "--version", "-v", "version":
		fmt.Fprintf(stdout, "a5revive %s\n", Version)
		return 0
	default:
		fmt.Fprintf(stdout, "Unknown command: %s\n", args[1])
		fmt.Fprint(stdout, usage)
		return 1
	}
}
