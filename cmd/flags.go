package main

import (
	"flag"
	"fmt"
	"io"

	"github.com/a5revive/activator/internal/config"
)

// commonFlags are the options shared by every command that touches the
// config file and the record server.
type commonFlags struct {
	configPath string
	bridge     string
	payload    string
	local      bool
	plists     string
	port       int
	mdns       bool
}

// register wires the shared options into a command's flag set.
func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "", "Config file path (default ~/.a5revive/config.toml)")
	fs.StringVar(&c.bridge, "bridge", "", "Lockdown bridge address (host:port)")
	fs.StringVar(&c.payload, "payload", "", "Activation payload path")
	fs.BoolVar(&c.local, "local", false, "Serve activation records from this machine")
	fs.StringVar(&c.plists, "plists", "", "Activation record directory")
	fs.IntVar(&c.port, "port", 0, "Record server port")
	fs.BoolVar(&c.mdns, "mdns", false, "Advertise the record server via mDNS")
}

// resolve loads the config file and applies the explicitly set flags on top.
// File values fill the gaps; flags always win.
func (c *commonFlags) resolve(fs *flag.FlagSet) (*config.Config, error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return nil, err
	}

	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		explicit[f.Name] = true
	})

	if explicit["bridge"] {
		cfg.BridgeAddr = c.bridge
	}
	if explicit["payload"] {
		cfg.Payload = c.payload
	}
	if explicit["local"] {
		cfg.LocalMode = c.local
	}
	if explicit["plists"] {
		cfg.PlistDir = c.plists
	}
	if explicit["port"] {
		cfg.Port = c.port
	}
	if explicit["mdns"] {
		cfg.MdnsEnabled = c.mdns
	}
	return cfg, nil
}

// parseOrExit parses args and maps flag errors onto exit codes: 0 for
// --help, 1 for anything malformed, -1 to continue.
func parseOrExit(fs *flag.FlagSet, args []string, stderr io.Writer) int {
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return -1
}
