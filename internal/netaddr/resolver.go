// Package netaddr determines the URL a device should use to reach the local
// record server.
//
// The primary answer is always the machine's mDNS hostname
// ("<host>.local:<port>"): devices of this era resolve .local names whenever
// a responder is present on the segment, and the name survives DHCP lease
// changes where a raw IP would not. Everything beyond that is advisory:
// warnings about uncertain mDNS support and a best-effort scan for the USB
// tether subnet as an alternative path.
package netaddr

import (
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/grandcat/zeroconf"
)

// Resolution is the outcome of address resolution. Warnings never indicate
// failure; the URL is always usable as the patch target.
type Resolution struct {
	// URL the device should fetch activation records from.
	URL string

	// Description names the discovery mechanism behind URL.
	Description string

	// Warnings are advisory notes for the operator: uncertain mDNS support,
	// alternative reachable addresses.
	Warnings []string
}

// tetherNet is the reserved subnet handed out when a device is connected as a
// point-to-point USB network interface (personal hotspot tethering range).
var tetherNet = &net.IPNet{
	IP:   net.IPv4(172, 20, 10, 0),
	Mask: net.CIDRMask(24, 32),
}

// Function-variable seams for testability.
// Tests override these to inject deterministic behavior without touching the
// host network stack.
var (
	// resolveHostname returns the local hostname.
	resolveHostname = os.Hostname

	// enumerateAddrs lists addresses of all local interfaces.
	enumerateAddrs = net.InterfaceAddrs

	// probeResponder checks whether the platform can open the multicast
	// sockets mDNS needs. A non-nil error means support is uncertain, not
	// absent.
	probeResponder = defaultProbeResponder
)

// Resolve builds the URL a device should use for the record server listening
// on the given port. It always succeeds; platform probing failures degrade to
// warnings.
func Resolve(port int) Resolution {
	host, err := resolveHostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	// Keep only the machine name: hostnames like "my-mac.lan" or an already
	// qualified "my-mac.local" both advertise as "my-mac.local".
	host = strings.Split(host, ".")[0]

	res := Resolution{
		URL:         fmt.Sprintf("http://%s.local:%d", host, port),
		Description: "mDNS hostname",
	}

	if err := probeResponder(); err != nil {
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("mDNS support could not be verified (%v); if the device cannot resolve %s.local, check that a Bonjour/Avahi responder is running", err, host))
	}

	if ip := tetherIP(); ip != "" {
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("USB tether interface detected; the device may also reach the server at http://%s:%d", ip, port))
	}

	return res
}

// tetherIP scans local interfaces for an address inside the USB tether
// subnet. Enumeration failures degrade to "not found".
func tetherIP() string {
	addrs, err := enumerateAddrs()
	if err != nil {
		return ""
	}

	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipNet.IP.To4()
		if ip != nil && tetherNet.Contains(ip) {
			return ip.String()
		}
	}
	return ""
}

// defaultProbeResponder verifies the platform can open mDNS multicast
// sockets. It cannot prove a responder is advertising our hostname, only
// that the transport for one exists, which is why the result is advisory.
func defaultProbeResponder() error {
	if _, err := zeroconf.NewResolver(nil); err != nil {
		return fmt.Errorf("mdns resolver: %w", err)
	}
	return nil
}
