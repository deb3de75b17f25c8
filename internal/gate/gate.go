// Package gate implements the device allow-list check that must pass before
// an activation run may start.
//
// Only A5-era devices on their final supported OS builds are eligible: the
// payload exploits a behavior specific to those builds, and pushing it to
// anything else is at best a no-op and at worst leaves the device looping
// through restarts.
package gate

import (
	"sort"

	activatorErrors "github.com/a5revive/activator/internal/errors"
)

// supportedDevices is the fixed product-type allow-list.
var supportedDevices = map[string]bool{
	"iPhone4,1": true,
	"iPad2,1":   true,
	"iPad2,2":   true,
	"iPad2,3":   true,
	"iPad2,4":   true,
	"iPad2,5":   true,
	"iPad2,6":   true,
	"iPad2,7":   true,
	"iPad3,1":   true,
	"iPad3,2":   true,
	"iPad3,3":   true,
	"iPod5,1":   true,
}

// supportedVersions is the fixed OS version allow-list.
var supportedVersions = map[string]bool{
	"8.4.1": true,
	"9.3.5": true,
	"9.3.6": true,
}

// Check returns nil if the device is eligible for activation.
// The product type is checked before the version so the caller gets the more
// fundamental objection first.
func Check(productType, productVersion string) error {
	if !supportedDevices[productType] {
		return activatorErrors.UnsupportedDevice(productType)
	}
	if !supportedVersions[productVersion] {
		return activatorErrors.UnsupportedVersion(productVersion)
	}
	return nil
}

// SupportedDevice reports whether the product type is on the allow-list.
func SupportedDevice(productType string) bool {
	return supportedDevices[productType]
}

// SupportedVersion reports whether the OS version is on the allow-list.
func SupportedVersion(productVersion string) bool {
	return supportedVersions[productVersion]
}

// Devices returns the sorted product-type allow-list for display.
func Devices() []string {
	out := make([]string, 0, len(supportedDevices))
	for d := range supportedDevices {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// Versions returns the sorted OS version allow-list for display.
func Versions() []string {
	out := make([]string, 0, len(supportedVersions))
	for v := range supportedVersions {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
