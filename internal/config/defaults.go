package config

// DefaultBridgeAddr is the default address of the local lockdown bridge daemon.
const DefaultBridgeAddr = "127.0.0.1:27016"

// DefaultPayload is the default activation payload path.
const DefaultPayload = "payload"

// DefaultPort is the default record server port.
const DefaultPort = 8080

// DefaultPlistDir is the default activation record directory.
const DefaultPlistDir = "plists"

// DefaultReconnectTimeoutS is how long to wait for a device to reconnect
// after a restart, in seconds.
const DefaultReconnectTimeoutS = 90
