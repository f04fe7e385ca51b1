package realtime

import "time"

const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB

	defaultWriteTimeout = 5 * time.Second

	// Heartbeat defaults.
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second
	maxPingFailures   = 3

	// Inbound frames per window before the client drops the connection.
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)
