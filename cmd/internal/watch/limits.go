package watch

import "time"

const (
	// Max bytes per websocket frame read. Clients only send pings.
	maxFrameBytes = 4 << 10

	defaultHeartbeatInterval = 25 * time.Second
	defaultHeartbeatTimeout  = 5 * time.Second

	defaultWriteTimeout = 5 * time.Second
	defaultReadIdle     = 2 * time.Minute
	closeGrace          = time.Second

	defaultSendQueue = 16
	minSendQueue     = 4

	// Inbound frames per window.
	defaultRateEvents = 20
	defaultRateWindow = 10 * time.Second

	defaultMaxPerObject = 32

	maxPingFailures = 3
)
