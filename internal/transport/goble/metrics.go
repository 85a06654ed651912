package goble

import "github.com/srg/blefirmata/internal/metrics"

const subSystem = "ble"

var (
	connectsTotal = metrics.MustRegisterCounterVec(subSystem, "connects_total",
		"Connection attempts by result", "result")
	notificationsTotal = metrics.MustRegisterCounter(subSystem, "notifications_total",
		"RX notifications received")
	overflowBytesTotal = metrics.MustRegisterCounter(subSystem, "overflow_bytes_total",
		"Notification bytes dropped because the receive buffer was full")
	chunksWrittenTotal = metrics.MustRegisterCounter(subSystem, "chunks_written_total",
		"TX characteristic writes")
	disconnectsTotal = metrics.MustRegisterCounter(subSystem, "disconnects_total",
		"Links lost while open")
)
