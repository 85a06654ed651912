package firmata

import "github.com/srg/blefirmata/internal/metrics"

const subSystem = "firmata"

var (
	bytesReceivedTotal = metrics.MustRegisterCounter(subSystem,
		"bytes_received_total",
		"Total number of bytes read from the transport")
	bytesSentTotal = metrics.MustRegisterCounter(subSystem,
		"bytes_sent_total",
		"Total number of bytes written to the transport")
	messagesTotal = metrics.MustRegisterCounterVec(subSystem,
		"messages_total",
		"Total number of decoded messages",
		"type")
	discardedBytesTotal = metrics.MustRegisterCounter(subSystem,
		"discarded_bytes_total",
		"Total number of received bytes that did not belong to any frame")
	droppedFramesTotal = metrics.MustRegisterCounter(subSystem,
		"dropped_frames_total",
		"Total number of incomplete or oversized frames")
	parseErrorsTotal = metrics.MustRegisterCounterVec(subSystem,
		"parse_errors_total",
		"Total number of sysex replies that failed to parse",
		"command")
	queriesTotal = metrics.MustRegisterCounterVec(subSystem,
		"queries_total",
		"Total number of queries by outcome",
		"query", "result")
	eventsDroppedTotal = metrics.MustRegisterCounter(subSystem,
		"events_dropped_total",
		"Total number of events overwritten in subscriber buffers")
	subscriptions = metrics.MustRegisterGauge(subSystem,
		"subscriptions",
		"Number of open event subscriptions")
)
