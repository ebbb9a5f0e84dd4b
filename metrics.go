package sshmux

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricSessionsActive = promauto.NewGauge(prometheus.GaugeOpts{Name: "sshmux_sessions_active", Help: "Sessions currently alive"})
	metricPacketsSent    = promauto.NewCounter(prometheus.CounterOpts{Name: "sshmux_packets_sent_total", Help: "Framed packets sent"})
	metricPacketsRecv    = promauto.NewCounter(prometheus.CounterOpts{Name: "sshmux_packets_received_total", Help: "Framed packets received"})
	metricBytesSent      = promauto.NewCounter(prometheus.CounterOpts{Name: "sshmux_bytes_sent_total", Help: "Wire bytes sent including framing"})
	metricBytesRecv      = promauto.NewCounter(prometheus.CounterOpts{Name: "sshmux_bytes_received_total", Help: "Wire bytes received including framing"})
	metricMACFailures    = promauto.NewCounter(prometheus.CounterOpts{Name: "sshmux_mac_failures_total", Help: "Packets dropped with the session for MAC mismatch"})
	metricKexCompleted   = promauto.NewCounter(prometheus.CounterOpts{Name: "sshmux_key_exchanges_total", Help: "Completed key exchanges including rekeys"})
	metricChannelsOpened = promauto.NewCounter(prometheus.CounterOpts{Name: "sshmux_channels_opened_total", Help: "Channels reaching the open state"})
	metricFatalErrors    = promauto.NewCounterVec(prometheus.CounterOpts{Name: "sshmux_fatal_errors_total", Help: "Session-fatal errors by operation"}, []string{"op"})
)
