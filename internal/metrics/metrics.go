// Package metrics exposes prometheus instrumentation for the protocol
// engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricPrefix = "csms_"

var (
	FramesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: metricPrefix + "frames_received_total",
		Help: "Inbound frames by message type",
	}, []string{"type"})

	CallsHandled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: metricPrefix + "calls_handled_total",
		Help: "Inbound Calls by action",
	}, []string{"action"})

	CallErrorsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: metricPrefix + "call_errors_sent_total",
		Help: "CallError replies by error code",
	}, []string{"code"})

	DecodeFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: metricPrefix + "decode_failures_total",
		Help: "Frames that failed structural decoding",
	})

	TransactionsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: metricPrefix + "transactions_started_total",
		Help: "Charging transactions opened",
	})

	TransactionsStopped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: metricPrefix + "transactions_stopped_total",
		Help: "Charging transactions closed",
	})

	SigningResolved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: metricPrefix + "signing_resolved_total",
		Help: "Certificate signing cycles by outcome",
	}, []string{"outcome"})

	DroppedResponses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: metricPrefix + "dropped_responses_total",
		Help: "CallResult/CallError frames with no matching outstanding call",
	})
)

// Register installs all collectors plus live gauges backed by the given
// readouts.
func Register(connectedStations func() float64, openTransactions func() float64) {
	prometheus.MustRegister(
		FramesReceived,
		CallsHandled,
		CallErrorsSent,
		DecodeFailures,
		TransactionsStarted,
		TransactionsStopped,
		SigningResolved,
		DroppedResponses,
	)

	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "connected_stations",
			Help: "Stations with a live transport binding",
		},
		connectedStations,
	))

	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "transactions_open",
			Help: "Currently open charging transactions",
		},
		openTransactions,
	))
}
