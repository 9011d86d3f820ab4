package ddp

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "ddp"
const metricsSubsystem = "client"

type clientMetrics struct {
	messagesReceived     *prometheus.CounterVec
	messagesSent         *prometheus.CounterVec
	pendingCalls         prometheus.Gauge
	pendingSubscriptions prometheus.Gauge
	connects             *prometheus.CounterVec
	disconnects          prometheus.Counter

	// this client's share of the pending gauges
	lastPendingCalls         int
	lastPendingSubscriptions int
}

// collectors are always live. With a nil registerer they are simply not exported.
func newClientMetrics(registerer prometheus.Registerer) *clientMetrics {
	metrics := &clientMetrics{
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "messages_received_total",
			Help:      "Inbound envelopes by msg.",
		}, []string{"msg"}),
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "messages_sent_total",
			Help:      "Outbound envelopes by msg.",
		}, []string{"msg"}),
		pendingCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "pending_calls",
			Help:      "Method calls waiting on result or updated.",
		}),
		pendingSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "pending_subscriptions",
			Help:      "Subscriptions waiting on ready or nosub.",
		}),
		connects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "connects_total",
			Help:      "Established sessions.",
		}, []string{"reconnect"}),
		disconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "disconnects_total",
			Help:      "Lost sockets.",
		}),
	}
	if registerer != nil {
		metrics.messagesReceived = register(registerer, metrics.messagesReceived)
		metrics.messagesSent = register(registerer, metrics.messagesSent)
		metrics.pendingCalls = register(registerer, metrics.pendingCalls)
		metrics.pendingSubscriptions = register(registerer, metrics.pendingSubscriptions)
		metrics.connects = register(registerer, metrics.connects)
		metrics.disconnects = register(registerer, metrics.disconnects)
	}
	return metrics
}

// multiple clients on one registerer share collectors
func register[C prometheus.Collector](registerer prometheus.Registerer, collector C) C {
	if err := registerer.Register(collector); err != nil {
		var alreadyRegisteredErr prometheus.AlreadyRegisteredError
		if errors.As(err, &alreadyRegisteredErr) {
			if existing, ok := alreadyRegisteredErr.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return collector
}

func (self *clientMetrics) updatePending(correlator *correlator) {
	pendingCalls := correlator.pendingCallCount()
	pendingSubscriptions := correlator.pendingSubscriptionCount()
	self.pendingCalls.Add(float64(pendingCalls - self.lastPendingCalls))
	self.pendingSubscriptions.Add(float64(pendingSubscriptions - self.lastPendingSubscriptions))
	self.lastPendingCalls = pendingCalls
	self.lastPendingSubscriptions = pendingSubscriptions
}
