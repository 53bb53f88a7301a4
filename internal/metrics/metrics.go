package metrics

import (
	"strconv"
	"time"

	"github.com/otcheredev/ris-dimse-node/pkg/dimse"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ris_dimse"

// Collector records protocol and HTTP metrics. It implements dimse.Observer.
type Collector struct {
	associations       *prometheus.GaugeVec
	associationsClosed *prometheus.CounterVec
	requestsSent       *prometheus.CounterVec
	responses          *prometheus.CounterVec
	timeouts           *prometheus.CounterVec
	unknownMessageIDs  prometheus.Counter
	operations         *prometheus.CounterVec
	operationDuration  *prometheus.HistogramVec
	httpRequests       *prometheus.CounterVec
	httpDuration       *prometheus.HistogramVec
}

var _ dimse.Observer = (*Collector)(nil)

// NewCollector creates the metrics and registers them with reg
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		associations: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "association",
				Name:      "active",
				Help:      "Established associations.",
			},
			[]string{"role"},
		),
		associationsClosed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "association",
				Name:      "closed_total",
				Help:      "Closed associations by how they ended.",
			},
			[]string{"role", "reason"},
		),
		requestsSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "scu",
				Name:      "requests_total",
				Help:      "DIMSE requests sent.",
			},
			[]string{"command"},
		),
		responses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "scu",
				Name:      "responses_total",
				Help:      "DIMSE responses received by status kind.",
			},
			[]string{"command", "kind"},
		),
		timeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "scu",
				Name:      "timeouts_total",
				Help:      "DIMSE requests that timed out.",
			},
			[]string{"command"},
		),
		unknownMessageIDs: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "scu",
				Name:      "unknown_message_ids_total",
				Help:      "Responses dropped because no request was waiting for them.",
			},
		),
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "scp",
				Name:      "operations_total",
				Help:      "Inbound operations by final status.",
			},
			[]string{"command", "status"},
		),
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "scp",
				Name:      "operation_duration_seconds",
				Help:      "Inbound operation duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"command"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total HTTP requests.",
			},
			[]string{"method", "path", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
	}

	reg.MustRegister(
		c.associations,
		c.associationsClosed,
		c.requestsSent,
		c.responses,
		c.timeouts,
		c.unknownMessageIDs,
		c.operations,
		c.operationDuration,
		c.httpRequests,
		c.httpDuration,
	)
	return c
}

func (c *Collector) AssociationOpened(role dimse.Role) {
	c.associations.WithLabelValues(string(role)).Inc()
}

func (c *Collector) AssociationClosed(role dimse.Role, err error) {
	c.associations.WithLabelValues(string(role)).Dec()
	reason := "released"
	if err != nil {
		reason = "aborted"
	}
	c.associationsClosed.WithLabelValues(string(role), reason).Inc()
}

func (c *Collector) RequestSent(command dimse.CommandField) {
	c.requestsSent.WithLabelValues(command.String()).Inc()
}

func (c *Collector) ResponseReceived(command dimse.CommandField, status dimse.Status) {
	c.responses.WithLabelValues(command.String(), status.Kind().String()).Inc()
}

func (c *Collector) RequestTimedOut(command dimse.CommandField) {
	c.timeouts.WithLabelValues(command.String()).Inc()
}

func (c *Collector) UnknownMessageID() {
	c.unknownMessageIDs.Inc()
}

func (c *Collector) OperationCompleted(command dimse.CommandField, status dimse.Status, elapsed time.Duration) {
	c.operations.WithLabelValues(command.String(), status.Kind().String()).Inc()
	c.operationDuration.WithLabelValues(command.String()).Observe(elapsed.Seconds())
}

// RecordHTTPRequest records one served HTTP request
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	statusLabel := strconv.Itoa(status)
	c.httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	c.httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}
