package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type prometheusObserver struct {
	processed      prometheus.Counter
	handlerFailure prometheus.Counter
	deadLettered   prometheus.Counter
	dropped        *prometheus.CounterVec
	rebalances     prometheus.Counter
	inFlight       prometheus.Gauge
	partitions     prometheus.Gauge
}

var (
	processedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hakoflow_messages_processed_total",
		Help: "Messages delivered to a handler and acknowledged",
	})
	handlerFailureCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hakoflow_handler_failures_total",
		Help: "Handler invocations that failed and were left unacknowledged",
	})
	deadLetteredCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hakoflow_messages_dead_lettered_total",
		Help: "Messages moved to the dead letter store",
	})
	droppedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hakoflow_messages_dropped_total",
		Help: "Messages acknowledged without handling",
	}, []string{"reason"})
	rebalanceCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hakoflow_rebalances_total",
		Help: "Partition assignments adopted by this consumer",
	})
	inFlightGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hakoflow_messages_in_flight",
		Help: "Messages currently inside per-message processing",
	})
	partitionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hakoflow_assigned_partitions",
		Help: "Partitions currently owned by this consumer",
	})
)

func NewPrometheusObserver() ConsumerObserver {
	return &prometheusObserver{
		processed:      processedCounter,
		handlerFailure: handlerFailureCounter,
		deadLettered:   deadLetteredCounter,
		dropped:        droppedCounter,
		rebalances:     rebalanceCounter,
		inFlight:       inFlightGauge,
		partitions:     partitionsGauge,
	}
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func (p *prometheusObserver) RecordProcessed() {
	p.processed.Inc()
}

func (p *prometheusObserver) RecordHandlerFailure() {
	p.handlerFailure.Inc()
}

func (p *prometheusObserver) RecordDeadLettered() {
	p.deadLettered.Inc()
}

func (p *prometheusObserver) RecordDropped(reason string) {
	p.dropped.WithLabelValues(reason).Inc()
}

func (p *prometheusObserver) RecordRebalance() {
	p.rebalances.Inc()
}

func (p *prometheusObserver) SetInFlight(n int64) {
	p.inFlight.Set(float64(n))
}

func (p *prometheusObserver) SetAssignedPartitions(n int) {
	p.partitions.Set(float64(n))
}
