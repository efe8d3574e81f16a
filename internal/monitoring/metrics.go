package monitoring

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics records pipeline activity as Prometheus series. It implements
// uplink.Metrics.
type Metrics struct {
	gatherer prometheus.Gatherer

	uplinkSent       *prometheus.CounterVec
	txTimeout        prometheus.Counter
	persistFailed    prometheus.Counter
	downlinkReceived *prometheus.CounterVec
	downlinkRejected *prometheus.CounterVec
	frameCounterUp   prometheus.Gauge
}

// NewMetrics registers the node series on reg. Passing a fresh
// prometheus.NewRegistry keeps tests isolated from the default registry.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		uplinkSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "uplink_sent_count",
			Help: "The number of uplink frames put on air (per confirmed flag).",
		}, []string{"confirmed"}),
		txTimeout: f.NewCounter(prometheus.CounterOpts{
			Name: "uplink_tx_timeout_count",
			Help: "The number of uplinks whose TxDone did not arrive in time.",
		}),
		persistFailed: f.NewCounter(prometheus.CounterOpts{
			Name: "counter_persist_failed_count",
			Help: "The number of sent uplinks whose frame counter could not be stored.",
		}),
		downlinkReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "downlink_received_count",
			Help: "The number of accepted downlinks (per FPort).",
		}, []string{"f_port"}),
		downlinkRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "downlink_rejected_count",
			Help: "The number of dropped downlink frames (per reason).",
		}, []string{"reason"}),
		frameCounterUp: f.NewGauge(prometheus.GaugeOpts{
			Name: "frame_counter_up",
			Help: "The FCnt of the last uplink put on air.",
		}),
	}
}

func (m *Metrics) UplinkSent(confirmed bool, fCnt uint32) {
	m.uplinkSent.With(prometheus.Labels{"confirmed": strconv.FormatBool(confirmed)}).Inc()
	m.frameCounterUp.Set(float64(fCnt))
}

func (m *Metrics) TxTimeout() {
	m.txTimeout.Inc()
}

func (m *Metrics) PersistFailed() {
	m.persistFailed.Inc()
}

func (m *Metrics) DownlinkReceived(fPort uint8) {
	m.downlinkReceived.With(prometheus.Labels{"f_port": strconv.Itoa(int(fPort))}).Inc()
}

func (m *Metrics) DownlinkRejected(reason string) {
	m.downlinkRejected.With(prometheus.Labels{"reason": reason}).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
