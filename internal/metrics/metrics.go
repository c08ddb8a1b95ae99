package metrics

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns a private registry. All recording methods are safe to call
// on a nil *Collector so components can run without metrics.
type Collector struct {
	reg *prometheus.Registry

	Calculations      *prometheus.CounterVec // result: estimated|arrived|passed|error
	BatchDuration     prometheus.Histogram
	ThrottleDecisions *prometheus.CounterVec // reason: first|interval|motion|skip|error
	StatusTransitions *prometheus.CounterVec // status: approaching|delayed
	ArrivalsRecorded  prometheus.Counter
	Notifications     *prometheus.CounterVec // channel, result: sent|failed
	CacheErrors       *prometheus.CounterVec // op: get|set
	EventsPublished   *prometheus.CounterVec // kind: eta|arrival, result: ok|error
	WSClients         prometheus.Gauge
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		Calculations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "buseta_eta_calculations_total",
			Help: "ETA calculations by result.",
		}, []string{"result"}),
		BatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "buseta_batch_recalculation_duration_seconds",
			Help:    "Duration of a per-line batch recalculation.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}),
		ThrottleDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "buseta_throttle_decisions_total",
			Help: "Recalculation throttle decisions by reason.",
		}, []string{"reason"}),
		StatusTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "buseta_status_transitions_total",
			Help: "ETA status transitions applied by the status sweep.",
		}, []string{"status"}),
		ArrivalsRecorded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "buseta_arrivals_recorded_total",
			Help: "Stop arrivals recorded.",
		}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "buseta_notifications_total",
			Help: "Notification dispatch attempts by channel and result.",
		}, []string{"channel", "result"}),
		CacheErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "buseta_cache_errors_total",
			Help: "Cache operation failures.",
		}, []string{"op"}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "buseta_events_published_total",
			Help: "Events published to NATS.",
		}, []string{"kind", "result"}),
		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "buseta_ws_clients",
			Help: "Connected websocket clients.",
		}),
	}

	reg.MustRegister(
		c.Calculations, c.BatchDuration, c.ThrottleDecisions, c.StatusTransitions,
		c.ArrivalsRecorded, c.Notifications, c.CacheErrors, c.EventsPublished, c.WSClients,
	)
	return c
}

func (c *Collector) Calculation(result string) {
	if c == nil {
		return
	}
	c.Calculations.WithLabelValues(result).Inc()
}

func (c *Collector) ObserveBatch(d time.Duration) {
	if c == nil {
		return
	}
	c.BatchDuration.Observe(d.Seconds())
}

func (c *Collector) ThrottleDecision(reason string) {
	if c == nil {
		return
	}
	c.ThrottleDecisions.WithLabelValues(reason).Inc()
}

func (c *Collector) StatusTransition(status string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.StatusTransitions.WithLabelValues(status).Add(float64(n))
}

func (c *Collector) ArrivalRecorded() {
	if c == nil {
		return
	}
	c.ArrivalsRecorded.Inc()
}

func (c *Collector) Notification(channel, result string) {
	if c == nil {
		return
	}
	c.Notifications.WithLabelValues(channel, result).Inc()
}

func (c *Collector) CacheError(op string) {
	if c == nil {
		return
	}
	c.CacheErrors.WithLabelValues(op).Inc()
}

func (c *Collector) EventPublished(kind string, err error) {
	if c == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.EventsPublished.WithLabelValues(kind, result).Inc()
}

func (c *Collector) SetWSClients(n int) {
	if c == nil {
		return
	}
	c.WSClients.Set(float64(n))
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "error", err)
		}
	}()
	logger.Info("metrics listening", "addr", addr)
	return srv
}
