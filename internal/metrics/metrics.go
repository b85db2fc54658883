package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"agentmarket/internal/orderbook"
	"agentmarket/internal/sim"
)

// Collector records simulation measurements on its own Prometheus registry
type Collector struct {
	registry *prometheus.Registry

	ordersSubmitted *prometheus.CounterVec
	ordersRejected  *prometheus.CounterVec
	transactions    *prometheus.CounterVec
	volume          *prometheus.CounterVec
	clearLatency    *prometheus.HistogramVec
	price           *prometheus.GaugeVec
	resident        *prometheus.GaugeVec
	dividends       *prometheus.CounterVec
	inflation       prometheus.Gauge
	rounds          prometheus.Counter
	roundLatency    prometheus.Histogram
	runsActive      prometheus.Gauge
	runsFinished    *prometheus.CounterVec
}

var _ sim.Metrics = (*Collector)(nil)

// New creates a collector with every metric registered under namespace
func New(namespace string) *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,

		ordersSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_submitted_total",
			Help:      "Orders accepted into the book",
		}, []string{"instrument"}),

		ordersRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_rejected_total",
			Help:      "Orders refused at admission",
		}, []string{"instrument", "reason"}),

		transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_total",
			Help:      "Settled transactions",
		}, []string{"instrument"}),

		volume: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "volume_units_total",
			Help:      "Units exchanged",
		}, []string{"instrument"}),

		clearLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "clear_duration_seconds",
			Help:      "Time spent clearing one instrument",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 10),
		}, []string{"instrument"}),

		price: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reference_price",
			Help:      "Reference price at the end of the last round",
		}, []string{"instrument"}),

		resident: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "resident_orders",
			Help:      "Orders left in the book after the last round",
		}, []string{"instrument", "side"}),

		dividends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dividends_paid_total",
			Help:      "Cash credited to holders by dividend payouts",
		}, []string{"instrument"}),

		inflation: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inflation_rate",
			Help:      "Inflation rate drawn for the last round",
		}),

		rounds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rounds_total",
			Help:      "Completed rounds",
		}),

		roundLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "round_duration_seconds",
			Help:      "Wall time of a full round",
			Buckets:   prometheus.ExponentialBuckets(1e-4, 4, 10),
		}),

		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_active",
			Help:      "Simulation runs in progress",
		}),

		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_finished_total",
			Help:      "Finished simulation runs by outcome",
		}, []string{"status"}),
	}

	registry.MustRegister(
		c.ordersSubmitted,
		c.ordersRejected,
		c.transactions,
		c.volume,
		c.clearLatency,
		c.price,
		c.resident,
		c.dividends,
		c.inflation,
		c.rounds,
		c.roundLatency,
		c.runsActive,
		c.runsFinished,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return c
}

func (c *Collector) OrderSubmitted(instrument string) {
	c.ordersSubmitted.WithLabelValues(instrument).Inc()
}

func (c *Collector) OrderRejected(instrument, reason string) {
	c.ordersRejected.WithLabelValues(instrument, reason).Inc()
}

func (c *Collector) ClearCompleted(instrument string, trades []orderbook.Transaction, elapsed time.Duration) {
	c.clearLatency.WithLabelValues(instrument).Observe(elapsed.Seconds())
	if len(trades) == 0 {
		return
	}
	var units int64
	for _, tx := range trades {
		units += tx.Quantity
	}
	c.transactions.WithLabelValues(instrument).Add(float64(len(trades)))
	c.volume.WithLabelValues(instrument).Add(float64(units))
}

func (c *Collector) RoundCompleted(res *sim.RoundResult) {
	c.rounds.Inc()
	c.roundLatency.Observe(res.Elapsed.Seconds())
	c.inflation.Set(res.Inflation)
	for _, cr := range res.Dividends {
		c.dividends.WithLabelValues(cr.Instrument).Add(cr.Amount.InexactFloat64())
	}
	for inst, p := range res.Close {
		c.price.WithLabelValues(inst).Set(p)
	}
	for inst, rc := range res.Resident {
		c.resident.WithLabelValues(inst, "buy").Set(float64(rc.Buys))
		c.resident.WithLabelValues(inst, "sell").Set(float64(rc.Sells))
	}
}

// RunStarted marks a run as in progress
func (c *Collector) RunStarted() {
	c.runsActive.Inc()
}

// RunFinished records the outcome of a run started with RunStarted
func (c *Collector) RunFinished(status string) {
	c.runsActive.Dec()
	c.runsFinished.WithLabelValues(status).Inc()
}

// Registry exposes the underlying registry for tests and extra collectors
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
