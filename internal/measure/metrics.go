package measure

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the engine counters. A nil *Metrics records nothing.
type Metrics struct {
	Ticks         prometheus.Counter
	Batches       prometheus.Counter
	Lagged        prometheus.Counter
	SinkErrors    prometheus.Counter
	FetchErrors   *prometheus.CounterVec
	FetchDuration prometheus.Histogram
}

// NewMetrics creates the engine metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	x := &Metrics{
		Ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "freqmeter_engine_ticks_total",
			Help: "Engine ticks including warm-up ticks.",
		}),
		Batches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "freqmeter_engine_batches_total",
			Help: "Batches delivered to the buffer.",
		}),
		Lagged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "freqmeter_engine_batches_not_pushed_total",
			Help: "Batches not pushed to the channel because the consumer lags.",
		}),
		SinkErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "freqmeter_engine_sink_errors_total",
			Help: "Batches the sink failed to save.",
		}),
		FetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "freqmeter_fetch_errors_total",
			Help: "Failed sample fetches by device.",
		}, []string{"device"}),
		FetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "freqmeter_fetch_duration_seconds",
			Help:    "Time to fetch the samples of all devices in one tick.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
	}
	for _, c := range []prometheus.Collector{
		x.Ticks, x.Batches, x.Lagged, x.SinkErrors, x.FetchErrors, x.FetchDuration,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return x, nil
}

func (x *Metrics) tick() {
	if x != nil {
		x.Ticks.Inc()
	}
}

func (x *Metrics) batch(seconds float64) {
	if x != nil {
		x.Batches.Inc()
		x.FetchDuration.Observe(seconds)
	}
}

func (x *Metrics) fetchError(device string) {
	if x != nil {
		x.FetchErrors.WithLabelValues(device).Inc()
	}
}

func (x *Metrics) lagged() {
	if x != nil {
		x.Lagged.Inc()
	}
}

func (x *Metrics) sinkError() {
	if x != nil {
		x.SinkErrors.Inc()
	}
}
