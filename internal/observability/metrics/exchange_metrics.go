package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	ProviderOutcomeOK = "ok"
)

// ExchangeMetrics tracks rate resolution and provider traffic.
type ExchangeMetrics struct {
	resolutions      *prometheus.CounterVec
	providerRequests *prometheus.CounterVec
	providerLatency  *prometheus.HistogramVec
}

var (
	exchangeMetricsOnce sync.Once
	exchangeMetrics     *ExchangeMetrics
)

func Exchange() *ExchangeMetrics {
	return ExchangeWithConfig(Config{})
}

func ExchangeWithConfig(cfg Config) *ExchangeMetrics {
	exchangeMetricsOnce.Do(func() {
		exchangeMetrics = newExchangeMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return exchangeMetrics
}

// ResetExchangeMetricsForTest resets the exchange metrics singleton for tests.
func ResetExchangeMetricsForTest() {
	exchangeMetricsOnce = sync.Once{}
	exchangeMetrics = nil
}

func newExchangeMetrics(registerer prometheus.Registerer, cfg Config) *ExchangeMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	constLabels := constLabelsFor(cfg)

	m := &ExchangeMetrics{
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "fxrates_resolutions_total",
			Help:        "Rate resolutions by the tier that answered.",
			ConstLabels: constLabels,
		}, []string{"tier"}),
		providerRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "fxrates_provider_requests_total",
			Help:        "Outbound rate provider calls by operation and outcome.",
			ConstLabels: constLabels,
		}, []string{"operation", "outcome"}),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "fxrates_provider_request_duration_seconds",
			Help:        "Outbound rate provider call latency.",
			Buckets:     []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20},
			ConstLabels: constLabels,
		}, []string{"operation"}),
	}
	registerer.MustRegister(m.resolutions, m.providerRequests, m.providerLatency)
	return m
}

func (m *ExchangeMetrics) IncResolution(tier string) {
	if m == nil {
		return
	}
	m.resolutions.WithLabelValues(tier).Inc()
}

// ObserveProviderRequest records one provider call. A nil err is "ok",
// otherwise the outcome is the classified reason.
func (m *ExchangeMetrics) ObserveProviderRequest(operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := ProviderOutcomeOK
	if err != nil {
		outcome = ClassifySchedulerJobReason(err)
	}
	m.providerRequests.WithLabelValues(operation, outcome).Inc()
	m.providerLatency.WithLabelValues(operation).Observe(duration.Seconds())
}
