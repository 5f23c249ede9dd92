package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/qash-finance/schedule-service/entities"
)

type Metrics struct {
	sourceHeightGauge      prometheus.Gauge
	refreshCounter         *prometheus.CounterVec
	refreshErrorsCounter   *prometheus.CounterVec
	supersededCounter      prometheus.Counter
	staleViewsGauge        prometheus.Gauge
	transitionCounter      *prometheus.CounterVec
	actionCounter          *prometheus.CounterVec
	watchedAddressesGauge  prometheus.Gauge
	lastRefreshHeightGauge prometheus.Gauge
}

// NewMetrics registers the service metrics on registerer. Use prometheus.DefaultRegisterer
// to expose them on the default /metrics handler.
func NewMetrics(registerer prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(registerer)
	m := Metrics{
		// ledger
		sourceHeightGauge: factory.NewGauge(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_source_height", namespace),
			Help: "The latest known ledger height",
		}),
		lastRefreshHeightGauge: factory.NewGauge(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_refreshed_height", namespace),
			Help: "The ledger height of the latest applied view",
		}),
		// reconciliation
		refreshCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_refreshes_total", namespace),
			Help: "The number of applied view refreshes",
		}, []string{"stale"}),
		refreshErrorsCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_refresh_errors_total", namespace),
			Help: "The number of failed source fetches",
		}, []string{"source"}),
		supersededCounter: factory.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_refreshes_superseded_total", namespace),
			Help: "The number of refresh results discarded because a newer refresh was forced",
		}),
		staleViewsGauge: factory.NewGauge(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_stale_views", namespace),
			Help: "The number of address views built with at least one failed source",
		}),
		watchedAddressesGauge: factory.NewGauge(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_watched_addresses", namespace),
			Help: "The number of addresses polled",
		}),
		// note lifecycle and actions
		transitionCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_note_transitions_total", namespace),
			Help: "The number of observed note status transitions",
		}, []string{"from", "to"}),
		actionCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_actions_total", namespace),
			Help: "The number of user actions by outcome",
		}, []string{"action", "outcome"}),
	}
	return &m
}

func (metrics *Metrics) SetSourceHeight(height uint64) {
	metrics.sourceHeightGauge.Set(float64(height))
}

func (metrics *Metrics) ObserveRefresh(height uint64, stale bool) {
	metrics.lastRefreshHeightGauge.Set(float64(height))
	metrics.refreshCounter.WithLabelValues(fmt.Sprint(stale)).Inc()
}

func (metrics *Metrics) IncRefreshError(source string) {
	metrics.refreshErrorsCounter.WithLabelValues(source).Inc()
}

func (metrics *Metrics) IncSuperseded() {
	metrics.supersededCounter.Inc()
}

func (metrics *Metrics) SetStaleViews(count int) {
	metrics.staleViewsGauge.Set(float64(count))
}

func (metrics *Metrics) SetWatchedAddresses(count int) {
	metrics.watchedAddressesGauge.Set(float64(count))
}

func (metrics *Metrics) ObserveTransition(from, to entities.NoteStatus) {
	metrics.transitionCounter.WithLabelValues(string(from), string(to)).Inc()
}

func (metrics *Metrics) ObserveAction(action, outcome string) {
	metrics.actionCounter.WithLabelValues(action, outcome).Inc()
}
