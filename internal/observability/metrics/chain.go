package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	blockHeight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "block_height",
		Help:      "Number of the latest produced block.",
	})

	extrinsics = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "extrinsics_total",
		Help:      "Extrinsics applied, by method and outcome.",
	}, []string{"method", "outcome"})

	settlements = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "settlements_total",
		Help:      "Listings settled at block boundaries, by result.",
	}, []string{"result"})

	pendingSettlements = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pending_settlements",
		Help:      "Settlements waiting for a retry or an operator release.",
	})

	poolSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "txpool_size",
		Help:      "Extrinsics waiting in the transaction pool.",
	})

	priceSubmissions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "price_submissions_total",
		Help:      "Unsigned price submissions seen by the pool, by result.",
	}, []string{"result"})

	averagePrice = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "oracle_average_price_cents",
		Help:      "Current oracle average price in cents.",
	})
)

func registerChainCollectors(reg *prometheus.Registry) {
	reg.MustRegister(blockHeight, extrinsics, settlements, pendingSettlements, poolSize, priceSubmissions, averagePrice)
}

// BlockStats summarises a produced block.
type BlockStats struct {
	Number    uint64
	Sold      int
	Ended     int
	Failed    int
	Recovered int
	Pending   int
	PoolSize  int
	Average   uint32
	HasPrice  bool
}

// ObserveBlock records the outcome of a produced block.
func ObserveBlock(stats BlockStats) {
	blockHeight.Set(float64(stats.Number))
	settlements.WithLabelValues("sold").Add(float64(stats.Sold))
	settlements.WithLabelValues("ended").Add(float64(stats.Ended))
	settlements.WithLabelValues("failed").Add(float64(stats.Failed))
	settlements.WithLabelValues("recovered").Add(float64(stats.Recovered))
	pendingSettlements.Set(float64(stats.Pending))
	poolSize.Set(float64(stats.PoolSize))
	if stats.HasPrice {
		averagePrice.Set(float64(stats.Average))
	}
}

// ObserveExtrinsic counts an applied extrinsic.
func ObserveExtrinsic(method string, ok bool) {
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	extrinsics.WithLabelValues(method, outcome).Inc()
}

// ObservePriceSubmission counts a price submission offered to the pool.
func ObservePriceSubmission(result string) {
	priceSubmissions.WithLabelValues(result).Inc()
}

// SetPoolSize updates the transaction pool gauge.
func SetPoolSize(n int) {
	poolSize.Set(float64(n))
}
