package relayer

import (
	"io"
	"time"

	"github.com/kysee/velo-zk/zk-mixer/types"
	metrics "github.com/rcrowley/go-metrics"
)

// Metrics counts relays in a private registry exposed at /metrics.
type Metrics struct {
	registry metrics.Registry

	Relayed     metrics.Counter
	Stealth     metrics.Counter
	Failed      metrics.Counter
	RateLimited metrics.Counter
	FeesEarned  metrics.Counter
	InFlight    metrics.Gauge
	Latency     metrics.Timer
}

func NewMetrics() *Metrics {
	r := metrics.NewRegistry()
	return &Metrics{
		registry:    r,
		Relayed:     metrics.NewRegisteredCounter("relay.withdraw.ok", r),
		Stealth:     metrics.NewRegisteredCounter("relay.stealth.ok", r),
		Failed:      metrics.NewRegisteredCounter("relay.failed", r),
		RateLimited: metrics.NewRegisteredCounter("http.rate_limited", r),
		FeesEarned:  metrics.NewRegisteredCounter("relay.fees.lamports", r),
		InFlight:    metrics.NewRegisteredGauge("relay.inflight", r),
		Latency:     metrics.NewRegisteredTimer("relay.latency", r),
	}
}

// failure counts err under its kind as well as in the total.
func (m *Metrics) failure(err error) {
	m.Failed.Inc(1)
	metrics.GetOrRegisterCounter("relay.failed."+types.ErrorKind(err), m.registry).Inc(1)
}

func (m *Metrics) success(stealth bool, fee uint64, start time.Time) {
	if stealth {
		m.Stealth.Inc(1)
	} else {
		m.Relayed.Inc(1)
	}
	m.FeesEarned.Inc(int64(fee))
	m.Latency.UpdateSince(start)
}

func (m *Metrics) WriteJSON(w io.Writer) {
	metrics.WriteJSONOnce(m.registry, w)
}
