package consumers

import (
	"time"

	"github.com/route-beacon/view-exchange/internal/metrics"
	"github.com/route-beacon/view-exchange/internal/view"
	"go.uber.org/zap"
)

// PerfMonitor publishes per-view gauges: arrival delay, processing time and
// per-peer active prefix counts.
type PerfMonitor struct {
	logger  *zap.Logger
	viewCnt uint64
}

func NewPerfMonitor(logger *zap.Logger) *PerfMonitor {
	return &PerfMonitor{logger: logger}
}

// Process observes one view.
func (m *PerfMonitor) Process(v *view.View) error {
	begin := time.Now()
	metrics.ViewArrivalDelay.WithLabelValues("perfmonitor").
		Set(float64(begin.Unix() - int64(v.Time())))

	it := v.Iter()
	for it.FirstPeer(view.FieldActive); it.HasMorePeer(); it.NextPeer() {
		sig := it.PeerSig()
		peer := sig.Addr.String()
		metrics.PeerOn.WithLabelValues(sig.Collector, peer).Set(1)
		metrics.PeerPfxCnt.WithLabelValues(sig.Collector, peer, "4").
			Set(float64(it.PeerPfxCnt(4)))
		metrics.PeerPfxCnt.WithLabelValues(sig.Collector, peer, "6").
			Set(float64(it.PeerPfxCnt(6)))
	}
	for it.FirstPeer(view.FieldInactive); it.HasMorePeer(); it.NextPeer() {
		sig := it.PeerSig()
		metrics.PeerOn.WithLabelValues(sig.Collector, sig.Addr.String()).Set(0)
	}

	m.viewCnt++
	metrics.ViewProcessingTime.WithLabelValues("perfmonitor").
		Set(time.Since(begin).Seconds())

	m.logger.Debug("view observed",
		zap.Uint32("view_time", v.Time()),
		zap.Uint64("views_seen", m.viewCnt),
	)
	return nil
}
