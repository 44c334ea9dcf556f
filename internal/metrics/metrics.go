package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	ViewsSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "viewexchange_views_sent_total",
			Help: "Views emitted by the producer.",
		},
		[]string{"identity", "kind"},
	)

	ViewsSkippedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "viewexchange_views_skipped_total",
			Help: "Views refused because the first emission was not sync-aligned.",
		},
		[]string{"identity"},
	)

	SendDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "viewexchange_send_duration_seconds",
			Help:    "Wall time of one producer emission.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"identity", "kind"},
	)

	CopyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "viewexchange_parent_copy_duration_seconds",
			Help:    "Wall time of retaining the parent view after an emit.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"identity"},
	)

	DiffPfxTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "viewexchange_diff_pfx_total",
			Help: "Prefix outcomes per diff computation (common, added, removed, changed).",
		},
		[]string{"identity", "outcome"},
	)

	DiffPfxPeerTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "viewexchange_diff_pfx_peer_total",
			Help: "Pfx-peer cell outcomes per diff computation (added, removed, changed).",
		},
		[]string{"identity", "outcome"},
	)

	SyncPfxCnt = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "viewexchange_sync_pfx_cnt",
			Help: "Prefixes in the last emitted sync frame.",
		},
		[]string{"identity"},
	)

	PfxCnt = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "viewexchange_pfx_cnt",
			Help: "Active prefixes in the last emitted view.",
		},
		[]string{"identity"},
	)

	TransportReconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "viewexchange_transport_reconnects_total",
			Help: "Reconnect attempts after transient transport errors.",
		},
		[]string{"identity"},
	)

	ViewsAssembledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "viewexchange_views_assembled_total",
			Help: "Views successfully reassembled by a consumer.",
		},
		[]string{"identity", "kind"},
	)

	ViewsDiscardedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "viewexchange_views_discarded_total",
			Help: "In-flight views discarded (corruption, gap, out-of-order).",
		},
		[]string{"identity", "reason"},
	)

	ConsumerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "viewexchange_consumer_state",
			Help: "Worker state (0=bootstrap, 1=awaiting_sync, 2=streaming, 3=draining).",
		},
		[]string{"identity"},
	)

	GlobalWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "viewexchange_global_workers",
			Help: "Live per-identity workers in the global consumer.",
		},
	)

	ViewArrivalDelay = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "viewexchange_view_arrival_delay_seconds",
			Help: "Now minus view time when a view reached a consumer.",
		},
		[]string{"consumer"},
	)

	ViewProcessingTime = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "viewexchange_view_processing_seconds",
			Help: "Time a downstream consumer spent on the last view.",
		},
		[]string{"consumer"},
	)

	PeerOn = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "viewexchange_peer_on",
			Help: "Peer active in the last observed view (0/1).",
		},
		[]string{"collector", "peer"},
	)

	PeerPfxCnt = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "viewexchange_peer_pfx_cnt",
			Help: "Active prefixes per peer and family in the last observed view.",
		},
		[]string{"collector", "peer", "afi"},
	)

	ArchiveViewsWrittenTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "viewexchange_archive_views_written_total",
			Help: "Views written to archive files.",
		},
	)

	ArchiveRotationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "viewexchange_archive_rotations_total",
			Help: "Archive output file rotations.",
		},
	)

	SubpfxEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "viewexchange_subpfx_events_total",
			Help: "Sub-prefix events by type (new, finished).",
		},
		[]string{"type"},
	)
)

func Register() {
	prometheus.MustRegister(
		ViewsSentTotal,
		ViewsSkippedTotal,
		SendDuration,
		CopyDuration,
		DiffPfxTotal,
		DiffPfxPeerTotal,
		SyncPfxCnt,
		PfxCnt,
		TransportReconnectsTotal,
		ViewsAssembledTotal,
		ViewsDiscardedTotal,
		ConsumerState,
		GlobalWorkers,
		ViewArrivalDelay,
		ViewProcessingTime,
		PeerOn,
		PeerPfxCnt,
		ArchiveViewsWrittenTotal,
		ArchiveRotationsTotal,
		SubpfxEventsTotal,
	)
}
