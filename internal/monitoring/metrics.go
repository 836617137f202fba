package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FramesIntegrated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "psdf_frames_integrated_total",
		Help: "Frames fused into a volume",
	}, []string{"volume"})

	FramesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "psdf_frames_rejected_total",
		Help: "Frames rejected before integration, by reason",
	}, []string{"volume", "reason"})

	VoxelsUpdated = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "psdf_voxels_updated",
		Help:    "Voxels written per integrated frame",
		Buckets: prometheus.ExponentialBuckets(100, 4, 10),
	}, []string{"volume"})

	IntegrationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "psdf_integration_duration_seconds",
		Help:    "Wall time of one frame integration",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"volume"})

	FlattenDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "psdf_flatten_duration_seconds",
		Help:    "Wall time of one flatten pass",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
	}, []string{"volume"})

	SnapshotsPersisted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "psdf_snapshots_persisted_total",
		Help: "Volume snapshots written to the store, by reason",
	}, []string{"volume", "reason"})

	MapsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "psdf_maps_dropped_total",
		Help: "Map bundles dropped because the publisher queue or a client was full",
	})
)
