package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var namespace = "fluxline"
var subsystem = "shmcast"

var (
	// StartupTime stores how long the startup took (in seconds)
	StartupTime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "startup_seconds",
			Help:      "Seconds taken by the startup",
		},
	)

	// PublicationsCreated counts publications created over the driver lifetime
	PublicationsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "publications_created_total",
		Help:      "Number of publications created",
	})

	// PublicationsReclaimed counts publications reclaimed after linger
	PublicationsReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "publications_reclaimed_total",
		Help:      "Number of publications unmapped and freed after linger",
	})

	// UnblockedPublications counts PAD frames written over abandoned claims
	UnblockedPublications = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "unblocked_publications_total",
		Help:      "Number of blocked publishers rescued by padding the stalled frame",
	})

	// PublicationsRevoked counts administratively revoked publications
	PublicationsRevoked = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "publications_revoked_total",
		Help:      "Number of publications administratively revoked",
	})

	// MappedBytes tracks the bytes of log buffer currently memory mapped
	MappedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "mapped_bytes",
		Help:      "Bytes of log buffer files currently memory mapped",
	})

	// DutyCycleDuration stores the conductor duty cycle time
	DutyCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "duty_cycle_duration_seconds",
		Help:      "Conductor duty cycle processing time",
	})
)
