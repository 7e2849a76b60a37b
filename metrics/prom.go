package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PasteCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastelite_paste_created_total",
		Help: "no. of pastes created",
	})
	PasteReads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pastelite_paste_reads_total",
			Help: "no. of paste reads by outcome",
		},
		[]string{"outcome"},
	)
	IDCollisions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastelite_id_collisions_total",
		Help: "no. of generated identifiers that were already taken",
	})
	StoreOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pastelite_store_op_duration_seconds",
			Help:    "paste store operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "op"},
	)
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pastelite_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
	ReaperDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastelite_reaper_deleted_total",
		Help: "no. of expired pastes removed by the reaper",
	})
	SealOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pastelite_seal_operations_total",
			Help: "no. of seal/open operations",
		},
		[]string{"operation"},
	)
)

const (
	ReadOK            = "ok"
	ReadNotFound      = "not_found"
	ReadExpired       = "expired"
	ReadLimitExceeded = "limit_exceeded"
	ReadError         = "error"
)
