package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	documents prometheus.Gauge
	sessions  prometheus.Gauge
	created   prometheus.Counter
	messages  *prometheus.CounterVec
	backups   *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		documents: factory.NewGauge(prometheus.GaugeOpts{
			Name: "letters_cached_documents",
			Help: "Documents currently held in memory",
		}),
		sessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "letters_sync_sessions",
			Help: "Open websocket sync sessions",
		}),
		created: factory.NewCounter(prometheus.CounterOpts{
			Name: "letters_documents_created_total",
			Help: "Documents attached by clients",
		}),
		messages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "letters_sync_messages_total",
			Help: "Sync messages by direction",
		}, []string{"direction"}),
		backups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "letters_backups_total",
			Help: "Document backups by result",
		}, []string{"result"}),
	}
}
