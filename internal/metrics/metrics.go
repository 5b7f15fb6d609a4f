package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsRecorded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mail_events_recorded_total",
			Help: "Ledger events written, by direction and outcome",
		},
		[]string{"direction", "outcome"},
	)

	JobsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_jobs_processed_total",
			Help: "Queue job attempts that completed without error",
		},
		[]string{"queue"},
	)

	JobFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_job_failures_total",
			Help: "Queue job attempts that returned an error, by final state",
		},
		[]string{"queue", "state"},
	)

	BusFallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bus_local_fallbacks_total",
			Help: "Emissions delivered locally because the shared bus was unreachable",
		},
	)

	ConnectedSockets = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ws_connected_clients",
			Help: "Dashboard sockets currently connected to this process",
		},
	)
)

var once sync.Once

func Init() {
	once.Do(func() {
		prometheus.MustRegister(EventsRecorded)
		prometheus.MustRegister(JobsProcessed)
		prometheus.MustRegister(JobFailures)
		prometheus.MustRegister(BusFallbacks)
		prometheus.MustRegister(ConnectedSockets)
	})
}

func Outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
