package queue

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	prometheus.MustRegister(
		PromEnqueued,
		PromDropped,
		promTaskDurationMilliseconds,
	)
}

var (
	// PromEnqueued counts tasks accepted by a queue.
	PromEnqueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ratiotracker_queue_enqueued_total",
		Help: "The number of tasks accepted by the queue",
	}, []string{"task"})

	// PromDropped counts tasks a queue refused.
	PromDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ratiotracker_queue_dropped_total",
		Help: "The number of tasks dropped because the queue was full or closed",
	}, []string{"task"})

	promTaskDurationMilliseconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ratiotracker_queue_task_duration_milliseconds",
		Help:    "The time it takes to execute a task",
		Buckets: prometheus.ExponentialBuckets(9.375, 2, 10),
	}, []string{"task", "failed"})
)

func recordTaskDuration(name string, err error, duration time.Duration) {
	failed := "false"
	if err != nil {
		failed = "true"
	}

	promTaskDurationMilliseconds.
		WithLabelValues(name, failed).
		Observe(float64(duration.Nanoseconds()) / float64(time.Millisecond))
}
