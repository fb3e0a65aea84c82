package bulk

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sfbulk_jobs_total",
		Help: "Total number of finished job runs by outcome",
	}, []string{"outcome"})

	jobPollsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sfbulk_job_polls_total",
		Help: "Total number of job status polls",
	})

	queueBatchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sfbulk_queue_batches_total",
		Help: "Total number of queue batches dispatched",
	})

	jobsRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sfbulk_jobs_running",
		Help: "Number of jobs currently running",
	})
)

// Job outcomes
const (
	outcomeComplete = "complete"
	outcomeFailed   = "failed"
	outcomeRejected = "rejected"
	outcomeError    = "error"
)
