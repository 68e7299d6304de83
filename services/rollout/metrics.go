package rollout

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "patchwave_rollout_runs_total",
		Help: "Rollout pipeline runs by outcome.",
	}, []string{"outcome"})

	stageDeploymentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "patchwave_stage_deployments_total",
		Help: "Stage configuration deployments by outcome.",
	}, []string{"outcome"})

	assignmentResultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "patchwave_assignment_results_total",
		Help: "Per-scope configuration assignment results by outcome.",
	}, []string{"outcome"})
)
