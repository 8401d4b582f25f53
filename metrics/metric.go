package metrics

import (
	grpcprometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "D4"

var (
	Registry = prometheus.NewRegistry()

	GRPCMetrics = grpcprometheus.NewServerMetrics(
		func(c *prometheus.CounterOpts) {
			c.Namespace = namespace
		},
	)

	SearchNodesExpanded = newCounter("search_nodes_expanded_total", "Branch and bound nodes expanded.")
	SearchNodesPruned   = newCounter("search_nodes_pruned_total", "Branch and bound nodes pruned by their lower bound.")
	SearchLeaves        = newCounter("search_leaves_total", "Complete designs reached by branch and bound.")

	CostEvaluations        = newCounter("cost_evaluations_total", "Designs scored by the cost model.")
	CostEvaluationFailures = newCounter("cost_evaluation_failures_total", "Designs the cost model could not score.")

	LNSRounds       = newCounter("lns_rounds_total", "Large neighborhood search rounds.")
	LNSImprovements = newCounter("lns_improvements_total", "Rounds that improved the incumbent.")

	LNSBestCost = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "lns_best_cost",
		Help:      "Cost of the incumbent design per worker.",
	}, []string{"worker"})

	MessagesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transport_messages_total",
		Help:      "Messages sent between coordinator and workers by tag.",
	}, []string{"tag"})
)

func newCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	})
}

func init() {
	Registry.MustRegister(
		GRPCMetrics,
		SearchNodesExpanded,
		SearchNodesPruned,
		SearchLeaves,
		CostEvaluations,
		CostEvaluationFailures,
		LNSRounds,
		LNSImprovements,
		LNSBestCost,
		MessagesSent,
	)
	GRPCMetrics.EnableHandlingTimeHistogram(
		func(h *prometheus.HistogramOpts) {
			h.Namespace = namespace
		},
	)
}
