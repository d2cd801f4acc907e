package server

import (
	metricsprom "github.com/slok/go-http-metrics/metrics/prometheus"

	"github.com/mikiwiik/instructions-only-claude-coding-sub003/metrics"
)

const namespace = "server"

// httpRecorder registers on the default registry; keep it a singleton so
// constructing more than one server does not double-register.
var httpRecorder = metricsprom.NewRecorder(metricsprom.Config{Prefix: "todosync"})

var (
	mutations = metrics.NewCounter(
		"mutations",
		namespace,
		"number of mutations processed",
		[]string{"op", "outcome"},
	)

	broadcasts = metrics.NewCounter(
		"broadcasts",
		namespace,
		"number of snapshot broadcasts fanned out",
		[]string{},
	)

	droppedEvents = metrics.NewCounter(
		"dropped_events",
		namespace,
		"snapshot events dropped because a subscriber was too slow",
		[]string{},
	)

	staleSnapshots = metrics.NewCounter(
		"stale_snapshots",
		namespace,
		"publishes discarded because a later snapshot was already out",
		[]string{},
	)

	rateLimited = metrics.NewCounter(
		"rate_limited",
		namespace,
		"mutation requests rejected by the per-client rate limit",
		[]string{},
	)

	subscribers = metrics.NewGauge(
		"subscribers",
		namespace,
		"currently connected broadcast subscribers",
		[]string{},
	)
)
