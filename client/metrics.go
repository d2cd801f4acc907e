package client

import (
	"github.com/mikiwiik/instructions-only-claude-coding-sub003/metrics"
)

const namespace = "client"

var (
	reconnects = metrics.NewCounter(
		"reconnects",
		namespace,
		"event stream reconnection attempts",
		[]string{},
	)

	submissions = metrics.NewCounter(
		"submissions",
		namespace,
		"mutation submissions by outcome",
		[]string{"outcome"},
	)

	rollbacks = metrics.NewCounter(
		"rollbacks",
		namespace,
		"optimistic mutations rolled back after submission failed",
		[]string{},
	)

	snapshotsReceived = metrics.NewCounter(
		"snapshots_received",
		namespace,
		"authoritative snapshots received from the server",
		[]string{},
	)
)
