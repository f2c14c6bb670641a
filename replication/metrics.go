package replication

import "github.com/spacemeshos/go-spacedb/metrics"

const subsystem = "replication"

var (
	activeSessions = metrics.NewGauge(
		"sessions",
		subsystem,
		"Number of active replication sessions",
		[]string{},
	).WithLabelValues()
	failedSessions = metrics.NewCounter(
		"failed_sessions",
		subsystem,
		"Number of replication sessions closed with an error",
		[]string{},
	).WithLabelValues()
	unauthorizedSessions = metrics.NewCounter(
		"unauthorized_sessions",
		subsystem,
		"Number of replication sessions closed because the peer wasn't authorized in time",
		[]string{},
	).WithLabelValues()

	feedMessages = metrics.NewCounter(
		"feed_messages",
		subsystem,
		"Number of replicated feed messages",
		[]string{"direction", "result"},
	)
	sentMessages      = feedMessages.WithLabelValues("out", "ok")
	receivedStored    = feedMessages.WithLabelValues("in", "stored")
	receivedDuplicate = feedMessages.WithLabelValues("in", "duplicate")
	receivedIgnored   = feedMessages.WithLabelValues("in", "ignored")
)
