package objects

import "github.com/spacemeshos/go-spacedb/metrics"

const subsystem = "objects"

var (
	queryRuns = metrics.NewCounter(
		"query_runs",
		subsystem,
		"number of times a query result was computed",
		[]string{},
	).WithLabelValues()
	queryInvalidations = metrics.NewCounter(
		"query_invalidations",
		subsystem,
		"number of times a cached query result was invalidated",
		[]string{},
	).WithLabelValues()
)
