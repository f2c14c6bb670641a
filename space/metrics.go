package space

import "github.com/spacemeshos/go-spacedb/metrics"

const subsystem = "space"

var (
	spacesByState = metrics.NewGauge(
		"spaces",
		subsystem,
		"Number of open spaces by lifecycle state",
		[]string{"state"},
	)
	initializations = metrics.NewCounter(
		"initializations",
		subsystem,
		"Number of data pipeline initializations by result",
		[]string{"result"},
	)
	initOk     = initializations.WithLabelValues("ok")
	initFailed = initializations.WithLabelValues("failed")
)
