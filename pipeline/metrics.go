package pipeline

import "github.com/spacemeshos/go-spacedb/metrics"

const subsystem = "pipeline"

var (
	credentialsProcessed = metrics.NewCounter(
		"credentials",
		subsystem,
		"Number of credentials read from control feeds",
		[]string{"result"},
	)
	processedOk       = credentialsProcessed.WithLabelValues("ok")
	processedDeferred = credentialsProcessed.WithLabelValues("deferred")
	processedDropped  = credentialsProcessed.WithLabelValues("dropped")

	dataMessages = metrics.NewCounter(
		"data_messages",
		subsystem,
		"Number of data messages applied to object stores",
		[]string{"result"},
	)
	dataApplied = dataMessages.WithLabelValues("ok")
	dataDropped = dataMessages.WithLabelValues("dropped")
)
