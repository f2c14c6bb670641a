package feed

import "github.com/spacemeshos/go-spacedb/metrics"

const (
	subsystem = "feed"

	sourceLocal  = "local"
	sourceRemote = "remote"
)

var appended = metrics.NewCounter(
	"appended_messages",
	subsystem,
	"Number of messages appended to feeds",
	[]string{"source"},
)
