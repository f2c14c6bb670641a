// spacedb runs a node that replicates spaces of the local identity.
package main

import (
	"os"

	"github.com/spacemeshos/go-spacedb/cmd"
	"github.com/spacemeshos/go-spacedb/node"
)

var (
	version string
	commit  string
	branch  string
)

func main() { // run the app
	cmd.Version = version
	cmd.Commit = commit
	cmd.Branch = branch
	if err := node.GetCommand().Execute(); err != nil {
		// error was already printed by cobra
		os.Exit(1)
	}
}
