// Command ifgate serves the db-gateway over websocket frames and inspects
// gateway databases and schemas offline.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/ifgate/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "ifgate:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
