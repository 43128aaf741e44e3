// Command subsweep applies bulk validate, cancel, or revoke operations to
// Google Play subscription purchase tokens read from CSV.
package main

import (
	"errors"
	"os"

	"github.com/rshade/subsweep/internal/cli"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

// run executes the CLI and maps errors to exit codes: 0 on success, 2 for
// operator mistakes, 1 for everything else.
func run(args []string) int {
	root := cli.NewRootCmd(version)
	root.SetArgs(args)

	if err := root.Execute(); err != nil {
		var usage *cli.UsageError
		if errors.As(err, &usage) {
			return 2
		}
		return 1
	}
	return 0
}
