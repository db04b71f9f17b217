package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/lucasnoah/stagegate/internal/cli"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	cli.SetVersion(Version)
	if err := cli.Execute(); err != nil {
		var ee *cli.ExitError
		// ExitError reasons have already been printed by the command.
		if !errors.As(err, &ee) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(cli.ExitCode(err))
	}
}
