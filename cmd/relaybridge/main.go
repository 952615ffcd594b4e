package main

import (
	"fmt"
	"os"

	"relaybridge/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "relaybridge:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
