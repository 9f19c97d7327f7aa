// Command agrosync inspects and operates a running agrosyncd.
package main

import (
	"fmt"
	"os"

	"github.com/silvachamo/agrosync/internal/cli"
	"github.com/silvachamo/agrosync/internal/logging"
)

func main() {
	// Diagnostics from the client go to stderr at warn level so they never
	// mix with command output.
	if err := logging.Init(logging.Config{Level: "warn", Format: "console", OutputPath: "stderr"}); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}

	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
