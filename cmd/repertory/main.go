// Command repertory mounts a remote object store as a local POSIX/
// Windows filesystem (spec §1). The CLI surface follows cmd/siac's
// package-level cobra.Command var + root.AddCommand(...) idiom (the
// only pack repo with surviving production cobra source; rclone's own
// cmd/* packages kept only their _test.go files — see DESIGN.md).
package main

import (
	"fmt"
	"os"

	"repertory/internal/exitcode"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "repertory:", err)
		os.Exit(int(exitcode.InvalidSyntax))
	}
	os.Exit(int(lastExitCode))
}

// lastExitCode lets a subcommand's Run report a specific spec §6 exit
// code back through main without cobra's own (always-0-or-1) exit
// handling getting in the way.
var lastExitCode = exitcode.Success

func setExit(c exitcode.Code) {
	lastExitCode = c
}
