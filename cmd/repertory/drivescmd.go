package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"repertory/internal/exitcode"
	"repertory/internal/mountreg"
)

var drivesCmd = &cobra.Command{
	Use:   "drives",
	Short: "List active mounts",
	Run: func(cmd *cobra.Command, args []string) {
		drivescmd()
	},
}

func drivescmd() {
	reg, err := mountreg.Open(registryPath())
	if err != nil {
		fmt.Fprintln(os.Stderr, "repertory: opening mount registry:", err)
		setExit(exitcode.StartupException)
		return
	}
	entries, err := reg.List()
	if err != nil {
		fmt.Fprintln(os.Stderr, "repertory:", err)
		setExit(exitcode.CommunicationError)
		return
	}
	if len(entries) == 0 {
		fmt.Println("no active mounts")
		setExit(exitcode.Success)
		return
	}
	for _, e := range entries {
		fmt.Printf("%s  pid=%d  data_dir=%s  since=%s\n", e.MountPoint, e.Pid, e.DataDir, e.StartedAt.Format("2006-01-02T15:04:05"))
	}
	setExit(exitcode.Success)
}
