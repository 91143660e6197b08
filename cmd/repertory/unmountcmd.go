package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"repertory/internal/exitcode"
	"repertory/internal/mountreg"
)

var unmountCmd = &cobra.Command{
	Use:   "unmount <mountpoint>",
	Short: "Unmount a previously mounted drive",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		unmountcmd(args[0])
	},
}

func unmountcmd(mountPoint string) {
	reg, err := mountreg.Open(registryPath())
	if err != nil {
		fmt.Fprintln(os.Stderr, "repertory: opening mount registry:", err)
		setExit(exitcode.StartupException)
		return
	}

	entry, ok, err := reg.Find(mountPoint)
	if err != nil {
		fmt.Fprintln(os.Stderr, "repertory:", err)
		setExit(exitcode.CommunicationError)
		return
	}
	if !ok {
		fmt.Fprintln(os.Stderr, "repertory: not mounted at", mountPoint)
		setExit(exitcode.NotMounted)
		return
	}

	if err := terminateProcess(entry.Pid); err != nil {
		fmt.Fprintln(os.Stderr, "repertory: signaling mount process:", err)
		setExit(exitcode.CommunicationError)
		return
	}
	setExit(exitcode.Success)
}
