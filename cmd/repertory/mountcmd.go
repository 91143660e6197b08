package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/winfsp/cgofuse/fuse"

	"repertory/internal/exitcode"
	"repertory/internal/mountreg"
)

var mountCmd = &cobra.Command{
	Use:   "mount <mountpoint>",
	Short: "Mount the configured provider at mountpoint",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		mountcmd(args[0])
	},
}

func registryPath() string {
	return filepath.Join(defaultDataDirectory(), "drives.json")
}

func mountcmd(mountPoint string) {
	reg, err := mountreg.Open(registryPath())
	if err != nil {
		fmt.Fprintln(os.Stderr, "repertory: opening mount registry:", err)
		setExit(exitcode.StartupException)
		return
	}
	if _, active, err := reg.Find(mountPoint); err == nil && active {
		fmt.Fprintln(os.Stderr, "repertory: already mounted at", mountPoint)
		setExit(exitcode.MountActive)
		return
	}

	in, err := newInstance(dataDirectory, providerName, readOnly)
	if err != nil {
		fmt.Fprintln(os.Stderr, "repertory:", err)
		setExit(exitcode.StartupException)
		return
	}
	if err := in.start(); err != nil {
		fmt.Fprintln(os.Stderr, "repertory:", err)
		setExit(exitcode.StartupException)
		return
	}
	defer in.stop()

	if err := reg.Add(mountPoint, dataDirectory); err != nil {
		fmt.Fprintln(os.Stderr, "repertory: recording mount:", err)
	}
	defer reg.Remove(mountPoint)

	host := fuse.NewFileSystemHost(in.fs)
	host.SetCapReaddirPlus(true)

	sigCh := make(chan os.Signal, 1)
	notifyShutdownSignals(sigCh)
	go func() {
		<-sigCh
		host.Unmount()
	}()

	if !host.Mount(mountPoint, nil) {
		fmt.Fprintln(os.Stderr, "repertory: mount failed at", mountPoint)
		setExit(exitcode.MountResult)
		return
	}
	setExit(exitcode.Success)
}
