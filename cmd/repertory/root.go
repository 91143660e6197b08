package main

import (
	"github.com/spf13/cobra"

	_ "repertory/internal/provider/encryptprovider"
	_ "repertory/internal/provider/remoteprovider"
	_ "repertory/internal/provider/renterdprovider"
	_ "repertory/internal/provider/s3provider"
)

var (
	// Flags.
	dataDirectory string
	providerName  string
	readOnly      bool

	rootCmd = &cobra.Command{
		Use:   "repertory",
		Short: "Mount a remote object store as a local filesystem",
		Long:  "repertory mounts an S3-compatible bucket, a Sia renterd host, a local encrypted directory, or a remote repertory instance as a locally mounted filesystem.",
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDirectory, "data-dir", defaultDataDirectory(), "directory holding config.json and the cache/db state")
	rootCmd.PersistentFlags().StringVar(&providerName, "type", "s3", "provider type: s3, sia, encrypt, remote")
	rootCmd.PersistentFlags().BoolVar(&readOnly, "read-only", false, "deny writes, mkdir, rename, and delete at the mount")

	rootCmd.AddCommand(mountCmd)
	rootCmd.AddCommand(unmountCmd)
	rootCmd.AddCommand(drivesCmd)
}
