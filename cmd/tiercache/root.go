package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	// Global flags.
	dataDir   string
	codecName string
	remoteURL string
	verbose   bool
)

var rootCmd = &cobra.Command{
	Use:   "tiercache",
	Short: "Drive a three-tier cache hierarchy",
	Long: `tiercache runs a Ram/Disk/Cloud cache hierarchy in-process.

Cells start in memory, are demoted to disk and then to a remote object
store as their score decays, and are promoted back on repeated hits.

Examples:
  # Simulate a skewed workload with an in-memory remote tier
  tiercache simulate --remote mem --ops 50000

  # Use Redis as the remote tier
  tiercache simulate --remote redis://localhost:6379/0

  # Show what is on disk
  tiercache du`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&dataDir, "data-dir", "d", "./tiercache-data", "directory for disk cells")
	rootCmd.PersistentFlags().StringVar(&codecName, "codec", "zstd", "payload codec: zstd, gzip or none")
	rootCmd.PersistentFlags().StringVar(&remoteURL, "remote", "", "remote tier: mem, redis://, s3://, gs:// or minio:// URL")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
}

func newLogger() (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewNop(), nil
}
