// Package main provides the tiercache CLI for exercising a Ram/Disk/Cloud
// cache hierarchy against synthetic workloads.
package main

import (
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
