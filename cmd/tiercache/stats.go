package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var duCmd = &cobra.Command{
	Use:   "du",
	Short: "Show disk usage of the data directory",
	Long: `Display the number of disk cell payloads in the data directory and
their total size. Leftover temporary files from interrupted writes are
counted separately.`,
	Args: cobra.NoArgs,
	RunE: runDu,
}

func init() {
	rootCmd.AddCommand(duCmd)
}

// usage summarises a data directory.
type usage struct {
	payloads  int
	temps     int
	totalSize int64
}

func scanDataDir(dir string) (usage, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return usage{}, fmt.Errorf("reading data directory: %w", err)
	}

	var u usage
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if strings.HasPrefix(entry.Name(), ".tmp-") {
			u.temps++
			continue
		}
		u.payloads++
		u.totalSize += info.Size()
	}
	return u, nil
}

func runDu(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(dataDir); os.IsNotExist(err) {
		return fmt.Errorf("data directory %q does not exist", dataDir)
	}

	u, err := scanDataDir(dataDir)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Data directory: %s\n", dataDir)
	fmt.Fprintf(out, "Payloads:       %d\n", u.payloads)
	fmt.Fprintf(out, "Total size:     %s\n", formatBytes(u.totalSize))
	if u.temps > 0 {
		fmt.Fprintf(out, "Temp files:     %d\n", u.temps)
	}
	return nil
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
