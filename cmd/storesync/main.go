// storesync keeps local document collections in sync with a remote REST
// backend and serves live queries over the local copy.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/santaclaude2025/storesync/pkg/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "storesync",
	Short: "Offline-first sync engine for remote REST collections",
	Long: `Storesync mirrors remote REST collections into a local SQLite-backed
document store and keeps the two sides reconciled: periodic id-set audits,
incremental pulls, push of local creates and patches, and pruning of
documents deleted remotely.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.storesync/config.json)")
}

// loadConfig resolves the config path and loads it.
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		var err error
		path, err = config.DefaultPath()
		if err != nil {
			return nil, err
		}
	}
	return config.Load(path)
}
