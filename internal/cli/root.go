// Package cli implements the offline0 command line.
package cli

import (
	"os"

	"github.com/spf13/cobra"

	"offline0/internal/offline0"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "offline0",
	Short: "Offline-first caching proxy with priority admission and eviction",
	Long: `offline0 sits in front of a web origin and serves it cache-first.

Responses are classified by URL (critical, high, medium, thumbnail, video),
admitted into the current cache generation depending on storage usage, and
evicted lowest priority first when usage crosses the cleanup threshold.
Changing app.version rolls out a new generation and deletes the old one.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", getenvDefault("OFFLINE0_CONFIG", "/offline0.yaml"), "path to offline0.yaml")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(usageCmd)
	rootCmd.AddCommand(lsCmd)
	rootCmd.AddCommand(clearCmd)
}

func loadConfig() (offline0.Config, error) {
	return offline0.LoadConfig(configPath)
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
