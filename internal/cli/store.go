package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"offline0/internal/offline0"
)

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Print storage usage of the cache store",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withStore(func(cfg offline0.Config, st *offline0.LevelStore) error {
			p, err := cfg.Policy()
			if err != nil {
				return err
			}
			u := offline0.NewStorageMonitor(st, p.Fallback, p.Platform).Usage(cmd.Context())
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "generation:  %s\n", p.Generation)
			fmt.Fprintf(out, "platform:    %s\n", p.Platform)
			fmt.Fprintf(out, "used:        %dMB\n", u.UsedBytes>>20)
			fmt.Fprintf(out, "available:   %dMB\n", u.AvailableBytes>>20)
			fmt.Fprintf(out, "percentage:  %.0f%%\n", u.PercentageUsed*100)
			fmt.Fprintf(out, "fallback:    %t\n", u.UsingFallback)
			fmt.Fprintf(out, "thresholds:  video=%.0f%% cleanup=%.0f%% high=%.0f%% prewarm=%.0f%%\n",
				p.Thresholds.Video*100, p.Thresholds.Cleanup*100, p.Thresholds.High*100, p.Thresholds.Prewarm*100)
			return nil
		})
	},
}

var lsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List cache generations and their entries",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withStore(func(cfg offline0.Config, st *offline0.LevelStore) error {
			p, err := cfg.Policy()
			if err != nil {
				return err
			}
			inv, err := offline0.Inventory(cmd.Context(), st)
			if err != nil {
				return err
			}
			names := make([]string, 0, len(inv))
			for name := range inv {
				names = append(names, name)
			}
			sort.Strings(names)
			c := offline0.NewClassifier(p.Manifest, p.Patterns)
			out := cmd.OutOrStdout()
			for _, name := range names {
				fmt.Fprintf(out, "%s (%d files)\n", name, len(inv[name]))
				for _, u := range inv[name] {
					fmt.Fprintf(out, "  - [%s] %s\n", c.Classify(u), u)
				}
			}
			return nil
		})
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every cache generation",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withStore(func(_ offline0.Config, st *offline0.LevelStore) error {
			deleted, err := offline0.ClearAll(cmd.Context(), st)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d generations\n", len(deleted))
			return nil
		})
	},
}

// withStore opens the store directly. The server must not be running: LevelDB
// holds an exclusive lock on its directory.
func withStore(fn func(offline0.Config, *offline0.LevelStore) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	st, err := offline0.OpenLevelStore(cfg.Storage.Path, cfg.Quota())
	if err != nil {
		return fmt.Errorf("open store %s: %w", cfg.Storage.Path, err)
	}
	defer st.Close()
	return fn(cfg, st)
}

