package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "resolvd",
	Short: "Resolve track metadata to playable results across music services",
	Long: `resolvd resolves artist/track/album queries (or free text such as
"Muse - Starlight") against a local collection and online services,
and answers artist info requests: biography, similar artists, top songs
and lyrics.

Config file locations (checked in order):
  ./resolvd.yaml
  ~/.config/resolvd/config.yaml

Every scalar setting can be overridden with a RESOLVD_ environment
variable, e.g. RESOLVD_LISTEN=0.0.0.0:8090.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Show detailed output")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("[ERROR]"), err)
		os.Exit(1)
	}
}
