package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"resolvd/internal/config"
)

var initConfigCmd = &cobra.Command{
	Use:   "init-config",
	Short: "Create a default config file",
	Args:  cobra.NoArgs,
	RunE:  runInitConfig,
}

func init() {
	rootCmd.AddCommand(initConfigCmd)
}

func runInitConfig(cmd *cobra.Command, args []string) error {
	path := configPath
	if path == "" {
		path = config.GetDefaultConfigPath()
	}

	if _, err := os.Stat(path); err == nil {
		fmt.Printf("Config file already exists at: %s\n", path)
		fmt.Println("Delete it first if you want to recreate it.")
		return nil
	}

	if err := config.SaveConfigFile(config.DefaultConfig(), path); err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}

	fmt.Printf("%s Created default config file at: %s\n", color.GreenString("✓"), path)
	fmt.Println("\nYou can now edit this file to customize your settings.")
	fmt.Println("Available options:")
	fmt.Println("  listen: address for `resolvd serve` (default 127.0.0.1:8090)")
	fmt.Println("  music_dirs: directories indexed by `resolvd scan`")
	fmt.Println("  min_score: 0.0-1.0, drop weaker matches")
	fmt.Println("  resolvers: enable, reorder or reweight resolvers")
	fmt.Println("  spotify_client_id / spotify_client_secret: needed to enable spotify")
	fmt.Println("\nSecrets can stay out of the file: RESOLVD_SPOTIFY_CLIENT_SECRET=...")
	return nil
}
