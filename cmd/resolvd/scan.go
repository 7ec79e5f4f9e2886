package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"resolvd/internal/library"
	"resolvd/internal/progress"
)

var scanWorkers int

var scanCmd = &cobra.Command{
	Use:   "scan [dir...]",
	Short: "Index audio files into the local collection",
	Long:  "Read tags from audio files under the given directories (default: music_dirs) and update the collection database. Unchanged files are skipped.",
	RunE:  runScan,
}

func init() {
	scanCmd.Flags().IntVarP(&scanWorkers, "workers", "w", 0, "Files read in parallel (overrides scan_workers)")
	rootCmd.AddCommand(scanCmd)
}

func runScan(cmd *cobra.Command, args []string) error {
	a, err := newApp("scan")
	if err != nil {
		return err
	}
	defer a.close()

	dirs := args
	if len(dirs) == 0 {
		dirs = a.cfg.MusicDirs
	}
	if len(dirs) == 0 {
		return fmt.Errorf("no directories to scan: pass one or set music_dirs")
	}
	workers := a.cfg.ScanWorkers
	if scanWorkers > 0 {
		workers = scanWorkers
	}

	var total library.ScanStats
	for _, dir := range dirs {
		sc := library.NewScanner(a.store, a.log, workers)

		var bar *progress.Bar
		sc.OnPlanned = func(n int) {
			if !a.cfg.Verbose && n > 0 {
				bar = progress.New("Scanning", n)
				a.log.SetProgressBar(true)
			}
		}
		sc.OnProgress = func() {
			if bar != nil {
				bar.Increment()
			}
		}

		stats, err := sc.Scan(a.sh.Context(), dir)

		if bar != nil {
			bar.Finish()
			a.log.SetProgressBar(false)
		}
		if err != nil {
			return fmt.Errorf("scanning %s: %w", dir, err)
		}

		total.Found += stats.Found
		total.Indexed += stats.Indexed
		total.Unchanged += stats.Unchanged
		total.Removed += stats.Removed
		total.Failed += stats.Failed
	}

	count, err := a.store.CountTracks(a.sh.Context())
	if err != nil {
		return err
	}
	fmt.Printf("%s %d indexed, %d unchanged, %d removed", color.GreenString("✓"), total.Indexed, total.Unchanged, total.Removed)
	if total.Failed > 0 {
		fmt.Print(color.YellowString(", %d failed", total.Failed))
	}
	fmt.Printf(" (%d tracks in collection)\n", count)
	return nil
}
