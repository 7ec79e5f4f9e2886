package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"resolvd/internal/pipeline"
	"resolvd/internal/query"
)

var (
	resolveArtist   string
	resolveTrack    string
	resolveAlbum    string
	resolveDuration time.Duration
	resolveAll      bool
)

var resolveCmd = &cobra.Command{
	Use:   "resolve [free text]",
	Short: "Resolve one query and print the results",
	Example: `  resolvd resolve "Muse - Starlight"
  resolvd resolve --artist Muse --track Starlight --album "Black Holes and Revelations"`,
	RunE: runResolve,
}

func init() {
	resolveCmd.Flags().StringVarP(&resolveArtist, "artist", "a", "", "Artist name")
	resolveCmd.Flags().StringVarP(&resolveTrack, "track", "t", "", "Track title")
	resolveCmd.Flags().StringVar(&resolveAlbum, "album", "", "Album title")
	resolveCmd.Flags().DurationVarP(&resolveDuration, "duration", "d", 0, "Track duration hint, e.g. 4m0s")
	resolveCmd.Flags().BoolVar(&resolveAll, "all", false, "Print every result, not just the best")
	rootCmd.AddCommand(resolveCmd)
}

func buildQuery(args []string) (*query.Query, error) {
	var opts []query.Option
	if resolveDuration > 0 {
		opts = append(opts, query.WithDuration(resolveDuration))
	}
	if len(args) > 0 {
		if resolveArtist != "" || resolveTrack != "" || resolveAlbum != "" {
			return nil, fmt.Errorf("use either free text or --artist/--track/--album, not both")
		}
		return query.NewFullText(strings.Join(args, " "), opts...)
	}
	return query.New(resolveArtist, resolveTrack, resolveAlbum, opts...)
}

func runResolve(cmd *cobra.Command, args []string) error {
	q, err := buildQuery(args)
	if err != nil {
		return err
	}

	a, err := newApp("resolve")
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.pipeline.Resolve(q); err != nil {
		return err
	}
	best, err := a.pipeline.Wait(a.sh.Context(), q)
	if errors.Is(err, pipeline.ErrResolutionExhausted) {
		fmt.Printf("%s no result for %s\n", color.YellowString("✗"), q)
		return nil
	}
	if err != nil {
		return err
	}

	printResult(best, true)
	if resolveAll {
		for _, r := range q.Results()[1:] {
			printResult(r, false)
		}
	}
	return nil
}

func printResult(r query.Result, best bool) {
	mark := "  "
	if best {
		mark = color.GreenString("✓ ")
	}
	line := fmt.Sprintf("%s - %s", r.Artist, r.Track)
	if r.Album != "" {
		line += fmt.Sprintf(" [%s]", r.Album)
	}
	if r.Duration > 0 {
		line += " " + r.Duration.Round(time.Second).String()
	}
	fmt.Printf("%s%s  %s %s\n  %s\n",
		mark,
		color.New(color.Bold).Sprint(line),
		color.CyanString(r.Source),
		color.HiBlackString("%.2f", r.Score),
		r.Locator,
	)
}
