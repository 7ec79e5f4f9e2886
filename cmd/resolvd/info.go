package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/fatih/color"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"resolvd/internal/artistinfo"
	"resolvd/internal/infosystem"
)

var (
	infoTrack string
	infoAlbum string
	infoJSON  bool
)

var infoCmd = &cobra.Command{
	Use:   "info <biography|similar-artists|top-songs|lyrics> <artist>",
	Short: "Request one kind of artist or track info",
	Example: `  resolvd info biography Muse
  resolvd info lyrics Muse --track Starlight`,
	Args: cobra.MinimumNArgs(2),
	RunE: runInfo,
}

var artistCmd = &cobra.Command{
	Use:   "artist <name>",
	Short: "Show an artist page: biography, similar artists and resolved top songs",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runArtist,
}

func init() {
	infoCmd.Flags().StringVarP(&infoTrack, "track", "t", "", "Track title (lyrics)")
	infoCmd.Flags().StringVar(&infoAlbum, "album", "", "Album title (lyrics)")
	infoCmd.Flags().BoolVar(&infoJSON, "json", false, "Print the raw payload as JSON")
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(artistCmd)
}

type infoReply struct {
	payload infosystem.Payload
	err     error
}

func runInfo(cmd *cobra.Command, args []string) error {
	typ, err := infosystem.ParseType(args[0])
	if err != nil {
		return err
	}
	artist := strings.Join(args[1:], " ")

	a, err := newApp("info")
	if err != nil {
		return err
	}
	defer a.close()

	reply := make(chan infoReply, 1)
	unregister := a.info.Register("cli", func(_ infosystem.RequestData, p infosystem.Payload, err error) {
		reply <- infoReply{payload: p, err: err}
	})
	defer unregister()

	in := infosystem.Input{Text: artist, Fields: map[string]string{"artist": artist}}
	if infoTrack != "" {
		in.Fields["track"] = infoTrack
	}
	if infoAlbum != "" {
		in.Fields["album"] = infoAlbum
	}
	id, err := a.info.Submit(infosystem.RequestData{Caller: "cli", Type: typ, Input: in})
	if err != nil {
		return err
	}

	var res infoReply
	select {
	case res = <-reply:
	case <-a.sh.Context().Done():
		a.info.Cancel("cli", id)
		return a.sh.Context().Err()
	}
	if res.err != nil {
		return fmt.Errorf("%s for %s: %w", typ, artist, res.err)
	}

	if infoJSON {
		data, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(res.payload, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}
	printPayload(typ, res.payload)
	return nil
}

func printPayload(typ infosystem.Type, p infosystem.Payload) {
	heading := color.New(color.Bold, color.FgCyan)
	switch typ {
	case infosystem.Lyrics:
		text, _ := p["synced"].(string)
		if text == "" {
			text, _ = p["plain"].(string)
		}
		if text == "" {
			fmt.Println(color.YellowString("No lyrics found"))
			return
		}
		fmt.Println(text)
	case infosystem.Biography:
		sources := make([]string, 0, len(p))
		for src := range p {
			sources = append(sources, src)
		}
		sort.Strings(sources)
		for _, src := range sources {
			entry, ok := p[src].(map[string]any)
			if !ok {
				continue
			}
			heading.Println(src)
			fmt.Println(entry["text"])
			if url, ok := entry["url"].(string); ok && url != "" {
				fmt.Println(color.HiBlackString(url))
			}
		}
	default:
		key := "tracks"
		if typ == infosystem.SimilarArtists {
			key = "artists"
		}
		heading.Println(typ)
		for i, name := range names(p[key]) {
			fmt.Printf("%2d. %s\n", i+1, name)
		}
	}
}

// names accepts []string from a backend or []any from the cache.
func names(v any) []string {
	switch l := v.(type) {
	case []string:
		return l
	case []any:
		out := make([]string, 0, len(l))
		for _, x := range l {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func runArtist(cmd *cobra.Command, args []string) error {
	name := strings.Join(args, " ")

	a, err := newApp("artist")
	if err != nil {
		return err
	}
	defer a.close()

	page := artistinfo.New(a.info, a.pipeline, a.log)
	defer page.Close()

	changed := make(chan struct{}, 1)
	page.OnChange(func(artistinfo.Snapshot) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	if err := page.Load(name); err != nil {
		return err
	}

	ctx := a.sh.Context()
	snap := page.Snapshot()
	for snap.Pending > 0 && ctx.Err() == nil {
		select {
		case <-changed:
		case <-ctx.Done():
		}
		snap = page.Snapshot()
	}

	heading := color.New(color.Bold, color.FgCyan)
	heading.Println(snap.Artist)
	if snap.Biography != "" {
		fmt.Printf("%s\n%s\n\n", snap.Biography, color.HiBlackString("(%s)", snap.BiographySource))
	}
	if len(snap.Similar) > 0 {
		fmt.Printf("%s %s\n\n", color.New(color.Bold).Sprint("Similar:"), strings.Join(snap.Similar, ", "))
	}
	if len(snap.TopHits) == 0 {
		return nil
	}

	heading.Println("Top songs")
	for i, q := range snap.TopHits {
		best, err := a.pipeline.Wait(ctx, q)
		if err != nil {
			fmt.Printf("%2d. %s %s\n", i+1, q.Track(), color.YellowString("(unresolved)"))
			continue
		}
		fmt.Printf("%2d. %s  %s %s\n", i+1, q.Track(), color.CyanString(best.Source), color.HiBlackString(best.Locator))
	}
	return nil
}
