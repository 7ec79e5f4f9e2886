package query

import (
	"regexp"
	"strings"

	"resolvd/internal/scorer"
)

// Decorations uploaders add to titles that never belong to the track name.
var decorationPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\s*\(\s*(?:official\s+(?:music\s+|lyric\s+)?(?:video|audio|visualizer)|lyrics?|visual(?:izer)?|audio|hd|hq|4k|explicit|clean)\s*\)`),
	regexp.MustCompile(`(?i)\s*\[\s*(?:official\s+(?:music\s+|lyric\s+)?(?:video|audio|visualizer)|lyrics?|visual(?:izer)?|audio|hd|hq|4k|explicit|clean)\s*\]`),
}

var featuringPattern = regexp.MustCompile(`(?i)\s*[\(\[]\s*(?:feat\.?|ft\.?|featuring)\s+([^\)\]]+)[\)\]]`)

var vevoPattern = regexp.MustCompile(`(?i)vevo$`)

// "Artist - Title", also with en and em dashes.
var artistTrackSeparator = regexp.MustCompile(`^(.+?)\s+[-\x{2013}\x{2014}]\s+(.+)$`)

// CleanTitle strips video decorations and featuring credits from a title.
func CleanTitle(title string) string {
	title = strings.TrimSpace(title)
	for _, p := range decorationPatterns {
		title = p.ReplaceAllString(title, "")
	}
	title = featuringPattern.ReplaceAllString(title, "")
	return strings.TrimSpace(title)
}

// CleanArtist strips channel suffixes such as "VEVO".
func CleanArtist(artist string) string {
	artist = strings.TrimSpace(artist)
	return strings.TrimSpace(vevoPattern.ReplaceAllString(artist, ""))
}

// ParseFullText derives structured fields from free text. "Artist - Track"
// splits into both fields; anything else is treated as a track name.
func ParseFullText(text string) scorer.Fields {
	text = CleanTitle(text)
	if text == "" {
		return scorer.Fields{}
	}
	if m := artistTrackSeparator.FindStringSubmatch(text); m != nil {
		return scorer.Fields{
			Artist: CleanArtist(m[1]),
			Track:  strings.TrimSpace(m[2]),
		}
	}
	return scorer.Fields{Track: text}
}
