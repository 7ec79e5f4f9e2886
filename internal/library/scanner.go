// Package library indexes local audio files into the store and answers
// queries from that index.
package library

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.senan.xyz/taglib"

	"resolvd/internal/logger"
	"resolvd/internal/query"
	"resolvd/internal/store"
)

// Supported audio file extensions
var audioExtensions = map[string]bool{
	".mp3":  true,
	".m4a":  true,
	".flac": true,
	".opus": true,
	".wav":  true,
	".aac":  true,
	".ogg":  true,
}

// IsAudioFile reports whether path has a supported audio extension.
func IsAudioFile(path string) bool {
	return audioExtensions[strings.ToLower(filepath.Ext(path))]
}

// FindAudioFiles recursively finds all audio files in a directory along
// with their modification times. Unreadable entries are skipped.
func FindAudioFiles(dir string) (map[string]time.Time, error) {
	if dir == "" {
		return nil, fmt.Errorf("directory path cannot be empty")
	}
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("directory does not exist: %s", dir)
	}

	files := make(map[string]time.Time)
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || !IsAudioFile(path) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		files[path] = info.ModTime()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("error walking directory %s: %w", dir, err)
	}
	return files, nil
}

// ScanStats summarizes one scan.
type ScanStats struct {
	Found     int
	Indexed   int
	Unchanged int
	Removed   int
	Failed    int
}

// Scanner reads tags from audio files and keeps the store in sync.
type Scanner struct {
	Store   *store.Store
	Logger  *logger.Logger
	Workers int
	// OnPlanned receives the number of files about to be indexed.
	OnPlanned func(total int)
	// OnProgress is called once per file processed.
	OnProgress func()
}

func NewScanner(s *store.Store, log *logger.Logger, workers int) *Scanner {
	if workers < 1 {
		workers = 1
	}
	return &Scanner{Store: s, Logger: log, Workers: workers}
}

// Plan walks root and returns the files that need (re)indexing and the
// known paths under root that no longer exist.
func (sc *Scanner) Plan(ctx context.Context, root string) (changed []string, gone []string, found int, err error) {
	files, err := FindAudioFiles(root)
	if err != nil {
		return nil, nil, 0, err
	}
	known, err := sc.Store.ModTimes(ctx)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("loading index: %w", err)
	}

	for path, mtime := range files {
		if prev, ok := known[path]; ok && prev.Unix() == mtime.Unix() {
			continue
		}
		changed = append(changed, path)
	}
	prefix := filepath.Clean(root) + string(filepath.Separator)
	for path := range known {
		if _, ok := files[path]; !ok && strings.HasPrefix(path, prefix) {
			gone = append(gone, path)
		}
	}
	return changed, gone, len(files), nil
}

// Scan indexes every new or modified audio file under root and removes
// index entries for files that disappeared.
func (sc *Scanner) Scan(ctx context.Context, root string) (ScanStats, error) {
	changed, gone, found, err := sc.Plan(ctx, root)
	if err != nil {
		return ScanStats{}, err
	}
	stats := ScanStats{Found: found, Unchanged: found - len(changed)}
	sc.Logger.Info("=== Scanning %s (%d files, %d to index) ===", root, found, len(changed))
	if sc.OnPlanned != nil {
		sc.OnPlanned(len(changed))
	}

	for _, path := range gone {
		if err := sc.Store.DeleteTrack(ctx, path); err == nil {
			stats.Removed++
		}
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	semaphore := make(chan struct{}, sc.Workers)

	for _, path := range changed {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		go func(p string) {
			defer wg.Done()

			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			err := sc.indexFile(ctx, p)
			mu.Lock()
			if err != nil {
				sc.Logger.Debug("Index error %s: %v", p, err)
				stats.Failed++
			} else {
				stats.Indexed++
			}
			mu.Unlock()
			if sc.OnProgress != nil {
				sc.OnProgress()
			}
		}(path)
	}
	wg.Wait()

	if ctx.Err() != nil {
		return stats, fmt.Errorf("scan cancelled")
	}
	if stats.Failed > 0 {
		sc.Logger.Warn("%d of %d files could not be indexed", stats.Failed, len(changed))
	}
	sc.Logger.Info("Scan completed: %d indexed, %d unchanged, %d removed", stats.Indexed, stats.Unchanged, stats.Removed)
	return stats, nil
}

func (sc *Scanner) indexFile(ctx context.Context, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	t, err := ReadTrack(path)
	if err != nil {
		return err
	}
	t.ModTime = info.ModTime()
	return sc.Store.UpsertTrack(ctx, t)
}

// ReadTrack builds a store.Track from the tags of path. Files without a
// title tag fall back to parsing "Artist - Title" from the file name.
func ReadTrack(path string) (store.Track, error) {
	tags, err := taglib.ReadTags(path)
	if err != nil {
		return store.Track{}, fmt.Errorf("failed to read tags: %w", err)
	}

	t := store.Track{
		Path:   path,
		Artist: firstTag(tags, taglib.Artist),
		Track:  firstTag(tags, taglib.Title),
		Album:  firstTag(tags, taglib.Album),
	}
	if t.Artist == "" {
		t.Artist = firstTag(tags, taglib.AlbumArtist)
	}
	if t.Track == "" {
		base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		f := query.ParseFullText(base)
		t.Track = f.Track
		if t.Artist == "" {
			t.Artist = f.Artist
		}
	}
	if t.Track == "" {
		return store.Track{}, errors.New("no title")
	}

	if props, err := taglib.ReadProperties(path); err == nil {
		t.Duration = props.Length
	}
	return t, nil
}

func firstTag(tags map[string][]string, key string) string {
	if vals, ok := tags[key]; ok && len(vals) > 0 {
		return strings.TrimSpace(vals[0])
	}
	return ""
}
