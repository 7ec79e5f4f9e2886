// Package store persists the local collection and cached info payloads in
// a SQLite database. Open a single Store and share it; all methods are safe
// for concurrent use.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"resolvd/internal/scorer"
)

// Store wraps the sql.DB connection.
type Store struct {
	*sql.DB
}

// Track is one audio file in the collection.
type Track struct {
	ID       int64
	Path     string
	Artist   string
	Track    string
	Album    string
	Duration time.Duration
	ModTime  time.Time
}

func (t Track) Fields() scorer.Fields {
	return scorer.Fields{Artist: t.Artist, Track: t.Track, Album: t.Album, Duration: t.Duration}
}

// Open opens or creates the database at path along with its schema.
func Open(path string) (*Store, error) {
	d, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY
	// when scan workers write concurrently.
	d.SetMaxOpenConns(1)

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tracks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			path TEXT NOT NULL UNIQUE,
			artist TEXT NOT NULL DEFAULT '',
			track TEXT NOT NULL DEFAULT '',
			album TEXT NOT NULL DEFAULT '',
			artist_norm TEXT NOT NULL DEFAULT '',
			track_norm TEXT NOT NULL DEFAULT '',
			album_norm TEXT NOT NULL DEFAULT '',
			duration_ms INTEGER NOT NULL DEFAULT 0,
			mtime INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tracks_artist ON tracks(artist_norm)`,
		`CREATE INDEX IF NOT EXISTS idx_tracks_track ON tracks(track_norm)`,
		`CREATE TABLE IF NOT EXISTS info_cache (
			key TEXT PRIMARY KEY,
			payload TEXT NOT NULL,
			expires_at INTEGER NOT NULL
		)`,
	}
	for _, s := range stmts {
		if _, err := d.Exec(s); err != nil {
			d.Close()
			return nil, fmt.Errorf("init db: %w", err)
		}
	}
	return &Store{d}, nil
}

// UpsertTrack inserts t or replaces the row with the same path.
func (s *Store) UpsertTrack(ctx context.Context, t Track) error {
	_, err := s.ExecContext(ctx, `INSERT INTO tracks(path, artist, track, album, artist_norm, track_norm, album_norm, duration_ms, mtime)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			artist=excluded.artist, track=excluded.track, album=excluded.album,
			artist_norm=excluded.artist_norm, track_norm=excluded.track_norm, album_norm=excluded.album_norm,
			duration_ms=excluded.duration_ms, mtime=excluded.mtime`,
		t.Path, t.Artist, t.Track, t.Album,
		scorer.Normalize(t.Artist), scorer.Normalize(t.Track), scorer.Normalize(t.Album),
		t.Duration.Milliseconds(), t.ModTime.Unix())
	if err != nil {
		return fmt.Errorf("upsert %s: %w", t.Path, err)
	}
	return nil
}

// ModTimes returns the recorded modification time of every track, keyed by
// path, so a rescan can skip unchanged files.
func (s *Store) ModTimes(ctx context.Context) (map[string]time.Time, error) {
	rows, err := s.QueryContext(ctx, `SELECT path, mtime FROM tracks`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var path string
		var mtime int64
		if err := rows.Scan(&path, &mtime); err != nil {
			return nil, err
		}
		out[path] = time.Unix(mtime, 0)
	}
	return out, rows.Err()
}

// DeleteTrack removes the track at path. sql.ErrNoRows is returned when no
// such track exists.
func (s *Store) DeleteTrack(ctx context.Context, path string) error {
	res, err := s.ExecContext(ctx, `DELETE FROM tracks WHERE path=?`, path)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// CountTracks returns the collection size.
func (s *Store) CountTracks(ctx context.Context) (int, error) {
	var n int
	err := s.QueryRowContext(ctx, `SELECT COUNT(*) FROM tracks`).Scan(&n)
	return n, err
}

// SearchTracks returns tracks whose normalized fields contain each
// non-empty field of f. Scoring is left to the caller.
func (s *Store) SearchTracks(ctx context.Context, f scorer.Fields, limit int) ([]Track, error) {
	var where []string
	var args []any
	for _, c := range []struct{ col, val string }{
		{"artist_norm", f.Artist},
		{"track_norm", f.Track},
		{"album_norm", f.Album},
	} {
		if v := scorer.Normalize(c.val); v != "" {
			where = append(where, c.col+` LIKE '%' || ? || '%'`)
			args = append(args, v)
		}
	}
	if len(where) == 0 {
		return nil, nil
	}
	return s.findTracks(ctx, strings.Join(where, " AND "), args, limit)
}

// SearchText returns tracks containing every token of text in any of
// their fields.
func (s *Store) SearchText(ctx context.Context, text string, limit int) ([]Track, error) {
	tokens := strings.Fields(scorer.Normalize(text))
	if len(tokens) == 0 {
		return nil, nil
	}
	where := make([]string, len(tokens))
	args := make([]any, len(tokens))
	for i, tok := range tokens {
		where[i] = `(artist_norm || ' ' || track_norm || ' ' || album_norm) LIKE '%' || ? || '%'`
		args[i] = tok
	}
	return s.findTracks(ctx, strings.Join(where, " AND "), args, limit)
}

func (s *Store) findTracks(ctx context.Context, where string, args []any, limit int) ([]Track, error) {
	if limit <= 0 {
		limit = 25
	}
	args = append(args, limit)
	rows, err := s.QueryContext(ctx, `SELECT id, path, artist, track, album, duration_ms, mtime FROM tracks WHERE `+where+` ORDER BY id LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("search tracks: %w", err)
	}
	defer rows.Close()

	var ts []Track
	for rows.Next() {
		var t Track
		var durMS, mtime int64
		if err := rows.Scan(&t.ID, &t.Path, &t.Artist, &t.Track, &t.Album, &durMS, &mtime); err != nil {
			return nil, err
		}
		t.Duration = time.Duration(durMS) * time.Millisecond
		t.ModTime = time.Unix(mtime, 0)
		ts = append(ts, t)
	}
	return ts, rows.Err()
}
