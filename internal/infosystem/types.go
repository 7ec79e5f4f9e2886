package infosystem

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	ErrUnknownCaller    = errors.New("unknown caller")
	ErrDuplicateRequest = errors.New("request already pending")
	ErrNoBackend        = errors.New("no backend for info type")
	ErrRequestNotFound  = errors.New("request not found")
	ErrTimeout          = errors.New("info request timed out")
	ErrClosed           = errors.New("info system closed")
	// ErrDeferred is returned by a backend's Fetch when it will answer
	// later through InfoSystem.Deliver instead.
	ErrDeferred = errors.New("response deferred")
)

// Type is the kind of information requested.
type Type int

const (
	Biography Type = iota + 1
	SimilarArtists
	TopSongs
	Lyrics
)

var typeNames = map[Type]string{
	Biography:      "biography",
	SimilarArtists: "similar-artists",
	TopSongs:       "top-songs",
	Lyrics:         "lyrics",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("type(%d)", int(t))
}

// ParseType accepts the names printed by Type.String.
func ParseType(s string) (Type, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for t, name := range typeNames {
		if name == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown info type %q", s)
}

// Input is either free text or a set of named fields such as "artist".
type Input struct {
	Text   string
	Fields map[string]string
}

// Get returns the named field, falling back to Text for "artist" so plain
// string inputs work for artist lookups.
func (in Input) Get(key string) string {
	if v := strings.TrimSpace(in.Fields[key]); v != "" {
		return v
	}
	if key == "artist" {
		return strings.TrimSpace(in.Text)
	}
	return ""
}

// RequestData describes one info request. CustomData is echoed back to the
// caller untouched.
type RequestData struct {
	Caller     string
	RequestID  uint64
	Type       Type
	Input      Input
	CustomData map[string]any
	// Timeout overrides Options.DefaultTimeout when positive.
	Timeout time.Duration
}

// Payload is a backend response. Keys depend on the type: Biography maps
// source name to text, SimilarArtists and TopSongs carry "artists" or
// "tracks", Lyrics carries "synced" and "plain".
type Payload map[string]any

// Callback receives exactly one response per accepted request. On timeout
// payload is nil and err is ErrTimeout.
type Callback func(rd RequestData, payload Payload, err error)

// Backend produces payloads for the types it declares.
type Backend interface {
	Name() string
	Types() []Type
	Fetch(ctx context.Context, rd RequestData) (Payload, error)
}

// Cache stores payloads between identical requests.
type Cache interface {
	Get(key string) (Payload, bool)
	Put(key string, p Payload, ttl time.Duration)
}

// CacheKey identifies requests that would produce the same payload,
// regardless of caller or request id.
func CacheKey(rd RequestData) string {
	var b strings.Builder
	b.WriteString(rd.Type.String())
	b.WriteByte('|')
	b.WriteString(strings.ToLower(strings.TrimSpace(rd.Input.Text)))

	keys := make([]string, 0, len(rd.Input.Fields))
	for k := range rd.Input.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(strings.ToLower(strings.TrimSpace(rd.Input.Fields[k])))
	}
	return b.String()
}

// State is the lifecycle position of a request.
type State int

const (
	StateUnknown State = iota
	StatePending
	StateDelivered
	StateCancelled
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateDelivered:
		return "delivered"
	case StateCancelled:
		return "cancelled"
	case StateTimedOut:
		return "timed-out"
	default:
		return "unknown"
	}
}
