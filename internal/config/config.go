package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. RESOLVD_LISTEN.
const EnvPrefix = "RESOLVD_"

// Known resolver names.
const (
	ResolverCollection  = "collection"
	ResolverDeezer      = "deezer"
	ResolverITunes      = "itunes"
	ResolverMusicBrainz = "musicbrainz"
	ResolverSpotify     = "spotify"
)

// ResolverConfig enables a resolver and sets its ranking inputs.
type ResolverConfig struct {
	Name     string  `yaml:"name"`
	Enabled  bool    `yaml:"enabled"`
	Priority int     `yaml:"priority"`
	Weight   float64 `yaml:"weight"`
	Capacity int     `yaml:"capacity"`
}

// Config contains the program configuration
type Config struct {
	Settings  `yaml:",inline"`
	Resolvers []ResolverConfig `yaml:"resolvers"`
}

// Settings holds the scalar options. Unlike the resolver list, each of
// them can be overridden from the environment.
type Settings struct {
	Verbose      bool     `yaml:"verbose" env:"VERBOSE"`
	Listen       string   `yaml:"listen" env:"LISTEN"`
	DatabasePath string   `yaml:"database_path" env:"DATABASE_PATH"`
	LogDir       string   `yaml:"log_dir" env:"LOG_DIR"`
	MusicDirs    []string `yaml:"music_dirs" env:"MUSIC_DIRS" envSeparator:":"`
	ScanWorkers  int      `yaml:"scan_workers" env:"SCAN_WORKERS"`

	MinScore        float64       `yaml:"min_score" env:"MIN_SCORE"`
	ExhaustTimeout  time.Duration `yaml:"exhaust_timeout" env:"EXHAUST_TIMEOUT"`
	ResolverTimeout time.Duration `yaml:"resolver_timeout" env:"RESOLVER_TIMEOUT"`
	InfoTimeout     time.Duration `yaml:"info_timeout" env:"INFO_TIMEOUT"`
	InfoCacheTTL    time.Duration `yaml:"info_cache_ttl" env:"INFO_CACHE_TTL"`

	Market              string `yaml:"market" env:"MARKET"`
	WikipediaLang       string `yaml:"wikipedia_lang" env:"WIKIPEDIA_LANG"`
	SpotifyClientID     string `yaml:"spotify_client_id" env:"SPOTIFY_CLIENT_ID"`
	SpotifyClientSecret string `yaml:"spotify_client_secret" env:"SPOTIFY_CLIENT_SECRET"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		Settings: Settings{
			Listen:          "127.0.0.1:8090",
			DatabasePath:    filepath.Join(xdg.DataHome, "resolvd", "resolvd.db"),
			LogDir:          GetDefaultLogPath(),
			MusicDirs:       []string{xdg.UserDirs.Music},
			ScanWorkers:     4,
			ExhaustTimeout:  10 * time.Second,
			ResolverTimeout: 15 * time.Second,
			InfoTimeout:     20 * time.Second,
			InfoCacheTTL:    24 * time.Hour,
			WikipediaLang:   "en",
		},
		Resolvers: DefaultResolvers(),
	}
}

// DefaultResolvers lists every known resolver. Spotify needs credentials
// and starts disabled.
func DefaultResolvers() []ResolverConfig {
	return []ResolverConfig{
		{Name: ResolverCollection, Enabled: true, Priority: 100, Weight: 1, Capacity: 4},
		{Name: ResolverDeezer, Enabled: true, Priority: 80, Weight: 0.9, Capacity: 4},
		{Name: ResolverSpotify, Enabled: false, Priority: 75, Weight: 0.9, Capacity: 4},
		{Name: ResolverITunes, Enabled: true, Priority: 60, Weight: 0.85, Capacity: 2},
		{Name: ResolverMusicBrainz, Enabled: true, Priority: 50, Weight: 0.8, Capacity: 1},
	}
}

// Load reads the config file (see LoadConfigFile) and applies environment
// overrides on top.
func Load(path string) (Config, error) {
	cfg, err := LoadConfigFile(path)
	if err != nil {
		return cfg, err
	}
	if err := ApplyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadConfigFile loads configuration from a YAML file.
// If path is empty, searches standard locations. Returns defaults if no file found.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = FindConfigFile()
		if path == "" {
			return cfg, nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg.expandPaths()
	return cfg, nil
}

// ApplyEnv overrides cfg with RESOLVD_* environment variables.
func ApplyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(&cfg.Settings, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("failed to read environment: %w", err)
	}
	cfg.expandPaths()
	return nil
}

func (c *Config) expandPaths() {
	c.DatabasePath = ExpandHome(c.DatabasePath)
	c.LogDir = ExpandHome(c.LogDir)
	for i, d := range c.MusicDirs {
		c.MusicDirs[i] = ExpandHome(d)
	}
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(xdg.Home, path[2:])
	}
	return path
}

// FindConfigFile searches for a config file in standard locations
func FindConfigFile() string {
	locations := []string{"./resolvd.yaml", "./resolvd.yml"}
	for _, name := range []string{"resolvd/config.yaml", "resolvd/config.yml"} {
		if p, err := xdg.SearchConfigFile(name); err == nil {
			locations = append(locations, p)
		}
	}

	for _, path := range locations {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// SaveConfigFile saves the current configuration to a YAML file
func SaveConfigFile(cfg Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// GetDefaultConfigPath returns the default config file path
func GetDefaultConfigPath() string {
	return filepath.Join(xdg.ConfigHome, "resolvd", "config.yaml")
}

// GetDefaultLogPath returns the default log directory path
func GetDefaultLogPath() string {
	return filepath.Join(xdg.StateHome, "resolvd", "logs")
}

// Resolver returns the entry for name.
func (c *Config) Resolver(name string) (ResolverConfig, bool) {
	for _, r := range c.Resolvers {
		if r.Name == name {
			return r, true
		}
	}
	return ResolverConfig{}, false
}

// EnabledResolvers returns the enabled entries in file order.
func (c *Config) EnabledResolvers() []ResolverConfig {
	var out []ResolverConfig
	for _, r := range c.Resolvers {
		if r.Enabled {
			out = append(out, r)
		}
	}
	return out
}

var knownResolvers = map[string]bool{
	ResolverCollection:  true,
	ResolverDeezer:      true,
	ResolverITunes:      true,
	ResolverMusicBrainz: true,
	ResolverSpotify:     true,
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address cannot be empty")
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("database_path cannot be empty")
	}
	if c.ScanWorkers < 1 {
		return fmt.Errorf("scan workers must be at least 1, got %d", c.ScanWorkers)
	}
	if c.ScanWorkers > 16 {
		return fmt.Errorf("scan workers cannot exceed 16, got %d", c.ScanWorkers)
	}
	for _, d := range c.MusicDirs {
		if strings.TrimSpace(d) == "" {
			return fmt.Errorf("music_dirs cannot contain empty paths")
		}
	}

	if c.MinScore < 0 || c.MinScore > 1 {
		return fmt.Errorf("min_score must be between 0.0 and 1.0, got %.2f", c.MinScore)
	}
	for name, d := range map[string]time.Duration{
		"exhaust_timeout":  c.ExhaustTimeout,
		"resolver_timeout": c.ResolverTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.InfoTimeout < 0 {
		return fmt.Errorf("info_timeout cannot be negative, got %s", c.InfoTimeout)
	}

	seen := make(map[string]bool)
	for _, r := range c.Resolvers {
		if !knownResolvers[r.Name] {
			return fmt.Errorf("unknown resolver %q, valid resolvers: collection, deezer, itunes, musicbrainz, spotify", r.Name)
		}
		if seen[r.Name] {
			return fmt.Errorf("resolver %q listed twice", r.Name)
		}
		seen[r.Name] = true
		if r.Weight < 0 || r.Weight > 1 {
			return fmt.Errorf("resolver %s: weight must be between 0.0 and 1.0, got %.2f", r.Name, r.Weight)
		}
		if r.Capacity < 1 {
			return fmt.Errorf("resolver %s: capacity must be at least 1, got %d", r.Name, r.Capacity)
		}
	}

	if r, ok := c.Resolver(ResolverSpotify); ok && r.Enabled {
		if c.SpotifyClientID == "" {
			return fmt.Errorf("spotify_client_id is required when the spotify resolver is enabled")
		}
		if c.SpotifyClientSecret == "" {
			return fmt.Errorf("spotify_client_secret is required when the spotify resolver is enabled")
		}
	}
	return nil
}
