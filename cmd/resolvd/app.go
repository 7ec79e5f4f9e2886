package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"resolvd/internal/config"
	"resolvd/internal/infosystem"
	"resolvd/internal/library"
	"resolvd/internal/logger"
	"resolvd/internal/metrics"
	"resolvd/internal/pipeline"
	"resolvd/internal/provider/deezer"
	"resolvd/internal/provider/itunes"
	"resolvd/internal/provider/lrclib"
	"resolvd/internal/provider/musicbrainz"
	"resolvd/internal/provider/spotify"
	"resolvd/internal/provider/wikipedia"
	"resolvd/internal/registry"
	"resolvd/internal/shutdown"
	"resolvd/internal/store"
)

// app holds everything a command needs. Cleanups run through sh in
// reverse order of construction.
type app struct {
	cfg      config.Config
	log      *logger.Logger
	sh       *shutdown.Handler
	store    *store.Store
	cache    *store.InfoCache
	metrics  *metrics.Metrics
	registry *registry.Registry
	pipeline *pipeline.Pipeline
	info     *infosystem.InfoSystem

	stopSignals func()
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, fmt.Errorf("failed to load config: %w", err)
	}
	if verbose {
		cfg.Verbose = true
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("configuration error: %w", err)
	}
	return cfg, nil
}

func newApp(name string) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, sh: shutdown.New()}
	a.stopSignals = a.sh.Listen()

	a.log = logger.New(cfg.Verbose)
	a.sh.AddCleanup(func() { a.log.Close() })
	if !cfg.Verbose {
		a.setupFileLog(name)
	}
	if path := config.FindConfigFile(); configPath == "" && path != "" {
		a.log.Debug("Loaded configuration from: %s", path)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0755); err != nil {
		a.close()
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	a.store, err = store.Open(cfg.DatabasePath)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to open database %s: %w", cfg.DatabasePath, err)
	}
	a.sh.AddCleanup(func() { a.store.Close() })
	a.cache = a.store.InfoCache()

	a.metrics = metrics.New()

	infoOpts := infosystem.DefaultOptions()
	infoOpts.DefaultTimeout = cfg.InfoTimeout
	infoOpts.CacheTTL = cfg.InfoCacheTTL
	infoOpts.Cache = a.cache
	a.info = infosystem.New(a.log, infoOpts, a.metrics)
	a.sh.AddCleanup(a.info.Close)

	a.registry = registry.New()
	a.pipeline = pipeline.New(a.registry, a.log, pipeline.Options{
		ExhaustTimeout:  cfg.ExhaustTimeout,
		ResolverTimeout: cfg.ResolverTimeout,
		MinScore:        cfg.MinScore,
	}, a.metrics)
	a.sh.AddCleanup(a.pipeline.Close)

	dz := deezer.New()
	a.info.AddBackend(dz)
	a.info.AddBackend(wikipedia.New(cfg.WikipediaLang))
	a.info.AddBackend(lrclib.NewClient())

	for _, rc := range cfg.EnabledResolvers() {
		if err := a.addResolver(rc, dz); err != nil {
			a.close()
			return nil, err
		}
	}
	return a, nil
}

func (a *app) setupFileLog(name string) {
	if err := os.MkdirAll(a.cfg.LogDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "[WARN] Failed to create log directory: %v\n", err)
		return
	}
	logFile := filepath.Join(a.cfg.LogDir, fmt.Sprintf("resolvd-%s_%s.log", name, time.Now().Format("2006-01-02_15-04-05")))
	if err := a.log.SetFileLog(logFile); err != nil {
		fmt.Fprintf(os.Stderr, "[WARN] Failed to setup file logging: %v\n", err)
		return
	}
	a.log.Debug("Logging to file: %s", logFile)
}

type capableResolver interface {
	pipeline.Resolver
	Capabilities() registry.Capability
}

func (a *app) addResolver(rc config.ResolverConfig, dz *deezer.Client) error {
	var r capableResolver
	switch rc.Name {
	case config.ResolverCollection:
		c := library.NewCollection(a.store)
		d := c.Descriptor()
		d.Priority, d.Weight, d.Capacity = rc.Priority, rc.Weight, rc.Capacity
		return a.register(d, c)
	case config.ResolverDeezer:
		r = dz
	case config.ResolverITunes:
		r = itunes.New(a.cfg.Market)
	case config.ResolverMusicBrainz:
		r = musicbrainz.New()
	case config.ResolverSpotify:
		sp, err := spotify.New(a.cfg.SpotifyClientID, a.cfg.SpotifyClientSecret, a.cfg.Market)
		if err != nil {
			return fmt.Errorf("resolver %s: %w", rc.Name, err)
		}
		r = sp
	default:
		return fmt.Errorf("unknown resolver %q", rc.Name)
	}

	return a.register(registry.Descriptor{
		ID:           rc.Name,
		Priority:     rc.Priority,
		Weight:       rc.Weight,
		Online:       true,
		Capacity:     rc.Capacity,
		Capabilities: r.Capabilities(),
	}, r)
}

func (a *app) register(d registry.Descriptor, r pipeline.Resolver) error {
	if err := a.pipeline.Add(d, r); err != nil {
		return fmt.Errorf("registering resolver %s: %w", d.ID, err)
	}
	a.log.Debug("Resolver %s registered (priority %d, weight %.2f, %s)", d.ID, d.Priority, d.Weight, d.Capabilities)
	return nil
}

// close stops signal handling and runs all cleanups once.
func (a *app) close() {
	a.stopSignals()
	a.sh.Shutdown()
}
