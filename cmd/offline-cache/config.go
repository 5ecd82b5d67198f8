package main

import (
	"flag"
	"fmt"
	"net/url"
	"os"
	"time"

	offlinecache "github.com/always-cache/offline-cache"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is read from (in increasing precedence) the built-in defaults,
// the YAML config file, OFFLINE_CACHE_* environment variables and the command line.
type Config struct {
	Origin           string             `yaml:"origin" env:"ORIGIN"`
	Addr             string             `yaml:"addr" env:"ADDR"`
	Host             string             `yaml:"host" env:"HOST"`
	Port             int                `yaml:"port" env:"PORT"`
	DB               string             `yaml:"db" env:"DB"`
	QueueDB          string             `yaml:"queueDb" env:"QUEUE_DB"`
	AssetStore       string             `yaml:"assetStore" env:"ASSET_STORE"`
	APIStore         string             `yaml:"apiStore" env:"API_STORE"`
	Freshness        time.Duration      `yaml:"freshness" env:"FRESHNESS"`
	Prewarm          []string           `yaml:"prewarm" env:"PREWARM" envSeparator:","`
	FallbackDocument string             `yaml:"fallbackDocument" env:"FALLBACK_DOCUMENT"`
	SyncInterval     time.Duration      `yaml:"syncInterval" env:"SYNC_INTERVAL"`
	LogFile          string             `yaml:"logFile" env:"LOG_FILE"`
	Rules            offlinecache.Rules `yaml:"rules"`
}

const envPrefix = "OFFLINE_CACHE_"

func defaultConfig() Config {
	return Config{
		Port:             8080,
		DB:               "cache.db",
		QueueDB:          "queue.db",
		AssetStore:       offlinecache.DefaultAssetStore,
		APIStore:         offlinecache.DefaultAPIStore,
		Freshness:        offlinecache.DefaultFreshness,
		Prewarm:          offlinecache.DefaultPrewarm,
		FallbackDocument: offlinecache.DefaultFallbackDocument,
		Rules:            offlinecache.DefaultRules(),
		SyncInterval:     time.Minute,
	}
}

// loadConfig applies the config file (if any) and the environment on top of the defaults.
// If environ is nil, the process environment is used.
func loadConfig(filename string, environ map[string]string) (Config, error) {
	config := defaultConfig()
	if filename != "" {
		configBytes, err := os.ReadFile(filename)
		if err != nil {
			return config, err
		}
		if err := yaml.Unmarshal(configBytes, &config); err != nil {
			return config, fmt.Errorf("parse %s: %w", filename, err)
		}
	}
	if err := env.ParseWithOptions(&config, env.Options{
		Prefix:      envPrefix,
		Environment: environ,
	}); err != nil {
		return config, fmt.Errorf("parse env: %w", err)
	}
	return config, nil
}

// originURL returns the origin to proxy to and the hostname to use for it.
// An origin URL wins over an address; an address is always reached over https.
func (c Config) originURL() (url.URL, string, error) {
	switch {
	case c.Origin != "":
		originURL, err := url.Parse(c.Origin)
		if err != nil {
			return url.URL{}, "", err
		}
		if originURL.Host == "" {
			return url.URL{}, "", fmt.Errorf("origin %q has no host", c.Origin)
		}
		return *originURL, "", nil
	case c.Addr != "":
		originURL, err := url.Parse("https://" + c.Addr)
		if err != nil {
			return url.URL{}, "", err
		}
		return *originURL, c.Host, nil
	default:
		return url.URL{}, "", fmt.Errorf("please specify origin")
	}
}

// sqliteFilename maps the "memory" db name to a named shared in-memory database.
func sqliteFilename(filename, name string) string {
	if filename == "memory" {
		return "file:" + name + "?mode=memory&cache=shared"
	}
	return filename
}

type cliFlags struct {
	config       string
	origin       string
	addr         string
	host         string
	port         int
	db           string
	queueDB      string
	syncInterval time.Duration
	trace        bool
	logFile      string
}

func parseFlags(name string, args []string, errorHandling flag.ErrorHandling) (cliFlags, *flag.FlagSet, error) {
	var f cliFlags
	fs := flag.NewFlagSet(name, errorHandling)
	fs.StringVar(&f.config, "config", "", "Path to config file")
	fs.StringVar(&f.origin, "origin", "", "Origin URL to proxy to (overrides addr and host)")
	fs.StringVar(&f.addr, "addr", "", "Origin IP address to proxy to")
	fs.StringVar(&f.host, "host", "", "Hostname of origin")
	fs.IntVar(&f.port, "port", 8080, "Port to listen on")
	fs.StringVar(&f.db, "db", "cache.db", "Cache DB file name (use 'memory' for in-memory db)")
	fs.StringVar(&f.queueDB, "queue-db", "queue.db", "Submission queue DB file name (use 'memory' for in-memory db)")
	fs.DurationVar(&f.syncInterval, "sync-interval", time.Minute, "Interval of the background submission sync (0 disables it)")
	fs.BoolVar(&f.trace, "vv", false, "Verbosity: trace logging")
	fs.StringVar(&f.logFile, "log-file", "", "Log file to use (in addition to stdout)")
	err := fs.Parse(args)
	return f, fs, err
}

// apply overrides the config with the flags given on the command line.
func (f cliFlags) apply(config *Config, fs *flag.FlagSet) {
	fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "origin":
			config.Origin = f.origin
		case "addr":
			config.Addr = f.addr
		case "host":
			config.Host = f.host
		case "port":
			config.Port = f.port
		case "db":
			config.DB = f.db
		case "queue-db":
			config.QueueDB = f.queueDB
		case "sync-interval":
			config.SyncInterval = f.syncInterval
		case "log-file":
			config.LogFile = f.logFile
		}
	})
}
