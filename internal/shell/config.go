package shell

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const DefaultVersion = "garuda-app-v1"

// DefaultManifest is the app shell cached on install.
var DefaultManifest = []string{
	"/",
	"/static/css/style.css",
	"/static/js/app.js",
	"/static/js/pwa.js",
	"/static/images/icon-192x192.png",
	"/static/images/icon-512x512.png",
	"/manifest.json",
}

type Config struct {
	Server struct {
		Port   int    `yaml:"port"`
		Origin string `yaml:"origin"`
	} `yaml:"server"`

	Cache struct {
		Version  string   `yaml:"version"`
		Manifest []string `yaml:"manifest"`
		MaxEntry string   `yaml:"maxEntry"`
		// BypassWhenCookies names session cookies whose requests skip the cache.
		BypassWhenCookies []string `yaml:"bypassWhenCookies"`

		maxEntryBytes int64
	} `yaml:"cache"`

	Storage struct {
		Driver string `yaml:"driver"`
		Path   string `yaml:"path"`
	} `yaml:"storage"`

	Install struct {
		RetryInitial    string `yaml:"retryInitial"`
		RetryMax        string `yaml:"retryMax"`
		RetryMaxElapsed string `yaml:"retryMaxElapsed"`

		retryInitialDur    time.Duration
		retryMaxDur        time.Duration
		retryMaxElapsedDur time.Duration
	} `yaml:"install"`

	Logging struct {
		StatsEvery string `yaml:"statsEvery"`

		statsEveryDur time.Duration
	} `yaml:"logging"`

	PWA struct {
		FallbackDelay string `yaml:"fallbackDelay"`
		ToastDuration string `yaml:"toastDuration"`

		fallbackDelayDur time.Duration
		toastDurationDur time.Duration
	} `yaml:"pwa"`

	originURL *url.URL
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

// ParseConfig decodes YAML, applies defaults and validates.
func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DefaultConfig returns a validated config pointing at origin.
func DefaultConfig(origin string) (Config, error) {
	var cfg Config
	cfg.Server.Origin = origin
	if err := cfg.normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) normalize() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	u, err := url.Parse(cfg.Server.Origin)
	if err != nil {
		return fmt.Errorf("server.origin: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return fmt.Errorf("server.origin: want absolute http(s) URL, got %q", cfg.Server.Origin)
	}
	cfg.originURL = u

	cfg.Cache.Version = strings.TrimSpace(cfg.Cache.Version)
	if cfg.Cache.Version == "" {
		cfg.Cache.Version = DefaultVersion
	}
	if len(cfg.Cache.Manifest) == 0 {
		cfg.Cache.Manifest = append([]string(nil), DefaultManifest...)
	}
	for i, p := range cfg.Cache.Manifest {
		p = strings.TrimSpace(p)
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("cache.manifest[%d]: want same-origin path, got %q", i, p)
		}
		cfg.Cache.Manifest[i] = p
	}
	names := cfg.Cache.BypassWhenCookies[:0]
	for _, n := range cfg.Cache.BypassWhenCookies {
		if n = strings.TrimSpace(n); n != "" {
			names = append(names, n)
		}
	}
	cfg.Cache.BypassWhenCookies = names
	if cfg.Cache.MaxEntry == "" {
		cfg.Cache.MaxEntry = "8mb"
	}
	n, err := parseBytes(cfg.Cache.MaxEntry)
	if err != nil {
		return fmt.Errorf("cache.maxEntry: %w", err)
	}
	cfg.Cache.maxEntryBytes = n

	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "memory"
	}
	if cfg.Storage.Driver == "leveldb" && cfg.Storage.Path == "" {
		cfg.Storage.Path = "./data/cache"
	}

	durs := []struct {
		key string
		raw string
		def time.Duration
		dst *time.Duration
	}{
		{"install.retryInitial", cfg.Install.RetryInitial, time.Second, &cfg.Install.retryInitialDur},
		{"install.retryMax", cfg.Install.RetryMax, 30 * time.Second, &cfg.Install.retryMaxDur},
		{"install.retryMaxElapsed", cfg.Install.RetryMaxElapsed, 5 * time.Minute, &cfg.Install.retryMaxElapsedDur},
		{"logging.statsEvery", cfg.Logging.StatsEvery, 0, &cfg.Logging.statsEveryDur},
		{"pwa.fallbackDelay", cfg.PWA.FallbackDelay, 3 * time.Second, &cfg.PWA.fallbackDelayDur},
		{"pwa.toastDuration", cfg.PWA.ToastDuration, 5 * time.Second, &cfg.PWA.toastDurationDur},
	}
	for _, d := range durs {
		if d.raw == "" {
			*d.dst = d.def
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
		if v < 0 {
			return fmt.Errorf("%s: negative duration", d.key)
		}
		*d.dst = v
	}
	return nil
}

func (cfg Config) OriginURL() *url.URL {
	u := *cfg.originURL
	return &u
}

func (cfg Config) MaxEntryBytes() int64 { return cfg.Cache.maxEntryBytes }

func (cfg Config) StatsEvery() time.Duration { return cfg.Logging.statsEveryDur }

func (cfg Config) FallbackDelay() time.Duration { return cfg.PWA.fallbackDelayDur }

func (cfg Config) ToastDuration() time.Duration { return cfg.PWA.toastDurationDur }
