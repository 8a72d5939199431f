package offline0

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
		Diag    bool   `yaml:"diag"`
	} `yaml:"app"`

	Server struct {
		Port        int    `yaml:"port"`
		Origin      string `yaml:"origin"`
		AdminPrefix string `yaml:"adminPrefix"`
		Timeout     string `yaml:"timeout"`
	} `yaml:"server"`

	Storage struct {
		Path     string `yaml:"path"`
		Quota    string `yaml:"quota"`
		Platform string `yaml:"platform"`
		Fallback struct {
			Mobile  string `yaml:"mobile"`
			General string `yaml:"general"`
		} `yaml:"fallback"`
	} `yaml:"storage"`

	Thresholds Thresholds `yaml:"thresholds"`

	Classify struct {
		VideoHosts          []string `yaml:"videoHosts"`
		VideoPaths          []string `yaml:"videoPaths"`
		LargeImagePaths     []string `yaml:"largeImagePaths"`
		ThumbnailPaths      []string `yaml:"thumbnailPaths"`
		ThumbnailImageHints []string `yaml:"thumbnailImageHints"`
	} `yaml:"classify"`

	Manifest struct {
		Critical []string `yaml:"critical"`
		High     []string `yaml:"high"`
		Medium   []string `yaml:"medium"`
	} `yaml:"manifest"`

	Prewarm []string `yaml:"prewarm"`

	// Requests carrying any of these cookies (or Authorization) skip the cache.
	BypassWhenCookies []string `yaml:"bypassWhenCookies"`

	Install struct {
		Concurrency int `yaml:"concurrency"`
	} `yaml:"install"`

	Logging struct {
		StatsEvery string `yaml:"statsEvery"`
	} `yaml:"logging"`

	Metrics struct {
		Disabled  bool   `yaml:"disabled"`
		Namespace string `yaml:"namespace"`
	} `yaml:"metrics"`

	// compiled
	quota      int64
	fallback   FallbackCeilings
	platform   Platform
	timeout    time.Duration
	statsEvery time.Duration
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

func ParseConfig(b []byte) (Config, error) {
	// Defaults go in before decoding so an explicit 0 survives.
	cfg := Config{Thresholds: DefaultThresholds()}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) compile() error {
	if _, err := NewGeneration(cfg.App.Name, cfg.App.Version); err != nil {
		return err
	}

	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origin == "" {
		return fmt.Errorf("%w: server.origin is required", ErrInvalidConfig)
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	if cfg.Server.AdminPrefix == "" {
		cfg.Server.AdminPrefix = "/_offline0"
	}
	cfg.Server.AdminPrefix = "/" + strings.Trim(cfg.Server.AdminPrefix, "/")
	cfg.timeout = 30 * time.Second
	if cfg.Server.Timeout != "" {
		d, err := time.ParseDuration(cfg.Server.Timeout)
		if err != nil {
			return fmt.Errorf("%w: server.timeout: %v", ErrInvalidConfig, err)
		}
		cfg.timeout = d
	}

	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "./data/leveldb"
	}
	q, err := parseQuota(cfg.Storage.Quota)
	if err != nil {
		return fmt.Errorf("%w: storage.quota: %v", ErrInvalidConfig, err)
	}
	cfg.quota = q
	if cfg.platform, err = ParsePlatform(cfg.Storage.Platform); err != nil {
		return err
	}
	cfg.fallback = DefaultFallbackCeilings()
	if s := cfg.Storage.Fallback.Mobile; s != "" {
		if cfg.fallback.Mobile, err = parseBytes(s); err != nil {
			return fmt.Errorf("%w: storage.fallback.mobile: %v", ErrInvalidConfig, err)
		}
	}
	if s := cfg.Storage.Fallback.General; s != "" {
		if cfg.fallback.General, err = parseBytes(s); err != nil {
			return fmt.Errorf("%w: storage.fallback.general: %v", ErrInvalidConfig, err)
		}
	}

	if err := cfg.Thresholds.Validate(); err != nil {
		return err
	}

	for name, list := range map[string][]string{
		"manifest.critical": cfg.Manifest.Critical,
		"manifest.high":     cfg.Manifest.High,
		"manifest.medium":   cfg.Manifest.Medium,
		"prewarm":           cfg.Prewarm,
		"bypassWhenCookies": cfg.BypassWhenCookies,
	} {
		for i, v := range list {
			if strings.TrimSpace(v) == "" {
				return fmt.Errorf("%w: %s[%d] is empty", ErrInvalidConfig, name, i)
			}
		}
	}
	for i, u := range cfg.Prewarm {
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return fmt.Errorf("%w: prewarm[%d] must be an absolute URL", ErrInvalidConfig, i)
		}
	}

	if cfg.Install.Concurrency <= 0 {
		cfg.Install.Concurrency = 4
	}

	cfg.statsEvery = 30 * time.Second
	if cfg.Logging.StatsEvery != "" {
		d, err := time.ParseDuration(cfg.Logging.StatsEvery)
		if err != nil {
			return fmt.Errorf("%w: logging.statsEvery: %v", ErrInvalidConfig, err)
		}
		cfg.statsEvery = d
	}
	return nil
}

// Quota is the store quota in bytes, QuotaAuto, or 0 when not configured.
func (cfg Config) Quota() int64 { return cfg.quota }

func (cfg Config) Timeout() time.Duration { return cfg.timeout }

// StatsEvery is the usage log period; 0 disables it.
func (cfg Config) StatsEvery() time.Duration { return cfg.statsEvery }

// Policy builds the immutable controller policy.
func (cfg Config) Policy() (Policy, error) {
	gen, err := NewGeneration(cfg.App.Name, cfg.App.Version)
	if err != nil {
		return Policy{}, err
	}
	patterns := DefaultPatterns()
	orDefault := func(v, def []string) []string {
		if v == nil {
			return def
		}
		return v
	}
	patterns.VideoHosts = orDefault(cfg.Classify.VideoHosts, patterns.VideoHosts)
	patterns.VideoPaths = orDefault(cfg.Classify.VideoPaths, patterns.VideoPaths)
	patterns.LargeImagePaths = orDefault(cfg.Classify.LargeImagePaths, patterns.LargeImagePaths)
	patterns.ThumbnailPaths = orDefault(cfg.Classify.ThumbnailPaths, patterns.ThumbnailPaths)
	patterns.ThumbnailImageHints = orDefault(cfg.Classify.ThumbnailImageHints, patterns.ThumbnailImageHints)

	return Policy{
		Generation: gen,
		Origin:     cfg.Server.Origin,
		Manifest: Manifest{
			Critical: append([]string(nil), cfg.Manifest.Critical...),
			High:     append([]string(nil), cfg.Manifest.High...),
			Medium:   append([]string(nil), cfg.Manifest.Medium...),
		},
		Patterns:           patterns,
		Thresholds:         cfg.Thresholds,
		Fallback:           cfg.fallback,
		Platform:           cfg.platform,
		Prewarm:            append([]string(nil), cfg.Prewarm...),
		InstallConcurrency: cfg.Install.Concurrency,
		BypassCookies:      append([]string(nil), cfg.BypassWhenCookies...),
		Diag:               cfg.App.Diag,
	}, nil
}
