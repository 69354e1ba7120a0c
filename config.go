package edge

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Modes the edge can run in.
const (
	ModeReverse = "reverse" // the browser talks to the edge, the edge forwards to Origin
	ModeForward = "forward" // the browser is configured to use the edge as its HTTP proxy
)

// Config is the edge configuration, stored as config.yaml in the config directory.
// Every key can be overridden from the environment with the HRCLOUD_ prefix,
// e.g. HRCLOUD_ORIGIN or HRCLOUD_API_PREFIX.
type Config struct {
	viper              *viper.Viper
	ConfigDir          string         `mapstructure:"config_dir"`
	Address            string         `mapstructure:"address"`             // Listen address
	Port               string         `mapstructure:"port"`                // Listen port
	Mode               string         `mapstructure:"mode"`                // reverse or forward
	Origin             string         `mapstructure:"origin"`              // Upstream the application is served from
	APIPrefix          string         `mapstructure:"api_prefix"`          // Reserved API path prefix
	ManifestPath       string         `mapstructure:"manifest_path"`       // Build manifest emitted by the bundler
	WatchManifest      bool           `mapstructure:"watch_manifest"`      // Deploy automatically when the manifest changes
	DatabasePath       string         `mapstructure:"database_path"`       // SQLite file, in-memory store when empty
	InstallConcurrency int            `mapstructure:"install_concurrency"` // Parallel asset fetches during install
	ChromeFingerprint  bool           `mapstructure:"chrome_fingerprint"`  // Use a Chrome TLS fingerprint upstream
	Scope              []string       `mapstructure:"scope"`               // Extra host patterns for forward mode
	ChromePath         string         `mapstructure:"chrome_path"`         // Browser opened by serve --open
	ManifestPoll       time.Duration  `mapstructure:"manifest_poll"`       // Poll interval when manifest_path is a URL
	OTelEndpoint       string         `mapstructure:"otel_endpoint"`       // OTLP/HTTP collector, tracing is off when empty
	TLSCertFile        string         `mapstructure:"tls_cert_file"`       // Serve TLS on the same port when set
	TLSKeyFile         string         `mapstructure:"tls_key_file"`
	WebApp             WebAppManifest `mapstructure:"webapp"`
}

// LoadConfig reads config.yaml from dir, creating the directory and a default file on first run.
func LoadConfig(dir string) (*Config, error) {
	_, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("checking if directory exists %s: %w", dir, err)
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("creating config dir %s: %w", dir, err)
		}
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)
	v.SetEnvPrefix("HRCLOUD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	webApp := DefaultWebAppManifest()
	v.SetDefault("address", "127.0.0.1")
	v.SetDefault("port", "5173")
	v.SetDefault("mode", ModeReverse)
	v.SetDefault("origin", "http://localhost:8080")
	v.SetDefault("api_prefix", DefaultAPIPrefix)
	v.SetDefault("manifest_path", filepath.Join(dir, "manifest.json"))
	v.SetDefault("watch_manifest", true)
	v.SetDefault("database_path", filepath.Join(dir, "edge.db"))
	v.SetDefault("install_concurrency", DefaultInstallConcurrency)
	v.SetDefault("chrome_fingerprint", false)
	v.SetDefault("scope", []string{})
	v.SetDefault("chrome_path", "")
	v.SetDefault("manifest_poll", DefaultManifestPoll)
	v.SetDefault("otel_endpoint", "")
	v.SetDefault("tls_cert_file", "")
	v.SetDefault("tls_key_file", "")
	v.SetDefault("webapp.name", webApp.Name)
	v.SetDefault("webapp.short_name", webApp.ShortName)
	v.SetDefault("webapp.description", webApp.Description)
	v.SetDefault("webapp.theme_color", webApp.ThemeColor)
	v.SetDefault("webapp.background_color", webApp.BackgroundColor)
	v.SetDefault("webapp.display", webApp.Display)
	v.SetDefault("webapp.start_url", webApp.StartURL)
	v.SetDefault("webapp.icons", webApp.Icons)

	err = v.ReadInConfig()
	if err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file : %w", err)
		}
		if err := v.SafeWriteConfig(); err != nil {
			return nil, fmt.Errorf("writing config file : %w", err)
		}
	}

	cfg := &Config{viper: v}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config to struct : %w", err)
	}
	cfg.ConfigDir = dir

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values that cannot be defaulted.
func (cfg *Config) Validate() error {
	if _, err := cfg.OriginURL(); err != nil {
		return err
	}
	switch cfg.Mode {
	case ModeReverse, ModeForward:
	default:
		return fmt.Errorf("invalid mode %q, expected %q or %q", cfg.Mode, ModeReverse, ModeForward)
	}
	if !strings.HasPrefix(cfg.APIPrefix, "/") {
		return fmt.Errorf("api_prefix %q must start with '/'", cfg.APIPrefix)
	}
	if cfg.ManifestPoll <= 0 {
		return fmt.Errorf("manifest_poll must be positive, got %s", cfg.ManifestPoll)
	}
	if (cfg.TLSCertFile == "") != (cfg.TLSKeyFile == "") {
		return errors.New("tls_cert_file and tls_key_file must be set together")
	}
	return nil
}

// OriginURL parses Origin, which must be scheme://host[:port] with no path.
func (cfg *Config) OriginURL() (*url.URL, error) {
	origin, err := url.Parse(cfg.Origin)
	if err != nil {
		return nil, fmt.Errorf("parsing origin %q: %w", cfg.Origin, err)
	}
	if err := checkOrigin(origin); err != nil {
		return nil, err
	}
	return origin, nil
}

// Set updates a key and persists the file.
func (cfg *Config) Set(key string, value any) error {
	cfg.viper.Set(key, value)
	if err := cfg.viper.WriteConfig(); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}
	if err := cfg.viper.Unmarshal(cfg); err != nil {
		return fmt.Errorf("unmarshalling config to struct : %w", err)
	}
	return nil
}
