package edge

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadConfig(t *testing.T) {
	t.Run("writes defaults on first run", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "hrcloud")

		cfg, err := LoadConfig(dir)
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
		if _, err := os.Stat(filepath.Join(dir, "config.yaml")); err != nil {
			t.Fatalf("\nwanted:\nconfig.yaml written\ngot:\n%v", err)
		}

		if cfg.Origin != "http://localhost:8080" {
			t.Fatalf("\nwanted:\nhttp://localhost:8080\ngot:\n%s", cfg.Origin)
		}
		if cfg.APIPrefix != DefaultAPIPrefix || cfg.Mode != ModeReverse {
			t.Fatalf("\nwanted:\n%s %s\ngot:\n%s %s", DefaultAPIPrefix, ModeReverse, cfg.APIPrefix, cfg.Mode)
		}
		if cfg.DatabasePath != filepath.Join(dir, "edge.db") {
			t.Fatalf("\nwanted:\n%s\ngot:\n%s", filepath.Join(dir, "edge.db"), cfg.DatabasePath)
		}
		if cfg.ManifestPoll != DefaultManifestPoll {
			t.Fatalf("\nwanted:\n%s\ngot:\n%s", DefaultManifestPoll, cfg.ManifestPoll)
		}
		if cfg.WebApp.Name != "Ham Radio Cloud" || len(cfg.WebApp.Icons) != 2 {
			t.Fatalf("\nwanted:\nHam Radio Cloud with 2 icons\ngot:\n%+v", cfg.WebApp)
		}
	})

	t.Run("reads an existing file", func(t *testing.T) {
		dir := t.TempDir()
		content := "origin: http://logbook.internal:9000\nmode: forward\ninstall_concurrency: 4\n" +
			"manifest_poll: 30s\nscope:\n  - cdn\\.hrcloud\\.test\n"
		if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0600); err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}

		cfg, err := LoadConfig(dir)
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
		if cfg.Origin != "http://logbook.internal:9000" || cfg.Mode != ModeForward || cfg.InstallConcurrency != 4 {
			t.Fatalf("\nwanted:\nvalues from file\ngot:\n%+v", cfg)
		}
		if cfg.ManifestPoll != 30*time.Second || len(cfg.Scope) != 1 {
			t.Fatalf("\nwanted:\n30s and one scope pattern\ngot:\n%s %v", cfg.ManifestPoll, cfg.Scope)
		}
		if cfg.Port != "5173" {
			t.Fatalf("\nwanted:\n5173\ngot:\n%s", cfg.Port)
		}
	})

	t.Run("environment overrides the file", func(t *testing.T) {
		t.Setenv("HRCLOUD_API_PREFIX", "/v2/api/")

		cfg, err := LoadConfig(t.TempDir())
		if err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
		if cfg.APIPrefix != "/v2/api/" {
			t.Fatalf("\nwanted:\n/v2/api/\ngot:\n%s", cfg.APIPrefix)
		}
	})

	t.Run("invalid values are rejected", func(t *testing.T) {
		tests := map[string]string{
			"relative origin": "origin: logbook\n",
			"origin path":     "origin: http://logbook.internal/app\n",
			"unknown mode":    "mode: socks\n",
			"api prefix":      "api_prefix: api\n",
			"half tls":        "tls_cert_file: cert.pem\n",
			"zero poll":       "manifest_poll: 0s\n",
		}
		for name, content := range tests {
			t.Run(name, func(t *testing.T) {
				dir := t.TempDir()
				if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0600); err != nil {
					t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
				}
				if _, err := LoadConfig(dir); err == nil {
					t.Fatalf("\nwanted:\nerror\ngot:\nnil")
				}
			})
		}
	})
}

func TestConfig_Set(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
	}

	if err := cfg.Set("origin", "http://10.0.0.5:8080"); err != nil {
		t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
	}
	if cfg.Origin != "http://10.0.0.5:8080" {
		t.Fatalf("\nwanted:\nhttp://10.0.0.5:8080\ngot:\n%s", cfg.Origin)
	}

	content, err := os.ReadFile(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
	}
	if !strings.Contains(string(content), "http://10.0.0.5:8080") {
		t.Fatalf("\nwanted:\norigin persisted\ngot:\n%s", content)
	}
}
