package service_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/hazyhaar/chartrec/service"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chartrec.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigFile(t *testing.T) {
	path := writeConfig(t, `
db_path: /var/lib/chartrec/chartrec.db
listen: 127.0.0.1:9000
browser:
  pool_size: 4
  headless: true
auth:
  user: ops
  password_hash: $2a$10$abcdefghijklmnopqrstuv
`)
	cfg, err := service.LoadConfigFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DBPath != "/var/lib/chartrec/chartrec.db" {
		t.Fatalf("db_path: %q", cfg.DBPath)
	}
	if cfg.Listen != "127.0.0.1:9000" {
		t.Fatalf("listen: %q", cfg.Listen)
	}
	if cfg.Browser.PoolSize != 4 || !cfg.Browser.Headless {
		t.Fatalf("browser: %+v", cfg.Browser)
	}
	if cfg.Auth.User != "ops" || cfg.Auth.PasswordHash == "" {
		t.Fatalf("auth: %+v", cfg.Auth)
	}
}

func TestLoadIntoExtraSections(t *testing.T) {
	path := writeConfig(t, `
db_path: x.db
adapters:
  - name: mediportal
    list_url: https://portal.example/patients
    chart_url: https://portal.example/patients/%s/chart
`)
	var extra struct {
		Adapters []struct {
			Name string `yaml:"name"`
		} `yaml:"adapters"`
	}
	if err := service.LoadInto(path, &extra); err != nil {
		t.Fatal(err)
	}
	if len(extra.Adapters) != 1 || extra.Adapters[0].Name != "mediportal" {
		t.Fatalf("adapters: %+v", extra.Adapters)
	}
}

func TestLoadConfigFileMissing(t *testing.T) {
	if _, err := service.LoadConfigFile(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
