package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestConnectionString(t *testing.T) {
	cfg := DatabaseConfig{Host: "localhost", Port: 5432, User: "user", Password: "pass", Name: "db", SSLMode: "disable"}
	want := "host=localhost port=5432 user=user password=pass dbname=db sslmode=disable"
	if got := cfg.ConnectionString(); got != want {
		t.Fatalf("connection string mismatch: %s", got)
	}
}

func TestConnectionString_EmptyFields(t *testing.T) {
	cfg := DatabaseConfig{}
	want := "host= port=0 user= password= dbname= sslmode="
	if got := cfg.ConnectionString(); got != want {
		t.Fatalf("connection string mismatch: %s", got)
	}
}

func TestLoadFromFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"server":{"host":"127.0.0.1"}}`), 0644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Server.Host != "127.0.0.1" {
		t.Fatalf("expected server host override, got %s", cfg.Server.Host)
	}
}

func TestLoadHandlesMissingFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", "non-existent.yaml")
	t.Setenv("SERVER_PORT", "8080")
	if _, err := Load(); err != nil {
		t.Fatalf("load should ignore missing file: %v", err)
	}
}

func TestNew(t *testing.T) {
	cfg := New()
	if cfg == nil {
		t.Fatal("New() should return non-nil config")
	}

	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("expected default host 0.0.0.0, got %s", cfg.Server.Host)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Database.Driver != "postgres" {
		t.Errorf("expected default driver postgres, got %s", cfg.Database.Driver)
	}
	if cfg.Batch.WindowMs != 2000 {
		t.Errorf("expected default batch window 2000ms, got %d", cfg.Batch.WindowMs)
	}
	if cfg.Batch.MaxSize != 100 {
		t.Errorf("expected default batch max size 100, got %d", cfg.Batch.MaxSize)
	}
	if cfg.Cache.TopNSize != 100 {
		t.Errorf("expected default top N size 100, got %d", cfg.Cache.TopNSize)
	}
	if cfg.Cache.AroundMeRange != 10 {
		t.Errorf("expected default around-me range 10, got %d", cfg.Cache.AroundMeRange)
	}
	if cfg.WebSocket.MaxMessageBytes != 65536 {
		t.Errorf("expected default ws max message bytes 65536, got %d", cfg.WebSocket.MaxMessageBytes)
	}
	if cfg.WebSocket.HeartbeatTimeoutMs != 90000 {
		t.Errorf("expected default heartbeat timeout 90000ms, got %d", cfg.WebSocket.HeartbeatTimeoutMs)
	}
	if cfg.WebSocket.MaxQueuePerClient != 50 {
		t.Errorf("expected default max queue per client 50, got %d", cfg.WebSocket.MaxQueuePerClient)
	}
	if cfg.JobQueue.RaceCompletionAttempts != 3 {
		t.Errorf("expected 3 race completion attempts, got %d", cfg.JobQueue.RaceCompletionAttempts)
	}
}

func TestLoadConfig_InvalidJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "invalid.json")
	if err := os.WriteFile(path, []byte(`{invalid json}`), 0644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	_, err := LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig("/nonexistent/path/config.json")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadFile_ValidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlContent := `
server:
  host: "192.168.1.1"
  port: 9000
database:
  host: "db.example.com"
  port: 5432
  user: "admin"
  password: "secret"
  name: "testdb"
  sslmode: "require"
logging:
  level: "debug"
  format: "json"
batch:
  batch_window_ms: 1500
  batch_max_size: 50
`
	if err := os.WriteFile(path, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile error: %v", err)
	}

	if cfg.Server.Host != "192.168.1.1" {
		t.Errorf("expected host 192.168.1.1, got %s", cfg.Server.Host)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Server.Port)
	}
	if cfg.Database.Host != "db.example.com" {
		t.Errorf("expected database host db.example.com, got %s", cfg.Database.Host)
	}
	if cfg.Database.SSLMode != "require" {
		t.Errorf("expected sslmode require, got %s", cfg.Database.SSLMode)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected log level debug, got %s", cfg.Logging.Level)
	}
	if cfg.Batch.WindowMs != 1500 {
		t.Errorf("expected batch window override 1500, got %d", cfg.Batch.WindowMs)
	}
}

func TestLoadFile_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "invalid.yaml")
	if err := os.WriteFile(path, []byte(`{not: valid: yaml:`), 0644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	_, err := LoadFile(path)
	if err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestLoadFile_MissingFile(t *testing.T) {
	cfg, err := LoadFile("/nonexistent/config.yaml")
	if err != nil {
		t.Fatalf("LoadFile should not error on missing file: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port, got %d", cfg.Server.Port)
	}
}

func TestLoad_WithEnvOverride(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("SERVER_HOST", "test.local")
	t.Setenv("SERVER_PORT", "3000")
	t.Setenv("DATABASE_HOST", "db.test.local")
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if cfg.Server.Host != "test.local" {
		t.Errorf("expected SERVER_HOST override test.local, got %s", cfg.Server.Host)
	}
	if cfg.Server.Port != 3000 {
		t.Errorf("expected SERVER_PORT override 3000, got %d", cfg.Server.Port)
	}
	if cfg.Database.Host != "db.test.local" {
		t.Errorf("expected DATABASE_HOST override db.test.local, got %s", cfg.Database.Host)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("expected LOG_LEVEL override warn, got %s", cfg.Logging.Level)
	}
}

func TestLoad_AppliesDatabaseURLEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlContent := `database: { dsn: "postgres://file-dsn" }`
	if err := os.WriteFile(path, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("DATABASE_URL", "postgres://env-dsn")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Database.DSN != "postgres://env-dsn" {
		t.Fatalf("expected DATABASE_URL override, got %q", cfg.Database.DSN)
	}
}

func TestLoadConfig_AllFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "full_config.json")
	jsonContent := `{
		"server": {"host": "test", "port": 5000},
		"database": {
			"driver": "postgres",
			"dsn": "postgres://localhost/test",
			"host": "db.local",
			"port": 5432,
			"user": "testuser",
			"password": "testpass",
			"name": "testdb",
			"sslmode": "disable",
			"max_open_conns": 20,
			"max_idle_conns": 10,
			"conn_max_lifetime": 600
		},
		"logging": {
			"level": "error",
			"format": "json",
			"output": "file",
			"file_prefix": "test-app"
		},
		"cache": {
			"top_n_size": 50,
			"around_me_range": 5
		}
	}`
	if err := os.WriteFile(path, []byte(jsonContent), 0644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}

	if cfg.Server.Host != "test" {
		t.Errorf("server host mismatch")
	}
	if cfg.Server.Port != 5000 {
		t.Errorf("server port mismatch")
	}
	if cfg.Database.DSN != "postgres://localhost/test" {
		t.Errorf("database dsn mismatch")
	}
	if cfg.Database.MaxOpenConns != 20 {
		t.Errorf("database max_open_conns mismatch")
	}
	if cfg.Logging.Level != "error" {
		t.Errorf("logging level mismatch")
	}
	if cfg.Logging.FilePrefix != "test-app" {
		t.Errorf("logging file_prefix mismatch")
	}
	if cfg.Cache.TopNSize != 50 {
		t.Errorf("cache top_n_size mismatch")
	}
	if cfg.Cache.AroundMeRange != 5 {
		t.Errorf("cache around_me_range mismatch")
	}
}
