package reqstats

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danweinerdev/go-reqstats/clientpool"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Global.PollInterval.Duration != 60*time.Second {
		t.Errorf("PollInterval = %v, want 60s", cfg.Global.PollInterval.Duration)
	}
	if cfg.Global.CallTimeout.Duration != 10*time.Second {
		t.Errorf("CallTimeout = %v, want 10s", cfg.Global.CallTimeout.Duration)
	}
	if cfg.Global.WriteTimeout.Duration != 30*time.Second {
		t.Errorf("WriteTimeout = %v, want 30s", cfg.Global.WriteTimeout.Duration)
	}
	if cfg.Global.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.Global.LogLevel, "info")
	}
	if cfg.Global.RetryAttempts != 3 {
		t.Errorf("RetryAttempts = %d, want 3", cfg.Global.RetryAttempts)
	}
	if cfg.Reconnect.Factor != math.E {
		t.Errorf("Reconnect.Factor = %v, want e", cfg.Reconnect.Factor)
	}
	if cfg.Reconnect.MaxDelay.Duration != 5*time.Minute {
		t.Errorf("Reconnect.MaxDelay = %v, want 5m", cfg.Reconnect.MaxDelay.Duration)
	}
	if cfg.InfluxDB.Enabled || cfg.Prometheus.Enabled || cfg.Redis.Enabled {
		t.Error("storage backends should be disabled by default")
	}
	if cfg.Prometheus.Port != 9090 {
		t.Errorf("Prometheus.Port = %d, want 9090", cfg.Prometheus.Port)
	}
	if cfg.Prometheus.Path != "/metrics" {
		t.Errorf("Prometheus.Path = %q, want %q", cfg.Prometheus.Path, "/metrics")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("DefaultConfig().Validate() = %v", err)
	}
}

func TestLoadConfig(t *testing.T) {
	content := `
[global]
poll_interval = "30s"
call_timeout = "2s"
write_timeout = "5s"
max_in_flight = 8
log_level = "debug"
retry_attempts = 5
retry_delay = "2s"

[log_file]
path = "/var/log/reqstats.log"
max_size_mb = 10
compress = true

[reconnect]
initial_delay = "500ms"
max_delay = "1m"
factor = 2.0
jitter = 0.0
dial_timeout = "3s"

[servers]
web2 = "10.0.0.2:8123"
web1 = "10.0.0.1:8123"

[influxdb]
enabled = true
url = "http://localhost:8086"
token = "my-token"
org = "my-org"
bucket = "my-bucket"

[prometheus]
enabled = true
port = 9191
path = "/metrics"
buckets = [0.01, 0.1, 1.0]

[redis]
enabled = true
address = "redis:6379"
db = 2
stream = "stats"
max_len = 10000
`
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile error: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}

	if cfg.Global.PollInterval.Duration != 30*time.Second {
		t.Errorf("PollInterval = %v, want 30s", cfg.Global.PollInterval.Duration)
	}
	if cfg.Global.CallTimeout.Duration != 2*time.Second {
		t.Errorf("CallTimeout = %v, want 2s", cfg.Global.CallTimeout.Duration)
	}
	if cfg.Global.MaxInFlight != 8 {
		t.Errorf("MaxInFlight = %d, want 8", cfg.Global.MaxInFlight)
	}
	if cfg.Global.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.Global.LogLevel, "debug")
	}
	if cfg.Global.RetryAttempts != 5 {
		t.Errorf("RetryAttempts = %d, want 5", cfg.Global.RetryAttempts)
	}
	if cfg.LogFile.Path != "/var/log/reqstats.log" || !cfg.LogFile.Compress {
		t.Errorf("LogFile = %+v", cfg.LogFile)
	}
	if cfg.LogFile.MaxBackups != 3 {
		t.Errorf("LogFile.MaxBackups = %d, want default 3", cfg.LogFile.MaxBackups)
	}
	if cfg.Reconnect.Jitter != 0 {
		t.Errorf("Reconnect.Jitter = %v, want 0", cfg.Reconnect.Jitter)
	}

	targets := cfg.Targets()
	want := []clientpool.Target{
		{Name: "web1", Address: "10.0.0.1:8123"},
		{Name: "web2", Address: "10.0.0.2:8123"},
	}
	if len(targets) != len(want) || targets[0] != want[0] || targets[1] != want[1] {
		t.Errorf("Targets() = %v, want %v", targets, want)
	}

	if !cfg.InfluxDB.Enabled || cfg.InfluxDB.Token != "my-token" {
		t.Errorf("InfluxDB = %+v", cfg.InfluxDB)
	}
	if cfg.Prometheus.Port != 9191 || len(cfg.Prometheus.Buckets) != 3 {
		t.Errorf("Prometheus = %+v", cfg.Prometheus)
	}
	if cfg.Redis.Address != "redis:6379" || cfg.Redis.DB != 2 || cfg.Redis.MaxLen != 10000 {
		t.Errorf("Redis = %+v", cfg.Redis)
	}
}

func TestReconnectPoolConfig(t *testing.T) {
	r := ReconnectConfig{
		InitialDelay: Duration{time.Second},
		MaxDelay:     Duration{time.Minute},
		Factor:       2,
		Jitter:       0.1,
		DialTimeout:  Duration{3 * time.Second},
	}
	got := r.PoolConfig()
	if got.InitialDelay != time.Second || got.MaxDelay != time.Minute ||
		got.Factor != 2 || got.Jitter != 0.1 || got.DialTimeout != 3*time.Second {
		t.Errorf("PoolConfig() = %+v", got)
	}
}

func TestLoadConfigFromString(t *testing.T) {
	data := `
[global]
poll_interval = "15s"
log_level = "warn"
`
	cfg, err := LoadConfigFromString(data)
	if err != nil {
		t.Fatalf("LoadConfigFromString() error: %v", err)
	}

	if cfg.Global.PollInterval.Duration != 15*time.Second {
		t.Errorf("PollInterval = %v, want 15s", cfg.Global.PollInterval.Duration)
	}
	if cfg.Global.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want %q", cfg.Global.LogLevel, "warn")
	}
}

func TestLoadConfigUnknownKey(t *testing.T) {
	_, err := LoadConfigFromString(`
[global]
batch_size = 10
`)
	if err == nil {
		t.Fatal("LoadConfigFromString() should reject unknown keys")
	}
	if !strings.Contains(err.Error(), "global.batch_size") {
		t.Errorf("error = %q, should name the unknown key", err)
	}
}

func TestLoadConfigFileNotFound(t *testing.T) {
	_, err := LoadConfig("/nonexistent/config.toml")
	if err == nil {
		t.Error("LoadConfig() should error for missing file")
	}
}

func TestLoadConfigInvalidTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("invalid toml [[["), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := LoadConfig(path)
	if err == nil {
		t.Error("LoadConfig() should error for invalid TOML")
	}
}

func TestDurationUnmarshalText(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte("5s")); err != nil {
		t.Fatalf("UnmarshalText() error: %v", err)
	}
	if d.Duration != 5*time.Second {
		t.Errorf("Duration = %v, want 5s", d.Duration)
	}
	if err := d.UnmarshalText([]byte("soon")); err == nil {
		t.Error("UnmarshalText() should reject an invalid duration")
	}
}

func TestDurationMarshalText(t *testing.T) {
	d := Duration{30 * time.Second}
	text, err := d.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText() error: %v", err)
	}
	if string(text) != "30s" {
		t.Errorf("MarshalText() = %q, want %q", string(text), "30s")
	}
}

func TestValidationErrors(t *testing.T) {
	cfg := &Config{
		Global: GlobalConfig{
			PollInterval: Duration{0},
			LogLevel:     "invalid",
		},
	}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() should return error for invalid config")
	}

	var errs ValidationErrors
	if !errors.As(err, &errs) {
		t.Fatalf("Error should be ValidationErrors, got %T", err)
	}

	// poll_interval, call_timeout, write_timeout, retry_attempts, log_level,
	// and the zero reconnect section.
	if len(errs) < 5 {
		t.Errorf("Expected at least 5 validation errors, got %d: %v", len(errs), errs)
	}
	if !strings.HasPrefix(errs.Error(), "multiple validation errors") {
		t.Errorf("Error() = %q", errs.Error())
	}
}

func TestValidationErrorSingle(t *testing.T) {
	errs := ValidationErrors{{Field: "global.log_level", Message: "bad"}}
	if got := errs.Error(); got != "global.log_level: bad" {
		t.Errorf("Error() = %q", got)
	}
}

func TestValidationServers(t *testing.T) {
	tests := []struct {
		addr    string
		wantErr bool
	}{
		{"10.0.0.1:8123", false},
		{"stats.internal:9000", false},
		{"[::1]:9000", false},
		{"10.0.0.1", true},
		{":9000", true},
		{"", true},
	}

	for _, tt := range tests {
		cfg := DefaultConfig()
		cfg.Servers = map[string]string{"web1": tt.addr}
		err := cfg.Validate()
		if (err != nil) != tt.wantErr {
			t.Errorf("Validate() with address %q error = %v, wantErr %v", tt.addr, err, tt.wantErr)
		}
	}
}

func TestValidationReconnect(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Reconnect.Factor = 1
	cfg.Reconnect.Jitter = 1
	cfg.Reconnect.MaxDelay = Duration{time.Millisecond}

	err := cfg.Validate()
	var errs ValidationErrors
	if !errors.As(err, &errs) {
		t.Fatalf("Validate() = %v, want ValidationErrors", err)
	}
	if len(errs) != 3 {
		t.Errorf("Expected 3 validation errors, got %d: %v", len(errs), errs)
	}
}

func TestValidationLogFile(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LogFile.MaxSizeMB = 0
	if err := cfg.Validate(); err != nil {
		t.Errorf("log_file settings should be ignored without a path: %v", err)
	}

	cfg.LogFile.Path = "/tmp/reqstats.log"
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() should reject max_size_mb = 0 with a log path")
	}
}

func TestValidationInfluxDBRequired(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InfluxDB.Enabled = true

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() should error when InfluxDB enabled with empty fields")
	}

	errs := err.(ValidationErrors)
	if len(errs) != 4 {
		t.Errorf("Expected 4 validation errors (url, token, org, bucket), got %d: %v", len(errs), errs)
	}
}

func TestValidationPrometheusRequired(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Prometheus.Enabled = true
	cfg.Prometheus.Port = 0
	cfg.Prometheus.Path = ""

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() should error when Prometheus enabled with invalid fields")
	}

	errs := err.(ValidationErrors)
	if len(errs) < 2 {
		t.Errorf("Expected at least 2 validation errors, got %d: %v", len(errs), errs)
	}
}

func TestValidationPrometheusPathPrefix(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Prometheus.Enabled = true
	cfg.Prometheus.Path = "metrics"

	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() should error when Prometheus path doesn't start with /")
	}
}

func TestValidationPrometheusBuckets(t *testing.T) {
	tests := []struct {
		buckets []float64
		wantErr bool
	}{
		{nil, false},
		{[]float64{0.1, 0.5, 1}, false},
		{[]float64{0.5, 0.1}, true},
		{[]float64{0.1, 0.1}, true},
	}

	for _, tt := range tests {
		cfg := DefaultConfig()
		cfg.Prometheus.Enabled = true
		cfg.Prometheus.Buckets = tt.buckets
		err := cfg.Validate()
		if (err != nil) != tt.wantErr {
			t.Errorf("Validate() with buckets %v error = %v, wantErr %v", tt.buckets, err, tt.wantErr)
		}
	}
}

func TestValidationRedisRequired(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Redis.Enabled = true
	cfg.Redis.Address = ""
	cfg.Redis.Stream = ""
	cfg.Redis.MaxLen = -1

	err := cfg.Validate()
	var errs ValidationErrors
	if !errors.As(err, &errs) {
		t.Fatalf("Validate() = %v, want ValidationErrors", err)
	}
	if len(errs) != 3 {
		t.Errorf("Expected 3 validation errors, got %d: %v", len(errs), errs)
	}
}

func TestValidationDisabledBackendsSkipped(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Redis.Address = ""
	cfg.Prometheus.Path = ""
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() should skip disabled backends, got %v", err)
	}
}
