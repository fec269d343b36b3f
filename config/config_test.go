package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func networkConfig() Config {
	cfg := Default()
	cfg.Host = "pacs.local"
	cfg.CalledAETitle = "ORTHANC"
	return cfg
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pacsman.yaml")
	yaml := `
backend: protocol-library
host: pacs.local
port: 4242
called_ae_title: ORTHANC
retrieve_timeout: 90s
workers: 4
retry:
  attempts: 5
  timeout_padding: 30s
log:
  level: debug
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PACSMAN_PORT", "11112")
	t.Setenv("PACSMAN_CONNECT_TIMEOUT", "5")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Backend != BackendProtocolLibrary {
		t.Errorf("Backend = %q, want %q", cfg.Backend, BackendProtocolLibrary)
	}
	if cfg.Port != 11112 {
		t.Errorf("Port = %d, want 11112 (env override)", cfg.Port)
	}
	if cfg.RetrieveTimeout != 90*time.Second {
		t.Errorf("RetrieveTimeout = %v, want 90s", cfg.RetrieveTimeout)
	}
	if cfg.ConnectTimeout != 5*time.Second {
		t.Errorf("ConnectTimeout = %v, want 5s", cfg.ConnectTimeout)
	}
	if cfg.Retry.Attempts != 5 || cfg.Retry.TimeoutPadding != 30*time.Second {
		t.Errorf("Retry = %+v", cfg.Retry)
	}
	if cfg.Retry.Multiplier != 2 {
		t.Errorf("Multiplier = %v, want default 2", cfg.Retry.Multiplier)
	}
	if cfg.CallingAETitle != "PACSMAN" {
		t.Errorf("CallingAETitle = %q, want default PACSMAN", cfg.CallingAETitle)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate failed: %v", err)
	}
}

func TestLoad_Errors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected error for missing file")
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	os.WriteFile(path, []byte("port: [1, 2"), 0o644)
	if _, err := Load(path); err == nil {
		t.Error("Expected error for malformed YAML")
	}
}

func TestParseDurationEnv(t *testing.T) {
	tests := []struct {
		value string
		want  time.Duration
	}{
		{"", time.Minute},
		{"30", 30 * time.Second},
		{"1m30s", 90 * time.Second},
		{"250ms", 250 * time.Millisecond},
		{"soon", time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv("PACSMAN_TEST_DURATION", tt.value)
			if got := ParseDurationEnv("PACSMAN_TEST_DURATION", time.Minute); got != tt.want {
				t.Errorf("ParseDurationEnv(%q) = %v, want %v", tt.value, got, tt.want)
			}
		})
	}
}

func TestParseBoolEnv(t *testing.T) {
	tests := []struct {
		value string
		want  bool
	}{
		{"yes", true},
		{"ON", true},
		{"0", false},
		{"maybe", true},
		{"", true},
	}
	for _, tt := range tests {
		t.Setenv("PACSMAN_TEST_BOOL", tt.value)
		if got := ParseBoolEnv("PACSMAN_TEST_BOOL", true); got != tt.want {
			t.Errorf("ParseBoolEnv(%q) = %v, want %v", tt.value, got, tt.want)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(*Config)
		wantFields []string
	}{
		{"valid network toolkit", func(c *Config) {}, nil},
		{"valid filesystem", func(c *Config) {
			*c = Default()
			c.Backend = BackendFilesystem
			c.Root = "/data/dicom"
		}, nil},
		{"unknown backend", func(c *Config) { c.Backend = "dcm4che" }, []string{"backend"}},
		{"missing backend", func(c *Config) { c.Backend = "" }, []string{"backend"}},
		{"missing host and port", func(c *Config) {
			c.Host = ""
			c.Port = 0
		}, []string{"host", "port"}},
		{"long AE title", func(c *Config) { c.CalledAETitle = "A_VERY_LONG_AE_TITLE" }, []string{"called_ae_title"}},
		{"storage port for netkit", func(c *Config) { c.StoragePort = 0 }, []string{"storage_port"}},
		{"storage port ignored for protolib", func(c *Config) {
			c.Backend = BackendProtocolLibrary
			c.StoragePort = 0
		}, nil},
		{"filesystem root", func(c *Config) { c.Backend = BackendFilesystem }, []string{"root"}},
		{"bad retry", func(c *Config) {
			c.Retry.Attempts = 0
			c.Retry.Multiplier = 0.5
		}, []string{"retry.attempts", "retry.multiplier"}},
		{"non-positive timeouts", func(c *Config) {
			c.ReadTimeout = 0
			c.RetrieveTimeout = -time.Second
		}, []string{"read_timeout", "retrieve_timeout"}},
		{"workers", func(c *Config) { c.Workers = 0 }, []string{"workers"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := networkConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()

			var got []string
			for _, e := range unwrapAll(err) {
				var fieldErr *Error
				if errors.As(e, &fieldErr) {
					got = append(got, fieldErr.Field)
				}
			}
			if len(got) != len(tt.wantFields) {
				t.Fatalf("Validate() fields = %v, want %v (err: %v)", got, tt.wantFields, err)
			}
			for i := range got {
				if got[i] != tt.wantFields[i] {
					t.Errorf("field[%d] = %q, want %q", i, got[i], tt.wantFields[i])
				}
			}
		})
	}
}

func unwrapAll(err error) []error {
	if err == nil {
		return nil
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		return joined.Unwrap()
	}
	return []error{err}
}

func TestAddress(t *testing.T) {
	cfg := networkConfig()
	if got := cfg.Address(); got != "pacs.local:104" {
		t.Errorf("Address() = %q, want pacs.local:104", got)
	}
}
