package config

import (
	"crypto/tls"
	"errors"
	"testing"
)

func TestParseTLSVersion(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected TLSVersion
		wantErr  bool
	}{
		{name: "empty string defaults to TLS 1.2", input: "", expected: TLSVersion12},
		{name: "valid TLS 1.2", input: "1.2", expected: TLSVersion12},
		{name: "valid TLS 1.3", input: " 1.3 ", expected: TLSVersion13},
		{name: "legacy version", input: "1.0", wantErr: true},
		{name: "invalid version", input: "2.0", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTLSVersion(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseTLSVersion(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.expected {
				t.Errorf("ParseTLSVersion(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}

	if TLSVersion13.id() != tls.VersionTLS13 || TLSVersion12.id() != tls.VersionTLS12 {
		t.Errorf("unexpected protocol ids")
	}
}

func TestTLSConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     TLSConfig
		field   string
		wantErr bool
	}{
		{name: "disabled ignores fields", cfg: TLSConfig{MinVersion: "9"}},
		{name: "complete", cfg: TLSConfig{Enabled: true, CertFile: "c.pem", KeyFile: "k.pem", MinVersion: "1.3"}},
		{name: "missing cert", cfg: TLSConfig{Enabled: true, KeyFile: "k.pem"}, field: "cert_file", wantErr: true},
		{name: "missing key", cfg: TLSConfig{Enabled: true, CertFile: "c.pem"}, field: "key_file", wantErr: true},
		{name: "bad version", cfg: TLSConfig{Enabled: true, CertFile: "c.pem", KeyFile: "k.pem", MinVersion: "1.1"}, field: "min_version", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr {
				return
			}
			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("expected *ConfigError, got %T", err)
			}
			if cfgErr.Field != tt.field {
				t.Errorf("field = %q, want %q", cfgErr.Field, tt.field)
			}
		})
	}
}

func TestServerTLS(t *testing.T) {
	var nilCfg *TLSConfig
	if got, err := nilCfg.ServerTLS(); got != nil || err != nil {
		t.Fatalf("nil config: got %v, %v", got, err)
	}

	cfg := &TLSConfig{Enabled: true, CertFile: "/nonexistent/cert.pem", KeyFile: "/nonexistent/key.pem"}
	if _, err := cfg.ServerTLS(); err == nil {
		t.Fatal("expected error loading a missing key pair")
	}
}
