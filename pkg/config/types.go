package config

import (
	"fmt"
	"os"

	"github.com/pkgsmoke/pkgsmoke/pkg/telemetry"
)

// Config is the full harness configuration.
type Config struct {
	Cloud     CloudConfig       `json:"cloud" validate:"required"`
	Instance  InstanceConfig    `json:"instance" validate:"required"`
	SSH       SSHConfig         `json:"ssh" validate:"required"`
	Bootstrap BootstrapConfig   `json:"bootstrap"`
	Store     StoreConfig       `json:"store"`
	Policy    PolicyConfig      `json:"policy"`
	Telemetry TelemetrySettings `json:"telemetry"`
}

// CloudConfig locates and authenticates against the control-plane API.
type CloudConfig struct {
	// Endpoint is the API base URL.
	Endpoint string `json:"endpoint" validate:"required,url"`

	// Login is the account name requests are issued under.
	Login string `json:"login" validate:"required"`

	// KeyID names the registered public key used in the signature
	// header.
	KeyID string `json:"key_id" validate:"required"`

	// KeyPath is the local private key file signing each request.
	KeyPath string `json:"key_path" validate:"required"`
}

// InstanceConfig describes the instance to provision.
type InstanceConfig struct {
	// Image is the catalog image name; the newest published build wins.
	Image string `json:"image" validate:"required"`

	// Type is the provider instance flavor.
	Type string `json:"type" validate:"required"`

	// AllowedTypes feeds the admission policy; empty admits any type.
	AllowedTypes []string `json:"allowed_types"`
}

// SSHConfig is how the harness reaches a provisioned instance.
type SSHConfig struct {
	User    string `json:"user" validate:"required"`
	KeyPath string `json:"key_path" validate:"required"`
	Port    int    `json:"port" validate:"min=1,max=65535"`
}

// BootstrapConfig overrides the stock toolchain locations. Zero values
// fall back to the built-in OpenCSW layout.
type BootstrapConfig struct {
	URL            string `json:"url"`
	Mirror         string `json:"mirror"`
	ConfPath       string `json:"conf_path"`
	RuntimePackage string `json:"runtime_package"`
}

// StoreConfig locates the run-history database. Empty disables
// recording.
type StoreConfig struct {
	Path string `json:"path"`
}

// PolicyConfig lists extra .rego policy files or directories.
type PolicyConfig struct {
	Paths []string `json:"paths"`
}

// TelemetrySettings is the operator-facing slice of the telemetry
// configuration.
type TelemetrySettings struct {
	// LogLevel and LogFormat drive structured logging.
	LogLevel  string `json:"log_level" validate:"omitempty,oneof=trace debug info warn error fatal"`
	LogFormat string `json:"log_format" validate:"omitempty,oneof=console json"`

	// MetricsListen exposes Prometheus metrics when set (host:port).
	MetricsListen string `json:"metrics_listen"`

	// TraceExporter is otlp, stdout, or none; TraceEndpoint feeds the
	// otlp exporter.
	TraceExporter string `json:"trace_exporter" validate:"omitempty,oneof=otlp stdout none"`
	TraceEndpoint string `json:"trace_endpoint"`
}

// ToTelemetry expands the settings onto the full telemetry defaults.
func (s TelemetrySettings) ToTelemetry(serviceName, serviceVersion string) telemetry.Config {
	cfg := telemetry.DefaultConfig(serviceName, serviceVersion)
	if s.LogLevel != "" {
		cfg.Logging.Level = s.LogLevel
	}
	if s.LogFormat != "" {
		cfg.Logging.Format = s.LogFormat
	}
	cfg.Metrics.ListenAddress = s.MetricsListen
	if s.TraceExporter != "" && s.TraceExporter != "none" {
		cfg.Tracing.Enabled = true
		cfg.Tracing.Exporter = s.TraceExporter
		cfg.Tracing.Endpoint = s.TraceEndpoint
	}
	return cfg
}

// CheckTooling verifies that the key material the run depends on is
// actually present, before any instance is provisioned.
func (c *Config) CheckTooling() error {
	for _, key := range []struct{ name, path string }{
		{"cloud signing key", c.Cloud.KeyPath},
		{"ssh key", c.SSH.KeyPath},
	} {
		if _, err := os.Stat(key.path); err != nil {
			return fmt.Errorf("%s not usable at %s: %w", key.name, key.path, err)
		}
	}
	return nil
}
