package telemetry

// Config configures distributed tracing.
type Config struct {
	// Enabled installs a recording tracer provider; otherwise spans are no-ops
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP/HTTP collector host:port; empty records spans
	// without exporting them
	Endpoint string `yaml:"endpoint"`

	// Insecure sends to the collector over plain HTTP
	Insecure bool `yaml:"insecure"`

	// SampleRate is the fraction of root spans sampled, 0.0 to 1.0
	SampleRate float64 `yaml:"sample_rate"`

	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"-"`
	Environment    string `yaml:"environment"`
}

// DefaultConfig has tracing disabled.
func DefaultConfig() Config {
	return Config{
		SampleRate:  1.0,
		ServiceName: "llmgate",
		Environment: "development",
	}
}
