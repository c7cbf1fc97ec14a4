package observability

import "time"

// Exporter identifiers.
const (
	ExporterOTLPgRPC   = "otlp_grpc"
	ExporterStdout     = "stdout"
	ExporterPrometheus = "prometheus"
)

// Config aggregates tracing and metrics configuration.
type Config struct {
	Tracing          *TracingConfig    `json:"tracing" yaml:"tracing"`
	Metrics          *MetricsConfig    `json:"metrics" yaml:"metrics"`
	GlobalAttributes map[string]string `json:"globalAttributes" yaml:"globalAttributes"`
}

// TracingConfig controls tracer provider initialization.
type TracingConfig struct {
	Enabled            bool              `json:"enabled" yaml:"enabled"`
	Exporter           string            `json:"exporter" yaml:"exporter"`
	Endpoint           string            `json:"endpoint" yaml:"endpoint"`
	Headers            map[string]string `json:"headers" yaml:"headers"`
	Insecure           bool              `json:"insecure" yaml:"insecure"`
	SamplingRatio      float64           `json:"samplingRatio" yaml:"samplingRatio"`
	ServiceName        string            `json:"serviceName" yaml:"serviceName"`
	ServiceVersion     string            `json:"serviceVersion" yaml:"serviceVersion"`
	Environment        string            `json:"environment" yaml:"environment"`
	Attributes         map[string]string `json:"attributes" yaml:"attributes"`
	BatchTimeout       time.Duration     `json:"batchTimeout" yaml:"batchTimeout"`
	ExportTimeout      time.Duration     `json:"exportTimeout" yaml:"exportTimeout"`
	MaxQueueSize       int               `json:"maxQueueSize" yaml:"maxQueueSize"`
	MaxExportBatchSize int               `json:"maxExportBatchSize" yaml:"maxExportBatchSize"`
	Required           bool              `json:"required" yaml:"required"`
}

// MetricsConfig controls meter provider initialization. The prometheus
// exporter is pull based and ignores Endpoint and Interval.
type MetricsConfig struct {
	Enabled             bool              `json:"enabled" yaml:"enabled"`
	Exporter            string            `json:"exporter" yaml:"exporter"`
	Endpoint            string            `json:"endpoint" yaml:"endpoint"`
	Headers             map[string]string `json:"headers" yaml:"headers"`
	Insecure            bool              `json:"insecure" yaml:"insecure"`
	Interval            time.Duration     `json:"interval" yaml:"interval"`
	ResourceAttributes  map[string]string `json:"resourceAttributes" yaml:"resourceAttributes"`
	DisableRuntimeStats bool              `json:"disableRuntimeStats" yaml:"disableRuntimeStats"`
	Required            bool              `json:"required" yaml:"required"`
}

// sanitize prepares configuration with defaults without mutating c.
func (c Config) sanitize() Config {
	cfg := c
	if cfg.Tracing == nil {
		cfg.Tracing = &TracingConfig{}
	} else {
		tr := *cfg.Tracing
		if tr.Exporter == "" {
			tr.Exporter = ExporterOTLPgRPC
		}
		if tr.SamplingRatio <= 0 || tr.SamplingRatio > 1 {
			tr.SamplingRatio = 1.0
		}
		if tr.BatchTimeout <= 0 {
			tr.BatchTimeout = 5 * time.Second
		}
		if tr.ExportTimeout <= 0 {
			tr.ExportTimeout = 10 * time.Second
		}
		if tr.MaxQueueSize <= 0 {
			tr.MaxQueueSize = 2048
		}
		if tr.MaxExportBatchSize <= 0 || tr.MaxExportBatchSize > tr.MaxQueueSize {
			tr.MaxExportBatchSize = min(512, tr.MaxQueueSize)
		}
		cfg.Tracing = &tr
	}

	if cfg.Metrics == nil {
		cfg.Metrics = &MetricsConfig{}
	} else {
		mt := *cfg.Metrics
		if mt.Exporter == "" {
			mt.Exporter = ExporterOTLPgRPC
		}
		if mt.Interval <= 0 {
			mt.Interval = 60 * time.Second
		}
		cfg.Metrics = &mt
	}
	return cfg
}
