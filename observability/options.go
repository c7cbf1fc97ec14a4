package observability

import (
	"github.com/go-kratos/kratos/v2/log"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
)

// Option customizes observability initialization.
type Option func(*initOptions)

type initOptions struct {
	logger         log.Logger
	propagator     propagation.TextMapPropagator
	registerer     prometheus.Registerer
	serviceName    string
	serviceVersion string
	environment    string
	attributes     map[string]string
	resource       *resource.Resource
}

func defaultInitOptions() initOptions {
	return initOptions{
		propagator: propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}),
		attributes: map[string]string{},
	}
}

// WithLogger sets the logger used for diagnostics. It is required.
func WithLogger(logger log.Logger) Option {
	return func(o *initOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithPropagator overrides the default W3C TraceContext propagator.
func WithPropagator(p propagation.TextMapPropagator) Option {
	return func(o *initOptions) {
		if p != nil {
			o.propagator = p
		}
	}
}

// WithPrometheusRegisterer selects where the prometheus exporter registers
// its collector. Defaults to prometheus.DefaultRegisterer.
func WithPrometheusRegisterer(reg prometheus.Registerer) Option {
	return func(o *initOptions) {
		if reg != nil {
			o.registerer = reg
		}
	}
}

// WithServiceName overrides the service.name attribute.
func WithServiceName(name string) Option {
	return func(o *initOptions) {
		o.serviceName = name
	}
}

// WithServiceVersion overrides the service.version attribute.
func WithServiceVersion(version string) Option {
	return func(o *initOptions) {
		o.serviceVersion = version
	}
}

// WithEnvironment overrides the deployment.environment attribute.
func WithEnvironment(env string) Option {
	return func(o *initOptions) {
		o.environment = env
	}
}

// WithAttributes appends extra resource attributes.
func WithAttributes(attrs map[string]string) Option {
	return func(o *initOptions) {
		for k, v := range attrs {
			if o.attributes == nil {
				o.attributes = make(map[string]string, len(attrs))
			}
			o.attributes[k] = v
		}
	}
}
