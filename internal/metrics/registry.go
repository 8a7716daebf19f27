package metrics

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

// globalInstalled guards the process-wide OpenTelemetry meter provider.
var globalInstalled atomic.Bool

// Registry gives read access to a Prometheus registry and bridges
// OpenTelemetry instruments into it.
type Registry struct {
	reg        *prometheus.Registry
	provider   *sdkmetric.MeterProvider
	collectors []prometheus.Collector
	global     bool

	shutdownOnce sync.Once
	shutdownErr  error
}

type options struct {
	global      bool
	targetInfo  bool
	serviceName string
	collectors  []registration
}

// registration is a collector queued for NewRegistry. Shared collectors may
// already be present in the host registry; they are then left to the host.
type registration struct {
	collector prometheus.Collector
	shared    bool
}

// Option configures NewRegistry.
type Option func(*options)

// WithGlobalMeterProvider installs the registry's meter provider as the
// OpenTelemetry global. Only one Registry may hold the global at a time.
func WithGlobalMeterProvider() Option {
	return func(o *options) { o.global = true }
}

// WithTargetInfo emits the OpenTelemetry target_info metric family.
func WithTargetInfo() Option {
	return func(o *options) { o.targetInfo = true }
}

// WithServiceName sets the service.name resource attribute reported in target_info.
func WithServiceName(name string) Option {
	return func(o *options) { o.serviceName = name }
}

// WithGoCollector registers the Go runtime collector unless the registry
// already carries one, as prometheus.DefaultRegisterer does.
func WithGoCollector() Option {
	return withSharedCollector(newGoCollector())
}

// WithProcessCollector registers the process collector for the current
// process unless the registry already carries one.
func WithProcessCollector() Option {
	return withSharedCollector(newProcessCollector())
}

// WithBuildInfoCollector registers the go_build_info collector unless the
// registry already carries one.
func WithBuildInfoCollector() Option {
	return withSharedCollector(newBuildInfoCollector())
}

// WithCollectors registers arbitrary collectors with the registry. A
// collector that is already registered fails NewRegistry.
func WithCollectors(cs ...prometheus.Collector) Option {
	return func(o *options) {
		for _, c := range cs {
			o.collectors = append(o.collectors, registration{collector: c})
		}
	}
}

func withSharedCollector(c prometheus.Collector) Option {
	return func(o *options) {
		o.collectors = append(o.collectors, registration{collector: c, shared: true})
	}
}

// NewRegistry wraps reg and wires the OpenTelemetry bridge into it. Any
// failure is returned as an *InitializationError and leaves nothing
// registered or installed.
func NewRegistry(reg *prometheus.Registry, opts ...Option) (*Registry, error) {
	if reg == nil {
		return nil, &InitializationError{Err: errors.New("prometheus registry is nil")}
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if o.global && !globalInstalled.CompareAndSwap(false, true) {
		return nil, &InitializationError{Err: ErrAlreadyInitialized}
	}

	r, err := newRegistry(reg, o)
	if err != nil {
		if o.global {
			globalInstalled.Store(false)
		}
		return nil, &InitializationError{Err: err}
	}

	return r, nil
}

func newRegistry(reg *prometheus.Registry, o options) (*Registry, error) {
	r := &Registry{reg: reg, global: o.global}

	for _, rc := range o.collectors {
		if err := reg.Register(rc.collector); err != nil {
			var are prometheus.AlreadyRegisteredError
			if rc.shared && errors.As(err, &are) {
				// The host owns the registered copy; Shutdown must not remove it.
				continue
			}
			r.unregisterCollectors()
			return nil, fmt.Errorf("register collector: %w", err)
		}
		r.collectors = append(r.collectors, rc.collector)
	}

	exporterOpts := []otelprom.Option{otelprom.WithRegisterer(reg)}
	if !o.targetInfo {
		exporterOpts = append(exporterOpts, otelprom.WithoutTargetInfo())
	}
	exporter, err := otelprom.New(exporterOpts...)
	if err != nil {
		r.unregisterCollectors()
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}

	providerOpts := []sdkmetric.Option{sdkmetric.WithReader(exporter)}
	if o.serviceName != "" {
		providerOpts = append(providerOpts, sdkmetric.WithResource(
			resource.NewSchemaless(attribute.String("service.name", o.serviceName)),
		))
	}
	r.provider = sdkmetric.NewMeterProvider(providerOpts...)

	if o.global {
		otel.SetMeterProvider(r.provider)
	}

	return r, nil
}

func (r *Registry) unregisterCollectors() {
	for _, c := range r.collectors {
		r.reg.Unregister(c)
	}
	r.collectors = nil
}

// Gather returns the current metric families. An empty registry yields an
// empty slice.
func (r *Registry) Gather() ([]*dto.MetricFamily, error) {
	families, err := r.reg.Gather()
	if err != nil {
		return nil, fmt.Errorf("gather metrics: %w", err)
	}
	return families, nil
}

// Registerer exposes the underlying registry for native client_golang instruments.
func (r *Registry) Registerer() prometheus.Registerer { return r.reg }

// Meter returns an OpenTelemetry meter whose instruments are exported
// through this registry.
func (r *Registry) Meter(name string, opts ...otelmetric.MeterOption) otelmetric.Meter {
	return r.provider.Meter(name, opts...)
}

// Shutdown stops the meter provider, removes the standard collectors and
// releases the global meter provider if this registry installed it. It is
// safe to call more than once.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.shutdownOnce.Do(func() {
		r.unregisterCollectors()
		if err := r.provider.Shutdown(ctx); err != nil {
			r.shutdownErr = fmt.Errorf("shutdown meter provider: %w", err)
		}
		if r.global {
			otel.SetMeterProvider(noop.NewMeterProvider())
			globalInstalled.Store(false)
		}
	})
	return r.shutdownErr
}

// ContentType is the exposition format produced by Encode.
func ContentType() string {
	return string(expfmt.NewFormat(expfmt.TypeTextPlain))
}

// Encode serializes families in the Prometheus text exposition format and
// returns the body together with its content type.
func Encode(families []*dto.MetricFamily) ([]byte, string, error) {
	format := expfmt.NewFormat(expfmt.TypeTextPlain)

	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, format)
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return nil, "", fmt.Errorf("encode metric family %q: %w", mf.GetName(), err)
		}
	}

	return buf.Bytes(), string(format), nil
}
