package observability

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/signalsfoundry/skytrail/internal/logging"
	"github.com/signalsfoundry/skytrail/model"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// TracerName is the instrumentation scope used for skytrail spans.
const TracerName = "github.com/signalsfoundry/skytrail"

// Tracer returns the skytrail tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// Span and resource attribute keys shared by skytrail components.
const (
	AttrObserverLat = attribute.Key("skytrail.observer.lat")
	AttrObserverLng = attribute.Key("skytrail.observer.lng")
	AttrObserverAlt = attribute.Key("skytrail.observer.alt")
	AttrSatelliteID = attribute.Key("skytrail.satellite.id")
	AttrUpstream    = attribute.Key("skytrail.upstream")
	AttrProxyURL    = attribute.Key("skytrail.proxy.url")
)

// ObserverAttributes describes an observer location on a span or resource.
func ObserverAttributes(loc model.ObserverLocation) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrObserverLat.Float64(loc.Lat),
		AttrObserverLng.Float64(loc.Lng),
		AttrObserverAlt.Float64(loc.Alt),
	}
}

// TracingConfig governs how tracing is initialised.
type TracingConfig struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	Exporter       string // stdout | otlp
	Endpoint       string // used when Exporter == otlp
	SampleRatio    float64
	// Attributes are added to the resource of every exported span, e.g. the
	// upstream a proxy forwards to.
	Attributes []attribute.KeyValue
}

// TracingConfigFromEnv pulls tracing configuration from SKYTRAIL_TRACING_*
// environment variables. defaultService names the binary.
func TracingConfigFromEnv(defaultService string) TracingConfig {
	enabled := strings.EqualFold(os.Getenv("SKYTRAIL_TRACING_ENABLED"), "true")
	exporter := strings.ToLower(os.Getenv("SKYTRAIL_TRACING_EXPORTER"))
	if exporter == "" {
		exporter = "stdout"
	}
	service := os.Getenv("SKYTRAIL_TRACING_SERVICE_NAME")
	if service == "" {
		service = defaultService
	}

	ratio := 1.0
	if rawRatio := os.Getenv("SKYTRAIL_TRACING_SAMPLE_RATIO"); rawRatio != "" {
		if parsed, err := strconv.ParseFloat(rawRatio, 64); err == nil && parsed >= 0 && parsed <= 1 {
			ratio = parsed
		}
	}

	return TracingConfig{
		Enabled:     enabled,
		ServiceName: service,
		Exporter:    exporter,
		Endpoint:    os.Getenv("SKYTRAIL_OTLP_ENDPOINT"),
		SampleRatio: ratio,
	}
}

// InitTracing wires a tracer provider, exporter, propagators, and sampler based
// on the provided configuration. It returns a shutdown function to flush spans.
func InitTracing(ctx context.Context, cfg TracingConfig, log logging.Logger) (func(context.Context) error, error) {
	if log == nil {
		log = logging.Noop()
	}

	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		otel.SetTextMapPropagator(propagation.TraceContext{})
		log.Debug(ctx, "tracing disabled; using noop tracer provider")
		return func(context.Context) error { return nil }, nil
	}

	exp, err := exporterFromConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	sampler := sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sampler),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	log.Info(ctx, "tracing enabled",
		logging.String("exporter", cfg.Exporter),
		logging.String("service_name", cfg.ServiceName),
		logging.String("service_version", cfg.ServiceVersion),
		logging.String("sampler", fmt.Sprintf("parentbased_traceidratio_%0.2f", cfg.SampleRatio)),
	)

	return tp.Shutdown, nil
}

func newResource(ctx context.Context, cfg TracingConfig) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.namespace", "skytrail"),
	}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, attribute.String("service.version", cfg.ServiceVersion))
	}
	attrs = append(attrs, cfg.Attributes...)
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}
	return res, nil
}

func exporterFromConfig(ctx context.Context, cfg TracingConfig) (sdktrace.SpanExporter, error) {
	switch strings.ToLower(cfg.Exporter) {
	case "stdout", "":
		return stdouttrace.New(
			stdouttrace.WithWriter(os.Stdout),
			stdouttrace.WithPrettyPrint(),
			stdouttrace.WithoutTimestamps(),
		)
	case "otlp", "otlpgrpc":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		client := otlptracegrpc.NewClient(
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
		return otlptrace.New(ctx, client)
	default:
		return nil, fmt.Errorf("unsupported tracing exporter: %s", cfg.Exporter)
	}
}

// ShutdownWithTimeout invokes the provided shutdown function with a bounded
// timeout, swallowing errors in the shutdown path.
func ShutdownWithTimeout(ctx context.Context, shutdown func(context.Context) error, log logging.Logger) {
	if shutdown == nil {
		return
	}
	if log == nil {
		log = logging.Noop()
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		log.Warn(ctx, "tracing shutdown failed", logging.Err(err))
	}
}
