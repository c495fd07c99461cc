package cmd

import (
	"context"
	"errors"
	"io"

	"github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"golang.org/x/sync/errgroup"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// newResource describes this process to whichever exporter is active: the
// SDK's default resource (a service name derived from the executable name
// plus the SDK's own identity), since a single-shot CLI invocation carries
// none of the service/replica attributes a daemon would. Version is not
// attached.
func newResource() *resource.Resource {
	return resource.Default()
}

// setupOTelSDK bootstraps the trace and metric pipelines (spec.md §4.J, the
// teacher's cmd/otel.go minus its log provider: this core already writes a
// structured per-invocation log via zerolog/debugdump, so OTel's logs API
// would be a second, redundant sink for the same lines).
// If it does not return an error, the caller must call shutdown once,
// normally via the root command's After hook.
func setupOTelSDK(ctx context.Context, cmd *cli.Command, res *resource.Resource) (func(context.Context) error, error) {
	var shutdownFuncs []func(context.Context) error

	shutdown := func(ctx context.Context) error {
		defer func() { shutdownFuncs = nil }()

		g, ctx := errgroup.WithContext(ctx)
		for _, fn := range shutdownFuncs {
			g.Go(func() error { return fn(ctx) })
		}
		return g.Wait()
	}

	handleErr := func(inErr error) error {
		return errors.Join(inErr, shutdown(ctx))
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	colURL := cmd.String("otel-grpc-url")
	enabled := cmd.Bool("otel-enabled")

	tracerProvider, err := newTraceProvider(ctx, enabled, colURL, res)
	if err != nil {
		return shutdown, handleErr(err)
	}
	shutdownFuncs = append(shutdownFuncs, tracerProvider.Shutdown)
	otel.SetTracerProvider(tracerProvider)

	meterProvider, err := newMeterProvider(ctx, enabled, colURL, res)
	if err != nil {
		return shutdown, handleErr(err)
	}
	shutdownFuncs = append(shutdownFuncs, meterProvider.Shutdown)
	otel.SetMeterProvider(meterProvider)

	return shutdown, nil
}

func newTraceProvider(ctx context.Context, enabled bool, colURL string, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	var (
		traceExporter sdktrace.SpanExporter
		err           error
	)

	switch {
	case enabled && colURL != "":
		traceExporter, err = otlptracegrpc.New(ctx, otlptracegrpc.WithEndpointURL(colURL))
	case enabled:
		traceExporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		traceExporter, err = stdouttrace.New(stdouttrace.WithWriter(io.Discard))
	}
	if err != nil {
		return nil, err
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	), nil
}

func newMeterProvider(ctx context.Context, enabled bool, colURL string, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	var (
		metricExporter sdkmetric.Exporter
		err            error
	)

	switch {
	case enabled && colURL != "":
		metricExporter, err = otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithEndpointURL(colURL))
	case enabled:
		metricExporter, err = stdoutmetric.New()
	default:
		metricExporter, err = stdoutmetric.New(stdoutmetric.WithWriter(io.Discard))
	}
	if err != nil {
		return nil, err
	}

	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
	), nil
}
