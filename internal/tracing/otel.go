// Package tracing configures the OpenTelemetry tracer provider.
package tracing

import (
	"context"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"

	"github.com/teranos/postpulse/errors"
)

// Config controls tracer setup
type Config struct {
	Enabled     bool
	ServiceName string
	// Output receives exported spans; stdout when nil
	Output io.Writer
	Pretty bool
}

// Init installs a global tracer provider exporting to Config.Output.
// It returns a shutdown function to flush spans on exit. When tracing is
// disabled the global no-op provider stays in place and shutdown does nothing.
func Init(cfg Config) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	w := cfg.Output
	if w == nil {
		w = os.Stdout
	}
	exporter, err := newExporter(w, cfg.Pretty)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create trace exporter")
	}

	name := cfg.ServiceName
	if name == "" {
		name = "postpulse"
	}
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(name),
		),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build trace resource")
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

func newExporter(w io.Writer, pretty bool) (sdktrace.SpanExporter, error) {
	opts := []stdouttrace.Option{stdouttrace.WithWriter(w)}
	if pretty {
		opts = append(opts, stdouttrace.WithPrettyPrint())
	}
	return stdouttrace.New(opts...)
}
