package app

import (
	"context"
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/vladislavdragonenkov/pharmaledger/internal/version"
)

// initTracing ставит глобальный SDK TracerProvider по настройкам LEDGER_OTEL_*.
// При экспортёре none возвращает nil и оставляет no-op провайдер.
func initTracing(ctx context.Context, cfg Config, logger *log.Entry) (*sdktrace.TracerProvider, error) {
	if cfg.OTelExporter == "" || cfg.OTelExporter == OTelExporterNone {
		return nil, nil
	}
	exporter, err := newSpanExporter(ctx, cfg, os.Stdout)
	if err != nil {
		return nil, fmt.Errorf("init %s span exporter: %w", cfg.OTelExporter, err)
	}

	tp := newTracerProvider(cfg, sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	logger.WithFields(log.Fields{
		"exporter":     cfg.OTelExporter,
		"endpoint":     cfg.OTelEndpoint,
		"sample_ratio": cfg.OTelSampleRatio,
	}).Info("tracing enabled")
	return tp, nil
}

func newTracerProvider(cfg Config, opts ...sdktrace.TracerProviderOption) *sdktrace.TracerProvider {
	res := resource.NewSchemaless(
		attribute.String("service.name", cfg.OTelServiceName),
		attribute.String("service.version", version.Current().Version),
	)
	opts = append(opts,
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.OTelSampleRatio))),
	)
	return sdktrace.NewTracerProvider(opts...)
}

func newSpanExporter(ctx context.Context, cfg Config, stdout io.Writer) (sdktrace.SpanExporter, error) {
	switch cfg.OTelExporter {
	case OTelExporterStdout:
		return stdouttrace.New(stdouttrace.WithWriter(stdout))
	case OTelExporterOTLP:
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTelEndpoint)}
		if cfg.OTelInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unsupported exporter %q", cfg.OTelExporter)
	}
}

// shutdownTracing дописывает накопленные спаны не дольше shutdownTimeout.
func shutdownTracing(tp *sdktrace.TracerProvider, logger *log.Entry) {
	if tp == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := tp.Shutdown(ctx); err != nil {
		logger.WithError(err).Warn("tracer provider shutdown with error")
	}
}
