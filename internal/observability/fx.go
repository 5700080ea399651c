package observability

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/payauth/internal/config"
	"github.com/smallbiznis/payauth/internal/observability/logger"
	"github.com/smallbiznis/payauth/internal/observability/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("observability",
	fx.Provide(LoadConfig),
	fx.Provide(func(cfg Config) logger.Config {
		return logger.Config{
			ServiceName: cfg.ServiceName,
			Environment: cfg.Environment,
			Version:     cfg.Version,
			Level:       cfg.LogLevel,
			Format:      cfg.LogFormat,
		}
	}),
	fx.Provide(logger.New),
	fx.Provide(func() *prometheus.Registry {
		return prometheus.NewRegistry()
	}),
	fx.Provide(metrics.New),
	fx.Invoke(setupTracing),
)

func setupTracing(lc fx.Lifecycle, cfg Config, appCfg config.Config, log *zap.Logger) {
	if !cfg.OtelEnabled {
		return
	}
	_ = appCfg

	var provider *sdktrace.TracerProvider
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			exporter, err := otlptracegrpc.New(ctx,
				otlptracegrpc.WithEndpoint(cfg.OtelExporterEndpoint),
				otlptracegrpc.WithInsecure(),
			)
			if err != nil {
				return err
			}
			provider = sdktrace.NewTracerProvider(
				sdktrace.WithBatcher(exporter),
				sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.OtelSamplingRatio)),
				sdktrace.WithResource(sdkresource.Default()),
			)
			otel.SetTracerProvider(provider)
			log.Info("tracing enabled", zap.String("endpoint", cfg.OtelExporterEndpoint))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if provider == nil {
				return nil
			}
			return provider.Shutdown(ctx)
		},
	})
}
