// Package telemetry installs the global meter provider and exposes its
// Prometheus scrape endpoint.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/bt-bridge/voicechat"
	"github.com/bt-bridge/voicechat/shared"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
	"go.uber.org/zap"
)

const DefaultServiceName = "voicechat"

type Telemetry struct {
	logger   shared.LoggerAdapter
	provider *sdkmetric.MeterProvider
	handler  http.Handler
	server   *fasthttp.Server
}

// Setup builds a meter provider backed by a private Prometheus registry and
// installs it globally.
func Setup(ctx context.Context, cfg voicechat.TelemetryConfig, logger shared.LoggerAdapter) (*Telemetry, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	name := cfg.ServiceName
	if name == "" {
		name = DefaultServiceName
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(name),
			attribute.String("service.version", shared.Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}

	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(provider)
	logger.Info("telemetry initialized", zap.String("exporter", "prometheus"), zap.String("service", name))

	t := &Telemetry{
		logger:   logger,
		provider: provider,
		handler:  promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}
	metrics := fasthttpadaptor.NewFastHTTPHandler(t.handler)
	t.server = &fasthttp.Server{
		Name: "voicechat-metrics",
		Handler: func(ctx *fasthttp.RequestCtx) {
			if string(ctx.Path()) != "/metrics" {
				ctx.SetStatusCode(fasthttp.StatusNotFound)
				return
			}
			metrics(ctx)
		},
	}
	return t, nil
}

// Handler serves the Prometheus text format.
func (t *Telemetry) Handler() http.Handler {
	return t.handler
}

// Serve answers /metrics on ln until Shutdown.
func (t *Telemetry) Serve(ln net.Listener) error {
	t.logger.Info("serving metrics", zap.String("addr", ln.Addr().String()))
	return t.server.Serve(ln)
}

func (t *Telemetry) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}
	return t.Serve(ln)
}

func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	if err := t.server.ShutdownWithContext(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := t.provider.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
