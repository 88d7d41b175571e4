// Package telemetry exposes the tracker's OpenTelemetry instruments.
package telemetry

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"

	"fleettrack/internal/domain"
)

type Config struct {
	ServiceName    string
	ServiceVersion string
	Endpoint       string // OTLP HTTP endpoint; empty keeps metrics in-process
	ExportInterval time.Duration
}

type Provider struct {
	provider *sdkmetric.MeterProvider
	meter    metric.Meter
}

func NewProvider(ctx context.Context, cfg Config, extra ...sdkmetric.Option) (*Provider, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}

	if cfg.Endpoint != "" {
		exporter, err := newExporter(ctx, cfg.Endpoint)
		if err != nil {
			return nil, err
		}

		interval := cfg.ExportInterval
		if interval <= 0 {
			interval = 30 * time.Second
		}
		opts = append(opts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval)),
		))
	}
	opts = append(opts, extra...)

	provider := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(provider)

	return &Provider{
		provider: provider,
		meter:    provider.Meter(cfg.ServiceName),
	}, nil
}

func newExporter(ctx context.Context, endpoint string) (*otlpmetrichttp.Exporter, error) {
	opts := []otlpmetrichttp.Option{}

	u, err := url.Parse(endpoint)
	if err == nil && u.Host != "" {
		opts = append(opts, otlpmetrichttp.WithEndpoint(u.Host))
		if u.Scheme == "http" {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		if u.Path != "" && u.Path != "/" {
			opts = append(opts, otlpmetrichttp.WithURLPath(u.Path))
		}
	} else {
		opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
	}

	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}
	return exporter, nil
}

func (p *Provider) Meter() metric.Meter {
	return p.meter
}

func (p *Provider) Shutdown(ctx context.Context) error {
	return p.provider.Shutdown(ctx)
}

// TrackingMetrics records ingestion and alerting activity.
type TrackingMetrics struct {
	samplesRecorded metric.Int64Counter
	fetchFailures   metric.Int64Counter
	alertsEmitted   metric.Int64Counter
	liveEvictions   metric.Int64Counter
}

func NewTrackingMetrics(meter metric.Meter) (*TrackingMetrics, error) {
	samplesRecorded, err := meter.Int64Counter(
		"tracking_samples_recorded_total",
		metric.WithDescription("Position samples accepted by the ingestion loop"),
		metric.WithUnit("{samples}"),
	)
	if err != nil {
		return nil, err
	}

	fetchFailures, err := meter.Int64Counter(
		"tracking_fetch_failures_total",
		metric.WithDescription("Position fetches that failed or timed out"),
		metric.WithUnit("{fetches}"),
	)
	if err != nil {
		return nil, err
	}

	alertsEmitted, err := meter.Int64Counter(
		"tracking_alerts_emitted_total",
		metric.WithDescription("Alerts handed to the notification sink"),
		metric.WithUnit("{alerts}"),
	)
	if err != nil {
		return nil, err
	}

	liveEvictions, err := meter.Int64Counter(
		"geofence_live_region_evictions_total",
		metric.WithDescription("Live geofence regions evicted at capacity"),
		metric.WithUnit("{regions}"),
	)
	if err != nil {
		return nil, err
	}

	return &TrackingMetrics{
		samplesRecorded: samplesRecorded,
		fetchFailures:   fetchFailures,
		alertsEmitted:   alertsEmitted,
		liveEvictions:   liveEvictions,
	}, nil
}

func (m *TrackingMetrics) SampleRecorded(ctx context.Context) {
	m.samplesRecorded.Add(ctx, 1)
}

func (m *TrackingMetrics) FetchFailed(ctx context.Context) {
	m.fetchFailures.Add(ctx, 1)
}

func (m *TrackingMetrics) AlertEmitted(ctx context.Context, kind domain.AlertKind) {
	m.alertsEmitted.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(kind))))
}

// LiveRegionEvicted matches the geofence registry's OnEvict hook.
func (m *TrackingMetrics) LiveRegionEvicted(geofenceID string) {
	m.liveEvictions.Add(context.Background(), 1)
}
