package tracing_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/aixcc-sc/capi/capi/tracing"
)

func TestConfigureMeterProviderSetsGlobal(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	tracing.ConfigureMeterProvider(mp)
	require.True(t, tracing.MetricsConfigured)

	meter := otel.Meter("test")
	counter, err := meter.Int64Counter("test_counter")
	require.NoError(t, err)

	ctx := context.Background()
	counter.Add(ctx, 1)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	require.NotEmpty(t, rm.ScopeMetrics)
}

func TestMeterProviderUnconfigured(t *testing.T) {
	mp, shutdown, err := tracing.MetricsConfig{}.MeterProvider()
	require.NoError(t, err)
	require.Nil(t, mp)
	require.Nil(t, shutdown)
}

func TestMeterProviderOTLP(t *testing.T) {
	for _, c := range []tracing.MetricsConfig{
		{OTLPAddress: "localhost:4317"},
		{OTLPAddress: "localhost:4317", OTLPUseTLS: true},
		{OTLPAddress: "localhost:4317", OTLPHeaders: map[string]string{"Authorization": "Bearer token"}},
	} {
		mp, shutdown, err := c.MeterProvider()
		require.NoError(t, err)
		require.NotNil(t, mp)
		require.NotNil(t, shutdown)
		require.NoError(t, shutdown(context.Background()))
	}
}
