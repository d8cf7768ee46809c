package otel_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mmynk/fieldsync/internal/platform/otel"
)

func TestSetup_NoopWhenEndpointEmpty(t *testing.T) {
	t.Setenv("FIELDSYNC_OTEL_ENDPOINT", "")
	t.Setenv("FIELDSYNC_OTEL_ENABLED", "")

	shutdown, err := otel.Setup(context.Background(), "fieldsync-test")
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestSetup_NoopWhenExplicitlyDisabled(t *testing.T) {
	t.Setenv("FIELDSYNC_OTEL_ENDPOINT", "http://localhost:4318")
	t.Setenv("FIELDSYNC_OTEL_ENABLED", "false")

	shutdown, err := otel.Setup(context.Background(), "fieldsync-test")
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestSetup_CreatesProviderWhenEndpointSet(t *testing.T) {
	// Non-routable, so nothing is actually exported.
	t.Setenv("FIELDSYNC_OTEL_ENDPOINT", "http://192.0.2.1:4318")
	t.Setenv("FIELDSYNC_OTEL_ENABLED", "")

	shutdown, err := otel.Setup(context.Background(), "fieldsync-test")
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}
