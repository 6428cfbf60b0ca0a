package observability

import (
	"context"
	"testing"

	"fmsdesk/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEndpointHost(t *testing.T) {
	assert.Equal(t, "localhost:4317", endpointHost("http://localhost:4317"))
	assert.Equal(t, "collector:4317", endpointHost("https://collector:4317/"))
	assert.Equal(t, "collector:4317", endpointHost("collector:4317"))
}

func TestSampleRatio(t *testing.T) {
	assert.Equal(t, 0.1, sampleRatio(0))
	assert.Equal(t, 0.1, sampleRatio(1.5))
	assert.Equal(t, 0.5, sampleRatio(0.5))
}

func TestSetupTracing_Disabled(t *testing.T) {
	shutdown, err := SetupTracing(context.Background(), config.TracingConfig{Enabled: false})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}
