package microbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseErrorPolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    ErrorPolicy
		wantErr bool
	}{
		{in: "", want: ErrorPolicyReport},
		{in: "report", want: ErrorPolicyReport},
		{in: " Swallow ", want: ErrorPolicySwallow},
		{in: "retry", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseErrorPolicy(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	assert.Equal(t, "swallow", ErrorPolicySwallow.String())
	assert.Equal(t, "ErrorPolicy(9)", ErrorPolicy(9).String())
}

func TestLoadConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := LoadConfig()
		require.NoError(t, err)
		assert.Equal(t, "rabbitmq", cfg.Broker)
		assert.Equal(t, "json", cfg.Codec)
		assert.Equal(t, ErrorPolicyReport, cfg.ErrorPolicy)
		assert.False(t, cfg.ConcurrentFanOut)
		assert.Equal(t, 1024, cfg.ObserverBuffer)
	})

	t.Run("from environment", func(t *testing.T) {
		t.Setenv("MICROBUS_BROKER", "memory")
		t.Setenv("MICROBUS_ERROR_POLICY", "swallow")
		t.Setenv("MICROBUS_CONCURRENT_FANOUT", "true")
		t.Setenv("MICROBUS_OBSERVER_WORKERS", "2")

		cfg, err := LoadConfig()
		require.NoError(t, err)
		assert.Equal(t, "memory", cfg.Broker)
		assert.Equal(t, ErrorPolicySwallow, cfg.ErrorPolicy)
		assert.True(t, cfg.ConcurrentFanOut)
		assert.Equal(t, 2, cfg.ObserverWorkers)
	})

	t.Run("invalid policy", func(t *testing.T) {
		t.Setenv("MICROBUS_ERROR_POLICY", "dead-letter")
		_, err := LoadConfig()
		assert.Error(t, err)
	})
}

func TestBusBuilder_WithConfig(t *testing.T) {
	b, _ := newTestBus(t, func(bb *BusBuilder) {
		bb.WithConfig(Config{
			Broker:           "rabbitmq",
			Codec:            "json",
			ErrorPolicy:      ErrorPolicySwallow,
			ConcurrentFanOut: true,
			ObserverWorkers:  1,
			ObserverBuffer:   8,
		})
	})

	// The explicit broker instance wins over cfg.Broker.
	_, isFake := b.Broker().(*fakeBroker)
	assert.True(t, isFake)
	assert.Equal(t, ErrorPolicySwallow, b.errorPolicy)
	assert.True(t, b.fanOut)
	require.NotNil(t, b.observerPool)
	assert.Equal(t, 8, b.observerPool.Stats().BufferSize)
}
