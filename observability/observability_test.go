package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		" WARN ":  zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"off":     zerolog.Disabled,
	}
	for raw, want := range cases {
		got, ok := parseLevel(raw)
		assert.True(t, ok, raw)
		assert.Equal(t, want, got, raw)
	}
	_, ok := parseLevel("loud")
	assert.False(t, ok)
}

func TestInitLoggerEnvOverride(t *testing.T) {
	prev := zerolog.GlobalLevel()
	t.Cleanup(func() { zerolog.SetGlobalLevel(prev) })

	t.Setenv(EnvLogLevel, "error")
	InitLogger("test", LogConfig{Level: "debug", JSON: true})
	assert.Equal(t, zerolog.ErrorLevel, zerolog.GlobalLevel())

	t.Setenv(EnvLogLevel, "")
	InitLogger("test", LogConfig{Level: "nonsense", JSON: true})
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
}

func TestRecordCounters(t *testing.T) {
	before := testutil.ToFloat64(messagesSent.WithLabelValues(SideClient, KindRequest))
	RecordSent(SideClient, KindRequest)
	assert.Equal(t, before+1, testutil.ToFloat64(messagesSent.WithLabelValues(SideClient, KindRequest)))

	RecordPending(2)
	RecordPending(-2)
	assert.Equal(t, 0.0, testutil.ToFloat64(pendingCalls))

	reg := prometheus.NewRegistry()
	for _, c := range Collectors() {
		require.NoError(t, reg.Register(c))
	}
}
