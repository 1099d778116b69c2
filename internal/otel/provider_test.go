package otel

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dcdl-sim/controller/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestNew_Disabled(t *testing.T) {
	p, err := New(Config{})
	require.NoError(t, err)

	assert.False(t, p.Enabled())
	assert.Nil(t, p.LoggerProvider())
	assert.Equal(t, noop.Meter{}, p.Meter("x"))
	assert.NoError(t, p.Flush(context.Background()))
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestNew_EnabledWithoutSink(t *testing.T) {
	_, err := New(Config{Enabled: true, ServiceName: "dcdl-controller"})
	assert.Error(t, err)
}

func TestNew_ExportsMetricsToWriter(t *testing.T) {
	buf := &syncBuffer{}
	p, err := New(FromSettings(config.OTelConfig{
		Enabled:      true,
		ServiceName:  "dcdl-controller",
		BatchTimeout: time.Hour,
	}, buf))
	require.NoError(t, err)
	require.NotNil(t, p.LoggerProvider())

	counter, err := p.Meter("test").Int64Counter("dcdl.test.counter")
	require.NoError(t, err)
	counter.Add(context.Background(), 3)

	require.NoError(t, p.Flush(context.Background()))
	assert.Contains(t, buf.String(), "dcdl.test.counter")
	require.NoError(t, p.Shutdown(context.Background()))
}
