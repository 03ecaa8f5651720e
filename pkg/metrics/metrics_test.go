package metrics_test

import (
	"sync"
	"testing"

	"github.com/codehedgehog/labvisor/pkg/metrics"
	"github.com/stretchr/testify/require"
)

func TestMemorySink(t *testing.T) {
	m := metrics.NewMemory()

	m.IncCounter(metrics.VMCreatedTotal, 1)
	m.IncCounter(metrics.VMCreatedTotal, 2)
	require.Equal(t, int64(3), m.Counter(metrics.VMCreatedTotal))

	m.AddGauge(metrics.VMActive, 2)
	m.AddGauge(metrics.VMActive, -1)
	require.Equal(t, int64(1), m.Gauge(metrics.VMActive))

	m.SetGauge(metrics.PoolReady, 5)
	require.Equal(t, int64(5), m.Gauge(metrics.PoolReady))

	snap := m.Snapshot()
	require.Equal(t, int64(3), snap[metrics.VMCreatedTotal])
	require.Equal(t, int64(5), snap[metrics.PoolReady])
}

func TestMemorySinkConcurrent(t *testing.T) {
	m := metrics.NewMemory()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.IncCounter("c", 1)
			m.AddGauge("g", 1)
		}()
	}
	wg.Wait()

	require.Equal(t, int64(50), m.Counter("c"))
	require.Equal(t, int64(50), m.Gauge("g"))
}
