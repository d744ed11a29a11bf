package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestNewWithRegistryRegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("test-engine", reg)
	require.NotNil(t, m)

	m.RowsProcessedTotal.WithLabelValues("test-engine", "run-1").Inc()
	m.PoolQueueDepth.Set(3)

	families, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}

func TestNewWithRegistryToleratesDoubleConstruction(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NotPanics(t, func() {
		NewWithRegistry("engine-a", reg)
		NewWithRegistry("engine-a", reg)
	})
}
