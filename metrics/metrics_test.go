package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersWithoutPanic(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	require.NotNil(t, m.PutsTotal)

	m.PutsTotal.WithLabelValues("PutOk").Inc()
	m.BytesWritten.Add(128)
	m.CommittedWhereBytes.Set(4096)

	families, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}
