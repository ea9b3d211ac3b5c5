package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	seq     uint64
	history int
}

func (f fakeStore) SequenceNumber() uint64 { return f.seq }
func (f fakeStore) HistoryLen() int        { return f.history }

func TestRegisterIsIdempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	require.NoError(t, Register(reg))
}

func TestStoreCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(NewStoreCollector(fakeStore{seq: 42, history: 7})))

	families, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, families, 2)

	values := map[string]float64{}
	for _, f := range families {
		values[f.GetName()] = f.GetMetric()[0].GetGauge().GetValue()
	}
	assert.Equal(t, 42.0, values["theyr_store_sequence"])
	assert.Equal(t, 7.0, values["theyr_store_history_records"])
}
