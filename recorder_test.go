package lockin

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sbinet/npyio"
	"github.com/segmentio/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder(t *testing.T) {
	sim, clock := idleChopper(t, 1, 0, 1000)
	amp := startedAmplifier(t, sim, clock, AmplifierConfig{})

	dir := filepath.Join(t.TempDir(), "recordings")
	rec := NewRecorder(dir, map[string]any{"mode": "quadrature", "frequency": 13.0})
	assert.False(t, rec.Recording())
	_, err := rec.Stop()
	assert.ErrorIs(t, err, ErrNotRunning)
	_, err = rec.Start(nil)
	assert.Error(t, err)

	id, err := rec.Start(amp)
	require.NoError(t, err)
	assert.True(t, rec.Recording())
	_, err = ulid.Parse(id)
	assert.NoError(t, err)
	_, err = rec.Start(amp)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	const ncycles = 5
	for i := 0; i < ncycles; i++ {
		clock.Advance(250 * time.Millisecond)
		require.NoError(t, amp.processValue())
	}
	summary, err := rec.Stop()
	require.NoError(t, err)
	assert.False(t, rec.Recording())
	assert.Equal(t, id, summary.ID)
	assert.Equal(t, ncycles, summary.Cycles)
	assert.False(t, summary.End.Before(summary.Start))
	assert.Equal(t, filepath.Join(dir, "lockin_"+id+".npy"), summary.NPYFile)

	// Magnitudes as a 1-d float64 array.
	f, err := os.Open(summary.NPYFile)
	require.NoError(t, err)
	defer f.Close()
	var magnitudes []float64
	require.NoError(t, npyio.Read(f, &magnitudes))
	require.Len(t, magnitudes, ncycles)
	for _, m := range magnitudes {
		assert.InDelta(t, 1.0, m, 0.08)
	}
	assert.Equal(t, amp.SignalVoltage(), magnitudes[ncycles-1])

	// Full records, with the metadata attached.
	pf, err := os.Open(summary.ParquetFile)
	require.NoError(t, err)
	defer pf.Close()
	info, err := pf.Stat()
	require.NoError(t, err)
	file, err := parquet.OpenFile(pf, info.Size())
	require.NoError(t, err)
	assert.EqualValues(t, ncycles, file.NumRows())
	meta, ok := file.Lookup("lockin")
	require.True(t, ok)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(meta), &decoded))
	assert.Equal(t, "quadrature", decoded["mode"])

	reader := parquet.NewGenericReader[CycleRecord](pf)
	defer reader.Close()
	rows := make([]CycleRecord, ncycles)
	n, err := reader.Read(rows)
	if err != nil {
		assert.ErrorIs(t, err, io.EOF)
	}
	require.Equal(t, ncycles, n)
	for i, row := range rows {
		assert.EqualValues(t, i+1, row.Cycle)
		assert.Equal(t, 13.0, row.Frequency)
		assert.Equal(t, magnitudes[i], row.Magnitude)
		assert.Equal(t, testEpoch.Add(time.Duration(i+1)*250*time.Millisecond).UnixNano(), row.TimeNanos)
	}

	// Results after Stop are not recorded, and a second recording gets a
	// new ID.
	require.NoError(t, amp.processValue())
	id2, err := rec.Start(amp)
	require.NoError(t, err)
	assert.NotEqual(t, id, id2)
	summary2, err := rec.Stop()
	require.NoError(t, err)
	assert.Equal(t, 0, summary2.Cycles)
	_, err = os.Stat(summary2.ParquetFile)
	assert.NoError(t, err)
}
