package loadavg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSensorReadsLoadAverage(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "loadavg"), []byte("1.25 0.80 0.40 2/345 6789\n"), 0o644))

	s, err := NewWithMount(dir, nil)
	require.NoError(t, err)

	load, ok := s.Load()
	require.True(t, ok)
	require.InDelta(t, 1.25, load, 1e-9)
}

func TestSensorMissingFile(t *testing.T) {
	t.Parallel()

	s, err := NewWithMount(t.TempDir(), nil)
	require.NoError(t, err)

	_, ok := s.Load()
	require.False(t, ok)

	var nilSensor *Sensor
	_, ok = nilSensor.Load()
	require.False(t, ok)
}
