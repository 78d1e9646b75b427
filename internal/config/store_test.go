package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStore_NotExists(t *testing.T) {
	st := NewFileStore(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	s, err := st.Load()
	require.NoError(t, err)
	assert.Equal(t, Default(), s)
}

func TestFileStore_ValidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kiln.yaml")
	yamlContent := `
program:
  phases:
    - {rate: 60, target: 120, hold: 10}
    - {rate: 150, target: 600, hold: 0}
    - {rate: 100, target: 1000, hold: 30}
  cooldown:
    rate: 80
    target: 300
tunables:
  pwm_period_ms: 2000
  kp: 3.5
  ki: 0.2
`
	require.NoError(t, os.WriteFile(path, []byte(yamlContent), 0644))

	s, err := NewFileStore(path).Load()
	require.NoError(t, err)

	assert.Equal(t, float64(60), s.Program.Phases[0].RateDegPerHour)
	assert.Equal(t, float64(120), s.Program.Phases[0].TargetDeg)
	assert.Equal(t, 10, s.Program.Phases[0].HoldMinutes)
	assert.Equal(t, 0, s.Program.Phases[1].HoldMinutes)
	assert.Equal(t, float64(1000), s.Program.Phases[2].TargetDeg)
	assert.Equal(t, float64(300), s.Program.Cooldown.TargetDeg)
	assert.Equal(t, 2000, s.Tunables.PWMPeriodMillis)
	assert.Equal(t, 3.5, s.Tunables.Kp)
	assert.Equal(t, 0.2, s.Tunables.Ki)

	// Fields the file left out keep their defaults.
	def := DefaultTunables()
	assert.Equal(t, def.MaxDeltaDeg, s.Tunables.MaxDeltaDeg)
	assert.Equal(t, def.MaxRatePercent, s.Tunables.MaxRatePercent)
	assert.Equal(t, def.SensorTimeoutSeconds, s.Tunables.SensorTimeoutSeconds)
	assert.Equal(t, def.MaxTempDeg, s.Tunables.MaxTempDeg)
}

func TestFileStore_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kiln.yaml")
	require.NoError(t, os.WriteFile(path, []byte("program: [unclosed"), 0644))

	_, err := NewFileStore(path).Load()
	assert.Error(t, err)
}

func TestFileStore_OutOfRange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kiln.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tunables:\n  kp: 500\n"), 0644))

	_, err := NewFileStore(path).Load()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestFileStore_SaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "kiln.yaml")
	st := NewFileStore(path)

	s := Default()
	s.Program.Phases[1].TargetDeg = 650
	s.Tunables.Ki = 0.3
	require.NoError(t, st.Save(s))

	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temporary file left behind")

	loaded, err := st.Load()
	require.NoError(t, err)
	assert.Equal(t, s, loaded)
	require.NoError(t, st.Close())
}

func TestBoltStore_SaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kiln.db")

	st, err := OpenBoltStore(path)
	require.NoError(t, err)

	empty, err := st.Load()
	require.NoError(t, err)
	assert.Equal(t, Default(), empty)

	s := Default()
	s.Program.Cooldown.TargetDeg = 150
	s.Tunables.PWMPeriodMillis = 5000
	require.NoError(t, st.Save(s))
	require.NoError(t, st.Close())

	// Survives reopen.
	st, err = OpenBoltStore(path)
	require.NoError(t, err)
	defer st.Close()

	loaded, err := st.Load()
	require.NoError(t, err)
	assert.Equal(t, s, loaded)
}

func TestOpenStore_SelectsBackend(t *testing.T) {
	dir := t.TempDir()

	st, err := OpenStore(filepath.Join(dir, "kiln.yaml"))
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, st)
	st.Close()

	st, err = OpenStore(filepath.Join(dir, "kiln.db"))
	require.NoError(t, err)
	assert.IsType(t, &BoltStore{}, st)
	st.Close()

	st, err = OpenStore("")
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, st)
}

func TestMemoryStore(t *testing.T) {
	st := NewMemoryStore()
	s, err := st.Load()
	require.NoError(t, err)
	assert.Equal(t, Default(), s)

	s.Tunables.Kp = 9
	require.NoError(t, st.Save(s))
	loaded, err := st.Load()
	require.NoError(t, err)
	assert.Equal(t, 9.0, loaded.Tunables.Kp)
	assert.Equal(t, 1, st.Saves())
}
