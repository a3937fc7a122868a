package settings

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-autovol/internal/volume"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nested", "settings.yaml")
	return NewStore(path, volume.DefaultSettings(), nil), path
}

func TestStore_LoadMissingFileUsesDefaults(t *testing.T) {
	store, path := newTestStore(t)

	got, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, volume.DefaultSettings(), got)
	assert.Equal(t, got, store.Get())

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "Load must not create the file")
}

func TestStore_LoadPartialFile(t *testing.T) {
	store, path := newTestStore(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("sensitivity: high\ncurve:\n  exponent: 1.5\n"), 0o644))

	got, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, volume.SensitivityHigh, got.Sensitivity)
	assert.Equal(t, 1.5, got.Curve.Exponent)
	assert.Equal(t, volume.DefaultCurve().MaxSteps, got.Curve.MaxSteps)
	assert.False(t, got.AutoBoost)
}

func TestStore_LoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad yaml", "curve: [\n"},
		{"zero exponent", "curve:\n  exponent: 0\n"},
		{"unknown sensitivity", "sensitivity: ludicrous\n"},
		{"zero steps", "curve:\n  max_steps: 0\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, path := newTestStore(t)
			require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))

			_, err := store.Load()
			assert.Error(t, err)
			assert.Equal(t, volume.DefaultSettings(), store.Get())
		})
	}
}

func TestStore_UpdatePersists(t *testing.T) {
	store, path := newTestStore(t)
	_, err := store.Load()
	require.NoError(t, err)

	got, err := store.Update(func(s *volume.Settings) {
		s.Sensitivity = volume.SensitivityLow
		s.Curve.Exponent = 3
		s.AutoBoost = true
	})
	require.NoError(t, err)
	assert.Equal(t, volume.SensitivityLow, got.Sensitivity)
	assert.Equal(t, got, store.Get())

	// A fresh store reads back what was written
	reloaded := NewStore(path, volume.DefaultSettings(), nil)
	again, err := reloaded.Load()
	require.NoError(t, err)
	assert.Equal(t, got, again)

	// No temp files left behind
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestStore_UpdateInvalidLeavesFileUntouched(t *testing.T) {
	store, path := newTestStore(t)
	_, err := store.Load()
	require.NoError(t, err)

	_, err = store.Update(func(s *volume.Settings) { s.Sensitivity = volume.SensitivityHigh })
	require.NoError(t, err)

	before, err := os.ReadFile(path)
	require.NoError(t, err)

	_, err = store.Update(func(s *volume.Settings) { s.Curve.Exponent = -1 })
	require.Error(t, err)
	assert.ErrorIs(t, err, volume.ErrInvalidCurve)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, volume.SensitivityHigh, store.Get().Sensitivity)
}

func TestStore_OnChange(t *testing.T) {
	store, _ := newTestStore(t)

	var seen []volume.Settings
	store.OnChange(func(s volume.Settings) { seen = append(seen, s) })

	_, err := store.Update(func(s *volume.Settings) { s.AutoBoost = true })
	require.NoError(t, err)

	_, err = store.Update(func(s *volume.Settings) { s.Sensitivity = "bogus" })
	require.Error(t, err)

	require.Len(t, seen, 1)
	assert.True(t, seen[0].AutoBoost)
}

func TestStore_FileHasHeader(t *testing.T) {
	store, path := newTestStore(t)

	_, err := store.Update(func(s *volume.Settings) {})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "# go-autovol settings")
	assert.Contains(t, string(data), "sensitivity: mid")
}
