package checkpoint_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dtrain-org/dtrain/internal/checkpoint"
)

func TestParseManifest(t *testing.T) {
	t.Run("Valid", func(t *testing.T) {
		tests := []struct {
			token       string
			tag         string
			samplesSeen int64
		}{
			{"samples_12000", "samples", 12000},
			{"global_step_240000", "global_step", 240000},
			{"epoch2_0", "epoch2", 0},
			{"ckpt_1", "ckpt", 1},
		}
		for _, tc := range tests {
			m, err := checkpoint.ParseManifest(tc.token)
			require.NoError(t, err, tc.token)
			assert.Equal(t, tc.token, m.Name)
			assert.Equal(t, tc.tag, m.Tag)
			assert.Equal(t, tc.samplesSeen, m.SamplesSeen)
		}
	})
	t.Run("TrailingNewline", func(t *testing.T) {
		m, err := checkpoint.ParseManifest("samples_12000\n")
		require.NoError(t, err)
		assert.Equal(t, int64(12000), m.SamplesSeen)
	})
	t.Run("Malformed", func(t *testing.T) {
		for _, token := range []string{
			"",
			"nounderscore",
			"tag_notanumber",
			"tag_12000extra junk",
			"_12000",
			"12000",
		} {
			_, err := checkpoint.ParseManifest(token)
			require.ErrorIs(t, err, checkpoint.ErrManifestParse, "token %q", token)
		}
	})
}

func TestLastStep(t *testing.T) {
	assert.Equal(t, int64(30), checkpoint.LastStep(12000, 400))
	assert.Equal(t, int64(0), checkpoint.LastStep(399, 400))
	assert.Equal(t, int64(1), checkpoint.LastStep(400, 400))
}

func TestReadLatest(t *testing.T) {
	t.Run("Missing", func(t *testing.T) {
		_, err := checkpoint.ReadLatest(t.TempDir())
		require.True(t, os.IsNotExist(err))
	})
	t.Run("Valid", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "latest"), []byte("samples_12000"), 0600))
		m, err := checkpoint.ReadLatest(dir)
		require.NoError(t, err)
		assert.Equal(t, int64(12000), m.SamplesSeen)
	})
	t.Run("Malformed", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "latest"), []byte("garbage token"), 0600))
		_, err := checkpoint.ReadLatest(dir)
		require.ErrorIs(t, err, checkpoint.ErrManifestParse)
	})
}
