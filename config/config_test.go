package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tksw/comfynodes/nodeapi"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 4.0, cfg.LoraCacheLimitGB)
	assert.Equal(t, slog.LevelInfo, cfg.Level())
}

func TestParseMergesOverDefaults(t *testing.T) {
	cfg, err := Parse([]byte("lora_dirs: [/a, /b]\nlora_cache_limit_gb: 1.5\nlog_level: debug\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"/a", "/b"}, cfg.LoraDirs)
	assert.Equal(t, 1.5, cfg.LoraCacheLimitGB)
	assert.Equal(t, 64, cfg.DefaultImageSize)
	assert.Equal(t, []string{".txt"}, cfg.TextExtensions)
	assert.Equal(t, slog.LevelDebug, cfg.Level())
}

func TestParseRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"limit":      "lora_cache_limit_gb: 500\n",
		"level":      "log_level: loud\n",
		"extension":  "image_extensions: [png]\n",
		"empty dir":  "lora_dirs: ['']\n",
		"image size": "default_image_size: 0\n",
		"yaml":       "lora_dirs: [\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.ErrorIs(t, err, nodeapi.ErrConfiguration)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nodes.yaml")
	require.NoError(t, os.WriteFile(path, []byte("default_image_size: 32\n"), 0o644))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 32, cfg.DefaultImageSize)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestFolderPaths(t *testing.T) {
	first, second := t.TempDir(), t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(second, "style"), 0o755))
	for _, p := range []string{
		filepath.Join(first, "a.safetensors"),
		filepath.Join(second, "a.safetensors"),
		filepath.Join(second, "style", "b.SAFETENSORS"),
		filepath.Join(second, "notes.txt"),
	} {
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	}

	cfg := Default()
	cfg.LoraDirs = []string{first, second}
	f := cfg.Folders()

	assert.Equal(t, []string{"a.safetensors", "style/b.SAFETENSORS"}, f.FilenameList())

	path, err := f.FullPath("a.safetensors")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(first, "a.safetensors"), path, "earlier directories win")

	path, err = f.FullPath("style/b.SAFETENSORS")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(second, "style", "b.SAFETENSORS"), path)

	for _, bad := range []string{"", "missing.safetensors", "../a.safetensors", "/etc/passwd"} {
		_, err := f.FullPath(bad)
		assert.ErrorIs(t, err, nodeapi.ErrNotFound, bad)
	}

	dir, err := f.SaveDir()
	require.NoError(t, err)
	assert.Equal(t, first, dir)

	_, err = (&FolderPaths{}).SaveDir()
	assert.ErrorIs(t, err, nodeapi.ErrConfiguration)
}
