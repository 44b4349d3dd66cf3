package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Profiles = []ProfileConfig{
		{ID: "primary", Provider: "anthropic", APIKey: "sk-ant-test123", Priority: 1},
	}
	return cfg
}

func TestValidate(t *testing.T) {
	t.Run("valid config passes", func(t *testing.T) {
		assert.NoError(t, validConfig().Validate())
	})

	t.Run("requires at least one profile", func(t *testing.T) {
		cfg := DefaultConfig()
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "at least one profile")
	})

	t.Run("rejects duplicate profile ids", func(t *testing.T) {
		cfg := validConfig()
		cfg.Profiles = append(cfg.Profiles, cfg.Profiles[0])
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "duplicate")
	})

	t.Run("rejects unknown provider", func(t *testing.T) {
		cfg := validConfig()
		cfg.Profiles[0].Provider = "gemini"
		assert.Error(t, cfg.Validate())
	})

	t.Run("checks key format per provider", func(t *testing.T) {
		cfg := validConfig()
		cfg.Profiles[0].APIKey = "not-a-key"
		assert.Error(t, cfg.Validate())

		cfg.Profiles[0] = ProfileConfig{
			ID: "router", Provider: "openrouter", APIKey: "sk-or-v1-abc",
		}
		assert.NoError(t, cfg.Validate())
	})

	t.Run("requires default model", func(t *testing.T) {
		cfg := validConfig()
		cfg.Defaults.Model = ""
		assert.Error(t, cfg.Validate())
	})
}

func TestToolPolicy(t *testing.T) {
	cfg := DefaultConfig()
	assert.Nil(t, cfg.ToolPolicy(), "wildcard allow with no deny needs no policy")

	cfg.Tools.Deny = []string{"read_file"}
	policy := cfg.ToolPolicy()
	require.NotNil(t, policy)
	assert.False(t, policy.Allowed("read_file"))
	assert.True(t, policy.Allowed("list_files"))
}

func TestProviderProfiles(t *testing.T) {
	cfg := validConfig()
	cfg.Profiles[0].Priority = 10
	cfg.Profiles = append(cfg.Profiles, ProfileConfig{
		ID: "backup", Provider: "openai", APIKey: "sk-test", Priority: 2,
	})

	profiles := cfg.ProviderProfiles()
	selected, ok := profiles.Select(time.Now())
	require.True(t, ok)
	assert.Equal(t, "primary", selected.ID)
}

func TestLoaderRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "drover.json")
	loader := NewLoader(path)

	cfg := validConfig()
	cfg.DataDir = t.TempDir()
	cfg.Defaults.Model = "gpt-4o"
	cfg.Limits.MaxRounds = 5
	require.NoError(t, loader.Save(cfg))

	loaded, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", loaded.Defaults.Model)
	assert.Equal(t, 5, loaded.Limits.MaxRounds)
	require.Len(t, loaded.Profiles, 1)
	assert.Equal(t, "primary", loaded.Profiles[0].ID)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	loader := NewLoader(filepath.Join(t.TempDir(), "absent.json"))

	cfg, err := loader.Load()
	require.NoError(t, err)
	assert.Empty(t, cfg.Profiles)
	assert.NotEmpty(t, cfg.Defaults.Model)
	assert.NotEmpty(t, cfg.SessionsDir)
	assert.NotEmpty(t, cfg.Logging.File)
}

func TestLoadFillsDerivedPaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "drover.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"data_dir": "`+dir+`"}`), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "sessions"), cfg.SessionsDir)
	assert.Equal(t, filepath.Join(dir, "drover.log"), cfg.Logging.File)
}
