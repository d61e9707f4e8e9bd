package util

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supporttools/xhci-rebind/pkg/types"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	assert.Equal(t, "", config.BusID)
	assert.Equal(t, uint64(3), config.BusRebindDelay)
	assert.Equal(t, uint64(300), config.NextFailCheckDelay)
	assert.Equal(t, "", config.PreUnbindHook)
	assert.Equal(t, "", config.PostRebindHook)
	assert.Equal(t, "info", config.LogLevel)
	assert.Equal(t, "journal", config.LogFormat)
	assert.Equal(t, "/sys", config.SysfsRoot)

	// No bus id yet.
	var cfgErr *types.ConfigError
	require.ErrorAs(t, config.Validate(), &cfgErr)
	assert.Equal(t, "bus-id", cfgErr.Field)
}

func TestLoadConfigTOML(t *testing.T) {
	path := writeConfig(t, "xhci-rebind.toml", `
bus-id = "0000:05:00.0"
bus-rebind-delay = 5
next-fail-check-delay = 500
pre-unbind-cmd = "/usr/local/bin/pre.sh"
post-rebind-cmd = "/usr/local/bin/post.sh"
`)

	config, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, config.Validate())

	assert.Equal(t, "0000:05:00.0", config.BusID)
	assert.Equal(t, uint64(5), config.BusRebindDelay)
	assert.Equal(t, uint64(500), config.NextFailCheckDelay)
	assert.Equal(t, "/usr/local/bin/pre.sh", config.PreUnbindHook)
	assert.Equal(t, "/usr/local/bin/post.sh", config.PostRebindHook)
	assert.Equal(t, "info", config.LogLevel)
}

func TestLoadConfigTOMLKeepsDefaultsForMissingKeys(t *testing.T) {
	path := writeConfig(t, "xhci-rebind.toml", `bus-id = "0000:04:00.0"`)

	config, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, uint64(3), config.BusRebindDelay)
	assert.Equal(t, uint64(300), config.NextFailCheckDelay)
	assert.Empty(t, config.PreUnbindHook)
	assert.Empty(t, config.PostRebindHook)
}

func TestLoadConfigExplicitZeroDelay(t *testing.T) {
	path := writeConfig(t, "xhci-rebind.toml", `
bus-id = "0000:04:00.0"
bus-rebind-delay = 0
next-fail-check-delay = 0
`)

	config, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, config.Validate())

	assert.Equal(t, uint64(0), config.BusRebindDelay)
	assert.Equal(t, uint64(0), config.NextFailCheckDelay)
}

func TestLoadConfigTOMLUnknownKey(t *testing.T) {
	path := writeConfig(t, "xhci-rebind.toml", `
bus-id = "0000:04:00.0"
bus-rebind-dealy = 4
`)

	_, err := LoadConfig(path)
	require.Error(t, err)

	var cfgErr *types.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, err.Error(), "bus-rebind-dealy")
}

func TestLoadConfigYAML(t *testing.T) {
	path := writeConfig(t, "xhci-rebind.yaml", `
bus-id: "0000:05:00.0"
bus-rebind-delay: 7
post-rebind-cmd: /opt/hooks/post
log-level: debug
log-format: json
`)

	config, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, config.Validate())

	assert.Equal(t, "0000:05:00.0", config.BusID)
	assert.Equal(t, uint64(7), config.BusRebindDelay)
	assert.Equal(t, uint64(300), config.NextFailCheckDelay)
	assert.Equal(t, "/opt/hooks/post", config.PostRebindHook)
	assert.Equal(t, "debug", config.LogLevel)
	assert.Equal(t, "json", config.LogFormat)
}

func TestLoadConfigJSON(t *testing.T) {
	path := writeConfig(t, "xhci-rebind.json", `{"bus-id": "0000:05:00.0", "next-fail-check-delay": 60}`)

	config, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "0000:05:00.0", config.BusID)
	assert.Equal(t, uint64(60), config.NextFailCheckDelay)
}

func TestLoadConfigUnknownExtensionFallsBack(t *testing.T) {
	path := writeConfig(t, "xhci-rebind.conf", `bus-id = "0000:05:00.0"`)

	config, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "0000:05:00.0", config.BusID)
}

func TestLoadConfigEnvSubstitution(t *testing.T) {
	t.Setenv("XHCI_TEST_BUS", "0000:09:00.0")
	path := writeConfig(t, "xhci-rebind.toml", `bus-id = "${XHCI_TEST_BUS}"`)

	config, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "0000:09:00.0", config.BusID)
}

func TestLoadConfigErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.toml"))
		require.Error(t, err)
		assert.True(t, errors.Is(err, os.ErrNotExist))
	})

	t.Run("malformed toml", func(t *testing.T) {
		path := writeConfig(t, "bad.toml", `bus-id = `)
		_, err := LoadConfig(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to parse config file")
	})

	t.Run("malformed yaml", func(t *testing.T) {
		path := writeConfig(t, "bad.yaml", "bus-id: [unclosed")
		_, err := LoadConfig(path)
		require.Error(t, err)
	})
}

func TestLoadConfigOrDefault(t *testing.T) {
	config, err := LoadConfigOrDefault("")
	require.NoError(t, err)
	assert.Equal(t, uint64(300), config.NextFailCheckDelay)

	config, err = LoadConfigOrDefault(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), config.BusRebindDelay)

	path := writeConfig(t, "present.toml", `bus-rebind-delay = 9`)
	config, err = LoadConfigOrDefault(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), config.BusRebindDelay)
}

func TestEncodeConfigRoundTrip(t *testing.T) {
	config := DefaultConfig()
	config.BusID = "0000:05:00.0"
	config.PreUnbindHook = "/opt/pre"

	for _, format := range []string{"toml", "yaml", "json"} {
		t.Run(format, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, EncodeConfig(&buf, config, format))

			ext := "." + format
			path := writeConfig(t, "out"+ext, buf.String())
			loaded, err := LoadConfig(path)
			require.NoError(t, err)
			assert.Equal(t, config, loaded)
		})
	}

	err := EncodeConfig(&bytes.Buffer{}, config, "ini")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "unsupported"))
}

func TestValidateConfigFile(t *testing.T) {
	good := writeConfig(t, "good.toml", `bus-id = "0000:05:00.0"`)
	assert.NoError(t, ValidateConfigFile(good))

	bad := writeConfig(t, "bad.toml", `bus-id = "05:00.0"`)
	err := ValidateConfigFile(bad)
	var cfgErr *types.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "bus-id", cfgErr.Field)
}
