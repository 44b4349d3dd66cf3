package cli

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/pkg/chat"
)

func TestRootCommand(t *testing.T) {
	t.Run("version flag", func(t *testing.T) {
		cmd := GetRootCmd()
		cmd.SetArgs([]string{"--version"})

		output := &bytes.Buffer{}
		cmd.SetOut(output)

		err := cmd.Execute()
		require.NoError(t, err)

		assert.Contains(t, output.String(), "drover version")
		assert.Contains(t, output.String(), GetVersion())
	})

	t.Run("help flag", func(t *testing.T) {
		cmd := GetRootCmd()
		cmd.SetArgs([]string{"--help"})

		output := &bytes.Buffer{}
		cmd.SetOut(output)

		err := cmd.Execute()
		require.NoError(t, err)

		helpText := output.String()
		assert.Contains(t, helpText, "drover")
		assert.Contains(t, helpText, "run")
		assert.Contains(t, helpText, "sessions")
	})

	t.Run("global flags", func(t *testing.T) {
		cmd := GetRootCmd()

		configFlag := cmd.PersistentFlags().Lookup("config")
		require.NotNil(t, configFlag)
		assert.Equal(t, "", configFlag.DefValue)

		logLevelFlag := cmd.PersistentFlags().Lookup("log-level")
		require.NotNil(t, logLevelFlag)
	})
}

func TestGetVersion(t *testing.T) {
	version := GetVersion()
	assert.NotEmpty(t, version)
	assert.True(t, strings.HasPrefix(version, "0."))
}

func TestCommandWiring(t *testing.T) {
	root := GetRootCmd()

	var tools, run bool
	for _, sub := range root.Commands() {
		switch sub.Name() {
		case "tools":
			tools = true
			assert.NotNil(t, sub.RunE)
		case "run":
			run = true
			assert.NotNil(t, sub.Flags().Lookup("tools"))
		}
	}
	assert.True(t, tools)
	assert.True(t, run)
}

func TestParseToolChoice(t *testing.T) {
	assert.Equal(t, chat.ToolChoiceAuto, parseToolChoice("").Mode)
	assert.Equal(t, chat.ToolChoiceAuto, parseToolChoice("auto").Mode)
	assert.Equal(t, chat.ToolChoiceNone, parseToolChoice("none").Mode)
	assert.Equal(t, chat.ToolChoiceRequired, parseToolChoice("required").Mode)

	named := parseToolChoice("read_file")
	assert.Equal(t, chat.ToolChoiceCall, named.Mode)
	assert.Equal(t, "read_file", named.Name)
}

func TestFirstHelpers(t *testing.T) {
	assert.Equal(t, "a", firstNonEmpty("", "a", "b"))
	assert.Equal(t, "", firstNonEmpty("", ""))
	assert.Equal(t, 3, firstPositive(0, 3, 5))
	assert.Equal(t, 0, firstPositive(0, 0))
}
