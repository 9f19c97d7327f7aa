package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/silvachamo/agrosync/internal/logging"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "agrosync", cmd.Use)
	assert.Contains(t, cmd.Long, "agrosyncd")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{"status", "queue", "drain", "retry", "discard", "snapshot", "watch"}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			require.NotNil(t, subCmd)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	t.Setenv("AGROSYNC_SERVER", "")
	t.Setenv("AGROSYNC_TOKEN", "")
	cmd := NewRootCommand()

	serverFlag := cmd.PersistentFlags().Lookup("server")
	require.NotNil(t, serverFlag)
	assert.Equal(t, "http://localhost:8080", serverFlag.DefValue)

	tokenFlag := cmd.PersistentFlags().Lookup("token")
	require.NotNil(t, tokenFlag)
	assert.Equal(t, "", tokenFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)
}

func TestServerFromEnv(t *testing.T) {
	t.Setenv("AGROSYNC_SERVER", "http://farm-office:8080")
	cmd := NewRootCommand()
	assert.Equal(t, "http://farm-office:8080", cmd.PersistentFlags().Lookup("server").DefValue)
}

func TestInvalidFormat(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"status", "--format", "yaml"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestArgumentValidation(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"retry without id", []string{"retry"}},
		{"discard with two ids", []string{"discard", "a", "b"}},
		{"snapshot with two labels", []string{"snapshot", "a", "b"}},
		{"status with args", []string{"status", "extra"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := NewRootCommand()
			cmd.SetOut(&bytes.Buffer{})
			cmd.SetErr(&bytes.Buffer{})
			cmd.SetArgs(tt.args)
			assert.Error(t, cmd.Execute())
		})
	}
}

func TestVerboseRaisesLogLevel(t *testing.T) {
	require.NoError(t, logging.Init(logging.Config{Level: "warn", Format: "console", OutputPath: "stderr"}))
	t.Cleanup(func() { logging.SetLevel("warn") })
	assert.False(t, logging.L().Core().Enabled(zapcore.DebugLevel))

	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"status", "-v", "--format", "yaml"})
	require.Error(t, cmd.Execute())

	assert.True(t, logging.L().Core().Enabled(zapcore.DebugLevel))
}
