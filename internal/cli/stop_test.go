package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStopCommand(t *testing.T) {
	t.Run("help text", func(t *testing.T) {
		cmd := GetRootCmd()
		cmd.SetArgs([]string{"stop", "--help"})

		output := &bytes.Buffer{}
		cmd.SetOut(output)

		require.NoError(t, cmd.Execute())
		assert.Contains(t, output.String(), "Stop the patchbay daemon")
	})

	t.Run("timeout flag", func(t *testing.T) {
		flag := stopCmd.Flags().Lookup("timeout")
		require.NotNil(t, flag)
		assert.Equal(t, "30", flag.DefValue)
	})
}
