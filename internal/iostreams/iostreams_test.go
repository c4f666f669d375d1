package iostreams

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestColorEnabled(t *testing.T) {
	ios := &IOStreams{Out: &bytes.Buffer{}, isOutputTTY: -1, colorEnabled: -1}
	assert.False(t, ios.IsOutputTTY(), "buffers are not terminals")
	assert.False(t, ios.ColorEnabled(), "auto mode follows the TTY")

	ios.SetColorEnabled(true)
	assert.True(t, ios.ColorEnabled())
	assert.True(t, ios.ColorScheme().Enabled())
}

func TestColorScheme_Disabled(t *testing.T) {
	cs := NewColorScheme(false)
	assert.Equal(t, "text", cs.Red("text"))
	assert.Equal(t, "text", cs.Boldf("%s", "text"))
	assert.Equal(t, "[ok]", cs.SuccessIcon())
	assert.Equal(t, "[warn]", cs.WarningIcon())
	assert.Equal(t, "[error]", cs.FailureIcon())
}

func TestColorScheme_Enabled(t *testing.T) {
	cs := NewColorScheme(true)
	assert.Contains(t, cs.SuccessIcon(), "✓")
	assert.Contains(t, cs.FailureIcon(), "✗")
	assert.Contains(t, cs.Green("pass"), "pass")
}
