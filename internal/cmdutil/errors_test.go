package cmdutil

import (
	"errors"
	"fmt"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExitError(t *testing.T) {
	err := fmt.Errorf("variant failed: %w", &ExitError{Code: 130})
	assert.Equal(t, "variant failed: exit status 130", err.Error())

	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 130, exitErr.Code)
}

func TestFlagErrorf(t *testing.T) {
	err := FlagErrorf("unknown mode: %s", "visual")
	assert.Equal(t, "unknown mode: visual", err.Error())

	var flagErr *FlagError
	require.True(t, errors.As(err, &flagErr))
}

func TestFlagErrorWrap(t *testing.T) {
	inner := fmt.Errorf("bad value")
	err := FlagErrorWrap(inner)
	assert.Equal(t, "bad value", err.Error())
	assert.True(t, errors.Is(err, inner))
}

func TestSilentError(t *testing.T) {
	err := fmt.Errorf("something failed: %w", SilentError)
	assert.True(t, errors.Is(err, SilentError))
}

func TestNoArgs(t *testing.T) {
	root := &cobra.Command{Use: "dbuild"}
	sub := &cobra.Command{Use: "test"}
	root.AddCommand(sub)

	assert.NoError(t, NoArgs(sub, nil))

	err := NoArgs(sub, []string{"extra"})
	require.Error(t, err)
	var flagErr *FlagError
	assert.True(t, errors.As(err, &flagErr))
	assert.Contains(t, err.Error(), "'dbuild test' accepts no arguments")
}
