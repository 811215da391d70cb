package passphrase

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSourceUsesEnvAndCaches(t *testing.T) {
	t.Setenv("XCALL_TEST_PASSPHRASE", "hunter2")
	src := NewSource("sepolia", "XCALL_TEST_PASSPHRASE")

	value, err := src.Get()
	require.NoError(t, err)
	require.Equal(t, "hunter2", value)

	t.Setenv("XCALL_TEST_PASSPHRASE", "changed")
	value, err = src.Get()
	require.NoError(t, err)
	require.Equal(t, "hunter2", value)
}

func TestSourceRejectsEmptyEnv(t *testing.T) {
	t.Setenv("XCALL_TEST_PASSPHRASE", "  ")
	_, err := NewSource("berlin", "XCALL_TEST_PASSPHRASE").Get()
	require.ErrorContains(t, err, "set but empty")
}
