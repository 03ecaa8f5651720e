package vault_test

import (
	"testing"

	"github.com/codehedgehog/labvisor/pkg/vault"
	"github.com/stretchr/testify/require"
)

func TestVaultSetConsumeClear(t *testing.T) {
	v := vault.New()
	require.False(t, v.IsSet())

	_, ok := v.Consume()
	require.False(t, ok)

	v.Set([]byte("become-pass"))
	require.True(t, v.IsSet())

	got, ok := v.Consume()
	require.True(t, ok)
	require.Equal(t, []byte("become-pass"), got)

	// the vault keeps its copy, so a second consumer sees the same value
	again, ok := v.Consume()
	require.True(t, ok)
	require.Equal(t, []byte("become-pass"), again)

	v.Clear()
	require.False(t, v.IsSet())
	_, ok = v.Consume()
	require.False(t, ok)
}

func TestVaultCopiesBothWays(t *testing.T) {
	v := vault.New()

	src := []byte("secret")
	v.Set(src)
	src[0] = 'X'

	got, ok := v.Consume()
	require.True(t, ok)
	require.Equal(t, []byte("secret"), got)

	// mutating a consumed copy must not reach the stored value
	got[0] = 'Y'
	again, _ := v.Consume()
	require.Equal(t, []byte("secret"), again)
}

func TestVaultSetReplaces(t *testing.T) {
	v := vault.New()
	v.Set([]byte("first"))
	v.Set([]byte("second"))

	got, ok := v.Consume()
	require.True(t, ok)
	require.Equal(t, []byte("second"), got)

	v.Set(nil)
	require.False(t, v.IsSet())
}

func TestZero(t *testing.T) {
	b := []byte("wipe me")
	vault.Zero(b)
	for _, c := range b {
		require.Zero(t, c)
	}
}
