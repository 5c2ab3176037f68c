package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreateGeneratesStableIdentity(t *testing.T) {
	dir := t.TempDir()

	device, err := LoadOrCreate(dir)
	require.NoError(t, err)
	require.NotNil(t, device)
	assert.Len(t, device.ID, 64, "device id should be a hex sha256")

	sum := sha256.Sum256(device.PublicKey)
	assert.Equal(t, hex.EncodeToString(sum[:]), device.ID)

	// A second load must yield the same identity, not a new key.
	again, err := LoadOrCreate(dir)
	require.NoError(t, err)
	assert.Equal(t, device.ID, again.ID)
	assert.True(t, device.PublicKey.Equal(again.PublicKey))
}

func TestDeviceFilePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file modes are not meaningful on windows")
	}
	dir := t.TempDir()
	_, err := LoadOrCreate(dir)
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(dir, "device.json"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestSignVerifies(t *testing.T) {
	device, err := LoadOrCreate(t.TempDir())
	require.NoError(t, err)

	msg := []byte("handshake-nonce")
	sig := device.Sign(msg)
	assert.NotEmpty(t, sig)
}

func TestCorruptDeviceFileIsRejected(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "device.json"), []byte(`{"privateKeyPem":"garbage"}`), 0o600))

	_, err := LoadOrCreate(dir)
	require.Error(t, err)
}

func TestTokenStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := NewTokenStore(dir)

	missing, err := store.Get("dev1", "runner")
	require.NoError(t, err)
	assert.Nil(t, missing)

	err = store.Put("dev1", "runner", Token{Token: "secret", Scopes: []string{"tasks:read"}})
	require.NoError(t, err)

	got, err := store.Get("dev1", "runner")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "secret", got.Token)
	assert.Equal(t, "runner", got.Role)
	assert.NotZero(t, got.UpdatedAt)

	// A second role under the same device is a distinct entry.
	other, err := store.Get("dev1", "admin")
	require.NoError(t, err)
	assert.Nil(t, other)

	require.NoError(t, store.Delete("dev1", "runner"))
	gone, err := store.Get("dev1", "runner")
	require.NoError(t, err)
	assert.Nil(t, gone)
}
