package encryption_test

import (
	"bytes"
	"testing"

	"github.com/kiranshivaraju/pds/internal/encryption"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var secret = bytes.Repeat([]byte{7}, 32)

func TestEncryptDecrypt(t *testing.T) {
	svc, err := encryption.New(secret)
	require.NoError(t, err)

	cipherText, iv, err := svc.Encrypt([]byte(`{"productId":"PDS_GOSEC"}`))
	require.NoError(t, err)
	assert.Len(t, iv, 24)
	assert.NotContains(t, string(cipherText), "PDS_GOSEC")

	plain, err := svc.Decrypt(cipherText, iv)
	require.NoError(t, err)
	assert.Equal(t, `{"productId":"PDS_GOSEC"}`, string(plain))
}

func TestEncrypt_FreshIVPerCall(t *testing.T) {
	svc, err := encryption.New(secret)
	require.NoError(t, err)

	_, iv1, err := svc.Encrypt([]byte("a"))
	require.NoError(t, err)
	_, iv2, err := svc.Encrypt([]byte("a"))
	require.NoError(t, err)
	assert.NotEqual(t, iv1, iv2)
}

func TestDecrypt_WrongKey(t *testing.T) {
	svc, err := encryption.New(secret)
	require.NoError(t, err)
	other, err := encryption.New(bytes.Repeat([]byte{8}, 32))
	require.NoError(t, err)

	cipherText, iv, err := svc.Encrypt([]byte("payload"))
	require.NoError(t, err)

	_, err = other.Decrypt(cipherText, iv)
	assert.ErrorIs(t, err, encryption.ErrDecrypt)
}

func TestDecrypt_BadIV(t *testing.T) {
	svc, err := encryption.New(secret)
	require.NoError(t, err)

	_, err = svc.Decrypt([]byte("x"), []byte("short"))
	assert.ErrorIs(t, err, encryption.ErrDecrypt)
}

func TestNew_RejectsShortSecret(t *testing.T) {
	_, err := encryption.New([]byte("short"))
	assert.Error(t, err)
}
