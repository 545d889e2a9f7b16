package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

var (
	testSalt   = []byte("harvest-test-salt-0001")
	testParams = Params{Time: 1, MemoryKiB: 1024, Threads: 1}
)

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	svc, err := New("correct horse", testSalt, testParams)
	require.NoError(t, err)

	blob, err := svc.Encrypt([]byte(`{"auth_token":"abc"}`))
	require.NoError(t, err)
	require.NotContains(t, string(blob), "abc")

	other, err := svc.Encrypt([]byte(`{"auth_token":"abc"}`))
	require.NoError(t, err)
	require.NotEqual(t, blob, other)

	plain, err := svc.Decrypt(blob)
	require.NoError(t, err)
	require.Equal(t, `{"auth_token":"abc"}`, string(plain))
}

func TestDecryptRejectsWrongKeyAndTampering(t *testing.T) {
	t.Parallel()

	svc, err := New("correct horse", testSalt, testParams)
	require.NoError(t, err)
	wrong, err := New("battery staple", testSalt, testParams)
	require.NoError(t, err)

	blob, err := svc.Encrypt([]byte("cookie"))
	require.NoError(t, err)

	_, err = wrong.Decrypt(blob)
	require.ErrorIs(t, err, ErrDecrypt)

	tampered := append([]byte(nil), blob...)
	tampered[len(tampered)-1] ^= 0xff
	_, err = svc.Decrypt(tampered)
	require.ErrorIs(t, err, ErrDecrypt)

	_, err = svc.Decrypt([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrDecrypt)

	versioned := append([]byte(nil), blob...)
	versioned[0] = 9
	_, err = svc.Decrypt(versioned)
	require.ErrorIs(t, err, ErrDecrypt)
}

func TestNewValidatesInputs(t *testing.T) {
	t.Parallel()

	_, err := New("", testSalt, testParams)
	require.Error(t, err)
	_, err = New("pw", []byte("short"), testParams)
	require.Error(t, err)
}
