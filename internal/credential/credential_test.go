package credential

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) (*rsa.PrivateKey, []byte) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pemData := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	return key, pemData
}

func encryptForInstance(t *testing.T, key *rsa.PrivateKey, password string) string {
	t.Helper()
	ct, err := rsa.EncryptPKCS1v15(rand.Reader, &key.PublicKey, []byte(password))
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(ct)
}

type scriptedSource struct {
	responses []string
	errs      []error
	calls     int
}

func (s *scriptedSource) PasswordData(context.Context, string) (string, error) {
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return "", s.errs[i]
	}
	if i >= len(s.responses) {
		return "", nil
	}
	return s.responses[i], nil
}

func TestParsePrivateKey_PKCS8(t *testing.T) {
	key, _ := testKey(t)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)

	parsed, err := ParsePrivateKey(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))

	require.NoError(t, err)
	assert.True(t, key.Equal(parsed))
}

func TestParsePrivateKey_Garbage(t *testing.T) {
	_, err := ParsePrivateKey([]byte("not a key"))
	assert.Error(t, err)
}

func TestWindows_RetriesUntilPasswordAppears(t *testing.T) {
	key, pemData := testKey(t)
	source := &scriptedSource{responses: []string{"", "", encryptForInstance(t, key, "S3cret!")}}
	r, err := NewResolver(source, pemData, nil)
	require.NoError(t, err)
	r.Delay = time.Millisecond

	cred, err := r.Windows(context.Background(), "i-1", "10.0.0.9")

	require.NoError(t, err)
	assert.Equal(t, "Administrator", cred.Username)
	assert.Equal(t, "S3cret!", cred.Secret)
	assert.Equal(t, "10.0.0.9", cred.Address)
	assert.Equal(t, 3, source.calls)
}

func TestWindows_MalformedDataIsTransient(t *testing.T) {
	key, pemData := testKey(t)
	source := &scriptedSource{
		responses: []string{"!!!not-base64", "", encryptForInstance(t, key, "pw")},
		errs:      []error{nil, errors.New("throttled")},
	}
	r, err := NewResolver(source, pemData, nil)
	require.NoError(t, err)
	r.Delay = time.Millisecond

	cred, err := r.Windows(context.Background(), "i-1", "addr")

	require.NoError(t, err)
	assert.Equal(t, "pw", cred.Secret)
}

func TestWindows_ExhaustsRetries(t *testing.T) {
	_, pemData := testKey(t)
	source := &scriptedSource{}
	r, err := NewResolver(source, pemData, nil)
	require.NoError(t, err)
	r.Retries = 4
	r.Delay = time.Millisecond

	_, err = r.Windows(context.Background(), "i-1", "addr")

	assert.ErrorIs(t, err, ErrCredentialUnavailable)
	assert.Equal(t, 4, source.calls)
}

func TestWindows_NoKeyConfigured(t *testing.T) {
	r, err := NewResolver(&scriptedSource{}, nil, nil)
	require.NoError(t, err)

	_, err = r.Windows(context.Background(), "i-1", "addr")

	assert.ErrorIs(t, err, ErrCredentialUnavailable)
}

func TestLinux_StaticIdentity(t *testing.T) {
	r, err := NewResolver(nil, nil, []byte("PEM"))
	require.NoError(t, err)

	cred := r.Linux("10.0.0.5")

	assert.Equal(t, "ec2-user", cred.Username)
	assert.Equal(t, []byte("PEM"), cred.PrivateKey)
	assert.False(t, cred.HasPassword())
}

func TestSealer_RoundTrip(t *testing.T) {
	s, err := NewSealer([]byte("rdp-encryption-key"))
	require.NoError(t, err)

	for _, in := range [][]byte{{}, []byte("a"), []byte("P@ssw0rd with spaces"), make([]byte, 4096)} {
		sealed, err := s.Seal(in)
		require.NoError(t, err)
		out, err := s.Unseal(sealed)
		require.NoError(t, err)
		assert.Equal(t, len(in), len(out))
		assert.Equal(t, string(in), string(out))
	}
}

func TestSealer_NonceIsFresh(t *testing.T) {
	s, err := NewSealer([]byte("k"))
	require.NoError(t, err)

	a, err := s.Seal([]byte("same"))
	require.NoError(t, err)
	b, err := s.Seal([]byte("same"))
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestSealer_TamperFailsClosed(t *testing.T) {
	s, err := NewSealer([]byte("k"))
	require.NoError(t, err)
	sealed, err := s.Seal([]byte("password"))
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(sealed)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0x01

	out, err := s.Unseal(base64.StdEncoding.EncodeToString(raw))
	assert.ErrorIs(t, err, ErrDecryption)
	assert.Nil(t, out)
}

func TestSealer_WrongKeyFailsClosed(t *testing.T) {
	a, err := NewSealer([]byte("key-a"))
	require.NoError(t, err)
	b, err := NewSealer([]byte("key-b"))
	require.NoError(t, err)

	sealed, err := a.Seal([]byte("password"))
	require.NoError(t, err)

	_, err = b.Unseal(sealed)
	assert.ErrorIs(t, err, ErrDecryption)
}

func TestSealer_ShortCiphertext(t *testing.T) {
	s, err := NewSealer([]byte("k"))
	require.NoError(t, err)

	_, err = s.Unseal(base64.StdEncoding.EncodeToString([]byte("short")))
	assert.ErrorIs(t, err, ErrDecryption)

	_, err = s.Unseal("%%%")
	assert.ErrorIs(t, err, ErrDecryption)
}

func TestLinux_DoesNotCallCloud(t *testing.T) {
	key, pemData := testKey(t)
	src := &scriptedSource{responses: []string{encryptForInstance(t, key, "pw")}}
	r, err := NewResolver(src, pemData, []byte("LINUX KEY"))
	require.NoError(t, err)
	r.Delay = time.Millisecond

	lin := r.Linux("10.0.0.1")
	assert.Equal(t, "ec2-user", lin.Username)
	assert.Equal(t, "10.0.0.1", lin.Address)
	assert.Equal(t, 0, src.calls, "linux must not call the cloud")

	win, err := r.Windows(context.Background(), "i-2", "10.0.0.2")
	require.NoError(t, err)
	assert.Equal(t, "pw", win.Secret)
	assert.Equal(t, 1, src.calls)
}
