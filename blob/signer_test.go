package blob

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestSigner(t *testing.T) *Signer {
	t.Helper()
	s, err := NewSigner([]byte("test-secret"))
	require.NoError(t, err)
	return s
}

func TestNewSignerEmptySecret(t *testing.T) {
	_, err := NewSigner(nil)
	require.Error(t, err)
}

func TestSignerRoundTrip(t *testing.T) {
	s := newTestSigner(t)
	now := time.Unix(1700000000, 0)
	expires := now.Add(time.Hour).Unix()

	sig := s.Sign("ab/abcdef", expires)
	require.Len(t, sig, 64) // 32-byte hex MAC

	err := s.Verify("ab/abcdef", expires, sig, now)
	require.NoError(t, err)
}

func TestSignerDeterministic(t *testing.T) {
	s := newTestSigner(t)

	sig1 := s.Sign("ab/key", 1700003600)
	sig2 := s.Sign("ab/key", 1700003600)
	require.Equal(t, sig1, sig2)
}

func TestSignerDifferentKeysDiffer(t *testing.T) {
	s := newTestSigner(t)

	require.NotEqual(t, s.Sign("ab/key1", 1700003600), s.Sign("ab/key2", 1700003600))
	require.NotEqual(t, s.Sign("ab/key1", 1700003600), s.Sign("ab/key1", 1700003601))
}

func TestSignerDifferentSecretsDiffer(t *testing.T) {
	s1, err := NewSigner([]byte("secret-one"))
	require.NoError(t, err)
	s2, err := NewSigner([]byte("secret-two"))
	require.NoError(t, err)

	require.NotEqual(t, s1.Sign("ab/key", 1700003600), s2.Sign("ab/key", 1700003600))
}

func TestSignerVerifyTamperedKey(t *testing.T) {
	s := newTestSigner(t)
	now := time.Unix(1700000000, 0)
	expires := now.Add(time.Hour).Unix()

	sig := s.Sign("ab/original", expires)

	err := s.Verify("ab/other", expires, sig, now)
	require.ErrorIs(t, err, ErrBadSignature)
}

func TestSignerVerifyTamperedExpiry(t *testing.T) {
	s := newTestSigner(t)
	now := time.Unix(1700000000, 0)
	expires := now.Add(time.Hour).Unix()

	sig := s.Sign("ab/key", expires)

	// Extending expiry without re-signing must fail
	err := s.Verify("ab/key", expires+3600, sig, now)
	require.ErrorIs(t, err, ErrBadSignature)
}

func TestSignerVerifyExpired(t *testing.T) {
	s := newTestSigner(t)
	issued := time.Unix(1700000000, 0)
	expires := issued.Add(time.Hour).Unix()

	sig := s.Sign("ab/key", expires)

	// One second past expiry
	err := s.Verify("ab/key", expires, sig, issued.Add(time.Hour+time.Second))
	require.ErrorIs(t, err, ErrURLExpired)

	// Exactly at expiry is still valid
	err = s.Verify("ab/key", expires, sig, issued.Add(time.Hour))
	require.NoError(t, err)
}

func TestSignerVerifyGarbageSignature(t *testing.T) {
	s := newTestSigner(t)
	now := time.Unix(1700000000, 0)

	err := s.Verify("ab/key", now.Add(time.Hour).Unix(), "not-a-signature", now)
	require.ErrorIs(t, err, ErrBadSignature)
}
