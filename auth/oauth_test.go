package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokeninfoVerifier(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("id_token") {
		case "good-token":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{
				"aud": "client-123",
				"sub": "subject-9",
				"email": "amara@example.com",
				"email_verified": "true",
				"name": "Amara"
			}`))
		case "wrong-audience":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"aud": "someone-else", "sub": "subject-9"}`))
		case "unverified-email":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"aud": "client-123", "sub": "subject-9", "email": "x@example.com", "email_verified": "false"}`))
		case "no-subject":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"aud": "client-123"}`))
		default:
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error": "invalid_token"}`))
		}
	}))
	defer upstream.Close()

	verifier := NewTokeninfoVerifier("client-123", WithTokeninfoURL(upstream.URL))
	ctx := context.Background()

	t.Run("valid token", func(t *testing.T) {
		identity, err := verifier.Verify(ctx, "google", "good-token")
		require.NoError(t, err)
		assert.Equal(t, &Identity{
			Provider: "google",
			Subject:  "subject-9",
			Email:    "amara@example.com",
			Name:     "Amara",
		}, identity)
	})

	t.Run("rejected token", func(t *testing.T) {
		_, err := verifier.Verify(ctx, "google", "bad-token")
		require.ErrorIs(t, err, ErrTokenInvalid)
		assert.Contains(t, err.Error(), "400")
	})

	t.Run("audience mismatch", func(t *testing.T) {
		_, err := verifier.Verify(ctx, "google", "wrong-audience")
		require.ErrorIs(t, err, ErrTokenInvalid)
		assert.Contains(t, err.Error(), "audience mismatch")
	})

	t.Run("unverified email", func(t *testing.T) {
		_, err := verifier.Verify(ctx, "google", "unverified-email")
		require.ErrorIs(t, err, ErrTokenInvalid)
		assert.Contains(t, err.Error(), "email not verified")
	})

	t.Run("missing subject", func(t *testing.T) {
		_, err := verifier.Verify(ctx, "google", "no-subject")
		require.ErrorIs(t, err, ErrTokenInvalid)
	})

	t.Run("unsupported provider", func(t *testing.T) {
		_, err := verifier.Verify(ctx, "github", "good-token")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported oauth provider")
	})
}

func TestVerifierFunc(t *testing.T) {
	verifier := VerifierFunc(func(_ context.Context, provider, token string) (*Identity, error) {
		return &Identity{Provider: provider, Subject: token}, nil
	})

	identity, err := verifier.Verify(context.Background(), "google", "sub-1")
	require.NoError(t, err)
	assert.Equal(t, "sub-1", identity.Subject)
}
