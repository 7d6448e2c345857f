// Package bootstrap tests for credential bundle lifecycle.
package bootstrap

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dkowalski/plantsync/internal/crypto"
	apperrors "github.com/dkowalski/plantsync/internal/errors"
)

func bootstrapServer(t *testing.T, wantToken string, secrets map[string]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/bootstrap-secrets" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer "+wantToken {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(secrets)
	}))
}

func testSecrets() map[string]string {
	return map[string]string{
		"sync_username":  "replica-7",
		"sync_password":  "s3cret",
		"encryption_key": "key-material",
		"mail_config":    "smtp://mail.example.com",
	}
}

func TestFirstRunBootstrapsAndCaches(t *testing.T) {
	server := bootstrapServer(t, "build-token", testSecrets())
	defer server.Close()

	store := crypto.NewSecureStore(t.TempDir())
	b := New(store, server.URL, func() string { return "build-token" }, 5*time.Second)

	require.False(t, b.HasCredentials())

	bundle, err := b.EnsureCredentials(context.Background())
	require.NoError(t, err)
	require.Equal(t, "replica-7", bundle.SyncUsername)
	require.Equal(t, "s3cret", bundle.SyncPassword)
	require.Equal(t, server.URL, bundle.AuthorityBaseURL)
	require.True(t, b.HasCredentials())

	// Second call is a pure store read: kill the server to prove it.
	server.Close()
	bundle, err = b.EnsureCredentials(context.Background())
	require.NoError(t, err)
	require.Equal(t, "replica-7", bundle.SyncUsername)
}

func TestBootstrapRejectedToken(t *testing.T) {
	server := bootstrapServer(t, "right-token", testSecrets())
	defer server.Close()

	store := crypto.NewSecureStore(t.TempDir())
	b := New(store, server.URL, func() string { return "wrong-token" }, 5*time.Second)

	_, err := b.EnsureCredentials(context.Background())
	require.True(t, apperrors.Is(err, apperrors.ErrBootstrapFailed))
	require.False(t, b.HasCredentials(), "failed bootstrap must not write the store")
}

func TestBootstrapWithoutToken(t *testing.T) {
	store := crypto.NewSecureStore(t.TempDir())
	b := New(store, "https://authority.example.com", func() string { return "" }, 5*time.Second)

	_, err := b.EnsureCredentials(context.Background())
	require.True(t, apperrors.Is(err, apperrors.ErrBootstrapFailed))
}

func TestFailedRefreshKeepsExistingBundle(t *testing.T) {
	server := bootstrapServer(t, "build-token", testSecrets())

	store := crypto.NewSecureStore(t.TempDir())
	b := New(store, server.URL, func() string { return "build-token" }, 5*time.Second)

	_, err := b.EnsureCredentials(context.Background())
	require.NoError(t, err)

	// The endpoint goes away; an explicit refresh fails...
	server.Close()
	_, err = b.RefreshCredentials(context.Background())
	require.Error(t, err)

	// ...but the cached bundle survives untouched.
	bundle, err := b.EnsureCredentials(context.Background())
	require.NoError(t, err)
	require.Equal(t, "replica-7", bundle.SyncUsername)
}

func TestBootstrapIncompleteSecrets(t *testing.T) {
	server := bootstrapServer(t, "build-token", map[string]string{
		"sync_username": "replica-7",
		// sync_password missing
	})
	defer server.Close()

	store := crypto.NewSecureStore(t.TempDir())
	b := New(store, server.URL, func() string { return "build-token" }, 5*time.Second)

	_, err := b.EnsureCredentials(context.Background())
	require.True(t, apperrors.Is(err, apperrors.ErrBootstrapFailed))
	require.False(t, b.HasCredentials())
}
