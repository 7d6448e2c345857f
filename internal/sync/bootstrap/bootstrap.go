// Package bootstrap obtains and caches the credential bundle a replica
// needs to talk to the authority.
//
// The bundle is fetched once from the authority's protected bootstrap
// endpoint using a build-time-provisioned token, then persisted in the
// secure store. After that every sync cycle reads the store; the network
// is only touched again on an explicit refresh.
package bootstrap

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dkowalski/plantsync/internal/crypto"
	apperrors "github.com/dkowalski/plantsync/internal/errors"
	"github.com/dkowalski/plantsync/internal/logging"
	"github.com/dkowalski/plantsync/internal/models"
)

// secretName is the secure-store key holding the serialized bundle.
const secretName = "credential_bundle"

// Bootstrapper manages the credential bundle lifecycle.
type Bootstrapper struct {
	store        *crypto.SecureStore
	authorityURL string
	token        func() string
	client       *http.Client
}

// New creates a Bootstrapper. token is called lazily so the environment
// variable is read at bootstrap time, not construction time.
func New(store *crypto.SecureStore, authorityURL string, token func() string, timeout time.Duration) *Bootstrapper {
	if token == nil {
		token = func() string { return "" }
	}
	return &Bootstrapper{
		store:        store,
		authorityURL: authorityURL,
		token:        token,
		client:       &http.Client{Timeout: timeout},
	}
}

// EnsureCredentials returns the cached bundle, bootstrapping over the
// network only when the secure store is empty.
func (b *Bootstrapper) EnsureCredentials(ctx context.Context) (*models.CredentialBundle, error) {
	raw, err := b.store.Get(secretName)
	if err == nil {
		bundle, err := models.UnmarshalCredentialBundle(raw)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrCredentialStore, "stored credential bundle is corrupt", err)
		}
		return bundle, nil
	}
	if err != crypto.ErrSecretNotFound {
		return nil, apperrors.Wrap(apperrors.ErrCredentialStore, "failed to read credential bundle", err)
	}

	return b.RefreshCredentials(ctx)
}

// RefreshCredentials fetches a fresh bundle from the bootstrap endpoint
// and persists it. A failed fetch never touches the store, so an existing
// valid bundle is never wiped by a failed re-bootstrap.
func (b *Bootstrapper) RefreshCredentials(ctx context.Context) (*models.CredentialBundle, error) {
	token := b.token()
	if token == "" {
		return nil, apperrors.New(apperrors.ErrBootstrapFailed, "no bootstrap token provisioned")
	}
	if b.authorityURL == "" {
		return nil, apperrors.New(apperrors.ErrSyncNotConfigured, "no authority URL configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		b.authorityURL+"/api/bootstrap-secrets", nil)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrBootstrapFailed, "failed to build bootstrap request", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSyncNetwork, "bootstrap request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, apperrors.New(apperrors.ErrBootstrapFailed,
			fmt.Sprintf("bootstrap token rejected (status %d)", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return nil, apperrors.New(apperrors.ErrBootstrapFailed,
			fmt.Sprintf("bootstrap endpoint returned status %d", resp.StatusCode))
	}

	var secrets map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&secrets); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrBootstrapFailed, "failed to decode secrets response", err)
	}

	bundle := &models.CredentialBundle{
		SyncUsername:     secrets["sync_username"],
		SyncPassword:     secrets["sync_password"],
		AuthorityBaseURL: b.authorityURL,
		EncryptionKey:    secrets["encryption_key"],
		MailConfig:       secrets["mail_config"],
	}
	if !bundle.Complete() {
		return nil, apperrors.New(apperrors.ErrBootstrapFailed, "secrets response missing sync credentials")
	}

	raw, err := bundle.Marshal()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrBootstrapFailed, "failed to serialize bundle", err)
	}
	if err := b.store.Set(secretName, raw); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCredentialStore, "failed to persist credential bundle", err)
	}

	logging.Info("Credential bundle bootstrapped", map[string]interface{}{
		"authority": b.authorityURL,
	})

	return bundle, nil
}

// HasCredentials reports whether a bundle is already cached.
func (b *Bootstrapper) HasCredentials() bool {
	return b.store.Has(secretName)
}
