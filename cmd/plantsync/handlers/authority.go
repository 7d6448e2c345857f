// Package handlers provides the REST API for both process roles: the
// authority's sync and bootstrap endpoints, the replica's sync status and
// trigger endpoints, and record CRUD for the UI on either side.
package handlers

import (
	"crypto/subtle"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/dkowalski/plantsync/internal/db"
	"github.com/dkowalski/plantsync/internal/logging"
	"github.com/dkowalski/plantsync/internal/models"
	syncengine "github.com/dkowalski/plantsync/internal/sync"
)

// AuthorityCredentials is what the authority hands out to replicas and
// verifies on every sync call. SyncPassword is kept only as a bcrypt
// hash after construction.
type AuthorityCredentials struct {
	SyncUsername   string
	SyncPassword   string
	EncryptionKey  string
	MailConfig     string
	BootstrapToken string
}

// AuthorityHandler serves the authority side of the sync protocol.
type AuthorityHandler struct {
	repo           *db.Repository
	syncUsername   string
	passwordHash   []byte
	bootstrapToken string
	secrets        map[string]string
	pullLimit      int
}

// NewAuthorityHandler creates an AuthorityHandler. The sync password is
// hashed immediately; the plaintext survives only inside the secrets map
// served to bootstrapping replicas.
func NewAuthorityHandler(repo *db.Repository, creds AuthorityCredentials, pullLimit int) (*AuthorityHandler, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(creds.SyncPassword), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	return &AuthorityHandler{
		repo:           repo,
		syncUsername:   creds.SyncUsername,
		passwordHash:   hash,
		bootstrapToken: creds.BootstrapToken,
		secrets: map[string]string{
			"sync_username":  creds.SyncUsername,
			"sync_password":  creds.SyncPassword,
			"encryption_key": creds.EncryptionKey,
			"mail_config":    creds.MailConfig,
		},
		pullLimit: pullLimit,
	}, nil
}

// checkSyncAuth verifies HTTP Basic credentials against the sync account.
func (h *AuthorityHandler) checkSyncAuth(r *http.Request) bool {
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	if subtle.ConstantTimeCompare([]byte(user), []byte(h.syncUsername)) != 1 {
		return false
	}
	return bcrypt.CompareHashAndPassword(h.passwordHash, []byte(pass)) == nil
}

// HandleBootstrapSecrets handles POST /api/bootstrap-secrets. A replica
// presents its provisioning token once and receives the credential
// bundle contents.
func (h *AuthorityHandler) HandleBootstrapSecrets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if h.bootstrapToken == "" ||
		subtle.ConstantTimeCompare([]byte(token), []byte(h.bootstrapToken)) != 1 {
		logging.Warn("Bootstrap attempt with invalid token", map[string]interface{}{
			"remote": r.RemoteAddr,
		})
		http.Error(w, "Invalid bootstrap token", http.StatusUnauthorized)
		return
	}

	logging.Info("Served credential bundle to replica", map[string]interface{}{
		"remote": r.RemoteAddr,
	})
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.secrets)
}

// HandleSyncData handles POST /api/sync/data: a replica's pushed batch.
// Every structurally valid entry is acknowledged, even when its write is
// discarded as stale, so replicas never resubmit. The guard against
// stale writes compares the entry's client timestamp with the stored
// record's updated_at, the same last-write-wins rule replicas apply.
func (h *AuthorityHandler) HandleSyncData(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.checkSyncAuth(r) {
		http.Error(w, "Invalid sync credentials", http.StatusUnauthorized)
		return
	}

	var items []syncengine.PushItem
	if err := json.NewDecoder(r.Body).Decode(&items); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	resp := syncengine.PushResponse{Accepted: []int64{}}
	for _, item := range items {
		if err := h.applyPushed(&item); err != nil {
			resp.Errors = append(resp.Errors, syncengine.PushEntryError{
				EntryID:  item.EntryID,
				Table:    item.Table,
				RecordID: item.RecordID,
				Message:  err.Error(),
			})
			continue
		}
		resp.Accepted = append(resp.Accepted, item.EntryID)
	}

	logging.Info("Applied pushed batch", map[string]interface{}{
		"received": len(items),
		"accepted": len(resp.Accepted),
		"rejected": len(resp.Errors),
	})
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// applyPushed applies one pushed entry, or returns a validation error
// that the replica should not retry.
func (h *AuthorityHandler) applyPushed(item *syncengine.PushItem) error {
	if !models.IsSyncTable(item.Table) {
		return errors.New("unknown table: " + item.Table)
	}
	if item.RecordID == "" {
		return errors.New("missing record id")
	}

	stored, err := h.repo.RecordUpdatedAt(item.Table, item.RecordID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if item.ClientTimestamp < stored {
		// The authority already holds a newer write. Ack without
		// applying; the replica will pull the newer value.
		logging.Debug("Discarded stale pushed entry", map[string]interface{}{
			"table":     item.Table,
			"record_id": item.RecordID,
			"client_ts": item.ClientTimestamp,
			"stored_ts": stored,
		})
		return nil
	}

	if err := h.repo.ApplyChange(item.Table, item.Operation, item.Payload, item.ClientTimestamp); err != nil {
		return err
	}
	return h.repo.AppendServerChange(&models.ServerChange{
		TableName: item.Table,
		RecordID:  item.RecordID,
		Operation: item.Operation,
		Payload:   item.Payload,
		UpdatedAt: item.ClientTimestamp,
	})
}

// HandleSyncStatus handles GET /api/sync/status?since=N: the pull feed.
func (h *AuthorityHandler) HandleSyncStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.checkSyncAuth(r) {
		http.Error(w, "Invalid sync credentials", http.StatusUnauthorized)
		return
	}

	since, err := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
	if err != nil && r.URL.Query().Get("since") != "" {
		http.Error(w, "Invalid since parameter", http.StatusBadRequest)
		return
	}

	changes, err := h.repo.ServerChangesSince(since, h.pullLimit)
	if err != nil {
		logging.Error("Failed to read server change log", err)
		http.Error(w, "Failed to read change log", http.StatusInternalServerError)
		return
	}

	cursor := since
	for _, c := range changes {
		if c.UpdatedAt > cursor {
			cursor = c.UpdatedAt
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(syncengine.PullResponse{Changes: changes, Cursor: cursor})
}
