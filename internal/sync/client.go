package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	apperrors "github.com/dkowalski/plantsync/internal/errors"
	"github.com/dkowalski/plantsync/internal/models"
)

// Client speaks the authority's sync HTTP API on behalf of a replica.
// Calls are bounded by the configured timeout and never run on the
// request-handling path.
type Client struct {
	httpClient *http.Client
}

// NewClient creates a Client with the given per-call timeout.
func NewClient(timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
	}
}

// PushChanges submits a batch of queued changes to the authority. Auth is
// HTTP Basic with the sync credentials from the bundle.
func (c *Client) PushChanges(ctx context.Context, creds *models.CredentialBundle, items []PushItem) (*PushResponse, error) {
	body, err := json.Marshal(items)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to encode push batch", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		creds.AuthorityBaseURL+"/api/sync/data", bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to build push request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(creds.SyncUsername, creds.SyncPassword)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError("push", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, apperrors.New(apperrors.ErrSyncAuthFailed,
			fmt.Sprintf("authority rejected sync credentials (status %d)", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.New(apperrors.ErrSyncFailed,
			fmt.Sprintf("sync endpoint returned status %d", resp.StatusCode))
	}

	var pushResp PushResponse
	if err := json.NewDecoder(resp.Body).Decode(&pushResp); err != nil {
		// The batch may have been applied server-side; the caller must
		// treat this as unacknowledged and leave entries unsynced.
		return nil, apperrors.Wrap(apperrors.ErrSyncNetwork, "failed to decode push response", err)
	}

	return &pushResp, nil
}

// Pull fetches authority-side changes with updated_at at or after since.
func (c *Client) Pull(ctx context.Context, creds *models.CredentialBundle, since int64) (*PullResponse, error) {
	u := creds.AuthorityBaseURL + "/api/sync/status?since=" + url.QueryEscape(strconv.FormatInt(since, 10))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to build pull request", err)
	}
	req.SetBasicAuth(creds.SyncUsername, creds.SyncPassword)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError("pull", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, apperrors.New(apperrors.ErrSyncAuthFailed,
			fmt.Sprintf("authority rejected sync credentials (status %d)", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.New(apperrors.ErrSyncFailed,
			fmt.Sprintf("status endpoint returned status %d", resp.StatusCode))
	}

	var pullResp PullResponse
	if err := json.NewDecoder(resp.Body).Decode(&pullResp); err != nil {
		// A partial body is a partial pull: the cursor must not advance.
		return nil, apperrors.Wrap(apperrors.ErrSyncNetwork, "failed to decode pull response", err)
	}

	return &pullResp, nil
}

// classifyTransportError separates timeouts from other network failures.
func classifyTransportError(op string, err error) error {
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return apperrors.Wrap(apperrors.ErrSyncTimeout, op+" timed out", err)
	}
	return apperrors.Wrap(apperrors.ErrSyncNetwork, op+" failed", err)
}
