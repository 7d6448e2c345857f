// Package models provides data model definitions for PlantSync.
package models

import "encoding/json"

// CredentialBundle holds the operational secrets a replica needs to talk
// to the authority. It lives in the secure store, never in plaintext
// config, and is never exposed in JSON responses.
type CredentialBundle struct {
	SyncUsername     string `json:"sync_username"`
	SyncPassword     string `json:"sync_password"`
	AuthorityBaseURL string `json:"authority_base_url"`
	EncryptionKey    string `json:"encryption_key,omitempty"`
	MailConfig       string `json:"mail_config,omitempty"`
}

// Complete reports whether the bundle carries everything the upload pump
// and reconciler need.
func (c *CredentialBundle) Complete() bool {
	return c.SyncUsername != "" && c.SyncPassword != "" && c.AuthorityBaseURL != ""
}

// Marshal serializes the bundle for the secure store.
func (c *CredentialBundle) Marshal() (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// UnmarshalCredentialBundle parses a bundle read back from the secure store.
func UnmarshalCredentialBundle(data string) (*CredentialBundle, error) {
	var bundle CredentialBundle
	if err := json.Unmarshal([]byte(data), &bundle); err != nil {
		return nil, err
	}
	return &bundle, nil
}
