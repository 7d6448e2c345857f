package crypto

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSecureStoreSetGetDelete(t *testing.T) {
	store := NewSecureStore(t.TempDir())

	if err := store.Set("sync_password", "hunter2"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	value, err := store.Get("sync_password")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if value != "hunter2" {
		t.Errorf("Get = %q, want %q", value, "hunter2")
	}

	if !store.Has("sync_password") {
		t.Error("Has should report the secret exists")
	}

	if err := store.Delete("sync_password"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	if _, err := store.Get("sync_password"); err != ErrSecretNotFound {
		t.Errorf("expected ErrSecretNotFound after delete, got %v", err)
	}

	// Deleting again is not an error.
	if err := store.Delete("sync_password"); err != nil {
		t.Errorf("Delete of missing secret failed: %v", err)
	}
}

func TestSecureStoreValueIsEncryptedOnDisk(t *testing.T) {
	dir := t.TempDir()
	store := NewSecureStore(dir)

	if err := store.Set("token", "plaintext-token-value"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "secure", "token.cred"))
	if err != nil {
		t.Fatalf("reading secret file: %v", err)
	}

	if strings.Contains(string(data), "plaintext-token-value") {
		t.Error("secret stored in plaintext on disk")
	}
}

func TestSecureStoreOverwrite(t *testing.T) {
	store := NewSecureStore(t.TempDir())

	if err := store.Set("token", "old"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := store.Set("token", "new"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	value, err := store.Get("token")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if value != "new" {
		t.Errorf("Get = %q, want %q", value, "new")
	}
}

func TestSecureStoreSanitizesNames(t *testing.T) {
	dir := t.TempDir()
	store := NewSecureStore(dir)

	if err := store.Set("../escape/attempt", "v"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	// The file must land inside the secure dir, not outside it.
	entries, err := os.ReadDir(filepath.Join(dir, "secure"))
	if err != nil {
		t.Fatalf("reading secure dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one secret file, found %d", len(entries))
	}
}
