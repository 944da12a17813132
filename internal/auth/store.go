package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zalando/go-keyring"
)

// CredentialStore persists a single credential record. Every Save overwrites
// the record wholesale; there are no partial updates.
type CredentialStore interface {
	// Load returns the stored credential. Returns ErrCredentialNotFound
	// when no record exists and *CorruptCacheError when a record exists
	// but cannot be parsed.
	Load(ctx context.Context) (*Credential, error)

	// Save persists the credential, replacing any previous record.
	Save(ctx context.Context, cred *Credential) error

	// Delete removes the stored record. Deleting an absent record is not
	// an error.
	Delete(ctx context.Context) error
}

// FileStore persists the credential as a JSON file with owner-only
// permissions. Writes use temp file + rename for crash safety.
type FileStore struct {
	path string
}

// Compile-time check to ensure FileStore implements CredentialStore
var _ CredentialStore = (*FileStore)(nil)

// NewFileStore creates a FileStore at the given path, creating parent
// directories with 0700 permissions if they don't exist.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("cache file path cannot be empty")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}

	return &FileStore{path: path}, nil
}

func (f *FileStore) Load(ctx context.Context) (*Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrCredentialNotFound
		}
		return nil, err
	}

	var rec cacheRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, &CorruptCacheError{Path: f.path, Err: err}
	}

	return rec.toCredential(), nil
}

func (f *FileStore) Save(ctx context.Context, cred *Credential) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cred.toRecord(), "", "  ")
	if err != nil {
		return err
	}

	// The parent may have been removed since construction; every save
	// re-ensures it so a renewed credential is never lost.
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	tempFile, err := os.CreateTemp(dir, "*.tmp")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()
	// Cleanup deferred for all exit paths
	defer func() { _ = os.Remove(tempName) }()
	defer func() { _ = tempFile.Close() }()

	if _, err := tempFile.Write(data); err != nil {
		return err
	}
	if err := tempFile.Close(); err != nil {
		return err
	}

	// Restrict before the record becomes visible under its final name
	if err := os.Chmod(tempName, 0600); err != nil {
		return err
	}

	return os.Rename(tempName, f.path)
}

func (f *FileStore) Delete(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// KeyringStore persists the credential record in OS-native credential
// storage (macOS Keychain, Windows Credential Manager, Linux Secret Service).
type KeyringStore struct {
	service string
	user    string
}

// Compile-time check to ensure KeyringStore implements CredentialStore
var _ CredentialStore = (*KeyringStore)(nil)

// NewKeyringStore creates a KeyringStore under the given service and user
// identifiers.
func NewKeyringStore(service, user string) (*KeyringStore, error) {
	if service == "" {
		return nil, fmt.Errorf("service cannot be empty")
	}
	if user == "" {
		return nil, fmt.Errorf("user cannot be empty")
	}

	return &KeyringStore{service: service, user: user}, nil
}

func (k *KeyringStore) Load(ctx context.Context) (*Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := keyring.Get(k.service, k.user)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, ErrCredentialNotFound
		}
		return nil, err
	}

	var rec cacheRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, &CorruptCacheError{Path: k.service + "/" + k.user, Err: err}
	}

	return rec.toCredential(), nil
}

func (k *KeyringStore) Save(ctx context.Context, cred *Credential) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(cred.toRecord())
	if err != nil {
		return err
	}

	return keyring.Set(k.service, k.user, string(data))
}

func (k *KeyringStore) Delete(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := keyring.Delete(k.service, k.user); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return err
	}
	return nil
}
