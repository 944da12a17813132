package auth

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func testCredential() *Credential {
	return &Credential{
		AccessToken:  "ya29.access",
		RefreshToken: "1//refresh",
		TokenURI:     "https://oauth2.googleapis.com/token",
		ClientID:     "client-id.apps.googleusercontent.com",
		ClientSecret: "client-secret",
		Scopes:       []string{"openid", "https://www.googleapis.com/auth/userinfo.email"},
		Expiry:       time.Now().Add(time.Hour).UTC().Truncate(time.Second),
	}
}

func newTestFileStore(t *testing.T) (*FileStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cache", "oauth_token.json")
	store, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	return store, path
}

func TestFileStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, path := newTestFileStore(t)
	want := testCredential()

	if err := store.Save(ctx, want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("cache file permissions = %04o, want 0600", perm)
	}

	got, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Load = %+v, want %+v", got, want)
	}
}

func TestFileStoreRecordFormat(t *testing.T) {
	ctx := context.Background()
	store, path := newTestFileStore(t)

	if err := store.Save(ctx, testCredential()); err != nil {
		t.Fatalf("Save: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("cache file is not valid JSON: %v", err)
	}

	for _, field := range []string{"token", "refresh_token", "token_uri", "client_id", "client_secret", "scopes", "expiry"} {
		if _, ok := raw[field]; !ok {
			t.Errorf("cache record missing field %q", field)
		}
	}
}

func TestFileStoreLoadMissing(t *testing.T) {
	store, _ := newTestFileStore(t)

	_, err := store.Load(context.Background())
	if !errors.Is(err, ErrCredentialNotFound) {
		t.Errorf("Load of absent cache = %v, want ErrCredentialNotFound", err)
	}
}

func TestFileStoreLoadCorrupt(t *testing.T) {
	store, path := newTestFileStore(t)
	if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	_, err := store.Load(context.Background())
	var corrupt *CorruptCacheError
	if !errors.As(err, &corrupt) {
		t.Fatalf("Load of corrupt cache = %v, want CorruptCacheError", err)
	}
	if corrupt.Path != path {
		t.Errorf("CorruptCacheError.Path = %q, want %q", corrupt.Path, path)
	}
}

func TestFileStoreLoadNullExpiry(t *testing.T) {
	store, path := newTestFileStore(t)
	record := `{"token":"t","refresh_token":"r","token_uri":"u","client_id":"c","client_secret":"s","scopes":["openid"],"expiry":null}`
	if err := os.WriteFile(path, []byte(record), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cred, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	// Missing expiry is treated as one hour out for safety.
	want := time.Now().Add(defaultTokenLifetime)
	if diff := cred.Expiry.Sub(want); diff < -time.Minute || diff > time.Minute {
		t.Errorf("default expiry = %v, want about %v", cred.Expiry, want)
	}
}

func TestFileStoreSaveOverwrites(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestFileStore(t)

	first := testCredential()
	if err := store.Save(ctx, first); err != nil {
		t.Fatalf("Save: %v", err)
	}

	second := testCredential()
	second.AccessToken = "ya29.renewed"
	if err := store.Save(ctx, second); err != nil {
		t.Fatalf("second Save: %v", err)
	}

	got, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.AccessToken != "ya29.renewed" {
		t.Errorf("AccessToken after overwrite = %q, want %q", got.AccessToken, "ya29.renewed")
	}
}

func TestFileStoreDeleteIdempotent(t *testing.T) {
	ctx := context.Background()
	store, path := newTestFileStore(t)

	if err := store.Save(ctx, testCredential()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := store.Delete(ctx); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("cache file still present after Delete")
	}

	// Deleting an absent record is a no-op
	if err := store.Delete(ctx); err != nil {
		t.Errorf("second Delete: %v", err)
	}
}

func TestFileStoreSaveRecreatesParentDirectory(t *testing.T) {
	ctx := context.Background()
	store, path := newTestFileStore(t)

	if err := os.RemoveAll(filepath.Dir(path)); err != nil {
		t.Fatalf("removing cache directory: %v", err)
	}

	if err := store.Save(ctx, testCredential()); err != nil {
		t.Fatalf("Save after directory removal: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat cache file: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("cache file permissions = %o, want 0600", perm)
	}
}
