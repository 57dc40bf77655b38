package tokenstore

import (
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestWriteReadRoundTripIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "qwen-oauth-1-default.json")

	store := New()
	rec := Record{
		AccessToken:  "access-123",
		RefreshToken: "refresh-456",
		ExpiresAtMs:  time.Now().Add(time.Hour).UnixMilli(),
		Scope:        "openid",
	}

	if err := store.Write(path, rec); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, ok, err := store.Read(path)
	if err != nil || !ok {
		t.Fatalf("read: ok=%v err=%v", ok, err)
	}
	want := rec.Normalize()
	if got.AccessToken != want.AccessToken || got.RefreshToken != want.RefreshToken || got.ExpiresAtMs != want.ExpiresAtMs {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, want)
	}

	// Second read/write cycle must be a no-op on the normalized shape.
	if err = store.Write(path, got); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	got2, _, err := store.Read(path)
	if err != nil {
		t.Fatalf("reread: %v", err)
	}
	if !reflect.DeepEqual(got2, got) {
		t.Fatalf("non-idempotent normalize: %+v vs %+v", got2, got)
	}
}

func TestLegacyKeyVariantsNormalize(t *testing.T) {
	raw := []byte(`{"AccessToken":"abc","apiKey":"key-1","expiry_timestamp":"1700000000","noRefresh":"true"}`)
	rec, err := ParseRecord(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if rec.AccessToken != "abc" {
		t.Fatalf("AccessToken alias not honored: %+v", rec)
	}
	if rec.APIKey != "key-1" {
		t.Fatalf("apiKey alias not honored: %+v", rec)
	}
	if rec.ExpiresAtMs != 1700000000*1000 {
		t.Fatalf("expiry_timestamp not converted to ms: %d", rec.ExpiresAtMs)
	}
	if !rec.NoRefresh {
		t.Fatalf("noRefresh legacy key not honored")
	}
}

func TestDeriveNearExpiryBoundaryIsInclusive(t *testing.T) {
	now := time.Now()
	rec := Record{AccessToken: "a", RefreshToken: "r", ExpiresAtMs: now.Add(60 * time.Second).UnixMilli()}
	st := Derive(rec, now)
	if !st.IsExpiredOrNear {
		t.Fatalf("60s-until-expiry must count as near-expiry (<=, not <)")
	}
}

func TestBackupNeverDeletesPrimary(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "qwen-oauth-1-default.json")
	store := New()
	if err := store.Write(path, Record{AccessToken: "a"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	backup, err := store.Backup(path)
	if err != nil || backup == "" {
		t.Fatalf("backup: %v %q", err, backup)
	}
	if _, ok, _ := store.Read(path); !ok {
		t.Fatalf("primary removed after backup")
	}
}
