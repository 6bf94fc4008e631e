package identity

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMintsOnFirstBoot(t *testing.T) {
	dir := t.TempDir()

	ident, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ident.BotKey == "" || len(ident.BotKey) != 64 {
		t.Fatalf("expected a 64-char hex bot key, got %q", ident.BotKey)
	}
	if ident.InstanceID == "" {
		t.Fatal("expected a non-empty instance id")
	}
	if _, err := os.Stat(filepath.Join(dir, "identity.json")); err != nil {
		t.Fatalf("expected identity.json to be persisted: %v", err)
	}
}

func TestLoadIsStableAcrossCalls(t *testing.T) {
	dir := t.TempDir()

	first, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	second, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if first.BotKey != second.BotKey || first.InstanceID != second.InstanceID {
		t.Fatalf("identity changed across loads: %+v vs %+v", first, second)
	}
}

func TestLoadRejectsCorruptFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "identity.json"), []byte("not json"), 0640); err != nil {
		t.Fatalf("setup: %v", err)
	}

	if _, err := Load(dir); err == nil {
		t.Fatal("expected a storage error for a corrupt identity file, got nil")
	}
}

func TestRotateKeepsBotKeyChangesInstanceID(t *testing.T) {
	dir := t.TempDir()

	original, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	rotated, err := Rotate(dir)
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if rotated.BotKey != original.BotKey {
		t.Fatalf("Rotate must not change bot_key: %q vs %q", rotated.BotKey, original.BotKey)
	}
	if rotated.InstanceID == original.InstanceID {
		t.Fatal("Rotate must mint a new instance id")
	}

	reloaded, err := Load(dir)
	if err != nil {
		t.Fatalf("Load after rotate: %v", err)
	}
	if reloaded.InstanceID != rotated.InstanceID {
		t.Fatal("rotated identity was not persisted")
	}
}

func TestFingerprintIsDeterministic(t *testing.T) {
	a := fingerprint("host-a", "linux")
	b := fingerprint("host-a", "linux")
	c := fingerprint("host-b", "linux")

	if a != b {
		t.Fatal("fingerprint must be deterministic for the same inputs")
	}
	if a == c {
		t.Fatal("fingerprint must differ across hostnames")
	}
}
