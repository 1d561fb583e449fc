package wallet

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestStorageSaveAndReload(t *testing.T) {
	dir := t.TempDir()
	loc := filepath.Join(dir, "wallet.jmdat")

	s, err := CreateStorage(loc)
	if err != nil {
		t.Fatal(err)
	}
	s.Data["network"] = json.RawMessage(`"testnet"`)
	if err := s.Save(); err != nil {
		t.Fatal(err)
	}

	reloaded, err := OpenStorage(loc, false)
	if err != nil {
		t.Fatal(err)
	}
	var network string
	if err := reloaded.getSection("network", &network); err != nil {
		t.Fatal(err)
	}
	if network != "testnet" {
		t.Errorf("Expected network testnet after reload. Got: %q", network)
	}
}

func TestStorageRefusesClobber(t *testing.T) {
	dir := t.TempDir()
	loc := filepath.Join(dir, "wallet.jmdat")
	if _, err := CreateStorage(loc); err != nil {
		t.Fatal(err)
	}
	if _, err := CreateStorage(loc); err == nil {
		t.Error("Expected error creating storage over an existing file")
	}
}

func TestStorageReadOnly(t *testing.T) {
	dir := t.TempDir()
	loc := filepath.Join(dir, "wallet.jmdat")
	if _, err := CreateStorage(loc); err != nil {
		t.Fatal(err)
	}
	s, err := OpenStorage(loc, true)
	if err != nil {
		t.Fatal(err)
	}
	if !s.ReadOnly() {
		t.Fatal("Expected storage flagged read-only")
	}
	if err := s.Save(); err != ErrStorageReadOnly {
		t.Errorf("Expected ErrStorageReadOnly. Got: %v", err)
	}
}

func TestStorageSaveLeavesNoTempFiles(t *testing.T) {
	// The atomic write path must not accumulate temp files on success.
	dir := t.TempDir()
	loc := filepath.Join(dir, "wallet.jmdat")
	s, err := CreateStorage(loc)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := s.Save(); err != nil {
			t.Fatal(err)
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("Expected only the wallet file in %s. Got %d entries", dir, len(entries))
	}
}

func TestMemoryStorageNeverTouchesDisk(t *testing.T) {
	s := NewMemoryStorage()
	s.Data["x"] = json.RawMessage(`1`)
	if err := s.Save(); err != nil {
		t.Fatal(err)
	}
	if s.Location() != "" {
		t.Errorf("Expected empty location for memory storage. Got: %q", s.Location())
	}
}
