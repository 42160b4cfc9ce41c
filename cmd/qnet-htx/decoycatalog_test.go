package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/qnetproto/qnet-htx/internal/config"
	"github.com/qnetproto/qnet-htx/internal/decoy"
)

func writeDecoyFile(t *testing.T, signed decoy.Signed) string {
	t.Helper()
	data, err := json.Marshal(signed)
	if err != nil {
		t.Fatalf("marshal signed catalog: %v", err)
	}
	path := filepath.Join(t.TempDir(), "decoys.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write decoy file: %v", err)
	}
	return path
}

func TestVerifyDecoyCatalogAllowUnsigned(t *testing.T) {
	catalog := decoy.Catalog{Version: 1, Entries: []decoy.Entry{
		{HostPattern: "example.com", DecoyHost: "cdn.example.net", Port: 443, Weight: 1},
	}}
	path := writeDecoyFile(t, decoy.Signed{Catalog: catalog})

	signed, err := loadDecoyFile(path)
	if err != nil {
		t.Fatalf("loadDecoyFile: %v", err)
	}

	cfg := config.Default()
	cfg.Decoy.AllowUnsigned = true
	got, err := verifyDecoyCatalog(cfg, signed)
	if err != nil {
		t.Fatalf("verifyDecoyCatalog: %v", err)
	}
	if len(got.Entries) != 1 || got.Entries[0].DecoyHost != "cdn.example.net" {
		t.Fatalf("unexpected catalog: %+v", got)
	}
}

func TestVerifyDecoyCatalogRejectsUnsignedByDefault(t *testing.T) {
	catalog := decoy.Catalog{Version: 1, Entries: []decoy.Entry{
		{HostPattern: "example.com", DecoyHost: "cdn.example.net", Port: 443, Weight: 1},
	}}
	cfg := config.Default()

	if _, err := verifyDecoyCatalog(cfg, decoy.Signed{Catalog: catalog}); err == nil {
		t.Fatal("expected an error for an unsigned catalog with no public key and allow_unsigned false")
	}
}
