package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/qnetproto/qnet-htx/internal/config"
	"github.com/qnetproto/qnet-htx/internal/decoy"
)

func loadDecoyFile(path string) (decoy.Signed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return decoy.Signed{}, err
	}
	var signed decoy.Signed
	if err := json.Unmarshal(data, &signed); err != nil {
		return decoy.Signed{}, fmt.Errorf("parse decoy catalog: %w", err)
	}
	return signed, nil
}

func verifyDecoyCatalog(cfg *config.Config, signed decoy.Signed) (decoy.Catalog, error) {
	if cfg.Decoy.PublicKeyHex != "" {
		return decoy.Verify(cfg.Decoy.PublicKeyHex, signed)
	}
	if cfg.Decoy.AllowUnsigned {
		return signed.Catalog, nil
	}
	return decoy.Catalog{}, fmt.Errorf("decoy.public_key_hex not configured and decoy.allow_unsigned is false")
}
