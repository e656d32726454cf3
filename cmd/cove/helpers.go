package main

import (
	"fmt"
	"os"
	"path/filepath"

	cove "github.com/cove-im/cove-go"
)

// getEngine builds an engine from the stored configuration, backed by the
// durable store under the data directory, with the identity unlocked from
// the COVE_PASSPHRASE environment variable.
func getEngine() (*cove.Engine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Default.BaseURL == "" {
		return nil, fmt.Errorf("no base URL configured. Run 'cove init <base-url> <token>' first")
	}
	if cfg.Auth.Token == "" {
		return nil, fmt.Errorf("no token configured. Run 'cove init <base-url> <token>' first")
	}

	dataDir := cfg.Default.DataDir
	if dataDir == "" {
		dir, err := configDir()
		if err != nil {
			return nil, err
		}
		dataDir = filepath.Join(dir, "data")
	}
	store, err := cove.OpenPebbleStore(dataDir)
	if err != nil {
		return nil, fmt.Errorf("cannot open local store: %w", err)
	}

	eng := cove.New(cfg.Default.BaseURL,
		cove.WithStore(store),
		cove.WithCredential(cfg.Auth.Token),
		cove.WithUserID(cfg.Auth.UserID),
	)

	passphrase := os.Getenv("COVE_PASSPHRASE")
	if passphrase == "" {
		eng.Close()
		return nil, fmt.Errorf("COVE_PASSPHRASE is not set; it protects your identity key at rest")
	}
	if _, err := eng.UnlockIdentity([]byte(passphrase)); err != nil {
		eng.Close()
		return nil, fmt.Errorf("cannot unlock identity: %w", err)
	}
	return eng, nil
}

// maskKey shows the first 12 and last 4 characters of a key. Keys too short
// to mask meaningfully come back fully redacted.
func maskKey(key string) string {
	if len(key) < 8 {
		return "..."
	}
	if len(key) <= 16 {
		return key[:4] + "..." + key[len(key)-4:]
	}
	return key[:12] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
