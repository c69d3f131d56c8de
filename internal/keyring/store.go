package keyring

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/gezibash/arc-sign/pkg/identity/secp256k1"
)

type keyringFile struct {
	Version int               `json:"version"`
	Default string            `json:"default,omitempty"`
	Aliases map[string]string `json:"aliases"`
}

func (kr *Keyring) keysDir() string {
	return filepath.Join(kr.dir, "keys")
}

func (kr *Keyring) keyringFilePath() string {
	return filepath.Join(kr.dir, "keyring.json")
}

func (kr *Keyring) keyPath(id string) string {
	return filepath.Join(kr.keysDir(), normalize(id)+".key")
}

func (kr *Keyring) metaPath(id string) string {
	return filepath.Join(kr.keysDir(), normalize(id)+".json")
}

func (kr *Keyring) keyExists(id string) bool {
	_, err := os.Stat(kr.keyPath(id))
	return err == nil
}

// saveKey writes the hex private key and its metadata. The key file is
// written to a temp name and renamed so readers never see a partial key.
func (kr *Keyring) saveKey(kp *secp256k1.Keypair, id string, meta *Metadata) error {
	if err := os.MkdirAll(kr.keysDir(), 0o700); err != nil {
		return fmt.Errorf("create keys directory: %w", err)
	}

	keyPath := kr.keyPath(id)
	tmp := keyPath + ".tmp"
	if err := os.WriteFile(tmp, []byte(kp.Hex()+"\n"), 0o600); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	if err := os.Rename(tmp, keyPath); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write key file: %w", err)
	}

	metaJSON, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		_ = os.Remove(keyPath)
		return fmt.Errorf("marshal metadata: %w", err)
	}
	if err := os.WriteFile(kr.metaPath(id), metaJSON, 0o600); err != nil {
		_ = os.Remove(keyPath)
		return fmt.Errorf("write metadata file: %w", err)
	}
	return nil
}

func (kr *Keyring) loadKey(id string) (*secp256k1.Keypair, *Metadata, error) {
	data, err := os.ReadFile(kr.keyPath(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("read key file: %w", err)
	}

	kp, err := secp256k1.FromHex(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, nil, fmt.Errorf("parse key file: %w", err)
	}
	if normalize(kp.Address().Hex()) != normalize(id) {
		return nil, nil, fmt.Errorf("key file %s holds the key of %s", id, kp.Address())
	}

	meta := &Metadata{Address: kp.Address().Hex()}
	metaJSON, err := os.ReadFile(kr.metaPath(id))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, nil, fmt.Errorf("read metadata file: %w", err)
		}
	} else if err := json.Unmarshal(metaJSON, meta); err != nil {
		return nil, nil, fmt.Errorf("parse metadata: %w", err)
	}

	return kp, meta, nil
}

func (kr *Keyring) deleteKeyFiles(id string) error {
	if err := os.Remove(kr.keyPath(id)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("delete key file: %w", err)
	}
	_ = os.Remove(kr.metaPath(id))
	return nil
}

func (kr *Keyring) listKeyFiles() ([]string, error) {
	entries, err := os.ReadDir(kr.keysDir())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read keys directory: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".key") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(entry.Name(), ".key"))
	}
	return ids, nil
}

func (kr *Keyring) loadKeyringFile() (*keyringFile, error) {
	data, err := os.ReadFile(kr.keyringFilePath())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read keyring file: %w", err)
	}

	kf := &keyringFile{}
	if err := json.Unmarshal(data, kf); err != nil {
		return nil, fmt.Errorf("parse keyring file: %w", err)
	}
	if kf.Aliases == nil {
		kf.Aliases = make(map[string]string)
	}
	for alias, id := range kf.Aliases {
		kf.Aliases[alias] = normalize(id)
	}
	return kf, nil
}

func (kr *Keyring) saveKeyringFile(kf *keyringFile) error {
	if err := os.MkdirAll(kr.dir, 0o700); err != nil {
		return fmt.Errorf("create keyring directory: %w", err)
	}

	data, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal keyring file: %w", err)
	}
	if err := os.WriteFile(kr.keyringFilePath(), data, 0o600); err != nil {
		return fmt.Errorf("write keyring file: %w", err)
	}
	return nil
}
