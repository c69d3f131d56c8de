// Package keyring manages the secp256k1 signing keys of ledger accounts on
// disk. Keys are stored one file per account address, with optional
// human-readable aliases and a default key recorded in keyring.json.
package keyring

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gezibash/arc-sign/pkg/identity"
	"github.com/gezibash/arc-sign/pkg/identity/secp256k1"
)

const (
	DefaultAlias     = "default"
	AddressHexLength = 40
)

var (
	ErrNotFound      = errors.New("key not found")
	ErrAliasNotFound = errors.New("alias not found")
	ErrAlreadyExists = errors.New("key already exists")
	ErrNoDefault     = errors.New("no default key set")
)

type Keyring struct {
	dir string
}

type Key struct {
	Keypair  *secp256k1.Keypair
	Address  identity.Address
	Metadata *Metadata
}

type Metadata struct {
	Address   string    `json:"address"`
	CreatedAt time.Time `json:"created_at"`
}

type KeyInfo struct {
	Address   identity.Address `json:"address"`
	Aliases   []string         `json:"aliases,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	IsDefault bool             `json:"is_default"`
}

func New(dir string) *Keyring {
	return &Keyring{dir: dir}
}

// Dir returns the keyring root directory.
func (kr *Keyring) Dir() string {
	return kr.dir
}

// addrHex is the file-name form of an address: 40 lowercase hex chars.
func addrHex(a identity.Address) string {
	return strings.ToLower(strings.TrimPrefix(a.Hex(), "0x"))
}

func (kr *Keyring) Generate(ctx context.Context, alias string) (*Key, error) {
	kp, err := secp256k1.Generate()
	if err != nil {
		return nil, err
	}
	return kr.store(kp, alias, true)
}

// Import stores an existing private key given as hex.
func (kr *Keyring) Import(_ context.Context, privateKeyHex, alias string) (*Key, error) {
	kp, err := secp256k1.FromHex(privateKeyHex)
	if err != nil {
		return nil, err
	}
	return kr.store(kp, alias, false)
}

func (kr *Keyring) store(kp *secp256k1.Keypair, alias string, mustBeNew bool) (*Key, error) {
	id := addrHex(kp.Address())
	if mustBeNew && kr.keyExists(id) {
		return nil, ErrAlreadyExists
	}

	meta := &Metadata{Address: kp.Address().Hex(), CreatedAt: time.Now().UTC()}
	if err := kr.saveKey(kp, id, meta); err != nil {
		return nil, err
	}

	if alias != "" {
		if err := kr.SetAlias(alias, id); err != nil {
			_ = kr.deleteKeyFiles(id)
			return nil, err
		}
	}
	return &Key{Keypair: kp, Address: kp.Address(), Metadata: meta}, nil
}

// Load resolves nameOrAddress as an alias or an address (with or without
// 0x) and loads the key.
func (kr *Keyring) Load(_ context.Context, nameOrAddress string) (*Key, error) {
	id, err := kr.resolve(nameOrAddress)
	if err != nil {
		return nil, err
	}
	kp, meta, err := kr.loadKey(id)
	if err != nil {
		return nil, err
	}
	return &Key{Keypair: kp, Address: kp.Address(), Metadata: meta}, nil
}

// LoadAddress loads the key of a.
func (kr *Keyring) LoadAddress(ctx context.Context, a identity.Address) (*Key, error) {
	return kr.Load(ctx, addrHex(a))
}

func (kr *Keyring) LoadDefault(ctx context.Context) (*Key, error) {
	kf, err := kr.loadKeyringFile()
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNoDefault
		}
		return nil, err
	}
	if kf.Default == "" {
		return nil, ErrNoDefault
	}
	return kr.Load(ctx, kf.Default)
}

func (kr *Keyring) LoadOrGenerate(ctx context.Context, alias string) (*Key, error) {
	key, err := kr.Load(ctx, alias)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrAliasNotFound) {
		return nil, err
	}
	return kr.Generate(ctx, alias)
}

func (kr *Keyring) List(_ context.Context) ([]*KeyInfo, error) {
	kf, err := kr.loadKeyringFile()
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	aliasMap := make(map[string][]string)
	var defaultID string
	if kf != nil {
		for alias, id := range kf.Aliases {
			aliasMap[id] = append(aliasMap[id], alias)
		}
		if kf.Default != "" {
			defaultID, _ = kr.resolveAlias(kf.Default, kf)
		}
	}

	ids, err := kr.listKeyFiles()
	if err != nil {
		return nil, err
	}

	infos := make([]*KeyInfo, 0, len(ids))
	for _, id := range ids {
		kp, meta, err := kr.loadKey(id)
		if err != nil {
			continue
		}
		infos = append(infos, &KeyInfo{
			Address:   kp.Address(),
			Aliases:   aliasMap[id],
			CreatedAt: meta.CreatedAt,
			IsDefault: defaultID == id,
		})
	}
	return infos, nil
}

// Signer adapts a stored key to identity.Signer.
func (kr *Keyring) Signer(ctx context.Context, nameOrAddress string) (identity.Signer, error) {
	key, err := kr.Load(ctx, nameOrAddress)
	if err != nil {
		return nil, err
	}
	return key.Keypair, nil
}

func (kr *Keyring) Delete(_ context.Context, nameOrAddress string) error {
	id, err := kr.resolve(nameOrAddress)
	if err != nil {
		return err
	}

	kf, err := kr.loadKeyringFile()
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	if kf != nil {
		changed := false
		for alias, target := range kf.Aliases {
			if target == id {
				delete(kf.Aliases, alias)
				changed = true
			}
		}
		if kf.Default != "" {
			defaultID, _ := kr.resolveAlias(kf.Default, kf)
			if defaultID == id || defaultID == "" {
				kf.Default = ""
				changed = true
			}
		}
		if changed {
			if err := kr.saveKeyringFile(kf); err != nil {
				return err
			}
		}
	}

	return kr.deleteKeyFiles(id)
}

func (kr *Keyring) SetAlias(alias, address string) error {
	id := normalize(address)
	if !kr.keyExists(id) {
		return ErrNotFound
	}

	kf, err := kr.loadKeyringFile()
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		kf = &keyringFile{Version: 1, Aliases: make(map[string]string)}
	}

	kf.Aliases[alias] = id
	return kr.saveKeyringFile(kf)
}

func (kr *Keyring) SetDefault(alias string) error {
	kf, err := kr.loadKeyringFile()
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		kf = &keyringFile{Version: 1, Aliases: make(map[string]string)}
	}

	if _, ok := kf.Aliases[alias]; !ok {
		return ErrAliasNotFound
	}

	kf.Default = alias
	return kr.saveKeyringFile(kf)
}

func (kr *Keyring) resolve(nameOrAddress string) (string, error) {
	id := normalize(nameOrAddress)
	if isAddressHex(id) && kr.keyExists(id) {
		return id, nil
	}

	kf, err := kr.loadKeyringFile()
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			if isAddressHex(id) {
				return "", ErrNotFound
			}
			return "", ErrAliasNotFound
		}
		return "", err
	}
	return kr.resolveAlias(nameOrAddress, kf)
}

func (kr *Keyring) resolveAlias(nameOrAddress string, kf *keyringFile) (string, error) {
	if id, ok := kf.Aliases[nameOrAddress]; ok {
		id = normalize(id)
		if kr.keyExists(id) {
			return id, nil
		}
		return "", ErrNotFound
	}

	id := normalize(nameOrAddress)
	if isAddressHex(id) {
		if kr.keyExists(id) {
			return id, nil
		}
		return "", ErrNotFound
	}
	return "", ErrAliasNotFound
}

func isAddressHex(s string) bool {
	if len(s) != AddressHexLength {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// normalize lowercases and strips an optional 0x prefix.
func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.TrimPrefix(s, "0x")
}
