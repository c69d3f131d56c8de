package keyring

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gezibash/arc-sign/pkg/identity/secp256k1"
)

const testPrivateKey = "0000000000000000000000000000000000000000000000000000000000000001"

func newTestKeyring(t *testing.T) *Keyring {
	t.Helper()
	return New(t.TempDir())
}

func generateKey(t *testing.T, kr *Keyring, alias string) *Key {
	t.Helper()
	key, err := kr.Generate(context.Background(), alias)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func TestGenerateCreatesKeyFiles(t *testing.T) {
	kr := newTestKeyring(t)
	key := generateKey(t, kr, "")

	id := addrHex(key.Address)
	for _, p := range []string{
		filepath.Join(kr.dir, "keys", id+".key"),
		filepath.Join(kr.dir, "keys", id+".json"),
	} {
		info, err := os.Stat(p)
		if err != nil {
			t.Fatalf("stat %s: %v", p, err)
		}
		if info.Mode().Perm() != 0o600 {
			t.Errorf("%s mode = %v, want 0600", p, info.Mode().Perm())
		}
	}
	if key.Keypair.Address() != key.Address {
		t.Error("address does not match keypair")
	}
}

func TestImportKnownKey(t *testing.T) {
	kr := newTestKeyring(t)
	key, err := kr.Import(context.Background(), "0x"+testPrivateKey, "genesis")
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if got := key.Address.Hex(); got != "0x7E5F4552091A69125d5DfCb7b8C2659029395Bdf" {
		t.Fatalf("address = %s", got)
	}

	loaded, err := kr.LoadAddress(context.Background(), key.Address)
	if err != nil {
		t.Fatalf("LoadAddress: %v", err)
	}
	if loaded.Keypair.Hex() != testPrivateKey {
		t.Errorf("private key round trip = %s", loaded.Keypair.Hex())
	}
}

func TestImportInvalid(t *testing.T) {
	kr := newTestKeyring(t)
	if _, err := kr.Import(context.Background(), "zz", ""); err == nil {
		t.Fatal("expected error for invalid key")
	}
}

func TestLoadForms(t *testing.T) {
	kr := newTestKeyring(t)
	key := generateKey(t, kr, "alice")
	ctx := context.Background()

	for _, name := range []string{
		"alice",
		key.Address.Hex(),
		strings.ToLower(key.Address.Hex()),
		strings.TrimPrefix(key.Address.Hex(), "0x"),
	} {
		loaded, err := kr.Load(ctx, name)
		if err != nil {
			t.Fatalf("Load(%q): %v", name, err)
		}
		if loaded.Address != key.Address {
			t.Errorf("Load(%q) = %s, want %s", name, loaded.Address, key.Address)
		}
	}
}

func TestLoadMissing(t *testing.T) {
	kr := newTestKeyring(t)
	ctx := context.Background()

	if _, err := kr.Load(ctx, "nobody"); !errors.Is(err, ErrAliasNotFound) {
		t.Errorf("missing alias = %v, want ErrAliasNotFound", err)
	}
	if _, err := kr.Load(ctx, "0x"+strings.Repeat("ab", 20)); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing address = %v, want ErrNotFound", err)
	}

	generateKey(t, kr, "someone")
	if _, err := kr.Load(ctx, "0x"+strings.Repeat("ab", 20)); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing address with keyring file = %v, want ErrNotFound", err)
	}
}

func TestDefaultKey(t *testing.T) {
	kr := newTestKeyring(t)
	ctx := context.Background()

	if _, err := kr.LoadDefault(ctx); !errors.Is(err, ErrNoDefault) {
		t.Fatalf("LoadDefault on empty keyring = %v, want ErrNoDefault", err)
	}

	key := generateKey(t, kr, DefaultAlias)
	generateKey(t, kr, "other")
	if err := kr.SetDefault(DefaultAlias); err != nil {
		t.Fatal(err)
	}
	if err := kr.SetDefault("missing"); !errors.Is(err, ErrAliasNotFound) {
		t.Errorf("SetDefault(missing) = %v", err)
	}

	loaded, err := kr.LoadDefault(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Address != key.Address {
		t.Errorf("default = %s, want %s", loaded.Address, key.Address)
	}
}

func TestLoadOrGenerate(t *testing.T) {
	kr := newTestKeyring(t)
	ctx := context.Background()

	first, err := kr.LoadOrGenerate(ctx, "node")
	if err != nil {
		t.Fatal(err)
	}
	second, err := kr.LoadOrGenerate(ctx, "node")
	if err != nil {
		t.Fatal(err)
	}
	if first.Address != second.Address {
		t.Error("LoadOrGenerate generated a second key for the same alias")
	}
}

func TestList(t *testing.T) {
	kr := newTestKeyring(t)
	ctx := context.Background()

	infos, err := kr.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 0 {
		t.Fatalf("empty keyring listed %d keys", len(infos))
	}

	a := generateKey(t, kr, "a")
	b := generateKey(t, kr, "")
	if err := kr.SetDefault("a"); err != nil {
		t.Fatal(err)
	}

	infos, err = kr.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 2 {
		t.Fatalf("listed %d keys, want 2", len(infos))
	}
	for _, info := range infos {
		switch info.Address {
		case a.Address:
			if !info.IsDefault || len(info.Aliases) != 1 || info.Aliases[0] != "a" {
				t.Errorf("a = %+v", info)
			}
		case b.Address:
			if info.IsDefault || len(info.Aliases) != 0 {
				t.Errorf("b = %+v", info)
			}
		default:
			t.Errorf("unexpected key %s", info.Address)
		}
	}
}

func TestDeleteRemovesAliasesAndDefault(t *testing.T) {
	kr := newTestKeyring(t)
	ctx := context.Background()
	key := generateKey(t, kr, "gone")
	if err := kr.SetDefault("gone"); err != nil {
		t.Fatal(err)
	}

	if err := kr.Delete(ctx, "gone"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := kr.LoadAddress(ctx, key.Address); !errors.Is(err, ErrNotFound) {
		t.Errorf("key still loadable: %v", err)
	}
	if _, err := kr.LoadDefault(ctx); !errors.Is(err, ErrNoDefault) {
		t.Errorf("default survived delete: %v", err)
	}
	if err := kr.Delete(ctx, key.Address.Hex()); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete = %v, want ErrNotFound", err)
	}
}

func TestSetAliasUnknownKey(t *testing.T) {
	kr := newTestKeyring(t)
	if err := kr.SetAlias("x", strings.Repeat("0", 40)); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetAlias = %v, want ErrNotFound", err)
	}
}

func TestSignerSignsAsAddress(t *testing.T) {
	kr := newTestKeyring(t)
	key := generateKey(t, kr, "signer")

	s, err := kr.Signer(context.Background(), "signer")
	if err != nil {
		t.Fatal(err)
	}
	msg := []byte("arc-sign login")
	sig, err := s.SignText(msg)
	if err != nil {
		t.Fatal(err)
	}
	got, err := secp256k1.RecoverText(msg, sig)
	if err != nil {
		t.Fatal(err)
	}
	if got != key.Address {
		t.Errorf("recovered %s, want %s", got, key.Address)
	}
}

func TestCorruptKeyFile(t *testing.T) {
	kr := newTestKeyring(t)
	key := generateKey(t, kr, "")
	path := kr.keyPath(addrHex(key.Address))
	if err := os.WriteFile(path, []byte(testPrivateKey), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := kr.LoadAddress(context.Background(), key.Address); err == nil {
		t.Error("loaded a key file holding another account's key")
	}
}
