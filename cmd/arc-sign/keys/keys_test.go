package keys

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gezibash/arc-sign/pkg/identity"
	"github.com/gezibash/arc-sign/pkg/identity/secp256k1"
)

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := Entrypoint()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func setup(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Chdir(dir)
	keys := filepath.Join(dir, "keyring")
	t.Setenv("ARC_SIGN_KEYS_DIR", keys)
	return keys
}

func data[T any](t *testing.T, out string) T {
	t.Helper()
	var env struct {
		Data T `json:"data"`
	}
	if err := json.Unmarshal([]byte(out), &env); err != nil {
		t.Fatalf("unmarshal %q: %v", out, err)
	}
	return env.Data
}

func TestGenerateListSign(t *testing.T) {
	setup(t)

	out, err := run(t, "", "generate", "-o", "json")
	if err != nil {
		t.Fatalf("generate: %v\n%s", err, out)
	}
	addr := identity.MustParseAddress(data[map[string]string](t, out)["address"])

	if _, err := run(t, "", "generate"); err == nil {
		t.Error("second generate of default alias succeeded without --force")
	}
	if _, err := run(t, "", "generate", "bob"); err != nil {
		t.Fatalf("generate bob: %v", err)
	}

	out, err = run(t, "", "list", "-o", "json")
	if err != nil {
		t.Fatal(err)
	}
	rows := data[[]map[string]string](t, out)
	if len(rows) != 2 {
		t.Fatalf("rows = %v", rows)
	}
	defaults := 0
	for _, r := range rows {
		if r["default"] == "*" {
			defaults++
			if r["address"] != addr.Hex() {
				t.Errorf("default row = %v, want %s", r, addr.Hex())
			}
		}
	}
	if defaults != 1 {
		t.Errorf("%d default rows", defaults)
	}

	msg := "arc-sign login\naddress: " + addr.Hex() + "\nnonce: abc"
	out, err = run(t, msg+"\n", "sign", "-", "-o", "json")
	if err != nil {
		t.Fatalf("sign: %v\n%s", err, out)
	}
	got := data[map[string]string](t, out)
	sig, err := secp256k1.DecodeSignature(got["signature"])
	if err != nil {
		t.Fatal(err)
	}
	recovered, err := secp256k1.RecoverText([]byte(msg), sig)
	if err != nil {
		t.Fatal(err)
	}
	if recovered != addr {
		t.Errorf("signature recovers %s, want %s", recovered, addr)
	}
}

func TestImportDefaultDelete(t *testing.T) {
	setup(t)
	const priv = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

	out, err := run(t, "", "import", priv, "alice", "-o", "json")
	if err != nil {
		t.Fatalf("import: %v\n%s", err, out)
	}
	addr := data[map[string]string](t, out)["address"]

	if _, err := run(t, "", "default", "alice"); err != nil {
		t.Fatalf("default: %v", err)
	}
	out, err = run(t, "hello", "sign", "-", "-o", "json")
	if err != nil {
		t.Fatal(err)
	}
	if data[map[string]string](t, out)["address"] != addr {
		t.Errorf("default key signs as %s, want %s", out, addr)
	}

	if _, err := run(t, "", "delete", "alice"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := run(t, "hello", "sign", "-"); err == nil {
		t.Error("sign with deleted default key succeeded")
	}
}

func TestListEmpty(t *testing.T) {
	setup(t)
	out, err := run(t, "", "list")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "No keys found") {
		t.Errorf("output = %q", out)
	}
}

func TestSignUnknownKey(t *testing.T) {
	setup(t)
	_, err := run(t, "", "sign", "x", "--key", "nobody")
	if err == nil {
		t.Fatal("expected error")
	}
}

