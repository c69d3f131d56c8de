package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func TestBindCommonFlags(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	v := viper.New()

	BindCommonFlags(cmd, v)

	err := cmd.Flags().Parse([]string{
		"--data-dir", "/custom/dir",
		"--keys-dir", "/custom/keys",
		"--log-level", "debug",
		"--log-format", "json",
		"--config", "/etc/arc-sign/arc-sign.yaml",
	})
	if err != nil {
		t.Fatalf("Parse flags: %v", err)
	}

	tests := []struct {
		key  string
		want string
	}{
		{"data_dir", "/custom/dir"},
		{"keys_dir", "/custom/keys"},
		{"observability.log_level", "debug"},
		{"observability.log_format", "json"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			if got := v.GetString(tt.key); got != tt.want {
				t.Errorf("v.GetString(%q) = %q, want %q", tt.key, got, tt.want)
			}
		})
	}

	t.Run("config flag not bound to viper", func(t *testing.T) {
		if got := v.GetString("config"); got != "" {
			t.Errorf("config should not be in viper, got %q", got)
		}
		got, err := cmd.Flags().GetString("config")
		if err != nil {
			t.Fatalf("get config flag: %v", err)
		}
		if got != "/etc/arc-sign/arc-sign.yaml" {
			t.Errorf("config flag = %q", got)
		}
	})
}

func TestBindCommonFlags_defaults(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	v := viper.New()

	BindCommonFlags(cmd, v)
	SetCommonDefaults(v)

	if err := cmd.Flags().Parse([]string{}); err != nil {
		t.Fatalf("Parse flags: %v", err)
	}

	if got := v.GetString("data_dir"); got != Common.DataDir {
		t.Errorf("data_dir = %q, want %q", got, Common.DataDir)
	}
	if got := v.GetString("observability.log_format"); got != Common.LogFormat {
		t.Errorf("observability.log_format = %q, want %q", got, Common.LogFormat)
	}
}

func TestLoadBase(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		t.Chdir(t.TempDir())
		cfg, err := LoadBase(viper.New(), "")
		if err != nil {
			t.Fatalf("LoadBase() error = %v", err)
		}
		if cfg.DataDir != Common.DataDir || cfg.Observability.LogLevel != Common.LogLevel {
			t.Errorf("cfg = %+v", cfg)
		}
	})

	t.Run("env prefix", func(t *testing.T) {
		t.Chdir(t.TempDir())
		t.Setenv("ARC_SIGN_KEYS_DIR", "/env/keys")
		cfg, err := LoadBase(viper.New(), "")
		if err != nil {
			t.Fatalf("LoadBase() error = %v", err)
		}
		if cfg.KeysDir != "/env/keys" {
			t.Errorf("KeysDir = %q, want /env/keys", cfg.KeysDir)
		}
	})

	t.Run("config file found in working directory", func(t *testing.T) {
		dir := t.TempDir()
		t.Chdir(dir)
		if err := os.WriteFile(filepath.Join(dir, "arc-sign.yaml"), []byte("data_dir: /from/file\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		cfg, err := LoadBase(viper.New(), "")
		if err != nil {
			t.Fatalf("LoadBase() error = %v", err)
		}
		if cfg.DataDir != "/from/file" {
			t.Errorf("DataDir = %q, want /from/file", cfg.DataDir)
		}
	})

	t.Run("malformed file is an error", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "arc-sign.yaml")
		if err := os.WriteFile(path, []byte("data_dir: [unterminated\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadBase(viper.New(), path); err == nil {
			t.Error("LoadBase() should fail on a malformed file")
		}
	})
}
