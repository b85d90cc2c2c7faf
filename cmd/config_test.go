package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lkarlslund/chatrelay/pkg/config"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	defer func() {
		rootCmd.SetOut(os.Stdout)
		rootCmd.SetErr(os.Stderr)
	}()
	err := rootCmd.Execute()
	return out.String(), err
}

func TestConfigInitAndShow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chatrelay.toml")
	if _, err := run(t, "config", "init", "--config", path); err != nil {
		t.Fatalf("config init: %v", err)
	}
	cfg, err := config.LoadServerConfig(path)
	if err != nil {
		t.Fatalf("load written config: %v", err)
	}
	if cfg.Routing.Primary.Service != "ollama" {
		t.Fatalf("unexpected primary route %+v", cfg.Routing.Primary)
	}
	if _, err := run(t, "config", "init", "--config", path); err == nil {
		t.Fatal("expected init to refuse overwriting")
	}

	t.Setenv("CHATRELAY_ADMIN_SECRET", "do-not-print")
	out, err := run(t, "config", "show", "--config", path)
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	if strings.Contains(out, "do-not-print") || !strings.Contains(out, "listen_addr") {
		t.Fatalf("unexpected show output:\n%s", out)
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "chatrelay ") {
		t.Fatalf("unexpected version output %q", out)
	}
}
