package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pelletier/go-toml/v2"
)

func TestDefaultServerConfigValidates(t *testing.T) {
	cfg := NewDefaultServerConfig()
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.HistoryCapacity != 1000 {
		t.Fatalf("expected history capacity 1000, got %d", cfg.HistoryCapacity)
	}
}

func TestBackendConfigTOMLOmitsEmptyFields(t *testing.T) {
	cfg := ServerConfig{
		Backends: []BackendConfig{{Name: "ollama", Kind: BackendKindOllama}},
	}
	b, err := toml.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	s := string(b)
	for _, forbidden := range []string{
		"\napi_keys = []\n",
		"\nfallback_model = ''\n",
		"\ntimeout_seconds = 0\n",
	} {
		if strings.Contains(s, forbidden) {
			t.Fatalf("found unexpected blank field %q in TOML:\n%s", forbidden, s)
		}
	}
}

func TestApplyEnvOverlaysBackendsAndAdmin(t *testing.T) {
	cfg := NewDefaultServerConfig()
	env := map[string]string{
		"PORT":                   "9090",
		"CHATRELAY_ADMIN_SECRET": " s3cret ",
		"OPENROUTER_API_KEYS":    "k1, k2,,k3",
		"OLLAMA_BASE_URL":        "https://example.ngrok-free.dev/",
		"OLLAMA_MODEL":           "llama3:8b",
		"DEEPSEEK_ENABLED":       "true",
		"DEEPSEEK_API_KEY":       "dk",
	}
	cfg.ApplyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.ListenAddr != "0.0.0.0:9090" {
		t.Fatalf("unexpected listen addr %q", cfg.ListenAddr)
	}
	if cfg.Admin.Secret != "s3cret" {
		t.Fatalf("unexpected admin secret %q", cfg.Admin.Secret)
	}
	or, ok := cfg.Backend("openrouter")
	if !ok || !or.Enabled || len(or.APIKeys) != 3 {
		t.Fatalf("expected openrouter enabled with 3 keys, got %+v", or)
	}
	ol, _ := cfg.Backend("ollama")
	if ol.BaseURL != "https://example.ngrok-free.dev" || ol.DefaultModel != "llama3:8b" {
		t.Fatalf("unexpected ollama backend %+v", ol)
	}
	if cfg.Routing.Primary.Model != "llama3:8b" {
		t.Fatalf("expected primary routing retargeted, got %+v", cfg.Routing.Primary)
	}
	ds, _ := cfg.Backend("deepseek")
	if !ds.Enabled || len(ds.APIKeys) != 1 {
		t.Fatalf("expected deepseek enabled with one key, got %+v", ds)
	}
}

func TestValidateRejectsUnknownRoutingBackend(t *testing.T) {
	cfg := NewDefaultServerConfig()
	cfg.Routing.Fastest = ModelRef{Service: "nope", Model: "m"}
	cfg.Normalize()
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for unknown routing backend")
	}
}

func TestLoadServerConfigReadsTOMLAndToleratesMissingFile(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "absent.toml")
	if _, err := LoadServerConfig(missing); err != nil {
		t.Fatalf("missing file should fall back to defaults: %v", err)
	}

	path := filepath.Join(t.TempDir(), "chatrelay.toml")
	cfg := NewDefaultServerConfig()
	cfg.HistoryCapacity = 250
	cfg.Admin.GraceMillis = 50
	if err := Save(path, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected saved file: %v", err)
	}
	loaded, err := LoadServerConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.HistoryCapacity != 250 || loaded.Admin.GraceMillis != 50 {
		t.Fatalf("unexpected loaded values: capacity=%d grace=%d", loaded.HistoryCapacity, loaded.Admin.GraceMillis)
	}
}

func TestMessagesForFallsBackToDefaultLanguage(t *testing.T) {
	cfg := NewDefaultServerConfig()
	cfg.Messages["de"] = MessagesConfig{Welcome: "Willkommen"}
	cfg.Normalize()
	m := cfg.MessagesFor("de-DE")
	if m.Welcome != "Willkommen" {
		t.Fatalf("expected german welcome, got %q", m.Welcome)
	}
	if m.Fallback != cfg.Messages["ar"].Fallback {
		t.Fatalf("expected arabic fallback to fill gap, got %q", m.Fallback)
	}
	p := cfg.PromptFor("EN", "")
	if !strings.Contains(p.Preamble, "medical assistant") {
		t.Fatalf("unexpected english preamble %q", p.Preamble)
	}

	// Snapshots handed out by value must answer the same lookups.
	if got := cfg.Clone().MessagesFor("de-DE").Welcome; got != "Willkommen" {
		t.Fatalf("snapshot welcome = %q", got)
	}
	if got := cfg.Clone().PromptFor("EN", "").Preamble; got != p.Preamble {
		t.Fatalf("snapshot preamble = %q", got)
	}
}
