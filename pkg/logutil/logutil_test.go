package logutil

import (
	"bytes"
	"strings"
	"testing"

	log "github.com/charmbracelet/log"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]log.Level{
		"":      log.InfoLevel,
		"trace": log.DebugLevel,
		"DEBUG": log.DebugLevel,
		"warn":  log.WarnLevel,
		"error": log.ErrorLevel,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil {
			t.Fatalf("ParseLevel(%q) error: %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestComponentLoggerFollowsConfiguredLevel(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(nil)

	l := For("relay-test")
	if err := Configure("warn"); err != nil {
		t.Fatalf("configure: %v", err)
	}
	l.Info("hidden line")
	l.Warn("visible line", "turn", 7)
	out := buf.String()
	if strings.Contains(out, "hidden line") {
		t.Fatalf("info should be filtered at warn level: %q", out)
	}
	if !strings.Contains(out, "visible line") || !strings.Contains(out, "relay-test") {
		t.Fatalf("expected prefixed warn line, got %q", out)
	}
	if For("relay-test") != l {
		t.Fatal("expected component logger to be reused")
	}
	_ = Configure("info")
}
