package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandlerExposesRelayCounters(t *testing.T) {
	Turns.WithLabelValues("ollama", "completed").Inc()
	ActiveSessions.Set(2)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	out := string(body)
	for _, want := range []string{
		`chatrelay_turns_total{outcome="completed",service="ollama"}`,
		"chatrelay_active_sessions 2",
		"go_goroutines",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in metrics output", want)
		}
	}
}
