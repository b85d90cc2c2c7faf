package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lkarlslund/chatrelay/pkg/backend"
	"github.com/lkarlslund/chatrelay/pkg/config"
	"github.com/lkarlslund/chatrelay/pkg/router"
	"github.com/lkarlslund/chatrelay/pkg/upstream"
)

type recordingSink struct {
	mu         sync.Mutex
	events     []StreamingResponse
	names      []string
	disconnect int
}

func (s *recordingSink) Send(event string, data any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names = append(s.names, event)
	if resp, ok := data.(StreamingResponse); ok {
		s.events = append(s.events, resp)
	}
	return true
}

func (s *recordingSink) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnect == 0 || len(s.events) < s.disconnect
}

type fakeBackend struct {
	name     string
	fallback string

	mu      sync.Mutex
	models  []string
	prompts []string
	respond func(model string) (*upstream.Stream, error)
}

func (f *fakeBackend) Name() string          { return f.name }
func (f *fakeBackend) Kind() string          { return "fake" }
func (f *fakeBackend) DefaultModel() string  { return "default" }
func (f *fakeBackend) FallbackModel() string { return f.fallback }
func (f *fakeBackend) Models() []string      { return []string{"default"} }
func (f *fakeBackend) HealthCheck(context.Context) backend.Health {
	return backend.Health{Status: backend.StatusOnline}
}

func (f *fakeBackend) Generate(ctx context.Context, req backend.Request) (*upstream.Stream, error) {
	f.mu.Lock()
	f.models = append(f.models, req.Model)
	f.prompts = append(f.prompts, req.Prompt)
	f.mu.Unlock()
	return f.respond(req.Model)
}

func ndjson(deltas ...string) func(string) (*upstream.Stream, error) {
	return func(string) (*upstream.Stream, error) {
		var b strings.Builder
		for _, d := range deltas {
			b.WriteString(`{"response":"` + d + `","done":false}` + "\n")
		}
		b.WriteString(`{"response":"","done":true}` + "\n")
		return upstream.NewStream(context.Background(), "fake", io.NopCloser(strings.NewReader(b.String())), upstream.FormatNDJSON), nil
	}
}

func testConfig() config.ServerConfig {
	cfg := config.NewDefaultServerConfig()
	cfg.Normalize()
	return *cfg
}

func newOrchestrator(t *testing.T, b backend.Backend) *Orchestrator {
	t.Helper()
	set := &backend.Set{}
	set.Add(b)
	return New(testConfig(), set)
}

func TestRunRelaysAccumulatedPrefixesInOrder(t *testing.T) {
	fb := &fakeBackend{name: "ollama", respond: ndjson("I", " think", " this is")}
	o := newOrchestrator(t, fb)
	turn := &Turn{SessionID: "s1", Message: "  headache, mild  "}
	if err := o.Validate(turn); err != nil {
		t.Fatalf("validate: %v", err)
	}
	info, err := o.Plan(turn)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if info.Service != "ollama" || info.Model != "medllama2:latest" {
		t.Fatalf("unexpected plan %+v", info)
	}
	sink := &recordingSink{}
	final := o.Run(context.Background(), turn, sink)
	if final != "I think this is" {
		t.Fatalf("final = %q", final)
	}
	want := []string{"I", "I think", "I think this is"}
	if len(sink.events) != 4 {
		t.Fatalf("expected 3 partial + 1 final events, got %+v", sink.events)
	}
	for i, w := range want {
		if ev := sink.events[i]; ev.Text != w || !ev.Partial || ev.Complete {
			t.Fatalf("event %d = %+v, want partial %q", i, ev, w)
		}
	}
	last := sink.events[3]
	if last.Partial || !last.Complete || last.Error || last.Text != "I think this is" {
		t.Fatalf("unexpected final event %+v", last)
	}
	if turn.State != StateCompleted {
		t.Fatalf("state = %s", turn.State)
	}
	if !strings.Contains(fb.prompts[0], "headache, mild") || strings.Contains(fb.prompts[0], "  headache") {
		t.Fatalf("prompt did not carry the trimmed message: %q", fb.prompts[0])
	}

	t.Run("delta on terminal line", func(t *testing.T) {
		body := `{"response":"A","done":false}` + "\n" + `{"response":"B","done":true}` + "\n"
		fb := &fakeBackend{name: "ollama", respond: func(string) (*upstream.Stream, error) {
			return upstream.NewStream(context.Background(), "fake", io.NopCloser(strings.NewReader(body)), upstream.FormatNDJSON), nil
		}}
		o := newOrchestrator(t, fb)
		turn := &Turn{SessionID: "s2", Message: "hi"}
		if _, err := o.Plan(turn); err != nil {
			t.Fatalf("plan: %v", err)
		}
		sink := &recordingSink{}
		if got := o.Run(context.Background(), turn, sink); got != "AB" {
			t.Fatalf("final = %q", got)
		}
		if len(sink.events) != 3 {
			t.Fatalf("expected 2 partial + 1 final events, got %+v", sink.events)
		}
		for i, w := range []string{"A", "AB"} {
			if ev := sink.events[i]; ev.Text != w || !ev.Partial {
				t.Fatalf("event %d = %+v, want partial %q", i, ev, w)
			}
		}
		if last := sink.events[2]; last.Partial || !last.Complete || last.Text != "AB" {
			t.Fatalf("unexpected final event %+v", last)
		}
	})
}

func TestRunFailuresResolveWithFallback(t *testing.T) {
	cases := []struct {
		name string
		err  error
	}{
		{name: "unreachable", err: upstream.ErrUnreachable},
		{name: "rejected", err: &upstream.HTTPError{Backend: "ollama", StatusCode: 500, Body: "boom"}},
		{name: "timed out", err: upstream.ErrTimedOut},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fb := &fakeBackend{name: "ollama", respond: func(string) (*upstream.Stream, error) { return nil, tc.err }}
			o := newOrchestrator(t, fb)
			turn := &Turn{Message: "hello", Language: "ar", Service: "ollama", Model: "default"}
			sink := &recordingSink{}
			got := o.Run(context.Background(), turn, sink)
			cfg := testConfig()
			want := cfg.MessagesFor("ar").Fallback
			if got == "" || got != want {
				t.Fatalf("fallback = %q, want %q", got, want)
			}
			if len(sink.events) != 1 || !sink.events[0].Error || !sink.events[0].Complete || sink.events[0].Text != want {
				t.Fatalf("expected exactly one terminal error event, got %+v", sink.events)
			}
			if turn.State != StateFailed || !errors.Is(turn.Err, tc.err) {
				t.Fatalf("state=%s err=%v", turn.State, turn.Err)
			}
		})
	}
}

func TestRunFallbackIsLanguageSpecific(t *testing.T) {
	fb := &fakeBackend{name: "ollama", respond: func(string) (*upstream.Stream, error) { return nil, upstream.ErrUnreachable }}
	o := newOrchestrator(t, fb)
	en := o.Run(context.Background(), &Turn{Message: "x", Language: "en", Service: "ollama"}, nil)
	ar := o.Run(context.Background(), &Turn{Message: "x", Language: "ar", Service: "ollama"}, nil)
	if en == "" || en == ar {
		t.Fatalf("expected distinct fallback per language, en=%q ar=%q", en, ar)
	}
}

func TestRunMidStreamTimeoutEmitsSingleTerminalError(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"response":"partial","done":false}`+"\n")
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	b, _ := backend.New(config.BackendConfig{Name: "ollama", Kind: config.BackendKindOllama, BaseURL: srv.URL, DefaultModel: "m"}, srv.Client())
	o := newOrchestrator(t, b)
	var results []error
	o.OnResult = func(_ string, _ time.Duration, err error) { results = append(results, err) }
	turn := &Turn{Message: "x", Language: "fr", Service: "ollama", Model: "m", Timeout: 150 * time.Millisecond}
	sink := &recordingSink{}
	got := o.Run(context.Background(), turn, sink)
	cfg := testConfig()
	if got != cfg.MessagesFor("fr").Fallback {
		t.Fatalf("unexpected result %q", got)
	}
	if len(sink.events) != 2 || !sink.events[0].Partial || !sink.events[1].Error {
		t.Fatalf("expected one partial then one error terminal, got %+v", sink.events)
	}
	if !errors.Is(turn.Err, upstream.ErrTimedOut) {
		t.Fatalf("expected timeout, got %v", turn.Err)
	}
	if len(results) != 2 || results[0] != nil || !errors.Is(results[1], upstream.ErrTimedOut) {
		t.Fatalf("unexpected observed results %v", results)
	}
}

func TestRunRetriesRateLimitOnceWithFallbackModel(t *testing.T) {
	fb := &fakeBackend{name: "openrouter", fallback: "free-model"}
	fb.respond = func(model string) (*upstream.Stream, error) {
		if model == "free-model" {
			return ndjson("ok")(model)
		}
		return nil, &upstream.HTTPError{Backend: "openrouter", StatusCode: 429}
	}
	o := newOrchestrator(t, fb)
	turn := &Turn{Message: "x", Service: "openrouter", Model: "paid-model"}
	if got := o.Run(context.Background(), turn, &recordingSink{}); got != "ok" {
		t.Fatalf("got %q", got)
	}
	if strings.Join(fb.models, ",") != "paid-model,free-model" || turn.Model != "free-model" {
		t.Fatalf("unexpected attempts %v model=%s", fb.models, turn.Model)
	}

	always := &fakeBackend{name: "openrouter", fallback: "free-model", respond: func(string) (*upstream.Stream, error) {
		return nil, &upstream.HTTPError{Backend: "openrouter", StatusCode: 429}
	}}
	o = newOrchestrator(t, always)
	turn = &Turn{Message: "x", Service: "openrouter", Model: "paid-model"}
	o.Run(context.Background(), turn, &recordingSink{})
	if len(always.models) != 2 || turn.State != StateFailed {
		t.Fatalf("expected exactly one retry, got %v state=%s", always.models, turn.State)
	}

	same := &fakeBackend{name: "openrouter", fallback: "paid-model", respond: always.respond}
	o = newOrchestrator(t, same)
	o.Run(context.Background(), &Turn{Message: "x", Service: "openrouter", Model: "paid-model"}, &recordingSink{})
	if len(same.models) != 1 {
		t.Fatalf("fallback equal to the failing model must not retry, got %v", same.models)
	}
}

func TestRunStopsEmittingAfterDisconnect(t *testing.T) {
	fb := &fakeBackend{name: "ollama", respond: ndjson("a", "b", "c", "d")}
	o := newOrchestrator(t, fb)
	sink := &recordingSink{disconnect: 2}
	got := o.Run(context.Background(), &Turn{Message: "x", Service: "ollama", Model: "m"}, sink)
	if got != "abcd" {
		t.Fatalf("turn should still complete, got %q", got)
	}
	if len(sink.events) != 2 {
		t.Fatalf("expected emissions to stop at disconnect, got %+v", sink.events)
	}
}

func TestRunToleratesMalformedUpstreamLines(t *testing.T) {
	body := `{"response":"ok","done":false}` + "\n" + `{not json` + "\n" + `{"response":"","done":true}` + "\n"
	fb := &fakeBackend{name: "ollama", respond: func(string) (*upstream.Stream, error) {
		return upstream.NewStream(context.Background(), "fake", io.NopCloser(strings.NewReader(body)), upstream.FormatNDJSON), nil
	}}
	o := newOrchestrator(t, fb)
	turn := &Turn{SessionID: "s1", Message: "hi"}
	if _, err := o.Plan(turn); err != nil {
		t.Fatalf("plan: %v", err)
	}
	sink := &recordingSink{}
	if got := o.Run(context.Background(), turn, sink); got != "ok" || turn.State != StateCompleted {
		t.Fatalf("final = %q state = %s", got, turn.State)
	}
	if len(sink.events) != 2 {
		t.Fatalf("expected 1 partial + 1 final events, got %+v", sink.events)
	}
}

func TestRunCanceledAttemptIsNotReported(t *testing.T) {
	fb := &fakeBackend{name: "ollama", respond: func(string) (*upstream.Stream, error) {
		return nil, fmt.Errorf("%w: %w", upstream.ErrUnreachable, context.Canceled)
	}}
	o := newOrchestrator(t, fb)
	reported := 0
	o.OnResult = func(string, time.Duration, error) { reported++ }
	turn := &Turn{SessionID: "s1", Message: "hi"}
	if _, err := o.Plan(turn); err != nil {
		t.Fatalf("plan: %v", err)
	}
	o.Run(context.Background(), turn, &recordingSink{})
	if reported != 0 {
		t.Fatalf("canceled attempt was reported %d times", reported)
	}
	if turn.State != StateFailed {
		t.Fatalf("state = %s", turn.State)
	}
}

func TestRunEmptyResponseFallsBack(t *testing.T) {
	fb := &fakeBackend{name: "ollama", respond: ndjson()}
	o := newOrchestrator(t, fb)
	turn := &Turn{Message: "x", Service: "ollama", Model: "m"}
	sink := &recordingSink{}
	o.Run(context.Background(), turn, sink)
	if turn.State != StateFailed || len(sink.events) != 1 || !sink.events[0].Error {
		t.Fatalf("expected fallback for empty response, state=%s events=%+v", turn.State, sink.events)
	}
}

func TestValidateRejectsEmptyAndOversize(t *testing.T) {
	o := newOrchestrator(t, &fakeBackend{name: "ollama"})
	if err := o.Validate(&Turn{Message: "   "}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for blank message, got %v", err)
	}
	long := strings.Repeat("ب", o.cfg.Limits.MaxMessageChars+1)
	if err := o.Validate(&Turn{Message: long}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for oversize message, got %v", err)
	}
	if err := o.Validate(&Turn{Images: []backend.Image{{Data: "AA=="}}}); err != nil {
		t.Fatalf("image without text should be accepted: %v", err)
	}
}

func TestPlanWithoutBackendsFails(t *testing.T) {
	o := New(testConfig(), &backend.Set{})
	if _, err := o.Plan(&Turn{Message: "x"}); !errors.Is(err, router.ErrNoServiceAvailable) {
		t.Fatalf("expected ErrNoServiceAvailable, got %v", err)
	}
}

func TestBuildPromptLayout(t *testing.T) {
	got := BuildPrompt(config.PromptConfig{Preamble: "CTX", UserLabel: "User: ", AssistantLabel: "Assistant:"}, " hi ")
	if got != "CTX\n\nUser: hi\n\nAssistant:" {
		t.Fatalf("prompt = %q", got)
	}
	if BuildPrompt(config.PromptConfig{}, "hi") != "hi" {
		t.Fatal("empty prompt config should pass the message through")
	}
}
