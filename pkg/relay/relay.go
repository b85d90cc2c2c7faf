// Package relay drives one generation turn from prompt to final event.
package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/lkarlslund/chatrelay/pkg/backend"
	"github.com/lkarlslund/chatrelay/pkg/config"
	"github.com/lkarlslund/chatrelay/pkg/logutil"
	"github.com/lkarlslund/chatrelay/pkg/metrics"
	"github.com/lkarlslund/chatrelay/pkg/router"
	"github.com/lkarlslund/chatrelay/pkg/upstream"
)

var ErrInvalidInput = errors.New("invalid input")

const defaultFallback = "Sorry, the service is currently unavailable. Please try again later."

// Event names emitted to the originating session.
const (
	EventStreamingResponse = "streaming_response"
	EventModelInfo         = "model_info"
)

// Sink receives the events of one turn. Connected is consulted before
// every emission.
type Sink interface {
	Send(event string, data any) bool
	Connected() bool
}

type State string

const (
	StatePending   State = "pending"
	StateStreaming State = "streaming"
	StateCompleted State = "completed"
	StateFailed    State = "failed_with_fallback"
)

// StreamingResponse is the payload of streaming_response events.
type StreamingResponse struct {
	Text     string `json:"text"`
	Partial  bool   `json:"partial"`
	Complete bool   `json:"complete,omitempty"`
	Error    bool   `json:"error,omitempty"`
	Service  string `json:"service,omitempty"`
	Model    string `json:"model,omitempty"`
}

type ModelInfo struct {
	Service string `json:"service"`
	Model   string `json:"model"`
	Reason  string `json:"reason"`
}

// Turn is one user message and its response. It is owned by the single Run
// call that executes it.
type Turn struct {
	SessionID string
	Message   string
	Language  string
	Audience  string
	Intent    router.Intent
	Images    []backend.Image
	Timeout   time.Duration

	Service string
	Model   string
	Reason  string
	State   State
	Text    string
	Err     error
}

type Orchestrator struct {
	cfg      config.ServerConfig
	backends *backend.Set
	router   *router.Router

	// OnResult, when set, observes the outcome of every upstream attempt.
	OnResult func(service string, latency time.Duration, err error)
}

func New(cfg config.ServerConfig, backends *backend.Set) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		backends: backends,
		router:   router.New(cfg.Routing),
	}
}

// Validate rejects empty and oversize messages before any backend call.
func (o *Orchestrator) Validate(t *Turn) error {
	t.Message = strings.TrimSpace(t.Message)
	if t.Message == "" && len(t.Images) == 0 {
		return fmt.Errorf("%w: empty message", ErrInvalidInput)
	}
	if limit := o.cfg.Limits.MaxMessageChars; limit > 0 && utf8.RuneCountInString(t.Message) > limit {
		return fmt.Errorf("%w: message exceeds %d characters", ErrInvalidInput, limit)
	}
	return nil
}

// Plan resolves the service and model for t.
func (o *Orchestrator) Plan(t *Turn) (ModelInfo, error) {
	in := t.Intent
	if in.ContextLength == 0 {
		in.ContextLength = utf8.RuneCountInString(t.Message)
	}
	if in.ContentType == "" && len(t.Images) > 0 {
		in.ContentType = router.ContentImage
	}
	d, err := router.Route(o.router.SelectModel(in), o.cfg.BackendPriority, o.backends.Available)
	if err != nil {
		return ModelInfo{}, err
	}
	t.Service, t.Model, t.Reason = d.Service, d.Model, d.Reason
	t.State = StatePending
	return ModelInfo{Service: d.Service, Model: d.Model, Reason: d.Reason}, nil
}

// Run executes a planned turn and returns the final text. Upstream failures
// never escape: they end the turn with one error event carrying the
// language's fallback message, which is also returned.
func (o *Orchestrator) Run(ctx context.Context, t *Turn, sink Sink) string {
	log := logutil.For("relay")
	start := time.Now()
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = time.Duration(o.cfg.Timeouts.ChatSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	emit := func(resp StreamingResponse) {
		if sink != nil && sink.Connected() {
			sink.Send(EventStreamingResponse, resp)
		}
	}

	b, ok := o.backends.Get(t.Service)
	var err error
	if !ok {
		err = fmt.Errorf("%w: backend %q", router.ErrNoServiceAvailable, t.Service)
	} else {
		var text string
		text, err = o.stream(ctx, b, t, emit)
		if err == nil {
			t.State = StateCompleted
			t.Text = text
			emit(StreamingResponse{Text: text, Partial: false, Complete: true, Service: t.Service, Model: t.Model})
			metrics.Turns.WithLabelValues(t.Service, "completed").Inc()
			metrics.TurnDuration.WithLabelValues(t.Service).Observe(time.Since(start).Seconds())
			log.Debug("turn completed", "session", t.SessionID, "service", t.Service, "model", t.Model, "chars", len(text))
			return text
		}
	}

	t.State = StateFailed
	t.Err = err
	t.Text = o.fallbackText(t.Language)
	emit(StreamingResponse{Text: t.Text, Partial: false, Complete: true, Error: true, Service: t.Service, Model: t.Model})
	metrics.Turns.WithLabelValues(t.Service, "fallback").Inc()
	metrics.TurnDuration.WithLabelValues(t.Service).Observe(time.Since(start).Seconds())
	log.Warn("turn failed, sent fallback", "session", t.SessionID, "service", t.Service, "model", t.Model, "kind", upstream.Kind(err), "err", err)
	return t.Text
}

// stream opens the upstream and relays partial events. A rate-limited first
// attempt is retried once with the backend's fallback model.
func (o *Orchestrator) stream(ctx context.Context, b backend.Backend, t *Turn, emit func(StreamingResponse)) (string, error) {
	req := o.request(t)
	s, err := o.open(ctx, b, req)
	if err != nil && errors.Is(err, upstream.ErrRateLimited) {
		if fb := b.FallbackModel(); fb != "" && fb != t.Model {
			logutil.For("relay").Info("rate limited, retrying with fallback model", "service", t.Service, "model", t.Model, "fallback", fb)
			t.Model = fb
			req.Model = fb
			s, err = o.open(ctx, b, req)
		}
	}
	if err != nil {
		return "", err
	}
	defer s.Close()
	t.State = StateStreaming
	attemptStart := time.Now()
	for {
		ev, err := s.Next()
		if err != nil {
			o.observe(t.Service, time.Since(attemptStart), err)
			return "", err
		}
		if ev.Done {
			if n := s.Skipped(); n > 0 {
				logutil.For("relay").Warn("dropped malformed upstream lines", "session", t.SessionID, "service", t.Service, "lines", n)
			}
			if strings.TrimSpace(ev.Text) == "" {
				err := fmt.Errorf("%w: empty response from %s", upstream.ErrRejected, t.Service)
				o.observe(t.Service, time.Since(attemptStart), err)
				return "", err
			}
			if ev.Delta != "" {
				emit(StreamingResponse{Text: ev.Text, Partial: true, Service: t.Service, Model: t.Model})
			}
			return ev.Text, nil
		}
		emit(StreamingResponse{Text: ev.Text, Partial: true, Service: t.Service, Model: t.Model})
	}
}

func (o *Orchestrator) open(ctx context.Context, b backend.Backend, req backend.Request) (*upstream.Stream, error) {
	start := time.Now()
	s, err := b.Generate(ctx, req)
	o.observe(b.Name(), time.Since(start), err)
	return s, err
}

// observe reports an attempt outcome. Attempts abandoned by the caller say
// nothing about the upstream and are not reported.
func (o *Orchestrator) observe(service string, latency time.Duration, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	if err != nil {
		metrics.UpstreamErrors.WithLabelValues(service, upstream.Kind(err)).Inc()
	}
	if o.OnResult != nil {
		o.OnResult(service, latency, err)
	}
}

func (o *Orchestrator) request(t *Turn) backend.Request {
	p := o.cfg.PromptFor(t.Language, t.Audience)
	return backend.Request{
		Model:  t.Model,
		Prompt: BuildPrompt(p, t.Message),
		System: p.Preamble,
		User:   t.Message,
		Images: t.Images,
	}
}

func (o *Orchestrator) fallbackText(language string) string {
	if msg := strings.TrimSpace(o.cfg.MessagesFor(language).Fallback); msg != "" {
		return msg
	}
	return defaultFallback
}

// BuildPrompt lays out the preamble, the labelled user message, and the
// assistant label.
func BuildPrompt(p config.PromptConfig, message string) string {
	message = strings.TrimSpace(message)
	var b strings.Builder
	if pre := strings.TrimSpace(p.Preamble); pre != "" {
		b.WriteString(pre)
		b.WriteString("\n\n")
	}
	b.WriteString(p.UserLabel)
	b.WriteString(message)
	if p.AssistantLabel != "" {
		b.WriteString("\n\n")
		b.WriteString(p.AssistantLabel)
	}
	return b.String()
}
