// Package backend adapts configured generation services to one interface.
package backend

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/lkarlslund/chatrelay/pkg/config"
	"github.com/lkarlslund/chatrelay/pkg/keypool"
	"github.com/lkarlslund/chatrelay/pkg/upstream"
)

// Image is an inline image attached to a request, base64 encoded.
type Image struct {
	MIMEType string
	Data     string
}

// Request is one generation call. Prompt is the full flattened prompt;
// System and User carry the same content split by role for chat-style APIs.
type Request struct {
	Model  string
	Prompt string
	System string
	User   string
	Images []Image
}

type Audio struct {
	Data     []byte
	FileName string
	Model    string
	Language string
}

type Health struct {
	Status     string    `json:"status"`
	ResponseMS int64     `json:"response_ms"`
	ModelCount int       `json:"model_count"`
	CheckedAt  time.Time `json:"checked_at"`
	Error      string    `json:"error,omitempty"`
}

const (
	StatusOnline      = "online"
	StatusOffline     = "offline"
	StatusAuthProblem = "auth problem"
	StatusRateLimited = "rate limited"
)

// Backend is a generation service selected by name.
type Backend interface {
	Name() string
	Kind() string
	DefaultModel() string
	FallbackModel() string
	Models() []string
	Generate(ctx context.Context, req Request) (*upstream.Stream, error)
	HealthCheck(ctx context.Context) Health
}

// Transcriber is implemented by backends that can turn speech into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio Audio) (string, error)
}

// KeyReporter is implemented by backends that pool API credentials.
type KeyReporter interface {
	KeyStats() []keypool.CredentialStats
	// KeyCounts reports selectable and configured credentials.
	KeyCounts() (active, total int)
}

// New builds the backend for cfg.
func New(cfg config.BackendConfig, client *http.Client) (Backend, error) {
	if client == nil {
		client = &http.Client{}
	}
	switch cfg.Kind {
	case config.BackendKindOllama:
		return newOllama(cfg, client), nil
	case config.BackendKindOpenAI, "":
		return newOpenAI(cfg, client), nil
	default:
		return nil, fmt.Errorf("backend %q: unsupported kind %q", cfg.Name, cfg.Kind)
	}
}

// Set holds the enabled backends keyed by name.
type Set struct {
	byName map[string]Backend
	names  []string
}

func NewSet(cfg *config.ServerConfig, client *http.Client) (*Set, error) {
	s := &Set{byName: map[string]Backend{}}
	for _, bc := range cfg.Backends {
		if !bc.Enabled {
			continue
		}
		b, err := New(bc, client)
		if err != nil {
			return nil, err
		}
		s.Add(b)
	}
	return s, nil
}

func (s *Set) Add(b Backend) {
	if s.byName == nil {
		s.byName = map[string]Backend{}
	}
	name := strings.ToLower(b.Name())
	if _, ok := s.byName[name]; !ok {
		s.names = append(s.names, name)
		sort.Strings(s.names)
	}
	s.byName[name] = b
}

func (s *Set) Get(name string) (Backend, bool) {
	if s == nil {
		return nil, false
	}
	b, ok := s.byName[strings.ToLower(strings.TrimSpace(name))]
	return b, ok
}

// Available reports whether name is enabled and returns its default model.
func (s *Set) Available(name string) (string, bool) {
	b, ok := s.Get(name)
	if !ok {
		return "", false
	}
	return b.DefaultModel(), true
}

func (s *Set) List() []Backend {
	if s == nil {
		return nil
	}
	out := make([]Backend, 0, len(s.names))
	for _, n := range s.names {
		out = append(out, s.byName[n])
	}
	return out
}

func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.names)
}

func floatOr(v, def float32) float32 {
	if v <= 0 {
		return def
	}
	return v
}
