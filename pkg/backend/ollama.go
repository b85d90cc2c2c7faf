package backend

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lkarlslund/chatrelay/pkg/config"
	"github.com/lkarlslund/chatrelay/pkg/upstream"
	"github.com/tidwall/gjson"
)

type ollamaOptions struct {
	Temperature float32 `json:"temperature"`
	TopP        float32 `json:"top_p"`
}

type ollamaGenerateRequest struct {
	Model   string        `json:"model"`
	Prompt  string        `json:"prompt"`
	Images  []string      `json:"images,omitempty"`
	Stream  bool          `json:"stream"`
	Options ollamaOptions `json:"options"`
}

// ollama speaks the local /api/generate NDJSON protocol.
type ollama struct {
	cfg    config.BackendConfig
	client *http.Client
}

func newOllama(cfg config.BackendConfig, client *http.Client) *ollama {
	return &ollama{cfg: cfg, client: client}
}

func (o *ollama) Name() string          { return o.cfg.Name }
func (o *ollama) Kind() string          { return config.BackendKindOllama }
func (o *ollama) DefaultModel() string  { return o.cfg.DefaultModel }
func (o *ollama) FallbackModel() string { return o.cfg.FallbackModel }

func (o *ollama) Models() []string {
	return modelList(o.cfg)
}

func (o *ollama) Generate(ctx context.Context, req Request) (*upstream.Stream, error) {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = o.cfg.DefaultModel
	}
	body := ollamaGenerateRequest{
		Model:  model,
		Prompt: req.Prompt,
		Stream: true,
		Options: ollamaOptions{
			Temperature: floatOr(o.cfg.Temperature, 0.7),
			TopP:        floatOr(o.cfg.TopP, 0.9),
		},
	}
	for _, img := range req.Images {
		body.Images = append(body.Images, img.Data)
	}
	return upstream.Open(ctx, o.client, upstream.Request{
		Backend: o.cfg.Name,
		URL:     o.cfg.BaseURL + "/api/generate",
		Header:  staticHeaders(o.cfg),
		Body:    body,
		Format:  upstream.FormatNDJSON,
	})
}

// HealthCheck lists local models through /api/tags.
func (o *ollama) HealthCheck(ctx context.Context) Health {
	start := time.Now()
	h := Health{Status: StatusOnline}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.cfg.BaseURL+"/api/tags", nil)
	if err == nil {
		var resp *http.Response
		resp, err = o.client.Do(req)
		if err == nil {
			defer resp.Body.Close()
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			if resp.StatusCode < 200 || resp.StatusCode > 299 {
				err = &upstream.HTTPError{Backend: o.cfg.Name, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
			} else {
				h.ModelCount = len(gjson.GetBytes(b, "models.#.name").Array())
			}
		}
	}
	h.ResponseMS = time.Since(start).Milliseconds()
	h.CheckedAt = time.Now().UTC()
	if err != nil {
		h.Status = healthStatusFor(err)
		h.Error = err.Error()
	}
	return h
}

func staticHeaders(cfg config.BackendConfig) http.Header {
	h := http.Header{}
	for k, v := range cfg.Headers {
		h.Set(k, v)
	}
	return h
}

func modelList(cfg config.BackendConfig) []string {
	out := []string{}
	seen := map[string]struct{}{}
	for _, m := range append([]string{cfg.DefaultModel, cfg.FallbackModel}, cfg.Models...) {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}
