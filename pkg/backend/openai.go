package backend

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/lkarlslund/chatrelay/pkg/config"
	"github.com/lkarlslund/chatrelay/pkg/keypool"
	"github.com/lkarlslund/chatrelay/pkg/logutil"
	"github.com/lkarlslund/chatrelay/pkg/metrics"
	"github.com/lkarlslund/chatrelay/pkg/upstream"
	openai "github.com/sashabaranov/go-openai"
)

// openAICompatible covers chat-completions style gateways such as
// OpenRouter and DeepSeek.
type openAICompatible struct {
	cfg    config.BackendConfig
	client *http.Client
	keys   *keypool.Pool
}

func newOpenAI(cfg config.BackendConfig, client *http.Client) *openAICompatible {
	return &openAICompatible{cfg: cfg, client: client, keys: keypool.New(cfg.APIKeys)}
}

func (o *openAICompatible) Name() string          { return o.cfg.Name }
func (o *openAICompatible) Kind() string          { return config.BackendKindOpenAI }
func (o *openAICompatible) DefaultModel() string  { return o.cfg.DefaultModel }
func (o *openAICompatible) FallbackModel() string { return o.cfg.FallbackModel }

func (o *openAICompatible) Models() []string {
	return modelList(o.cfg)
}

func (o *openAICompatible) KeyStats() []keypool.CredentialStats {
	return o.keys.Stats()
}

func (o *openAICompatible) KeyCounts() (int, int) {
	return o.keys.ActiveCount(), o.keys.Len()
}

func (o *openAICompatible) chatRequest(req Request) openai.ChatCompletionRequest {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = o.cfg.DefaultModel
	}
	user := req.User
	if user == "" {
		user = req.Prompt
	}
	var messages []openai.ChatCompletionMessage
	if strings.TrimSpace(req.System) != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	if len(req.Images) == 0 {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: user})
	} else {
		parts := []openai.ChatMessagePart{{Type: openai.ChatMessagePartTypeText, Text: user}}
		for _, img := range req.Images {
			mime := img.MIMEType
			if mime == "" {
				mime = "image/jpeg"
			}
			parts = append(parts, openai.ChatMessagePart{
				Type:     openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{URL: "data:" + mime + ";base64," + img.Data},
			})
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, MultiContent: parts})
	}
	return openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: floatOr(o.cfg.Temperature, 0.7),
		TopP:        floatOr(o.cfg.TopP, 0.9),
		Stream:      true,
	}
}

func (o *openAICompatible) Generate(ctx context.Context, req Request) (*upstream.Stream, error) {
	cred := o.keys.Select()
	header := staticHeaders(o.cfg)
	if cred != nil {
		header.Set("Authorization", "Bearer "+cred.Secret())
	}
	stream, err := upstream.Open(ctx, o.client, upstream.Request{
		Backend: o.cfg.Name,
		URL:     o.cfg.BaseURL + "/chat/completions",
		Header:  header,
		Body:    o.chatRequest(req),
		Format:  upstream.FormatSSE,
	})
	if err != nil {
		o.report(cred, err)
		return nil, err
	}
	// A 200 reply can still fail mid-body, so the key is credited or blamed
	// once the stream ends.
	stream.OnFinish(func(err error) { o.report(cred, err) })
	return stream, nil
}

// Transcribe sends audio to the OpenAI-compatible transcription endpoint.
func (o *openAICompatible) Transcribe(ctx context.Context, audio Audio) (string, error) {
	cred := o.keys.Select()
	model := strings.TrimSpace(audio.Model)
	if model == "" {
		model = openai.Whisper1
	}
	name := audio.FileName
	if name == "" {
		name = "audio.webm"
	}
	resp, err := o.sdk(cred).CreateTranscription(ctx, openai.AudioRequest{
		Model:    model,
		FilePath: name,
		Reader:   bytes.NewReader(audio.Data),
		Language: config.NormalizeLanguage(audio.Language),
	})
	err = o.mapSDKError(ctx, err)
	o.report(cred, err)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Text), nil
}

// HealthCheck lists models with the next credential in rotation. It neither
// advances the rotation nor counts the outcome against the key.
func (o *openAICompatible) HealthCheck(ctx context.Context) Health {
	start := time.Now()
	h := Health{Status: StatusOnline}
	models, err := o.sdk(o.keys.Peek()).ListModels(ctx)
	err = o.mapSDKError(ctx, err)
	h.ResponseMS = time.Since(start).Milliseconds()
	h.CheckedAt = time.Now().UTC()
	if err != nil {
		h.Status = healthStatusFor(err)
		h.Error = err.Error()
		return h
	}
	h.ModelCount = len(models.Models)
	return h
}

func (o *openAICompatible) sdk(cred *keypool.Credential) *openai.Client {
	token := ""
	if cred != nil {
		token = cred.Secret()
	}
	cfg := openai.DefaultConfig(token)
	cfg.BaseURL = o.cfg.BaseURL
	cfg.HTTPClient = &http.Client{Transport: headerTransport{base: o.client.Transport, headers: o.cfg.Headers}}
	return openai.NewClientWithConfig(cfg)
}

func (o *openAICompatible) report(cred *keypool.Credential, err error) {
	if cred == nil {
		return
	}
	if err == nil {
		o.keys.MarkSuccess(cred)
		return
	}
	if errors.Is(err, context.Canceled) {
		return
	}
	o.keys.MarkFailure(cred, err)
	metrics.CredentialFailures.WithLabelValues(o.cfg.Name).Inc()
	logutil.For("backend").Debug("credential failure", "backend", o.cfg.Name, "key", cred.ID(), "kind", upstream.Kind(err))
}

// mapSDKError folds go-openai errors into the upstream error taxonomy.
func (o *openAICompatible) mapSDKError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode > 0 {
		return &upstream.HTTPError{Backend: o.cfg.Name, StatusCode: apiErr.HTTPStatusCode, Body: apiErr.Message}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode > 0 {
		body := ""
		if reqErr.Err != nil {
			body = reqErr.Err.Error()
		}
		return &upstream.HTTPError{Backend: o.cfg.Name, StatusCode: reqErr.HTTPStatusCode, Body: body}
	}
	return upstream.ClassifyTransportError(ctx, err)
}

type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	if len(t.headers) == 0 {
		return base.RoundTrip(req)
	}
	out := req.Clone(req.Context())
	out.Header = req.Header.Clone()
	for k, v := range t.headers {
		out.Header.Set(k, v)
	}
	return base.RoundTrip(out)
}

func healthStatusFor(err error) string {
	var httpErr *upstream.HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.RateLimited():
			return StatusRateLimited
		case httpErr.AuthFailure():
			return StatusAuthProblem
		}
	}
	return StatusOffline
}
