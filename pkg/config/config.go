package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/pelletier/go-toml/v2"
)

const (
	defaultConfigFileName = "chatrelay.toml"

	BackendKindOllama = "ollama"
	BackendKindOpenAI = "openai"

	defaultHistoryCapacity = 1000
)

type BackendConfig struct {
	Name           string            `toml:"name" json:"name"`
	Kind           string            `toml:"kind" json:"kind"`
	BaseURL        string            `toml:"base_url" json:"base_url"`
	APIKeys        []string          `toml:"api_keys,omitempty" json:"-"`
	DefaultModel   string            `toml:"default_model" json:"default_model"`
	FallbackModel  string            `toml:"fallback_model,omitempty" json:"fallback_model,omitempty"`
	Models         []string          `toml:"models,omitempty" json:"models,omitempty"`
	Headers        map[string]string `toml:"headers,omitempty" json:"-"`
	Enabled        bool              `toml:"enabled" json:"enabled"`
	TimeoutSeconds int               `toml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	Temperature    float32           `toml:"temperature,omitempty" json:"temperature,omitempty"`
	TopP           float32           `toml:"top_p,omitempty" json:"top_p,omitempty"`
}

type ModelRef struct {
	Service string `toml:"service" json:"service"`
	Model   string `toml:"model" json:"model"`
}

func (m ModelRef) IsZero() bool {
	return m.Service == "" && m.Model == ""
}

type RoutingConfig struct {
	PrimaryLocale        string     `toml:"primary_locale"`
	LongContextThreshold int        `toml:"long_context_threshold"`
	Primary              ModelRef   `toml:"primary"`
	Fastest              ModelRef   `toml:"fastest"`
	Unlimited            ModelRef   `toml:"unlimited"`
	Locale               ModelRef   `toml:"locale"`
	LongContext          ModelRef   `toml:"long_context"`
	Transcription        ModelRef   `toml:"transcription"`
	Vision               []ModelRef `toml:"vision,omitempty"`
}

type AdminConfig struct {
	Secret             string `toml:"secret,omitempty"`
	PerOperationAuth   bool   `toml:"per_operation_auth"`
	GraceMillis        int    `toml:"grace_ms"`
	UsersUpdateSeconds int    `toml:"users_update_seconds"`
}

type LimitsConfig struct {
	MaxMessageChars    int   `toml:"max_message_chars"`
	MaxUploadBytes     int64 `toml:"max_upload_bytes"`
	MaxConcurrentTurns int64 `toml:"max_concurrent_turns"`
}

type TimeoutsConfig struct {
	ChatSeconds     int `toml:"chat_seconds"`
	ImageSeconds    int `toml:"image_seconds"`
	AudioSeconds    int `toml:"audio_seconds"`
	HTTPChatSeconds int `toml:"http_chat_seconds"`
}

type TLSConfig struct {
	Enabled  bool   `toml:"enabled"`
	Domain   string `toml:"domain"`
	Email    string `toml:"email"`
	CacheDir string `toml:"cache_dir"`
}

// PromptConfig is opaque text wrapped around the user message.
type PromptConfig struct {
	Preamble       string `toml:"preamble"`
	UserLabel      string `toml:"user_label,omitempty"`
	AssistantLabel string `toml:"assistant_label,omitempty"`
}

type MessagesConfig struct {
	Welcome      string `toml:"welcome,omitempty"`
	Fallback     string `toml:"fallback,omitempty"`
	EmptyMessage string `toml:"empty_message,omitempty"`
	TooLong      string `toml:"too_long,omitempty"`
	Refused      string `toml:"refused,omitempty"`
	Kicked       string `toml:"kicked,omitempty"`
	Blocked      string `toml:"blocked,omitempty"`
	Error        string `toml:"error,omitempty"`
}

type ServerConfig struct {
	ListenAddr      string                    `toml:"listen_addr"`
	DefaultLanguage string                    `toml:"default_language"`
	SerializeTurns  bool                      `toml:"serialize_turns"`
	HistoryCapacity int                       `toml:"history_capacity"`
	BackendPriority []string                  `toml:"backend_priority"`
	Admin           AdminConfig               `toml:"admin"`
	Limits          LimitsConfig              `toml:"limits"`
	Timeouts        TimeoutsConfig            `toml:"timeouts"`
	TLS             TLSConfig                 `toml:"tls"`
	Backends        []BackendConfig           `toml:"backends"`
	Routing         RoutingConfig             `toml:"routing"`
	Prompts         map[string]PromptConfig   `toml:"prompts"`
	Messages        map[string]MessagesConfig `toml:"messages"`
}

func DefaultServerConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return defaultConfigFileName
	}
	return filepath.Join(home, ".config", "chatrelay", defaultConfigFileName)
}

func DefaultTLSCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "tls-autocert"
	}
	return filepath.Join(home, ".cache", "chatrelay", "tls-autocert")
}

func NewDefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ListenAddr:      "0.0.0.0:10000",
		DefaultLanguage: "ar",
		HistoryCapacity: defaultHistoryCapacity,
		BackendPriority: []string{"ollama", "openrouter", "deepseek"},
		Admin: AdminConfig{
			GraceMillis:        1000,
			UsersUpdateSeconds: 3,
		},
		Limits: LimitsConfig{
			MaxMessageChars:    4000,
			MaxUploadBytes:     10 << 20,
			MaxConcurrentTurns: 64,
		},
		Timeouts: TimeoutsConfig{
			ChatSeconds:     90,
			ImageSeconds:    120,
			AudioSeconds:    120,
			HTTPChatSeconds: 60,
		},
		TLS: TLSConfig{
			CacheDir: DefaultTLSCacheDir(),
		},
		Backends: []BackendConfig{
			{
				Name:         "ollama",
				Kind:         BackendKindOllama,
				BaseURL:      "http://127.0.0.1:11434",
				DefaultModel: "medllama2:latest",
				Enabled:      true,
				Temperature:  0.7,
				TopP:         0.9,
			},
			{
				Name:          "openrouter",
				Kind:          BackendKindOpenAI,
				BaseURL:       "https://openrouter.ai/api/v1",
				DefaultModel:  "meta-llama/llama-3.3-70b-instruct",
				FallbackModel: "meta-llama/llama-3.3-70b-instruct:free",
				Models: []string{
					"meta-llama/llama-3.3-70b-instruct",
					"meta-llama/llama-3.3-70b-instruct:free",
					"google/gemini-2.0-flash-001",
					"qwen/qwen-2.5-vl-72b-instruct",
				},
				Headers:     map[string]string{"X-Title": "chatrelay"},
				Temperature: 0.7,
				TopP:        0.9,
			},
			{
				Name:         "deepseek",
				Kind:         BackendKindOpenAI,
				BaseURL:      "https://api.deepseek.com/v1",
				DefaultModel: "deepseek-chat",
				Models:       []string{"deepseek-chat"},
				Temperature:  0.7,
				TopP:         0.9,
			},
		},
		Routing: RoutingConfig{
			PrimaryLocale:        "ar",
			LongContextThreshold: 12000,
			Primary:              ModelRef{Service: "ollama", Model: "medllama2:latest"},
			Fastest:              ModelRef{Service: "openrouter", Model: "google/gemini-2.0-flash-001"},
			Unlimited:            ModelRef{Service: "openrouter", Model: "meta-llama/llama-3.3-70b-instruct:free"},
			Locale:               ModelRef{Service: "openrouter", Model: "meta-llama/llama-3.3-70b-instruct"},
			LongContext:          ModelRef{Service: "deepseek", Model: "deepseek-chat"},
			Transcription:        ModelRef{Service: "openrouter", Model: "whisper-1"},
			Vision: []ModelRef{
				{Service: "openrouter", Model: "qwen/qwen-2.5-vl-72b-instruct"},
				{Service: "openrouter", Model: "google/gemini-2.0-flash-001"},
			},
		},
		Prompts:  defaultPrompts(),
		Messages: defaultMessages(),
	}
}

func defaultPrompts() map[string]PromptConfig {
	return map[string]PromptConfig{
		"ar": {
			Preamble:       "أنت مساعد طبي مخصص للمرضى التونسيين. دورك هو تقديم معلومات طبية عامة وتحليل أولي للأعراض. تذكر أنك لست بديلاً عن الطبيب واستشر المتخصصين للحالات الخطيرة. للطوارئ اتصل على 190.",
			UserLabel:      "المريض: ",
			AssistantLabel: "المساعد:",
		},
		"fr": {
			Preamble:       "Vous êtes un assistant médical pour les patients tunisiens. Donnez des informations médicales générales et une première analyse des symptômes. Vous ne remplacez pas un médecin. En cas d'urgence, appelez le 190.",
			UserLabel:      "Patient : ",
			AssistantLabel: "Assistant :",
		},
		"en": {
			Preamble:       "You are a medical assistant for Tunisian patients. Provide general medical information and an initial analysis of symptoms. You are not a substitute for a doctor. For emergencies call 190.",
			UserLabel:      "Patient: ",
			AssistantLabel: "Assistant:",
		},
	}
}

func defaultMessages() map[string]MessagesConfig {
	return map[string]MessagesConfig{
		"ar": {
			Welcome:      "أهلاً وسهلاً! أنا مساعدك الطبي التونسي. كيف يمكنني مساعدتك اليوم؟",
			Fallback:     "عذرًا، الخدمة غير متاحة حاليًا. يرجى المحاولة لاحقًا.",
			EmptyMessage: "الرجاء كتابة رسالة.",
			TooLong:      "الرسالة طويلة جدًا.",
			Refused:      "تم حظر هذا الاتصال.",
			Kicked:       "تم قطع اتصالك من طرف المشرف.",
			Blocked:      "تم حظرك من طرف المشرف.",
			Error:        "عذرًا، حدث خطأ. يرجى المحاولة مرة أخرى.",
		},
		"fr": {
			Welcome:      "Bienvenue ! Je suis votre assistant médical tunisien. Comment puis-je vous aider aujourd'hui ?",
			Fallback:     "Désolé, le service est actuellement indisponible. Veuillez réessayer plus tard.",
			EmptyMessage: "Veuillez écrire un message.",
			TooLong:      "Le message est trop long.",
			Refused:      "Cette connexion est bloquée.",
			Kicked:       "Vous avez été déconnecté par un administrateur.",
			Blocked:      "Vous avez été bloqué par un administrateur.",
			Error:        "Désolé, une erreur s'est produite. Veuillez réessayer.",
		},
		"en": {
			Welcome:      "Welcome! I am your Tunisian medical assistant. How can I help you today?",
			Fallback:     "Sorry, the service is currently unavailable. Please try again later.",
			EmptyMessage: "Please write a message.",
			TooLong:      "The message is too long.",
			Refused:      "This connection is blocked.",
			Kicked:       "You have been disconnected by an administrator.",
			Blocked:      "You have been blocked by an administrator.",
			Error:        "Sorry, an error occurred. Please try again.",
		},
	}
}

// LoadServerConfig reads path when it exists, then overlays the process
// environment. A missing file is not an error; the defaults are used.
func LoadServerConfig(path string) (*ServerConfig, error) {
	cfg := NewDefaultServerConfig()
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		switch {
		case err == nil:
			// Arrays in the file replace the defaults instead of merging.
			defaults := cfg.Clone()
			cfg.Backends = nil
			cfg.Routing.Vision = nil
			cfg.BackendPriority = nil
			if err := toml.Unmarshal(b, cfg); err != nil {
				return nil, fmt.Errorf("parse toml: %w", err)
			}
			if len(cfg.Backends) == 0 {
				cfg.Backends = defaults.Backends
			}
			if cfg.Routing.Vision == nil {
				cfg.Routing.Vision = defaults.Routing.Vision
			}
			if cfg.BackendPriority == nil {
				cfg.BackendPriority = defaults.BackendPriority
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	cfg.ApplyEnv(os.LookupEnv)
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return writeAtomic(path, v)
}

func writeAtomic(path string, v any) error {
	b, err := Marshal(v)
	if err != nil {
		return fmt.Errorf("encode toml: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	enc.SetArraysMultiline(true)
	enc.SetIndentSymbol("  ")
	enc.SetIndentTables(true)
	enc.SetTablesInline(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	out := buf.Bytes()
	if len(out) > 0 && out[len(out)-1] != '\n' {
		out = append(out, '\n')
	}
	return out, nil
}

func (c *ServerConfig) Normalize() {
	c.ListenAddr = strings.TrimSpace(c.ListenAddr)
	if c.ListenAddr == "" {
		c.ListenAddr = ":10000"
	}
	c.DefaultLanguage = NormalizeLanguage(c.DefaultLanguage)
	if c.DefaultLanguage == "" {
		c.DefaultLanguage = "ar"
	}
	if c.HistoryCapacity <= 0 {
		c.HistoryCapacity = defaultHistoryCapacity
	}
	if c.Admin.GraceMillis <= 0 {
		c.Admin.GraceMillis = 1000
	}
	if c.Admin.UsersUpdateSeconds <= 0 {
		c.Admin.UsersUpdateSeconds = 3
	}
	c.Admin.Secret = strings.TrimSpace(c.Admin.Secret)
	if c.Limits.MaxMessageChars <= 0 {
		c.Limits.MaxMessageChars = 4000
	}
	if c.Limits.MaxUploadBytes <= 0 {
		c.Limits.MaxUploadBytes = 10 << 20
	}
	if c.Limits.MaxConcurrentTurns <= 0 {
		c.Limits.MaxConcurrentTurns = 64
	}
	if c.Timeouts.ChatSeconds <= 0 {
		c.Timeouts.ChatSeconds = 90
	}
	if c.Timeouts.ImageSeconds <= 0 {
		c.Timeouts.ImageSeconds = 120
	}
	if c.Timeouts.AudioSeconds <= 0 {
		c.Timeouts.AudioSeconds = 120
	}
	if c.Timeouts.HTTPChatSeconds <= 0 {
		c.Timeouts.HTTPChatSeconds = 60
	}
	c.TLS.Domain = strings.TrimSpace(c.TLS.Domain)
	c.TLS.Email = strings.TrimSpace(c.TLS.Email)
	c.TLS.CacheDir = strings.TrimSpace(c.TLS.CacheDir)
	if c.TLS.CacheDir == "" {
		c.TLS.CacheDir = DefaultTLSCacheDir()
	}
	for i := range c.Backends {
		b := &c.Backends[i]
		b.Name = strings.ToLower(strings.TrimSpace(b.Name))
		b.Kind = strings.ToLower(strings.TrimSpace(b.Kind))
		if b.Kind == "" {
			b.Kind = BackendKindOpenAI
		}
		b.BaseURL = strings.TrimRight(strings.TrimSpace(b.BaseURL), "/")
		b.DefaultModel = strings.TrimSpace(b.DefaultModel)
		b.FallbackModel = strings.TrimSpace(b.FallbackModel)
		b.APIKeys = normalizeList(b.APIKeys)
		b.Models = normalizeList(b.Models)
		if b.TimeoutSeconds <= 0 {
			b.TimeoutSeconds = 120
		}
	}
	sort.SliceStable(c.Backends, func(i, j int) bool { return c.Backends[i].Name < c.Backends[j].Name })
	priority := make([]string, 0, len(c.BackendPriority))
	for _, name := range normalizeList(c.BackendPriority) {
		priority = append(priority, strings.ToLower(name))
	}
	c.BackendPriority = priority
	c.Routing.PrimaryLocale = NormalizeLanguage(c.Routing.PrimaryLocale)
	if c.Routing.PrimaryLocale == "" {
		c.Routing.PrimaryLocale = c.DefaultLanguage
	}
	if c.Routing.LongContextThreshold <= 0 {
		c.Routing.LongContextThreshold = 12000
	}
	for _, ref := range c.routingRefs() {
		ref.Service = strings.ToLower(strings.TrimSpace(ref.Service))
		ref.Model = strings.TrimSpace(ref.Model)
	}
	prompts := make(map[string]PromptConfig, len(c.Prompts))
	for k, v := range c.Prompts {
		prompts[strings.ToLower(strings.TrimSpace(k))] = v
	}
	c.Prompts = prompts
	messages := make(map[string]MessagesConfig, len(c.Messages))
	for k, v := range c.Messages {
		messages[NormalizeLanguage(k)] = v
	}
	c.Messages = messages
}

func (c *ServerConfig) routingRefs() []*ModelRef {
	refs := []*ModelRef{
		&c.Routing.Primary,
		&c.Routing.Fastest,
		&c.Routing.Unlimited,
		&c.Routing.Locale,
		&c.Routing.LongContext,
		&c.Routing.Transcription,
	}
	for i := range c.Routing.Vision {
		refs = append(refs, &c.Routing.Vision[i])
	}
	return refs
}

func (c *ServerConfig) Validate() error {
	nameSeen := map[string]struct{}{}
	for _, b := range c.Backends {
		if b.Name == "" {
			return errors.New("backend name cannot be empty")
		}
		if _, ok := nameSeen[b.Name]; ok {
			return fmt.Errorf("duplicate backend name %q", b.Name)
		}
		nameSeen[b.Name] = struct{}{}
		if b.Kind != BackendKindOllama && b.Kind != BackendKindOpenAI {
			return fmt.Errorf("backend %q kind must be one of %s, %s", b.Name, BackendKindOllama, BackendKindOpenAI)
		}
		if b.Enabled && b.BaseURL == "" {
			return fmt.Errorf("backend %q base_url is required when enabled", b.Name)
		}
	}
	for _, name := range c.BackendPriority {
		if _, ok := nameSeen[name]; !ok {
			return fmt.Errorf("backend_priority references unknown backend %q", name)
		}
	}
	for _, ref := range c.routingRefs() {
		if ref.IsZero() {
			continue
		}
		if _, ok := nameSeen[ref.Service]; !ok {
			return fmt.Errorf("routing references unknown backend %q", ref.Service)
		}
		if ref.Model == "" {
			return fmt.Errorf("routing entry for backend %q has empty model", ref.Service)
		}
	}
	if c.Routing.Primary.IsZero() {
		return errors.New("routing.primary is required")
	}
	if c.HistoryCapacity < 10 {
		return errors.New("history_capacity must be >= 10")
	}
	if c.TLS.Enabled && c.TLS.Domain == "" {
		return errors.New("tls.domain is required when tls.enabled=true")
	}
	return nil
}

// Backend returns the named backend configuration.
func (c *ServerConfig) Backend(name string) (BackendConfig, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, b := range c.Backends {
		if b.Name == name {
			return b, true
		}
	}
	return BackendConfig{}, false
}

// PromptFor resolves the preamble for a language and audience. Lookup order
// is "lang/audience", "lang", then the default language.
func (c ServerConfig) PromptFor(language, audience string) PromptConfig {
	language = NormalizeLanguage(language)
	audience = strings.ToLower(strings.TrimSpace(audience))
	if language != "" && audience != "" {
		if p, ok := c.Prompts[language+"/"+audience]; ok {
			return p
		}
	}
	if p, ok := c.Prompts[language]; ok {
		return p
	}
	return c.Prompts[c.DefaultLanguage]
}

// MessagesFor returns user-facing strings for language with each empty field
// filled from the default language.
func (c ServerConfig) MessagesFor(language string) MessagesConfig {
	out := c.Messages[NormalizeLanguage(language)]
	def := c.Messages[c.DefaultLanguage]
	fill := func(dst *string, src string) {
		if strings.TrimSpace(*dst) == "" {
			*dst = src
		}
	}
	fill(&out.Welcome, def.Welcome)
	fill(&out.Fallback, def.Fallback)
	fill(&out.EmptyMessage, def.EmptyMessage)
	fill(&out.TooLong, def.TooLong)
	fill(&out.Refused, def.Refused)
	fill(&out.Kicked, def.Kicked)
	fill(&out.Blocked, def.Blocked)
	fill(&out.Error, def.Error)
	return out
}

// NormalizeLanguage reduces tags like "ar-TN" or "AR" to "ar".
func NormalizeLanguage(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		lang = lang[:i]
	}
	return lang
}

func normalizeList(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := map[string]struct{}{}
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

type ServerConfigStore struct {
	mu   sync.RWMutex
	path string
	cfg  *ServerConfig
}

func NewServerConfigStore(path string, cfg *ServerConfig) *ServerConfigStore {
	return &ServerConfigStore{path: path, cfg: cfg}
}

func (s *ServerConfigStore) Path() string {
	return s.path
}

func (s *ServerConfigStore) Snapshot() ServerConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Clone()
}

// Clone returns a deep copy.
func (c *ServerConfig) Clone() ServerConfig {
	cp := *c
	cp.BackendPriority = append([]string(nil), c.BackendPriority...)
	cp.Backends = make([]BackendConfig, len(c.Backends))
	for i, b := range c.Backends {
		b.APIKeys = append([]string(nil), b.APIKeys...)
		b.Models = append([]string(nil), b.Models...)
		if b.Headers != nil {
			h := make(map[string]string, len(b.Headers))
			for k, v := range b.Headers {
				h[k] = v
			}
			b.Headers = h
		}
		cp.Backends[i] = b
	}
	cp.Routing.Vision = append([]ModelRef(nil), c.Routing.Vision...)
	cp.Prompts = make(map[string]PromptConfig, len(c.Prompts))
	for k, v := range c.Prompts {
		cp.Prompts[k] = v
	}
	cp.Messages = make(map[string]MessagesConfig, len(c.Messages))
	for k, v := range c.Messages {
		cp.Messages[k] = v
	}
	return cp
}
