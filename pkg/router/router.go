// Package router decides which backend and model serve a request.
package router

import (
	"errors"
	"fmt"
	"strings"

	"github.com/lkarlslund/chatrelay/pkg/config"
)

var ErrNoServiceAvailable = errors.New("no service available")

type ContentType string

const (
	ContentText  ContentType = "text"
	ContentImage ContentType = "image"
	ContentAudio ContentType = "audio"
)

type Priority string

const (
	PriorityQuality   Priority = "quality"
	PrioritySpeed     Priority = "speed"
	PriorityUnlimited Priority = "unlimited"
)

// Intent is what a request declares about itself.
type Intent struct {
	Service       string
	ContentType   ContentType
	Language      string
	Priority      Priority
	IsEmergency   bool
	ContextLength int
}

type Decision struct {
	Service string `json:"service"`
	Model   string `json:"model"`
	Reason  string `json:"reason"`
}

type Router struct {
	routing config.RoutingConfig
}

func New(routing config.RoutingConfig) *Router {
	return &Router{routing: routing}
}

// SelectModel applies the routing order. First match wins:
// emergency, explicit long-context service, image, audio, primary locale
// text, long context length, then priority.
func (r *Router) SelectModel(in Intent) Decision {
	rt := r.routing
	ct := in.ContentType
	if ct == "" {
		ct = ContentText
	}
	service := strings.ToLower(strings.TrimSpace(in.Service))

	if in.IsEmergency {
		return decide(rt.Unlimited, "emergency request routed to the fastest unlimited model")
	}
	if service != "" && service == rt.LongContext.Service {
		return decide(rt.LongContext, "explicit request for the long-context service")
	}
	if ct == ContentImage && len(rt.Vision) > 0 {
		return decide(rt.Vision[0], "image content requires a vision model")
	}
	if ct == ContentAudio {
		return decide(rt.Transcription, "audio content requires the transcription model")
	}
	lang := config.NormalizeLanguage(in.Language)
	if ct == ContentText && lang != "" && lang == rt.PrimaryLocale {
		return decide(rt.Locale, fmt.Sprintf("optimized for language %q", lang))
	}
	if rt.LongContextThreshold > 0 && in.ContextLength > rt.LongContextThreshold {
		return decide(rt.LongContext, fmt.Sprintf("context length %d exceeds %d", in.ContextLength, rt.LongContextThreshold))
	}
	switch Priority(strings.ToLower(string(in.Priority))) {
	case PrioritySpeed:
		return decide(rt.Fastest, "speed priority selects the fastest model")
	case PriorityUnlimited:
		return decide(rt.Unlimited, "unlimited priority selects a model without rate cap")
	default:
		return decide(rt.Primary, "quality priority selects the primary model")
	}
}

func decide(ref config.ModelRef, reason string) Decision {
	return Decision{Service: ref.Service, Model: ref.Model, Reason: reason}
}

// Route resolves the decision against the backends that are actually
// available. A decision naming an unavailable service falls back to the
// first available backend in priority order, using that backend's default
// model.
func Route(d Decision, priority []string, available func(string) (defaultModel string, ok bool)) (Decision, error) {
	if d.Service != "" && d.Model != "" {
		if _, ok := available(d.Service); ok {
			return d, nil
		}
	}
	for _, name := range priority {
		model, ok := available(name)
		if !ok || model == "" {
			continue
		}
		return Decision{
			Service: name,
			Model:   model,
			Reason:  fmt.Sprintf("%s unavailable, fell back to %s by priority", fallbackName(d.Service), name),
		}, nil
	}
	return Decision{}, ErrNoServiceAvailable
}

func fallbackName(s string) string {
	if s == "" {
		return "routed service"
	}
	return s
}
