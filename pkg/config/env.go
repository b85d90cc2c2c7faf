package config

import (
	"strconv"
	"strings"
)

// ApplyEnv overlays environment variables onto c. Backend variables are
// prefixed with the upper-cased backend name, e.g. OPENROUTER_API_KEYS.
func (c *ServerConfig) ApplyEnv(lookup func(string) (string, bool)) {
	if lookup == nil {
		return
	}
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		if !ok {
			return "", false
		}
		v = strings.TrimSpace(v)
		return v, v != ""
	}
	if port, ok := get("PORT"); ok {
		c.ListenAddr = "0.0.0.0:" + port
	}
	if v, ok := get("CHATRELAY_LISTEN_ADDR"); ok {
		c.ListenAddr = v
	}
	if v, ok := get("CHATRELAY_ADMIN_SECRET"); ok {
		c.Admin.Secret = v
	}
	if v, ok := get("CHATRELAY_ADMIN_PER_OPERATION_AUTH"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Admin.PerOperationAuth = b
		}
	}
	if v, ok := get("CHATRELAY_SERIALIZE_TURNS"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			c.SerializeTurns = b
		}
	}
	if v, ok := get("CHATRELAY_DEFAULT_LANGUAGE"); ok {
		c.DefaultLanguage = v
	}
	if v, ok := get("CHATRELAY_BACKEND_PRIORITY"); ok {
		c.BackendPriority = splitList(v)
	}
	for i := range c.Backends {
		b := &c.Backends[i]
		prefix := envPrefix(b.Name)
		if v, ok := get(prefix + "_BASE_URL"); ok {
			b.BaseURL = v
		}
		if v, ok := get(prefix + "_MODEL"); ok {
			old := b.DefaultModel
			b.DefaultModel = v
			c.retargetModel(b.Name, old, v)
		}
		if v, ok := get(prefix + "_FALLBACK_MODEL"); ok {
			b.FallbackModel = v
		}
		keys := []string{}
		if v, ok := get(prefix + "_API_KEYS"); ok {
			keys = append(keys, splitList(v)...)
		}
		if v, ok := get(prefix + "_API_KEY"); ok {
			keys = append(keys, v)
		}
		if len(keys) > 0 {
			b.APIKeys = keys
			// Supplying credentials for a hosted backend turns it on unless
			// the ENABLED variable says otherwise.
			b.Enabled = true
		}
		if v, ok := get(prefix + "_ENABLED"); ok {
			if enabled, err := strconv.ParseBool(v); err == nil {
				b.Enabled = enabled
			}
		}
	}
}

// retargetModel keeps routing entries that pointed at a backend's old default
// model in sync when the default is overridden.
func (c *ServerConfig) retargetModel(service, oldModel, newModel string) {
	if oldModel == "" || oldModel == newModel {
		return
	}
	for _, ref := range c.routingRefs() {
		if strings.EqualFold(ref.Service, service) && ref.Model == oldModel {
			ref.Model = newModel
		}
	}
}

func envPrefix(name string) string {
	name = strings.ToUpper(strings.TrimSpace(name))
	return strings.Map(func(r rune) rune {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, name)
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
