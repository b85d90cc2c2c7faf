package server

import (
	"net/http"
	"time"

	"github.com/lkarlslund/chatrelay/pkg/backend"
	"github.com/lkarlslund/chatrelay/pkg/keypool"
	"github.com/lkarlslund/chatrelay/pkg/version"
)

type backendStatus struct {
	Name         string                    `json:"name"`
	Kind         string                    `json:"kind"`
	DefaultModel string                    `json:"default_model"`
	Health       *backend.Health           `json:"health,omitempty"`
	KeysActive   int                       `json:"keys_active,omitempty"`
	KeysTotal    int                       `json:"keys_total,omitempty"`
	Keys         []keypool.CredentialStats `json:"keys,omitempty"`
}

type statusResponse struct {
	Status        string          `json:"status"`
	Version       version.Info    `json:"version"`
	UptimeSeconds int64           `json:"uptime"`
	Sessions      int             `json:"sessions"`
	ActiveTurns   int64           `json:"active_turns"`
	Draining      bool            `json:"draining,omitempty"`
	Backends      []backendStatus `json:"backends"`
	Timestamp     time.Time       `json:"timestamp"`
}

// handleStatus serves the public view. Upstream error text and per-key
// detail stay behind the admin route.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.status.GetOrLoad("public", statusCacheTTL, func() statusResponse {
		return s.buildStatus(false)
	}))
}

func (s *Server) handleAdminStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.status.GetOrLoad("admin", statusCacheTTL, func() statusResponse {
		return s.buildStatus(true)
	}))
}

func (s *Server) buildStatus(detailed bool) statusResponse {
	list := s.backends.List()
	out := statusResponse{
		Status:        "OK",
		Version:       version.Current(),
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Sessions:      s.sessions.Count(),
		ActiveTurns:   s.activeTurns.Load(),
		Draining:      s.draining.Load(),
		Backends:      make([]backendStatus, 0, len(list)),
		Timestamp:     time.Now().UTC(),
	}
	for _, b := range list {
		st := backendStatus{Name: b.Name(), Kind: b.Kind(), DefaultModel: b.DefaultModel()}
		if h, ok := s.health.Snapshot(b.Name()); ok {
			if !detailed {
				h.Error = ""
			}
			st.Health = &h
		}
		if kr, ok := b.(backend.KeyReporter); ok {
			st.KeysActive, st.KeysTotal = kr.KeyCounts()
			if detailed {
				st.Keys = kr.KeyStats()
			}
		}
		out.Backends = append(out.Backends, st)
	}
	if len(list) == 0 {
		out.Status = "DEGRADED"
	}
	return out
}
