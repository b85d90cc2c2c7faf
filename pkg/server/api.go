package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/lkarlslund/chatrelay/pkg/backend"
	"github.com/lkarlslund/chatrelay/pkg/config"
	"github.com/lkarlslund/chatrelay/pkg/relay"
	"github.com/lkarlslund/chatrelay/pkg/router"
)

const httpAdminActor = "http-admin"

// Error codes shared by the HTTP and websocket surfaces.
const (
	codeNoService           = "no_service"
	codeTranscriptionFailed = "transcription_failed"
)

type chatRequest struct {
	Message   string `json:"message"`
	Service   string `json:"service,omitempty"`
	Language  string `json:"language,omitempty"`
	Priority  string `json:"priority,omitempty"`
	Model     string `json:"model,omitempty"`
	Audience  string `json:"audience,omitempty"`
	Emergency bool   `json:"emergency,omitempty"`
}

type chatResponse struct {
	Response string `json:"response"`
	Service  string `json:"service"`
	Model    string `json:"model"`
	Error    bool   `json:"error,omitempty"`
}

type analysisResponse struct {
	Analysis string `json:"analysis"`
	Service  string `json:"service"`
	Model    string `json:"model"`
	Error    bool   `json:"error,omitempty"`
}

type modelEntry struct {
	Service       string   `json:"service"`
	Kind          string   `json:"kind"`
	DefaultModel  string   `json:"default_model"`
	FallbackModel string   `json:"fallback_model,omitempty"`
	Models        []string `json:"models"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", err.Error())
		return
	}
	lang := s.requestLanguage(req.Language)
	t := &relay.Turn{
		SessionID: "http:" + requestClientIP(r),
		Message:   req.Message,
		Language:  lang,
		Audience:  req.Audience,
		Timeout:   time.Duration(s.cfg.Timeouts.HTTPChatSeconds) * time.Second,
		Intent: router.Intent{
			Service:     strings.ToLower(strings.TrimSpace(req.Service)),
			ContentType: router.ContentText,
			Language:    config.NormalizeLanguage(req.Language),
			Priority:    router.Priority(strings.ToLower(strings.TrimSpace(req.Priority))),
			IsEmergency: req.Emergency,
		},
	}
	if !s.planHTTPTurn(w, t) {
		return
	}
	if model := strings.TrimSpace(req.Model); model != "" {
		t.Model = model
	}
	text := s.runTurn(t, nil)
	writeJSON(w, http.StatusOK, chatResponse{
		Response: text,
		Service:  t.Service,
		Model:    t.Model,
		Error:    t.State == relay.StateFailed,
	})
}

func (s *Server) handleAnalyzeImage(w http.ResponseWriter, r *http.Request) {
	limit := s.cfg.Limits.MaxUploadBytes
	data, mimeType, err := readUpload(r, "image", limit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "no image uploaded", err.Error())
		return
	}
	img, err := decodeImage(base64.StdEncoding.EncodeToString(data), mimeType, limit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid image", err.Error())
		return
	}
	lang := s.requestLanguage(r.FormValue("language"))
	t := &relay.Turn{
		SessionID: "http:" + requestClientIP(r),
		Message:   r.FormValue("message"),
		Language:  lang,
		Images:    []backend.Image{img},
		Timeout:   time.Duration(s.cfg.Timeouts.ImageSeconds) * time.Second,
		Intent:    router.Intent{ContentType: router.ContentImage},
	}
	if !s.planHTTPTurn(w, t) {
		return
	}
	text := s.runTurn(t, nil)
	writeJSON(w, http.StatusOK, analysisResponse{
		Analysis: text,
		Service:  t.Service,
		Model:    t.Model,
		Error:    t.State == relay.StateFailed,
	})
}

func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	data, _, err := readUpload(r, "audio", s.cfg.Limits.MaxUploadBytes)
	if err != nil {
		writeError(w, http.StatusBadRequest, "no audio uploaded", err.Error())
		return
	}
	name := "audio.webm"
	if _, hdr, err := r.FormFile("audio"); err == nil && hdr.Filename != "" {
		name = hdr.Filename
	}
	lang := s.requestLanguage(r.FormValue("language"))
	text, err := s.transcribe(backend.Audio{
		Data:     data,
		FileName: name,
		Language: lang,
	})
	if err != nil {
		status, code := http.StatusBadGateway, codeTranscriptionFailed
		if errors.Is(err, router.ErrNoServiceAvailable) {
			status, code = http.StatusInternalServerError, codeNoService
		}
		writeFailure(w, status, s.cfg.MessagesFor(lang).Error, code, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"transcription": text})
}

func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	list := s.backends.List()
	out := make([]modelEntry, 0, len(list))
	for _, b := range list {
		out = append(out, modelEntry{
			Service:       b.Name(),
			Kind:          b.Kind(),
			DefaultModel:  b.DefaultModel(),
			FallbackModel: b.FallbackModel(),
			Models:        b.Models(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": out, "routing": s.cfg.Routing})
}

// planHTTPTurn validates and routes t, writing the error response itself
// when the turn cannot run.
func (s *Server) planHTTPTurn(w http.ResponseWriter, t *relay.Turn) bool {
	if err := s.relay.Validate(t); err != nil {
		writeError(w, http.StatusBadRequest, "invalid message", err.Error())
		return false
	}
	if _, err := s.relay.Plan(t); err != nil {
		writeFailure(w, http.StatusInternalServerError, "No AI service available", codeNoService, err)
		return false
	}
	return true
}

func (s *Server) requestLanguage(lang string) string {
	if lang = config.NormalizeLanguage(lang); lang != "" {
		return lang
	}
	return s.cfg.DefaultLanguage
}

func (s *Server) adminAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret := strings.TrimSpace(r.Header.Get("X-Admin-Secret"))
		if secret == "" {
			secret = bearerToken(r.Header)
		}
		if !s.admin.Authorize(secret) {
			writeError(w, http.StatusUnauthorized, "unauthorized", "")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleBlockedList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.admin.Blocked())
}

func (s *Server) handleBlockUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SocketID string `json:"socketId"`
		Reason   string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.SocketID) == "" {
		writeError(w, http.StatusBadRequest, "socketId is required", "")
		return
	}
	ok := s.admin.Block(httpAdminActor, req.SocketID, req.Reason)
	writeJSON(w, http.StatusOK, map[string]any{"success": ok, "message": "session blocked"})
}

func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Target string `json:"target"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Target) == "" {
		writeError(w, http.StatusBadRequest, "target is required", "")
		return
	}
	found := s.admin.Unblock(httpAdminActor, strings.TrimSpace(req.Target))
	writeJSON(w, http.StatusOK, map[string]any{"success": found, "message": outcome(found, "block lifted", "no matching block")})
}

func (s *Server) handleAdminStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.admin.Stats())
}

func (s *Server) handleAdminHistory(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	writeJSON(w, http.StatusOK, map[string]any{"history": s.admin.History(limit)})
}

func (s *Server) handleAdminBroadcast(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required", "")
		return
	}
	n := s.admin.Broadcast(httpAdminActor, req.Message)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "recipients": n})
}

// handleAdminHealthCheck asks the checker for an immediate probe of every
// backend. The result lands in the admin status once the round finishes.
func (s *Server) handleAdminHealthCheck(w http.ResponseWriter, _ *http.Request) {
	queued := s.health.Trigger()
	s.status.Delete("admin")
	s.status.Delete("public")
	writeJSON(w, http.StatusAccepted, map[string]any{"success": true, "queued": queued})
}

// readUpload returns the named multipart file and its declared content type.
func readUpload(r *http.Request, field string, limit int64) ([]byte, string, error) {
	if err := r.ParseMultipartForm(limit); err != nil {
		return nil, "", fmt.Errorf("parse multipart form: %w", err)
	}
	f, hdr, err := r.FormFile(field)
	if err != nil {
		return nil, "", err
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, "", err
	}
	if int64(len(data)) > limit {
		return nil, "", fmt.Errorf("%s exceeds %d bytes", field, limit)
	}
	if len(data) == 0 {
		return nil, "", fmt.Errorf("%s is empty", field)
	}
	return data, hdr.Header.Get("Content-Type"), nil
}

// decodeBase64 accepts bare base64 or a data URL and returns the decoded
// bytes and, for data URLs, the declared media type.
func decodeBase64(raw string, limit int64) ([]byte, string, error) {
	raw = strings.TrimSpace(raw)
	mediaType := ""
	if strings.HasPrefix(raw, "data:") {
		meta, payload, ok := strings.Cut(raw[len("data:"):], ",")
		if !ok {
			return nil, "", errors.New("malformed data URL")
		}
		mediaType, _, _ = strings.Cut(meta, ";")
		raw = payload
	}
	if raw == "" {
		return nil, "", errors.New("empty payload")
	}
	if limit > 0 && int64(base64.StdEncoding.DecodedLen(len(raw))) > limit+2 {
		return nil, "", fmt.Errorf("payload exceeds %d bytes", limit)
	}
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, "", fmt.Errorf("decode base64: %w", err)
	}
	if limit > 0 && int64(len(data)) > limit {
		return nil, "", fmt.Errorf("payload exceeds %d bytes", limit)
	}
	return data, mediaType, nil
}

func decodeImage(raw, mimeType string, limit int64) (backend.Image, error) {
	data, declared, err := decodeBase64(raw, limit)
	if err != nil {
		return backend.Image{}, err
	}
	mimeType = strings.TrimSpace(firstNonEmpty(mimeType, declared))
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(data)
	}
	if !strings.HasPrefix(mimeType, "image/") {
		return backend.Image{}, fmt.Errorf("unsupported media type %q", mimeType)
	}
	return backend.Image{MIMEType: mimeType, Data: base64.StdEncoding.EncodeToString(data)}, nil
}
