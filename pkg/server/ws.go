package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/lkarlslund/chatrelay/pkg/admin"
	"github.com/lkarlslund/chatrelay/pkg/backend"
	"github.com/lkarlslund/chatrelay/pkg/config"
	"github.com/lkarlslund/chatrelay/pkg/history"
	"github.com/lkarlslund/chatrelay/pkg/logutil"
	"github.com/lkarlslund/chatrelay/pkg/metrics"
	"github.com/lkarlslund/chatrelay/pkg/relay"
	"github.com/lkarlslund/chatrelay/pkg/router"
	"github.com/lkarlslund/chatrelay/pkg/session"
)

// Outbound event names owned by the transport.
const (
	EventWelcome           = "welcome"
	EventError             = "error"
	EventConnectionRefused = "connection_refused"
	EventTranscription     = "transcription"
	EventAdminWelcome      = "admin_welcome"
	EventAdminActionResult = "admin_action_result"
	EventAdminUsersUpdate  = "admin_users_update"
)

const (
	wsReadTimeout   = 60 * time.Second
	wsPingInterval  = 25 * time.Second
	wsWriteTimeout  = 10 * time.Second
	wsMaxFrameBytes = 32 << 20
	turnQueueSize   = 32
)

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type messagePayload struct {
	Message   string `json:"message"`
	Service   string `json:"service,omitempty"`
	Language  string `json:"language,omitempty"`
	Priority  string `json:"priority,omitempty"`
	Audience  string `json:"audience,omitempty"`
	Emergency bool   `json:"emergency,omitempty"`
}

type imagePayload struct {
	Image    string `json:"image"`
	Message  string `json:"message,omitempty"`
	Language string `json:"language,omitempty"`
	MIMEType string `json:"mimeType,omitempty"`
}

type audioPayload struct {
	Audio    string `json:"audio"`
	Language string `json:"language,omitempty"`
	FileName string `json:"fileName,omitempty"`
}

type adminPayload struct {
	SocketID string `json:"socketId,omitempty"`
	Target   string `json:"target,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Message  string `json:"message,omitempty"`
	Secret   string `json:"secret,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

type welcomePayload struct {
	Message      string   `json:"message"`
	ID           string   `json:"id"`
	Capabilities []string `json:"capabilities"`
}

type errorPayload struct {
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Code    string `json:"code,omitempty"`
}

type adminWelcomePayload struct {
	Message string         `json:"message"`
	ID      string         `json:"id"`
	Stats   admin.Stats    `json:"stats"`
	Users   []session.Info `json:"users"`
}

type actionResult struct {
	Action  string `json:"action"`
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type usersUpdate struct {
	Users        []session.Info `json:"users"`
	Stats        admin.Stats    `json:"stats"`
	BlockedCount int            `json:"blockedCount"`
}

// client is the server side of one websocket connection.
type client struct {
	srv   *Server
	sess  *session.Session
	queue chan func()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(req *http.Request) bool {
		origin := strings.TrimSpace(req.Header.Get("Origin"))
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return strings.EqualFold(u.Host, req.Host)
	},
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	log := logutil.For("ws")
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()
	defer conn.Close()
	conn.SetReadLimit(wsMaxFrameBytes)

	role := session.RoleNormal
	secret := strings.TrimSpace(r.URL.Query().Get("admin_secret"))
	if secret == "" {
		secret = strings.TrimSpace(r.Header.Get("X-Admin-Secret"))
	}
	if secret != "" {
		if s.admin.Authorize(secret) {
			role = session.RoleAdmin
		} else {
			log.Warn("admin secret rejected; continuing as normal session", "addr", requestClientIP(r))
		}
	}

	id := uuid.NewString()
	if resume := strings.TrimSpace(r.URL.Query().Get("session")); resume != "" {
		if parsed, err := uuid.Parse(resume); err == nil {
			id = parsed.String()
		}
	}
	sess := session.New(id, requestClientIP(r), r.UserAgent(), role)
	sess.Language = config.NormalizeLanguage(r.URL.Query().Get("lang"))
	if sess.Language == "" {
		sess.Language = s.cfg.DefaultLanguage
	}

	entry, blocked, err := s.sessions.Admit(sess)
	if errors.Is(err, session.ErrDuplicateSession) {
		sess.ID = uuid.NewString()
		entry, blocked, err = s.sessions.Admit(sess)
	}
	if err != nil {
		log.Error("admit session failed", "err", err)
		return
	}

	c := &client{srv: s, sess: sess}
	if blocked {
		log.Info("refused blocked connection", "session", sess.ID, "addr", sess.Address, "target", entry.Target)
		sess.Send(EventConnectionRefused, admin.Notice{
			Message: s.cfg.MessagesFor(sess.Language).Refused,
			Reason:  entry.Reason,
		})
		sess.DisconnectAfter(s.admin.Grace())
		c.writeLoop(conn, nil)
		return
	}

	metrics.ActiveSessions.Inc()
	s.history.Append(sess.ID, history.Connect, fmt.Sprintf("%s %s", sess.Address, sess.UserAgent))
	log.Info("session connected", "session", sess.ID, "addr", sess.Address, "admin", sess.IsAdmin())
	defer func() {
		sess.Close()
		if s.sessions.Unregister(sess.ID) {
			metrics.ActiveSessions.Dec()
			s.history.Append(sess.ID, history.Disconnect, sess.Address)
			log.Info("session disconnected", "session", sess.ID)
		}
	}()

	if s.cfg.SerializeTurns {
		c.queue = make(chan func(), turnQueueSize)
		go c.drainQueue()
	}

	sess.Send(EventWelcome, welcomePayload{
		Message:      s.cfg.MessagesFor(sess.Language).Welcome,
		ID:           sess.ID,
		Capabilities: s.capabilities(),
	})
	if sess.IsAdmin() {
		sess.Send(EventAdminWelcome, adminWelcomePayload{
			Message: "admin session established",
			ID:      sess.ID,
			Stats:   s.admin.Stats(),
			Users:   s.admin.Users(),
		})
		go c.pushUsersUpdates(time.Duration(s.cfg.Admin.UsersUpdateSeconds) * time.Second)
	}

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		})
		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
			c.dispatch(payload)
		}
	}()
	c.writeLoop(conn, readDone)
}

// writeLoop is the only writer on conn. It returns when the session closes
// or the reader stops, flushing events that were already queued.
func (c *client) writeLoop(conn *websocket.Conn, readDone <-chan struct{}) {
	pingTicker := time.NewTicker(wsPingInterval)
	defer pingTicker.Stop()
	for {
		select {
		case ev := <-c.sess.Control():
			if err := writeEvent(conn, ev); err != nil {
				return
			}
			continue
		default:
		}
		select {
		case <-readDone:
			return
		case ev := <-c.sess.Control():
			if err := writeEvent(conn, ev); err != nil {
				return
			}
		case <-c.sess.Done():
			c.flush(conn)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		case <-pingTicker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case ev := <-c.sess.Outbound():
			if err := writeEvent(conn, ev); err != nil {
				return
			}
		}
	}
}

// flush writes whatever is still queued, control events first.
func (c *client) flush(conn *websocket.Conn) {
	for {
		select {
		case ev := <-c.sess.Control():
			if err := writeEvent(conn, ev); err != nil {
				return
			}
			continue
		default:
		}
		select {
		case ev := <-c.sess.Outbound():
			if err := writeEvent(conn, ev); err != nil {
				return
			}
		default:
			return
		}
	}
}

func writeEvent(conn *websocket.Conn, ev session.Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(ev)
}

func (c *client) dispatch(payload []byte) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil || strings.TrimSpace(env.Event) == "" {
		c.sendError("malformed event", "", "bad_request")
		return
	}
	switch env.Event {
	case "send_message":
		c.onMessage(env.Data)
	case "send_image":
		c.onImage(env.Data)
	case "send_audio":
		c.onAudio(env.Data)
	default:
		if strings.HasPrefix(env.Event, "admin_") {
			c.onAdmin(env.Event, env.Data)
			return
		}
		logutil.For("ws").Debug("ignoring unknown event", "session", c.sess.ID, "event", env.Event)
	}
}

func (c *client) onMessage(raw json.RawMessage) {
	var p messagePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		c.sendError("malformed message", err.Error(), "bad_request")
		return
	}
	t := &relay.Turn{
		Message:  p.Message,
		Language: c.language(p.Language),
		Audience: p.Audience,
		Intent: router.Intent{
			Service:     strings.ToLower(strings.TrimSpace(p.Service)),
			ContentType: router.ContentText,
			Language:    config.NormalizeLanguage(p.Language),
			Priority:    router.Priority(strings.ToLower(strings.TrimSpace(p.Priority))),
			IsEmergency: p.Emergency,
		},
	}
	if !c.prepare(t) {
		return
	}
	c.schedule(func() { c.srv.runTurn(t, c.sess) })
}

func (c *client) onImage(raw json.RawMessage) {
	var p imagePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		c.sendError("malformed image", err.Error(), "bad_request")
		return
	}
	img, err := decodeImage(p.Image, p.MIMEType, c.srv.cfg.Limits.MaxUploadBytes)
	if err != nil {
		c.sendError(c.srv.cfg.MessagesFor(c.sess.Language).Error, err.Error(), "invalid_input")
		return
	}
	t := &relay.Turn{
		Message:  p.Message,
		Language: c.language(p.Language),
		Images:   []backend.Image{img},
		Timeout:  time.Duration(c.srv.cfg.Timeouts.ImageSeconds) * time.Second,
		Intent: router.Intent{
			ContentType: router.ContentImage,
			Language:    config.NormalizeLanguage(p.Language),
		},
	}
	if !c.prepare(t) {
		return
	}
	c.schedule(func() { c.srv.runTurn(t, c.sess) })
}

// onAudio transcribes the clip, reports the transcription, then runs the
// text as an ordinary chat turn.
func (c *client) onAudio(raw json.RawMessage) {
	var p audioPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		c.sendError("malformed audio", err.Error(), "bad_request")
		return
	}
	if c.blocked() {
		return
	}
	data, _, err := decodeBase64(p.Audio, c.srv.cfg.Limits.MaxUploadBytes)
	if err != nil {
		c.sendError(c.srv.cfg.MessagesFor(c.sess.Language).Error, err.Error(), "invalid_input")
		return
	}
	lang := c.language(p.Language)
	c.schedule(func() {
		text, err := c.srv.transcribe(backend.Audio{Data: data, FileName: p.FileName, Language: lang})
		if err != nil {
			logutil.For("ws").Warn("transcription failed", "session", c.sess.ID, "err", err)
			c.sendError(c.srv.cfg.MessagesFor(lang).Error, "", codeTranscriptionFailed)
			return
		}
		c.sess.Send(EventTranscription, map[string]string{"text": text})
		t := &relay.Turn{
			Message:  text,
			Language: lang,
			Intent:   router.Intent{ContentType: router.ContentText, Language: config.NormalizeLanguage(p.Language)},
		}
		if c.prepare(t) {
			c.srv.runTurn(t, c.sess)
		}
	})
}

// prepare runs the checks that precede every turn: block status, input
// validation, history, and routing. It reports whether the turn may run.
func (c *client) prepare(t *relay.Turn) bool {
	if c.blocked() {
		return false
	}
	if c.srv.draining.Load() {
		c.sendError("server shutting down", "", "unavailable")
		return false
	}
	t.SessionID = c.sess.ID
	msgs := c.srv.cfg.MessagesFor(t.Language)
	if err := c.srv.relay.Validate(t); err != nil {
		text := msgs.EmptyMessage
		if t.Message != "" {
			text = msgs.TooLong
		}
		c.sendError(text, err.Error(), "invalid_input")
		return false
	}
	c.srv.history.Append(c.sess.ID, history.UserMessage, t.Message)
	info, err := c.srv.relay.Plan(t)
	if err != nil {
		logutil.For("ws").Warn("no service for turn", "session", c.sess.ID, "err", err)
		c.sendError(msgs.Error, "", codeNoService)
		return false
	}
	c.sess.Send(relay.EventModelInfo, info)
	return true
}

func (c *client) blocked() bool {
	entry, blocked := c.srv.sessions.IsBlocked(c.sess.ID, c.sess.Address)
	if !blocked {
		return false
	}
	c.sess.SendControl(admin.EventBlocked, admin.Notice{
		Message: c.srv.cfg.MessagesFor(c.sess.Language).Blocked,
		Reason:  entry.Reason,
	})
	c.sess.DisconnectAfter(c.srv.admin.Grace())
	return true
}

// schedule runs job on its own goroutine, or on the session's FIFO worker
// when turns are serialized.
func (c *client) schedule(job func()) {
	if c.queue == nil {
		go job()
		return
	}
	select {
	case c.queue <- job:
	case <-c.sess.Done():
	default:
		c.sendError("too many pending messages", "", "busy")
	}
}

func (c *client) drainQueue() {
	for {
		select {
		case <-c.sess.Done():
			return
		case job := <-c.queue:
			job()
		}
	}
}

func (c *client) onAdmin(event string, raw json.RawMessage) {
	if !c.sess.IsAdmin() {
		return
	}
	var p adminPayload
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			c.sess.Send(EventAdminActionResult, actionResult{Action: event, Message: "malformed payload"})
			return
		}
	}
	plane := c.srv.admin
	if plane.PerOperationAuth() && !plane.Authorize(p.Secret) {
		c.sess.Send(EventAdminActionResult, actionResult{Action: event, Message: admin.ErrUnauthorized.Error()})
		return
	}
	res := actionResult{Action: event}
	switch event {
	case "admin_kick_user":
		res.Success = plane.Kick(c.sess.ID, p.SocketID)
		res.Message = outcome(res.Success, "session kicked", "session not connected")
	case "admin_block_user":
		if strings.TrimSpace(p.SocketID) == "" {
			res.Message = "socketId is required"
			break
		}
		res.Success = plane.Block(c.sess.ID, p.SocketID, p.Reason)
		res.Message = "session blocked"
	case "admin_unblock":
		target := firstNonEmpty(p.Target, p.SocketID)
		res.Success = plane.Unblock(c.sess.ID, target)
		res.Message = outcome(res.Success, "block lifted", "no matching block")
	case "admin_broadcast":
		if strings.TrimSpace(p.Message) == "" {
			res.Message = "message is required"
			break
		}
		n := plane.Broadcast(c.sess.ID, p.Message)
		res.Success = true
		res.Message = fmt.Sprintf("broadcast sent to %d sessions", n)
		res.Data = map[string]int{"recipients": n}
	case "admin_get_stats":
		res.Success = true
		res.Message = "ok"
		res.Data = plane.Stats()
	case "admin_get_history":
		res.Success = true
		res.Message = "ok"
		res.Data = plane.History(p.Limit)
	case "admin_get_users":
		res.Success = true
		res.Message = "ok"
		res.Data = plane.Users()
	case "admin_get_blocked_list":
		res.Success = true
		res.Message = "ok"
		res.Data = plane.Blocked()
	case "admin_get_status":
		res.Success = true
		res.Message = "ok"
		res.Data = c.srv.buildStatus(true)
	case "admin_check_health":
		queued := c.srv.health.Trigger()
		res.Success = true
		res.Message = outcome(queued, "health check queued", "health check already pending")
	default:
		res.Message = "unknown admin action"
	}
	c.sess.Send(EventAdminActionResult, res)
}

func (c *client) pushUsersUpdates(every time.Duration) {
	if every <= 0 {
		every = 3 * time.Second
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-c.sess.Done():
			return
		case <-t.C:
			ids, addrs := c.srv.sessions.BlockedCounts()
			c.sess.TrySend(EventAdminUsersUpdate, usersUpdate{
				Users:        c.srv.admin.Users(),
				Stats:        c.srv.admin.Stats(),
				BlockedCount: ids + addrs,
			})
		}
	}
}

func (c *client) sendError(message, details, code string) {
	c.sess.Send(EventError, errorPayload{Message: message, Details: details, Code: code})
}

func (c *client) language(requested string) string {
	if lang := config.NormalizeLanguage(requested); lang != "" {
		return lang
	}
	return c.sess.Language
}

// capabilities lists the input kinds the current configuration can serve.
func (s *Server) capabilities() []string {
	out := []string{"text", "streaming"}
	if len(s.cfg.Routing.Vision) > 0 {
		out = append(out, "image")
	}
	if _, ok := s.transcriber(); ok {
		out = append(out, "audio")
	}
	return out
}

func (s *Server) transcriber() (backend.Transcriber, bool) {
	b, ok := s.backends.Get(s.cfg.Routing.Transcription.Service)
	if !ok {
		return nil, false
	}
	tr, ok := b.(backend.Transcriber)
	return tr, ok
}

func (s *Server) transcribe(audio backend.Audio) (string, error) {
	tr, ok := s.transcriber()
	if !ok {
		return "", router.ErrNoServiceAvailable
	}
	if audio.Model == "" {
		audio.Model = s.cfg.Routing.Transcription.Model
	}
	s.activeTurns.Add(1)
	defer s.activeTurns.Add(-1)
	ctx, cancel := context.WithTimeout(s.baseCtx, time.Duration(s.cfg.Timeouts.AudioSeconds)*time.Second)
	defer cancel()
	return tr.Transcribe(ctx, audio)
}

func outcome(ok bool, yes, no string) string {
	if ok {
		return yes
	}
	return no
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
