// Package api mounts the HTTP and websocket surface of switchboard.
package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/skip2/go-qrcode"

	"github.com/go-go-golems/switchboard/pkg/broadcast"
	"github.com/go-go-golems/switchboard/pkg/commands"
	"github.com/go-go-golems/switchboard/pkg/messagestore"
	"github.com/go-go-golems/switchboard/pkg/session"
	"github.com/go-go-golems/switchboard/pkg/transport"
)

const qrImageSize = 256

// Sessions is the registry surface used by the handlers.
type Sessions interface {
	Start(ctx context.Context, id string) (session.Session, error)
	Restart(ctx context.Context, id string) (session.Session, error)
	Logout(ctx context.Context, id string) (session.Session, error)
	Status(id string) (session.Session, bool)
	List() []session.Session
}

// History is the read side of the message store.
type History interface {
	Query(sessionID string, limit int, before int64) []messagestore.Event
	QueryConversation(sessionID, conversationID string, limit int, before int64) []messagestore.Event
	Conversations(sessionID string) []messagestore.ConversationSummary
}

type Commands interface {
	SendText(ctx context.Context, req commands.SendTextRequest) (commands.SendResult, error)
	SendMedia(ctx context.Context, req commands.SendMediaRequest) (commands.SendResult, error)
	MarkRead(ctx context.Context, req commands.MarkReadRequest) error
	SetPresence(ctx context.Context, req commands.PresenceRequest) error
	GroupInfo(ctx context.Context, sessionID, conversationID string) (transport.GroupInfo, error)
	ProfileInfo(ctx context.Context, sessionID, target string) (transport.ProfileInfo, error)
}

type Observers interface {
	Subscribe(conn broadcast.Conn) *broadcast.Observer
}

type MediaFiles interface {
	Open(name string) (*os.File, error)
}

type Options struct {
	Sessions       Sessions
	History        History
	Commands       Commands
	Observers      Observers
	Media          MediaFiles
	DefaultSession string
	Upgrader       websocket.Upgrader
}

type Handler struct {
	opts Options
	mux  *http.ServeMux
}

func NewHandler(opts Options) (*Handler, error) {
	if opts.Sessions == nil {
		return nil, errors.New("api: sessions is nil")
	}
	if opts.History == nil {
		return nil, errors.New("api: history is nil")
	}
	if opts.Commands == nil {
		return nil, errors.New("api: commands is nil")
	}
	if strings.TrimSpace(opts.DefaultSession) == "" {
		opts.DefaultSession = "default"
	}
	if opts.Upgrader.CheckOrigin == nil {
		opts.Upgrader.CheckOrigin = func(*http.Request) bool { return true }
	}
	h := &Handler{opts: opts, mux: http.NewServeMux()}
	h.routes()
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) routes() {
	m := h.mux
	m.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	m.HandleFunc("GET /sessions", h.listSessions)
	m.HandleFunc("GET /sessions/{id}", h.getSession)
	m.HandleFunc("GET /sessions/{id}/qr.png", h.getQRImage)
	m.HandleFunc("POST /sessions/{id}/start", h.lifecycle(h.opts.Sessions.Start))
	m.HandleFunc("POST /sessions/{id}/restart", h.lifecycle(h.opts.Sessions.Restart))
	m.HandleFunc("POST /sessions/{id}/logout", h.lifecycle(h.opts.Sessions.Logout))

	m.HandleFunc("GET /sessions/{id}/history", h.getHistory)
	m.HandleFunc("GET /sessions/{id}/chats", h.getChats)
	m.HandleFunc("GET /sessions/{id}/chats/{conversation}/messages", h.getConversation)

	m.HandleFunc("POST /sessions/{id}/messages/{kind}", h.postMessage)
	m.HandleFunc("POST /sessions/{id}/read", h.postRead)
	m.HandleFunc("POST /sessions/{id}/presence", h.postPresence)
	m.HandleFunc("GET /sessions/{id}/groups/{conversation}", h.getGroup)
	m.HandleFunc("GET /sessions/{id}/profiles/{target}", h.getProfile)

	m.HandleFunc("GET /ws", h.serveWS)
	m.HandleFunc("GET /media/{name}", h.serveMedia)

	h.compatRoutes()
}

type sessionView struct {
	session.Session
	QRImage string `json:"qr_image,omitempty"`
}

func viewOf(s session.Session) sessionView {
	v := sessionView{Session: s}
	if s.PairingChallenge != "" {
		if uri, err := qrDataURI(s.PairingChallenge); err == nil {
			v.QRImage = uri
		} else {
			log.Warn().Err(err).Str("component", "api").Str("session_id", s.ID).Msg("render qr failed")
		}
	}
	return v
}

func qrDataURI(content string) (string, error) {
	png, err := qrcode.Encode(content, qrcode.Medium, qrImageSize)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}

func (h *Handler) listSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": h.opts.Sessions.List()})
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s, ok := h.opts.Sessions.Status(id)
	if !ok {
		writeError(w, errors.Wrapf(session.ErrSessionNotFound, "session %s", id))
		return
	}
	writeJSON(w, http.StatusOK, viewOf(s))
}

func (h *Handler) getQRImage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s, ok := h.opts.Sessions.Status(id)
	if !ok {
		writeError(w, errors.Wrapf(session.ErrSessionNotFound, "session %s", id))
		return
	}
	if s.PairingChallenge == "" {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "no pairing challenge pending"})
		return
	}
	png, err := qrcode.Encode(s.PairingChallenge, qrcode.Medium, qrImageSize)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(png)
}

func (h *Handler) lifecycle(op func(ctx context.Context, id string) (session.Session, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.PathValue("id"))
		if id == "" {
			writeError(w, &commands.ValidationError{Field: "id", Message: "session id is required"})
			return
		}
		s, err := op(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, viewOf(s))
	}
}

func (h *Handler) getHistory(w http.ResponseWriter, r *http.Request) {
	limit, before, err := pageParams(r)
	if err != nil {
		writeError(w, err)
		return
	}
	events := h.opts.History.Query(r.PathValue("id"), limit, before)
	writeJSON(w, http.StatusOK, map[string]any{"total": len(events), "messages": events})
}

func (h *Handler) getChats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"chats": h.opts.History.Conversations(r.PathValue("id"))})
}

func (h *Handler) getConversation(w http.ResponseWriter, r *http.Request) {
	limit, before, err := pageParams(r)
	if err != nil {
		writeError(w, err)
		return
	}
	events := h.opts.History.QueryConversation(r.PathValue("id"), r.PathValue("conversation"), limit, before)
	writeJSON(w, http.StatusOK, map[string]any{"messages": events})
}

type messageBody struct {
	ConversationID string `json:"conversation_id"`
	Number         string `json:"number"`
	Text           string `json:"text"`
	URL            string `json:"url"`
	Caption        string `json:"caption"`
	FileName       string `json:"file_name"`
	MimeType       string `json:"mime_type"`
}

func (h *Handler) postMessage(w http.ResponseWriter, r *http.Request) {
	var body messageBody
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	target := commands.Target{SessionID: r.PathValue("id"), ConversationID: body.ConversationID, Number: body.Number}

	var (
		res commands.SendResult
		err error
	)
	if kind := r.PathValue("kind"); kind == "text" {
		res, err = h.opts.Commands.SendText(r.Context(), commands.SendTextRequest{Target: target, Text: body.Text})
	} else {
		res, err = h.opts.Commands.SendMedia(r.Context(), commands.SendMediaRequest{
			Target:   target,
			Kind:     transport.MediaKind(kind),
			URL:      body.URL,
			Caption:  body.Caption,
			FileName: body.FileName,
			MimeType: body.MimeType,
		})
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) postRead(w http.ResponseWriter, r *http.Request) {
	var req commands.MarkReadRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	req.SessionID = r.PathValue("id")
	if err := h.opts.Commands.MarkRead(r.Context(), req); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *Handler) postPresence(w http.ResponseWriter, r *http.Request) {
	var req commands.PresenceRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	req.SessionID = r.PathValue("id")
	if err := h.opts.Commands.SetPresence(r.Context(), req); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *Handler) getGroup(w http.ResponseWriter, r *http.Request) {
	info, err := h.opts.Commands.GroupInfo(r.Context(), r.PathValue("id"), r.PathValue("conversation"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *Handler) getProfile(w http.ResponseWriter, r *http.Request) {
	info, err := h.opts.Commands.ProfileInfo(r.Context(), r.PathValue("id"), r.PathValue("target"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *Handler) serveWS(w http.ResponseWriter, r *http.Request) {
	if h.opts.Observers == nil {
		http.Error(w, "broadcaster not initialized", http.StatusServiceUnavailable)
		return
	}
	conn, err := h.opts.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		log.Debug().Err(err).Str("component", "api").Msg("websocket upgrade failed")
		return
	}
	obs := h.opts.Observers.Subscribe(conn)
	log.Debug().Str("component", "api").Str("observer_id", obs.ID()).Str("remote", r.RemoteAddr).Msg("observer attached")
}

func (h *Handler) serveMedia(w http.ResponseWriter, r *http.Request) {
	if h.opts.Media == nil {
		http.NotFound(w, r)
		return
	}
	f, err := h.opts.Media.Open(r.PathValue("name"))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer func() { _ = f.Close() }()
	st, err := f.Stat()
	if err != nil {
		http.NotFound(w, r)
		return
	}
	http.ServeContent(w, r, st.Name(), st.ModTime(), f)
}

func pageParams(r *http.Request) (int, int64, error) {
	q := r.URL.Query()
	limit := 0
	if v := strings.TrimSpace(q.Get("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return 0, 0, &commands.ValidationError{Field: "limit", Message: "must be a non-negative integer"}
		}
		limit = n
	}
	var before int64
	if v := strings.TrimSpace(q.Get("before")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return 0, 0, &commands.ValidationError{Field: "before", Message: "must be a unix timestamp"}
		}
		before = n
	}
	return limit, before, nil
}

const maxBodyBytes = 1 << 20

func decodeBody(w http.ResponseWriter, r *http.Request, into any) error {
	if r.Body == nil {
		return &commands.ValidationError{Message: "request body is required"}
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(into); err != nil {
		return &commands.ValidationError{Field: "body", Message: "invalid json: " + err.Error()}
	}
	return nil
}
