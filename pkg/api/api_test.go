package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/switchboard/pkg/broadcast"
	"github.com/go-go-golems/switchboard/pkg/commands"
	"github.com/go-go-golems/switchboard/pkg/media"
	"github.com/go-go-golems/switchboard/pkg/messagestore"
	"github.com/go-go-golems/switchboard/pkg/session"
	"github.com/go-go-golems/switchboard/pkg/transport"
)

type fakeSessions struct {
	sessions map[string]session.Session
	started  []string
	err      error
}

func (f *fakeSessions) Start(_ context.Context, id string) (session.Session, error) {
	f.started = append(f.started, id)
	if f.err != nil {
		return session.Session{}, f.err
	}
	s := session.Session{ID: id, Status: session.StatusInitializing}
	f.sessions[id] = s
	return s, nil
}

func (f *fakeSessions) Restart(ctx context.Context, id string) (session.Session, error) {
	return f.Start(ctx, id)
}

func (f *fakeSessions) Logout(_ context.Context, id string) (session.Session, error) {
	if _, ok := f.sessions[id]; !ok {
		return session.Session{}, errors.Wrapf(session.ErrSessionNotFound, "session %s", id)
	}
	s := session.Session{ID: id, Status: session.StatusDisconnected, DisconnectReason: transport.ReasonLoggedOut}
	f.sessions[id] = s
	return s, nil
}

func (f *fakeSessions) Status(id string) (session.Session, bool) {
	s, ok := f.sessions[id]
	return s, ok
}

func (f *fakeSessions) List() []session.Session {
	out := []session.Session{}
	for _, s := range f.sessions {
		out = append(out, s)
	}
	return out
}

type fakeCommands struct {
	lastText  commands.SendTextRequest
	lastMedia commands.SendMediaRequest
	lastRead  commands.MarkReadRequest
	err       error
}

func (f *fakeCommands) SendText(_ context.Context, req commands.SendTextRequest) (commands.SendResult, error) {
	f.lastText = req
	if f.err != nil {
		return commands.SendResult{}, f.err
	}
	return commands.SendResult{SessionID: req.SessionID, ConversationID: "c@x", MessageID: "m1", Timestamp: 7}, nil
}

func (f *fakeCommands) SendMedia(_ context.Context, req commands.SendMediaRequest) (commands.SendResult, error) {
	f.lastMedia = req
	if f.err != nil {
		return commands.SendResult{}, f.err
	}
	return commands.SendResult{SessionID: req.SessionID, MessageID: "m2"}, nil
}

func (f *fakeCommands) MarkRead(_ context.Context, req commands.MarkReadRequest) error {
	f.lastRead = req
	return f.err
}

func (f *fakeCommands) SetPresence(_ context.Context, _ commands.PresenceRequest) error {
	return f.err
}

func (f *fakeCommands) GroupInfo(_ context.Context, _, conversationID string) (transport.GroupInfo, error) {
	if f.err != nil {
		return transport.GroupInfo{}, f.err
	}
	return transport.GroupInfo{ID: conversationID}, nil
}

func (f *fakeCommands) ProfileInfo(_ context.Context, _, target string) (transport.ProfileInfo, error) {
	if f.err != nil {
		return transport.ProfileInfo{}, f.err
	}
	return transport.ProfileInfo{ID: target}, nil
}

type fixture struct {
	sessions *fakeSessions
	cmds     *fakeCommands
	store    *messagestore.Store
	hub      *broadcast.Hub
	media    *media.Store
	srv      *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ms, err := media.NewStore(t.TempDir(), "")
	require.NoError(t, err)
	f := &fixture{
		sessions: &fakeSessions{sessions: map[string]session.Session{}},
		cmds:     &fakeCommands{},
		store:    messagestore.New(100),
		hub:      broadcast.NewHub(broadcast.Options{}),
		media:    ms,
	}
	h, err := NewHandler(Options{
		Sessions:       f.sessions,
		History:        f.store,
		Commands:       f.cmds,
		Observers:      f.hub,
		Media:          ms,
		DefaultSession: "main",
	})
	require.NoError(t, err)
	f.srv = httptest.NewServer(h)
	t.Cleanup(func() {
		f.srv.Close()
		f.hub.Close()
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	out := map[string]any{}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func (f *fixture) seed(t *testing.T, session string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		conv := "5511999998888@s.whatsapp.net"
		if i%2 == 1 {
			conv = "5521988887777@s.whatsapp.net"
		}
		_, err := f.store.Append(messagestore.Event{
			SessionID:      session,
			ID:             "m" + string(rune('a'+i)),
			ConversationID: conv,
			Direction:      messagestore.Inbound,
			Timestamp:      int64(100 + i),
			Kind:           messagestore.KindText,
			Text:           "hello",
			SenderName:     "Ana",
		})
		require.NoError(t, err)
	}
}

func TestStatusFor(t *testing.T) {
	require.Equal(t, http.StatusBadRequest, StatusFor(&commands.ValidationError{Field: "x", Message: "y"}))
	require.Equal(t, http.StatusNotFound, StatusFor(errors.Wrap(session.ErrSessionNotFound, "s")))
	require.Equal(t, http.StatusBadRequest, StatusFor(session.ErrEmptySessionID))
	require.Equal(t, http.StatusServiceUnavailable, StatusFor(errors.Wrap(session.ErrNotConnected, "s")))
	require.Equal(t, http.StatusServiceUnavailable, StatusFor(errors.Wrap(session.ErrLoggedOut, "s")))
	require.Equal(t, http.StatusServiceUnavailable, StatusFor(&commands.TransportError{Op: "send", Err: transport.ErrNotConnected}))
	require.Equal(t, http.StatusBadGateway, StatusFor(&commands.TransportError{Op: "send", Err: errors.New("boom")}))
	require.Equal(t, http.StatusInternalServerError, StatusFor(errors.New("other")))
}

func TestLifecycleRoutesRejectBlankID(t *testing.T) {
	f := newFixture(t)
	for _, op := range []string{"start", "restart", "logout"} {
		resp, body := f.do(t, http.MethodPost, "/sessions/%20%20/"+op, nil)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode, op)
		require.Contains(t, body["error"], "session id", op)
	}
	require.Empty(t, f.sessions.started)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, body["ok"])
}

func TestSessionLifecycleRoutes(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodGet, "/sessions/sales", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body := f.do(t, http.MethodPost, "/sessions/sales/start", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "sales", body["session_id"])
	require.Equal(t, []string{"sales"}, f.sessions.started)

	resp, body = f.do(t, http.MethodPost, "/sessions/sales/logout", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "disconnected", body["status"])

	resp, _ = f.do(t, http.MethodPost, "/sessions/ghost/logout", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/sessions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, body["sessions"], 1)
}

func TestSessionStatusRendersQR(t *testing.T) {
	f := newFixture(t)
	f.sessions.sessions["sales"] = session.Session{ID: "sales", Status: session.StatusAwaitingPairing, PairingChallenge: "challenge-1"}

	resp, body := f.do(t, http.MethodGet, "/sessions/sales", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "challenge-1", body["qr"])
	require.True(t, strings.HasPrefix(body["qr_image"].(string), "data:image/png;base64,"))

	resp, _ = f.do(t, http.MethodGet, "/sessions/sales/qr.png", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "image/png", resp.Header.Get("Content-Type"))

	f.sessions.sessions["sales"] = session.Session{ID: "sales", Status: session.StatusConnected}
	resp, _ = f.do(t, http.MethodGet, "/sessions/sales/qr.png", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHistoryAndChats(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "sales", 6)

	resp, body := f.do(t, http.MethodGet, "/sessions/sales/history?limit=2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.EqualValues(t, 2, body["total"])
	msgs := body["messages"].([]any)
	require.Equal(t, "me", msgs[0].(map[string]any)["id"])
	require.Equal(t, "mf", msgs[1].(map[string]any)["id"])

	resp, _ = f.do(t, http.MethodGet, "/sessions/sales/history?limit=abc", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/sessions/sales/chats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	chats := body["chats"].([]any)
	require.Len(t, chats, 2)
	require.Equal(t, "5521988887777@s.whatsapp.net", chats[0].(map[string]any)["conversation_id"])

	resp, body = f.do(t, http.MethodGet, "/sessions/sales/chats/5511999998888@s.whatsapp.net/messages", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, body["messages"], 3)
}

func TestSendRoutes(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/sessions/sales/messages/text", map[string]any{"number": "11999998888", "text": "hi"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "m1", body["message_id"])
	require.Equal(t, "sales", f.cmds.lastText.SessionID)
	require.Equal(t, "11999998888", f.cmds.lastText.Number)

	resp, _ = f.do(t, http.MethodPost, "/sessions/sales/messages/image", map[string]any{"conversation_id": "c@x", "url": "http://x/a.jpg", "caption": "c"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, transport.MediaImage, f.cmds.lastMedia.Kind)
	require.Equal(t, "c", f.cmds.lastMedia.Caption)

	resp, _ = f.do(t, http.MethodPost, "/sessions/sales/read", map[string]any{"conversation_id": "c@x", "message_ids": []string{"a"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, []string{"a"}, f.cmds.lastRead.MessageIDs)
	require.Equal(t, "sales", f.cmds.lastRead.SessionID)

	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/sessions/sales/messages/text", strings.NewReader("{not json"))
	require.NoError(t, err)
	raw, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = raw.Body.Close()
	require.Equal(t, http.StatusBadRequest, raw.StatusCode)
}

func TestSendErrorMapping(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		err    error
		status int
	}{
		{&commands.ValidationError{Field: "target", Message: "conversation_id or number is required"}, http.StatusBadRequest},
		{errors.Wrap(session.ErrNotConnected, "timeout"), http.StatusServiceUnavailable},
		{&commands.TransportError{Op: "send message", Err: errors.New("rejected")}, http.StatusBadGateway},
	}
	for _, tc := range cases {
		f.cmds.err = tc.err
		resp, body := f.do(t, http.MethodPost, "/sessions/sales/messages/text", map[string]any{"text": "x"})
		require.Equal(t, tc.status, resp.StatusCode)
		require.NotEmpty(t, body["error"])
	}
}

func TestGroupAndProfileRoutes(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/sessions/sales/groups/123-456@g.us", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "123-456@g.us", body["id"])

	resp, body = f.do(t, http.MethodGet, "/sessions/sales/profiles/11999998888", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "11999998888", body["id"])
}

func TestCompatRoutes(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "main", 4)
	f.sessions.sessions["main"] = session.Session{ID: "main", Status: session.StatusAwaitingPairing, PairingChallenge: "abc"}

	resp, body := f.do(t, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "awaiting_pairing", body["status"])
	require.True(t, strings.HasPrefix(body["qr"].(string), "data:image/png;base64,"))

	resp, body = f.do(t, http.MethodGet, "/history", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.EqualValues(t, 4, body["total"])
	first := body["messages"].([]any)[0].(map[string]any)
	require.Equal(t, "5511999998888@s.whatsapp.net", first["from"])
	require.Equal(t, false, first["fromMe"])
	require.Nil(t, first["mediaUrl"])

	resp, body = f.do(t, http.MethodGet, "/chats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	chats := body["chats"].([]any)
	require.Len(t, chats, 2)
	top := chats[0].(map[string]any)
	require.Equal(t, "5521988887777@s.whatsapp.net", top["id"])
	require.Equal(t, "Ana", top["name"])
	require.EqualValues(t, 103, top["lastTimestamp"])

	resp, body = f.do(t, http.MethodGet, "/chat/+55%2011%2099999-8888", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, body["messages"], 2)

	resp, body = f.do(t, http.MethodPost, "/send", map[string]any{"number": "11999998888", "message": "oi"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, body["success"])
	require.Equal(t, "main", f.cmds.lastText.SessionID)
	require.Equal(t, "oi", f.cmds.lastText.Text)
}

func TestCompatStatusWithoutSession(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "disconnected", body["status"])
	require.Nil(t, body["qr"])
}

func TestMediaRoute(t *testing.T) {
	f := newFixture(t)
	name, err := f.media.Save("main", "abc", "image/jpeg", []byte("jpegdata"))
	require.NoError(t, err)

	resp, err := http.Get(f.srv.URL + "/media/" + name)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp2, err := http.Get(f.srv.URL + "/media/missing.jpg")
	require.NoError(t, err)
	_ = resp2.Body.Close()
	require.Equal(t, http.StatusNotFound, resp2.StatusCode)

	_, err = os.Stat(filepath.Join(f.media.Dir, name))
	require.NoError(t, err)
}

func TestWebSocketReceivesBroadcasts(t *testing.T) {
	f := newFixture(t)
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	require.Eventually(t, func() bool { return f.hub.Count() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, f.hub.Publish("status", map[string]string{"session_id": "sales"}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env broadcast.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	require.Equal(t, "status", env.Event)
}
