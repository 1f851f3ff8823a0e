package commands

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/switchboard/pkg/media"
	"github.com/go-go-golems/switchboard/pkg/session"
	"github.com/go-go-golems/switchboard/pkg/transport"
	"github.com/go-go-golems/switchboard/pkg/transport/loopback"
)

type fakeSessions struct {
	client transport.Client
	err    error
	calls  atomic.Int32
}

func (f *fakeSessions) Ensure(_ context.Context, _ string) (transport.Client, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.client, nil
}

func newService(t *testing.T, sessions *fakeSessions) *Service {
	t.Helper()
	svc, err := NewService(Options{
		Sessions:       sessions,
		Fetcher:        media.NewFetcher(time.Second, 1<<20),
		ConnectTimeout: time.Second,
	})
	require.NoError(t, err)
	return svc
}

func connected(t *testing.T) *loopback.Client {
	t.Helper()
	f := loopback.NewFactory(loopback.Options{})
	c, err := f.NewClient(context.Background(), transport.ClientConfig{SessionID: "s1", Credentials: []byte("x")})
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	<-c.Events()
	t.Cleanup(func() { _ = c.Close() })
	return c.(*loopback.Client)
}

func TestSendText_NoTargetFailsBeforeTransport(t *testing.T) {
	sessions := &fakeSessions{}
	svc := newService(t, sessions)

	_, err := svc.SendText(context.Background(), SendTextRequest{Target: Target{SessionID: "s1"}, Text: "hi"})
	require.Error(t, err)
	require.True(t, IsValidation(err))
	require.Equal(t, int32(0), sessions.calls.Load())

	_, err = svc.SendText(context.Background(), SendTextRequest{Target: Target{SessionID: "s1", Number: "11999998888"}})
	require.True(t, IsValidation(err))
	_, err = svc.SendText(context.Background(), SendTextRequest{Target: Target{Number: "11999998888"}, Text: "hi"})
	require.True(t, IsValidation(err))
	require.Equal(t, int32(0), sessions.calls.Load())
}

func TestSendText_NormalizesNumber(t *testing.T) {
	c := connected(t)
	svc := newService(t, &fakeSessions{client: c})

	res, err := svc.SendText(context.Background(), SendTextRequest{
		Target: Target{SessionID: "s1", Number: "+55 11 99999-8888"},
		Text:   "hello",
	})
	require.NoError(t, err)
	require.Equal(t, "551199998888@s.whatsapp.net", res.ConversationID)
	require.NotEmpty(t, res.MessageID)

	ev := <-c.Events()
	msg, ok := ev.(transport.Message)
	require.True(t, ok)
	require.True(t, msg.FromMe)
	require.Equal(t, "hello", msg.Text)
}

func TestSendText_TransportErrorNotRetried(t *testing.T) {
	c := connected(t)
	c.Disconnect(transport.ReasonConnectionLost)
	<-c.Events()
	sessions := &fakeSessions{client: c}
	svc := newService(t, sessions)

	_, err := svc.SendText(context.Background(), SendTextRequest{Target: Target{SessionID: "s1", ConversationID: "x@s.whatsapp.net"}, Text: "hi"})
	require.Error(t, err)
	require.True(t, IsTransport(err))
	require.ErrorIs(t, err, transport.ErrNotConnected)
	require.Equal(t, int32(1), sessions.calls.Load())
}

func TestSendText_SessionUnavailable(t *testing.T) {
	svc := newService(t, &fakeSessions{err: errors.Wrap(session.ErrLoggedOut, "session s1")})
	_, err := svc.SendText(context.Background(), SendTextRequest{Target: Target{SessionID: "s1", Number: "1"}, Text: "hi"})
	require.ErrorIs(t, err, session.ErrLoggedOut)
	require.False(t, IsTransport(err))
}

func TestSendMedia(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("png"))
	}))
	defer srv.Close()

	c := connected(t)
	svc := newService(t, &fakeSessions{client: c})

	_, err := svc.SendMedia(context.Background(), SendMediaRequest{
		Target: Target{SessionID: "s1", ConversationID: "g1@g.us"},
		Kind:   "sticker",
		URL:    srv.URL,
	})
	require.True(t, IsValidation(err))

	_, err = svc.SendMedia(context.Background(), SendMediaRequest{
		Target: Target{SessionID: "s1", ConversationID: "g1@g.us"},
		Kind:   transport.MediaImage,
		URL:    "file:///etc/passwd",
	})
	require.True(t, IsValidation(err))

	_, err = svc.SendMedia(context.Background(), SendMediaRequest{
		Target:  Target{SessionID: "s1", ConversationID: "g1@g.us"},
		Kind:    transport.MediaImage,
		URL:     srv.URL + "/cat.png",
		Caption: "a cat",
	})
	require.NoError(t, err)

	msg := (<-c.Events()).(transport.Message)
	require.Equal(t, "a cat", msg.Text)
	require.NotNil(t, msg.Media)
	require.Equal(t, "image/png", msg.Media.MimeType)
	data, err := c.DownloadMedia(context.Background(), *msg.Media)
	require.NoError(t, err)
	require.Equal(t, "png", string(data))
}

func TestMarkReadAndPresence(t *testing.T) {
	c := connected(t)
	sessions := &fakeSessions{client: c}
	svc := newService(t, sessions)

	require.True(t, IsValidation(svc.MarkRead(context.Background(), MarkReadRequest{Target: Target{SessionID: "s1", ConversationID: "a@s.whatsapp.net"}, MessageIDs: []string{" "}})))
	require.True(t, IsValidation(svc.SetPresence(context.Background(), PresenceRequest{Target: Target{SessionID: "s1", ConversationID: "a@s.whatsapp.net"}, State: "dancing"})))
	require.Equal(t, int32(0), sessions.calls.Load())

	require.NoError(t, svc.MarkRead(context.Background(), MarkReadRequest{Target: Target{SessionID: "s1", ConversationID: "a@s.whatsapp.net"}, MessageIDs: []string{"m1", "m2"}}))
	rc := (<-c.Events()).(transport.Receipt)
	require.Equal(t, []string{"m1", "m2"}, rc.MessageIDs)

	require.NoError(t, svc.SetPresence(context.Background(), PresenceRequest{Target: Target{SessionID: "s1", Number: "11999998888"}, State: transport.PresenceComposing}))
	st, ok := c.PresenceFor("551199998888@s.whatsapp.net")
	require.True(t, ok)
	require.Equal(t, transport.PresenceComposing, st)
}

func TestGroupAndProfileInfo(t *testing.T) {
	c := connected(t)
	svc := newService(t, &fakeSessions{client: c})

	_, err := svc.GroupInfo(context.Background(), "s1", "12345")
	require.True(t, IsValidation(err))

	info, err := svc.GroupInfo(context.Background(), "s1", "123@g.us")
	require.NoError(t, err)
	require.Equal(t, "123@g.us", info.ID)

	_, err = svc.GroupInfo(context.Background(), "s1", "123@s.whatsapp.net")
	require.True(t, IsTransport(err))
	require.ErrorIs(t, err, transport.ErrNotFound)

	p, err := svc.ProfileInfo(context.Background(), "s1", "11999998888")
	require.NoError(t, err)
	require.Equal(t, "551199998888@s.whatsapp.net", p.ID)
	require.True(t, p.Exists)
}
