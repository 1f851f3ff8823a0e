package ingest

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/switchboard/pkg/media"
	"github.com/go-go-golems/switchboard/pkg/messagestore"
	"github.com/go-go-golems/switchboard/pkg/transport"
	"github.com/go-go-golems/switchboard/pkg/transport/loopback"
)

type published struct {
	topic   string
	payload any
}

type recorder struct {
	mu     sync.Mutex
	events []published
}

func (r *recorder) Publish(topic string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, published{topic, payload})
	return nil
}

func (r *recorder) all() []published {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]published(nil), r.events...)
}

type busRecorder struct {
	recorder
}

func (b *busRecorder) Publish(_ context.Context, eventType, _ string, payload any) error {
	return b.recorder.Publish(eventType, payload)
}

type clients map[string]transport.Client

func (c clients) Client(id string) (transport.Client, bool) {
	cl, ok := c[id]
	return cl, ok
}

func connectedLoopback(t *testing.T, id string) *loopback.Client {
	t.Helper()
	f := loopback.NewFactory(loopback.Options{})
	c, err := f.NewClient(context.Background(), transport.ClientConfig{SessionID: id, Credentials: []byte("x")})
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	<-c.Events() // Connected
	t.Cleanup(func() { _ = c.Close() })
	return c.(*loopback.Client)
}

type fixture struct {
	store *messagestore.Store
	hub   *recorder
	bus   *busRecorder
	media *media.Store
	p     *Pipeline
}

func newFixture(t *testing.T, cl clients, opts Options) *fixture {
	t.Helper()
	ms, err := media.NewStore(t.TempDir(), "")
	require.NoError(t, err)
	f := &fixture{
		store: messagestore.New(100),
		hub:   &recorder{},
		bus:   &busRecorder{},
		media: ms,
	}
	opts.Store = f.store
	opts.Publisher = f.hub
	opts.Bus = f.bus
	opts.Media = ms
	opts.Clients = cl
	opts.Now = func() time.Time { return time.Unix(1_700_000_000, 0) }
	f.p = New(opts)
	return f
}

func TestPipeline_TextMessage(t *testing.T) {
	f := newFixture(t, clients{}, Options{})
	f.p.HandleTransportEvent(context.Background(), "s1", transport.Message{
		ID: "m1", ConversationID: "5511@s.whatsapp.net", Text: "hello", Timestamp: 10,
	})

	got := f.store.Query("s1", 0, 0)
	require.Len(t, got, 1)
	require.Equal(t, messagestore.KindText, got[0].Kind)
	require.Equal(t, messagestore.Inbound, got[0].Direction)
	require.Equal(t, "Contact", got[0].SenderName)
	require.Equal(t, int64(10), got[0].Timestamp)

	require.Len(t, f.hub.all(), 1)
	require.Equal(t, TopicMessage, f.hub.all()[0].topic)
	require.Len(t, f.bus.all(), 1)
}

func TestPipeline_SkipsEmptyAndStatusBroadcast(t *testing.T) {
	f := newFixture(t, clients{}, Options{})
	f.p.HandleTransportEvent(context.Background(), "s1", transport.Message{ID: "m1", ConversationID: "c@s.whatsapp.net"})
	f.p.HandleTransportEvent(context.Background(), "s1", transport.Message{ID: "m2", ConversationID: "status@broadcast", Text: "story"})
	require.Equal(t, 0, f.store.Len("s1"))
	require.Empty(t, f.hub.all())
}

func TestPipeline_DuplicateNotRepublished(t *testing.T) {
	f := newFixture(t, clients{}, Options{})
	m := transport.Message{ID: "m1", ConversationID: "c@s.whatsapp.net", Text: "x", Timestamp: 1}
	f.p.HandleTransportEvent(context.Background(), "s1", m)
	f.p.HandleTransportEvent(context.Background(), "s1", m)
	require.Equal(t, 1, f.store.Len("s1"))
	require.Len(t, f.hub.all(), 1)
}

func TestPipeline_MissingTimestampUsesNow(t *testing.T) {
	f := newFixture(t, clients{}, Options{})
	f.p.HandleTransportEvent(context.Background(), "s1", transport.Message{ID: "m1", ConversationID: "c@s.whatsapp.net", Text: "x", FromMe: true})
	got := f.store.Query("s1", 0, 0)
	require.Equal(t, int64(1_700_000_000), got[0].Timestamp)
	require.Equal(t, messagestore.Outbound, got[0].Direction)
	require.Empty(t, got[0].SenderName)
}

func TestPipeline_MediaIsPersisted(t *testing.T) {
	c := connectedLoopback(t, "s1")
	handle := c.StoreMedia([]byte("jpeg-bytes"))
	f := newFixture(t, clients{"s1": c}, Options{})

	f.p.HandleTransportEvent(context.Background(), "s1", transport.Message{
		ID: "IMG1", ConversationID: "c@s.whatsapp.net", Timestamp: 5,
		Media: &transport.MediaRef{Kind: transport.MediaImage, MimeType: "image/jpeg", Handle: handle},
	})

	got := f.store.Query("s1", 0, 0)
	require.Len(t, got, 1)
	require.Equal(t, messagestore.KindImage, got[0].Kind)
	require.NotNil(t, got[0].Attachment)
	require.Empty(t, got[0].Attachment.Error)
	require.Equal(t, "s1~IMG1.jpg", got[0].Attachment.StorageRef)
	require.Equal(t, "/media/s1~IMG1.jpg", got[0].Attachment.URL)
}

func TestPipeline_SameMediaIDAcrossSessions(t *testing.T) {
	a := connectedLoopback(t, "a")
	b := connectedLoopback(t, "b")
	f := newFixture(t, clients{"a": a, "b": b}, Options{})

	for id, c := range map[string]*loopback.Client{"a": a, "b": b} {
		handle := c.StoreMedia([]byte("bytes-of-" + id))
		f.p.HandleTransportEvent(context.Background(), id, transport.Message{
			ID: "M1", ConversationID: "c@s.whatsapp.net", Timestamp: 5,
			Media: &transport.MediaRef{Kind: transport.MediaImage, MimeType: "image/jpeg", Handle: handle},
		})
	}

	for _, id := range []string{"a", "b"} {
		got := f.store.Query(id, 0, 0)
		require.Len(t, got, 1)
		require.NotNil(t, got[0].Attachment)
		fh, err := f.media.Open(got[0].Attachment.StorageRef)
		require.NoError(t, err)
		data, err := io.ReadAll(fh)
		_ = fh.Close()
		require.NoError(t, err)
		require.Equal(t, "bytes-of-"+id, string(data))
	}
}

type failingClient struct {
	transport.Client
}

func (failingClient) DownloadMedia(context.Context, transport.MediaRef) ([]byte, error) {
	return nil, errors.New("decrypt failed")
}

func TestPipeline_MediaFailureStillStoresEvent(t *testing.T) {
	f := newFixture(t, clients{"s1": failingClient{}}, Options{})
	f.p.HandleTransportEvent(context.Background(), "s1", transport.Message{
		ID: "VID1", ConversationID: "c@s.whatsapp.net", Timestamp: 5,
		Media: &transport.MediaRef{Kind: transport.MediaVideo, MimeType: "video/mp4"},
	})

	got := f.store.Query("s1", 0, 0)
	require.Len(t, got, 1)
	require.Equal(t, messagestore.KindVideo, got[0].Kind)
	require.Contains(t, got[0].Attachment.Error, "decrypt failed")
	require.Empty(t, got[0].Attachment.StorageRef)
}

func TestPipeline_UnsupportedIsOther(t *testing.T) {
	f := newFixture(t, clients{}, Options{})
	f.p.HandleTransportEvent(context.Background(), "s1", transport.Message{ID: "m1", ConversationID: "c@s.whatsapp.net", Unsupported: true})
	got := f.store.Query("s1", 0, 0)
	require.Len(t, got, 1)
	require.Equal(t, messagestore.KindOther, got[0].Kind)
}

func TestPipeline_ReceiptsAndPresence(t *testing.T) {
	f := newFixture(t, clients{}, Options{})
	f.p.HandleTransportEvent(context.Background(), "s1", transport.Receipt{ConversationID: "c", MessageIDs: []string{"m1"}, Type: "read"})
	f.p.HandleTransportEvent(context.Background(), "s1", transport.Presence{ConversationID: "c", State: transport.PresenceComposing})

	evs := f.hub.all()
	require.Len(t, evs, 2)
	require.Equal(t, TopicReceipt, evs[0].topic)
	require.Equal(t, TopicPresence, evs[1].topic)
	require.Len(t, f.bus.all(), 2)
	require.Equal(t, 0, f.store.Len("s1"))
}

func TestPipeline_AutoReplyAndAutoRead(t *testing.T) {
	c := connectedLoopback(t, "s1")
	f := newFixture(t, clients{"s1": c}, Options{AutoReply: true, AutoRead: true})

	f.p.HandleTransportEvent(context.Background(), "s1", transport.Message{ID: "m1", ConversationID: "c@s.whatsapp.net", Text: " !PING ", Timestamp: 1})

	var sawReceipt, sawPong bool
	deadline := time.After(time.Second)
	for !(sawReceipt && sawPong) {
		select {
		case ev := <-c.Events():
			switch ev := ev.(type) {
			case transport.Receipt:
				sawReceipt = ev.Type == "read" && ev.MessageIDs[0] == "m1"
			case transport.Message:
				sawPong = ev.FromMe && ev.Text == "pong"
			}
		case <-deadline:
			t.Fatalf("receipt=%v pong=%v", sawReceipt, sawPong)
		}
	}
}

func TestReply(t *testing.T) {
	r, ok := Reply("!help", "hi there")
	require.True(t, ok)
	require.Equal(t, "hi there", r)
	_, ok = Reply("hello", "hi")
	require.False(t, ok)
}
