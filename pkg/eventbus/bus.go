// Package eventbus decouples side effects (webhook delivery and external
// consumers) from ingestion through a watermill publisher/subscriber pair.
package eventbus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/switchboard/pkg/logging"
	"github.com/go-go-golems/switchboard/pkg/redisstream"
)

const (
	TopicEvents = "switchboard.events"

	defaultBuffer = 256
)

// Envelope is the payload of every bus message.
type Envelope struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

type Bus struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	redis      redis.UniversalClient
	// shared is set when publisher and subscriber are the same go channel.
	shared bool
	now    func() time.Time
}

// NewInMemory returns a bus backed by a watermill go channel.
func NewInMemory(buffer int64) *Bus {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	ch := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: buffer,
	}, logging.NewWatermill(log.Logger))
	return &Bus{publisher: ch, subscriber: ch, shared: true, now: time.Now}
}

// New returns a Redis Streams bus when s.Enabled, and an in-memory bus
// otherwise.
func New(ctx context.Context, s redisstream.Settings) (*Bus, error) {
	if !s.Enabled {
		return NewInMemory(0), nil
	}
	client, err := redisstream.NewClient(s)
	if err != nil {
		return nil, err
	}
	if err := redisstream.EnsureGroupAtTail(ctx, client, TopicEvents, s.Group); err != nil {
		_ = client.Close()
		return nil, err
	}
	pub, err := redisstream.BuildPublisher(client)
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "build redis publisher")
	}
	sub, err := redisstream.BuildGroupSubscriber(client, s.Group, s.Consumer)
	if err != nil {
		_ = pub.Close()
		_ = client.Close()
		return nil, errors.Wrap(err, "build redis subscriber")
	}
	log.Info().Str("component", "eventbus").Str("addr", s.Addr).Str("group", s.Group).Msg("using redis streams event bus")
	return &Bus{publisher: pub, subscriber: sub, redis: client, now: time.Now}, nil
}

// Publish wraps payload in an Envelope and publishes it on TopicEvents.
func (b *Bus) Publish(ctx context.Context, eventType, sessionID string, payload any) error {
	if b == nil {
		return nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrapf(err, "marshal %s payload", eventType)
	}
	data, err := json.Marshal(Envelope{
		Type:      eventType,
		SessionID: sessionID,
		Timestamp: b.now().Unix(),
		Payload:   raw,
	})
	if err != nil {
		return errors.Wrap(err, "marshal envelope")
	}
	msg := message.NewMessage(watermill.NewUUID(), data)
	msg.Metadata.Set("type", eventType)
	msg.Metadata.Set("session_id", sessionID)
	msg.SetContext(ctx)
	if err := b.publisher.Publish(TopicEvents, msg); err != nil {
		return errors.Wrapf(err, "publish %s", eventType)
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context) (<-chan *message.Message, error) {
	if b == nil {
		return nil, errors.New("eventbus: nil bus")
	}
	return b.subscriber.Subscribe(ctx, TopicEvents)
}

// Decode parses a bus message payload.
func Decode(msg *message.Message) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		return Envelope{}, errors.Wrap(err, "decode bus envelope")
	}
	return env, nil
}

func (b *Bus) Close() error {
	if b == nil {
		return nil
	}
	err := b.publisher.Close()
	if !b.shared {
		if serr := b.subscriber.Close(); serr != nil && err == nil {
			err = serr
		}
	}
	if b.redis != nil {
		if rerr := b.redis.Close(); rerr != nil && err == nil {
			err = rerr
		}
	}
	return err
}
