// Package redisstream builds watermill publishers and subscribers backed by
// Redis Streams.
package redisstream

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/switchboard/pkg/logging"
)

// NewClient returns a go-redis client for s.Addr.
func NewClient(s Settings) (redis.UniversalClient, error) {
	if strings.TrimSpace(s.Addr) == "" {
		return nil, errors.New("redisstream: empty redis address")
	}
	return redis.NewClient(&redis.Options{Addr: s.Addr}), nil
}

func BuildPublisher(client redis.UniversalClient) (message.Publisher, error) {
	logger := logging.NewWatermill(log.Logger)
	return rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: rstream.DefaultMarshallerUnmarshaller{},
	}, logger)
}

// BuildGroupSubscriber returns a Redis Streams subscriber bound to the given
// consumer group and consumer name.
func BuildGroupSubscriber(client redis.UniversalClient, group, consumer string) (message.Subscriber, error) {
	if group == "" || consumer == "" {
		return nil, errors.New("redisstream: consumer group and consumer name are required")
	}
	logger := logging.NewWatermill(log.Logger)
	return rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  rstream.DefaultMarshallerUnmarshaller{},
		ConsumerGroup: group,
		Consumer:      consumer,
	}, logger)
}

// EnsureGroupAtTail creates the consumer group for a stream at the tail ($)
// if it doesn't exist, so a fresh deployment does not replay history.
func EnsureGroupAtTail(ctx context.Context, client redis.UniversalClient, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return errors.Wrapf(err, "create consumer group %s on %s", group, stream)
	}
	log.Info().Str("component", "redisstream").Str("stream", stream).Str("group", group).Msg("created redis consumer group at $ (tail)")
	return nil
}
