package notify

import (
	"context"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/sidkik/emsync/pkg/errors"
	"github.com/sidkik/emsync/pkg/registry"
)

// publisher is the part of redis.Client that Redis uses.
type publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Close() error
}

// Redis publishes events to a Redis pub/sub channel, so that observers on
// other hosts can follow transfers.
type Redis struct {
	client  publisher
	channel string
	queue   chan registry.Event
}

// NewRedis connects to the Redis server at url, e.g.
// redis://localhost:6379/0.
func NewRedis(url, channel string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.ConfigurationError{Reason: "invalid Redis URL", Err: err}
	}
	return newRedis(redis.NewClient(opts), channel), nil
}

func newRedis(client publisher, channel string) *Redis {
	return &Redis{
		client:  client,
		channel: channel,
		queue:   make(chan registry.Event, 1024),
	}
}

// Notify implements registry.Notifier.
func (r *Redis) Notify(event registry.Event) {
	select {
	case r.queue <- event:
	default:
		log.WithField("type", event.Type).Warn("Redis publish queue full. Dropping event.")
	}
}

// Serve publishes queued events until ctx is cancelled. Failed publishes
// are logged and dropped.
func (r *Redis) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event := <-r.queue:
			if err := r.publish(ctx, event); err != nil {
				log.WithError(err).WithFields(log.Fields{
					"session": event.SessionID,
					"type":    event.Type,
				}).Warn("Failed to publish event to Redis")
			}
		}
	}
}

func (r *Redis) publish(ctx context.Context, event registry.Event) error {
	msg, err := json.Marshal(event)
	if err != nil {
		return errors.WithContext(err, "encode event")
	}
	return errors.WithContext(r.client.Publish(ctx, r.channel, msg).Err(), "publish")
}

func (r *Redis) String() string {
	return "redis publisher"
}

// Close disconnects from Redis.
func (r *Redis) Close() error {
	return r.client.Close()
}
