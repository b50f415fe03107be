// Package broker shares relayed room events between server instances over
// Redis pub/sub.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/manpreetbhatti/codepair/internal/protocol"
	"github.com/manpreetbhatti/codepair/internal/relay"
)

const DefaultPrefix = "codepair:room:"

// How long Connect keeps retrying an unreachable Redis
const connectTimeout = 30 * time.Second

// Wire form of a relay.Remote
type envelope struct {
	Origin string           `msgpack:"origin"`
	Room   string           `msgpack:"room"`
	Sender string           `msgpack:"sender"`
	Kind   protocol.Kind    `msgpack:"kind"`
	Fields []protocol.Field `msgpack:"fields"`
}

// Broker publishes local events and applies events published by other
// instances. It implements relay.Publisher.
type Broker struct {
	rdb    *redis.Client
	prefix string
	origin string
}

func New(rdb *redis.Client, prefix string) *Broker {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Broker{
		rdb:    rdb,
		prefix: prefix,
		origin: uuid.NewString(),
	}
}

// Connect opens a client and pings it with exponential backoff until Redis
// answers or ctx is done.
func Connect(ctx context.Context, addr string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})

	_, err := backoff.Retry(ctx, func() (string, error) {
		return rdb.Ping(ctx).Result()
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(connectTimeout),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Printf("⚠️ Redis at %s not ready, retrying in %v: %v", addr, next.Round(time.Millisecond), err)
		}),
	)
	if err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect redis %s: %w", addr, err)
	}

	log.Printf("✅ Connected to Redis at %s", addr)
	return rdb, nil
}

func (b *Broker) Origin() string {
	return b.origin
}

func (b *Broker) channel(room string) string {
	return b.prefix + room
}

func (b *Broker) Publish(ctx context.Context, ev relay.Remote) error {
	data, err := b.encode(ev)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel(ev.Room), data).Err()
}

// Run applies events from other instances until ctx is done.
func (b *Broker) Run(ctx context.Context, apply func(context.Context, relay.Remote)) error {
	sub := b.rdb.PSubscribe(ctx, b.prefix+"*")
	defer sub.Close()

	// wait for the subscription to be confirmed
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s*: %w", b.prefix, err)
	}
	log.Printf("📡 Listening for room events on %s*", b.prefix)

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			ev, err := b.decode(msg.Channel, []byte(msg.Payload))
			if errors.Is(err, errOwnEvent) {
				continue
			}
			if err != nil {
				log.Printf("⚠️ Dropped message on %s: %v", msg.Channel, err)
				continue
			}
			apply(ctx, ev)
		}
	}
}

func (b *Broker) encode(ev relay.Remote) ([]byte, error) {
	data, err := msgpack.Marshal(envelope{
		Origin: b.origin,
		Room:   ev.Room,
		Sender: ev.Sender,
		Kind:   ev.Event.Type,
		Fields: ev.Event.Fields,
	})
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", ev.Event.Type, err)
	}
	return data, nil
}

var errOwnEvent = errors.New("event published by this instance")

func (b *Broker) decode(channel string, data []byte) (relay.Remote, error) {
	var env envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return relay.Remote{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Origin == b.origin {
		return relay.Remote{}, errOwnEvent
	}
	if room := strings.TrimPrefix(channel, b.prefix); room != env.Room {
		return relay.Remote{}, fmt.Errorf("envelope for room %q on channel of room %q", env.Room, room)
	}
	return relay.Remote{
		Room:   env.Room,
		Sender: env.Sender,
		Event:  protocol.Outbound{Type: env.Kind, Fields: env.Fields},
	}, nil
}
