package realtime

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/trezcool/shule/core"
)

const redisChannel = "realtime"

// Bus carries envelopes to every API instance, each delivering them to its local connections.
type Bus interface {
	Publish(ctx context.Context, env Envelope) error
	// Subscribe calls deliver for every published envelope until ctx is done.
	Subscribe(ctx context.Context, deliver func(Envelope)) error
	Close() error
}

// NewBus returns a redis bus if conf.RedisURL is set, an in-process bus otherwise.
func NewBus(conf *core.Config, logger core.Logger) (Bus, error) {
	if conf.RedisURL == "" {
		return NewLocalBus(), nil
	}
	return NewRedisBus(conf.RedisURL, core.CleanString(conf.AppName, true)+":"+redisChannel, logger)
}

type localBus struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[int]func(Envelope)
}

func NewLocalBus() Bus {
	return &localBus{handlers: make(map[int]func(Envelope))}
}

func (b *localBus) Publish(_ context.Context, env Envelope) error {
	b.mu.RLock()
	handlers := make([]func(Envelope), 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, deliver := range handlers {
		deliver(env)
	}
	return nil
}

func (b *localBus) Subscribe(ctx context.Context, deliver func(Envelope)) error {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = deliver
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}()
	return nil
}

func (b *localBus) Close() error { return nil }

type redisBus struct {
	cli     *redis.Client
	channel string
	logger  core.Logger
}

func NewRedisBus(url, channel string, logger core.Logger) (Bus, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "parsing redis url")
	}
	return &redisBus{cli: redis.NewClient(opt), channel: channel, logger: logger}, nil
}

func (b *redisBus) Publish(ctx context.Context, env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "encoding envelope")
	}
	return errors.Wrap(b.cli.Publish(ctx, b.channel, payload).Err(), "publishing envelope")
}

func (b *redisBus) Subscribe(ctx context.Context, deliver func(Envelope)) error {
	ps := b.cli.Subscribe(ctx, b.channel)
	if _, err := ps.Receive(ctx); err != nil { // wait for the subscription to be confirmed
		_ = ps.Close()
		return errors.Wrap(err, "subscribing to "+b.channel)
	}

	go func() {
		defer func() { _ = ps.Close() }()
		ch := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				env, err := decodeEnvelope(msg.Payload)
				if err != nil {
					b.logger.Error("realtime.redisBus: invalid envelope", err)
					continue
				}
				deliver(env)
			}
		}
	}()
	return nil
}

func (b *redisBus) Close() error {
	return b.cli.Close()
}

func decodeEnvelope(payload string) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return Envelope{}, errors.Wrap(err, "decoding envelope")
	}
	if env.Event.Name == "" || len(env.To) == 0 {
		return Envelope{}, errors.New("decoding envelope: missing event or recipients")
	}
	return env, nil
}
