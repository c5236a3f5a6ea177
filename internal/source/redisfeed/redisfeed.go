// Package redisfeed subscribes to a Redis pub/sub channel on which the
// detection backend publishes one alert per message.
package redisfeed

import (
	"context"
	"fmt"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/idswatch/internal/source"
)

// Config configures the Redis subscriber.
type Config struct {
	Addr        string
	Password    string
	DB          int
	Channel     string
	DialTimeout time.Duration
}

// Subscriber opens pub/sub subscriptions on one channel.
type Subscriber struct {
	client  *redis.Client
	channel string
	logger  log.Logger
}

// New creates a Subscriber. The connection is established lazily by Subscribe.
func New(cfg Config, logger log.Logger) (*Subscriber, error) {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:6379"
	}
	if cfg.Channel == "" {
		return nil, fmt.Errorf("redis channel is required")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = log.Nop()
	}

	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})

	return &Subscriber{
		client:  client,
		channel: cfg.Channel,
		logger:  logger,
	}, nil
}

// Close releases the Redis client.
func (s *Subscriber) Close() error {
	return s.client.Close()
}

// Subscribe implements source.Subscriber. It returns once the server has
// confirmed the subscription. The subscription closes when ctx is canceled.
func (s *Subscriber) Subscribe(ctx context.Context) (source.Subscription, error) {
	ps := s.client.Subscribe(ctx, s.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", s.channel, err)
	}
	s.logger.Info(ctx, "redis subscription established", "channel", s.channel)

	loopCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		ps:     ps,
		cancel: cancel,
		events: make(chan source.Event),
	}
	go sub.run(loopCtx)
	return sub, nil
}

type subscription struct {
	ps     *redis.PubSub
	cancel context.CancelFunc
	events chan source.Event

	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}

func (s *subscription) Events() <-chan source.Event { return s.events }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *subscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		err = s.ps.Close()
	})
	return err
}

// run forwards messages until the channel fails. go-redis would
// transparently resubscribe, but a broken channel has to surface so the
// caller can fall back to polling.
func (s *subscription) run(ctx context.Context) {
	defer close(s.events)
	defer func() { _ = s.Close() }()

	for {
		msg, err := s.ps.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.mu.Lock()
				s.err = err
				s.mu.Unlock()
			}
			return
		}

		select {
		case s.events <- source.DecodeEvent([]byte(msg.Payload)):
		case <-ctx.Done():
			return
		}
	}
}
