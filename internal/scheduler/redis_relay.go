package scheduler

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/nkkko/pincer/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultRelayChannel is the pub/sub channel wake pulses travel on
const DefaultRelayChannel = "pincer:wake"

// RedisRelay carries wake pulses between processes sharing one task store.
// Wake pulses the local waker and publishes; Run pulses the local waker for
// every pulse published by another process.
type RedisRelay struct {
	client  *redis.Client
	channel string
	origin  string
	waker   *Waker
	timeout time.Duration
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewRedisRelay creates a relay for waker. An empty channel uses
// DefaultRelayChannel.
func NewRedisRelay(client *redis.Client, channel string, waker *Waker) *RedisRelay {
	if channel == "" {
		channel = DefaultRelayChannel
	}
	return &RedisRelay{
		client:  client,
		channel: channel,
		origin:  uuid.New().String(),
		waker:   waker,
		timeout: 2 * time.Second,
		logger:  log.With().Str("component", "wake-relay").Logger(),
		metrics: metrics.GetMetrics(),
	}
}

// Wake pulses the local waker and notifies the other processes. Publishing
// happens in the background so producers never block on redis.
func (r *RedisRelay) Wake() {
	r.waker.Wake()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		if err := r.Publish(ctx); err != nil {
			r.logger.Warn().Err(err).Msg("Failed to publish wake pulse")
		}
	}()
}

// Publish sends one wake pulse to the other processes
func (r *RedisRelay) Publish(ctx context.Context) error {
	if err := r.client.Publish(ctx, r.channel, r.origin).Err(); err != nil {
		return err
	}
	r.metrics.WakeRelayMessages.WithLabelValues("published").Inc()
	return nil
}

// Run forwards remote pulses to the local waker until ctx is cancelled
func (r *RedisRelay) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	r.logger.Info().Str("channel", r.channel).Msg("Relaying wake pulses")

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			if msg.Payload == r.origin {
				continue
			}
			r.metrics.WakeRelayMessages.WithLabelValues("received").Inc()
			r.waker.Wake()
		}
	}
}
