package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nkkko/pincer/pkg/model"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// PushConfig contains push gateway configuration
type PushConfig struct {
	// GatewayURL receives one POST per delivery
	GatewayURL string

	// Token is sent as a bearer token when set
	Token string

	// Timeout bounds one request
	Timeout time.Duration

	// TTL tells the gateway how long the provider may hold the message
	TTL time.Duration
}

// DefaultPushConfig returns a default configuration
func DefaultPushConfig() PushConfig {
	return PushConfig{
		GatewayURL: "http://localhost:8090/push",
		Timeout:    10 * time.Second,
		TTL:        24 * time.Hour,
	}
}

type pushKeys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

type pushRequest struct {
	Endpoint string      `json:"endpoint"`
	Keys     pushKeys    `json:"keys"`
	TTL      int64       `json:"ttl"`
	Payload  PushMessage `json:"payload"`
}

// GatewaySender posts push deliveries to an HTTP gateway that speaks the
// web push protocol with the providers
type GatewaySender struct {
	config PushConfig
	client *http.Client
	logger zerolog.Logger
}

// NewGatewaySender creates a push sender
func NewGatewaySender(config PushConfig) *GatewaySender {
	defaults := DefaultPushConfig()
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.TTL <= 0 {
		config.TTL = defaults.TTL
	}
	return &GatewaySender{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
		logger: log.With().Str("component", "push-gateway").Logger(),
	}
}

// Send delivers msg to sub. A 404 or 410 from the gateway means the
// subscription is gone; other 4xx replies are permanent; 429, 5xx and
// transport errors are retryable.
func (s *GatewaySender) Send(ctx context.Context, sub model.PushSubscription, msg PushMessage) error {
	body, err := json.Marshal(pushRequest{
		Endpoint: sub.Endpoint,
		Keys:     pushKeys{P256dh: sub.P256dh, Auth: sub.Auth},
		TTL:      int64(s.config.TTL / time.Second),
		Payload:  msg,
	})
	if err != nil {
		return Permanent(fmt.Errorf("encoding push request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.GatewayURL, bytes.NewReader(body))
	if err != nil {
		return Permanent(fmt.Errorf("building push request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if s.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.config.Token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("push gateway: %w", err)
	}
	defer resp.Body.Close()
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		s.logger.Debug().Str("subscription_id", sub.ID).Int("status", resp.StatusCode).Msg("Push subscription gone")
		return fmt.Errorf("%w: status %d", ErrSubscriptionGone, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("push gateway returned %d: %s", resp.StatusCode, bytes.TrimSpace(detail))
	default:
		return Permanent(fmt.Errorf("push gateway returned %d: %s", resp.StatusCode, bytes.TrimSpace(detail)))
	}
}
