// Package bridge is the push-delivery side of the sync core: an MQTT
// client that decodes incoming push payloads and invokes the matching core
// handler. The push channel is at-least-once and unordered, so every
// handler it calls is idempotent. It also carries the device's location
// samples inbound and accuracy-mode commands outbound, implementing the
// presence tracker's provider contract.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"pairbeat/go-sync-core/internal/model"
	"pairbeat/go-sync-core/internal/presence"
)

// Push categories delivered over the push channel.
const (
	CategoryHeartbeat       = "heartbeat"
	CategoryPairingUpdate   = "pairing_update"
	CategoryPartnerLocation = "partner_location"
	CategoryVoiceMessage    = "voice_message"
)

// PushPayload is the decoded body of a push notification.
type PushPayload struct {
	Category  string    `json:"category"`
	SessionID string    `json:"session_id,omitempty"`
	FromID    string    `json:"from_id,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// LocationPayload is the body published on the device's location topic.
// Either a sample or a provider error report.
type LocationPayload struct {
	Latitude  float64   `json:"latitude,omitempty"`
	Longitude float64   `json:"longitude,omitempty"`
	Accuracy  float64   `json:"accuracy,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Handlers are the core entry points the bridge dispatches into.
type Handlers struct {
	OnHeartbeat            func(ctx context.Context, at time.Time)
	OnPairingUpdate        func(ctx context.Context, sessionID string) error
	OnPartnerLocation      func(ctx context.Context) error
	OnLocationSample       func(ctx context.Context, sample model.LocationSample)
	OnProviderError        func(err error)
	OnConnectivityRestored func(ctx context.Context)
}

// Bridge connects the core to the MQTT push channel.
type Bridge struct {
	logger   *slog.Logger
	client   mqtt.Client
	selfID   string
	handlers Handlers

	handlerTimeout time.Duration
}

// New builds a bridge for the given user against the broker address.
func New(brokerAddr, selfID string, handlers Handlers, logger *slog.Logger) *Bridge {
	b := &Bridge{
		logger:         logger,
		selfID:         selfID,
		handlers:       handlers,
		handlerTimeout: 15 * time.Second,
	}

	clientID := fmt.Sprintf("pairbeat-%s-%d", selfID, time.Now().UnixNano())
	opts := mqtt.NewClientOptions().
		AddBroker(brokerAddr).
		SetClientID(clientID).
		SetOrderMatters(false).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetOnConnectHandler(b.onConnect)

	b.client = mqtt.NewClient(opts)
	return b
}

// Connect establishes the broker session; subscriptions are (re)installed
// by the connect handler.
func (b *Bridge) Connect(ctx context.Context) error {
	token := b.client.Connect()
	if !token.WaitTimeout(b.handlerTimeout) {
		return fmt.Errorf("broker connect timed out")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("broker connect: %w", err)
	}
	return nil
}

// Close disconnects from the broker.
func (b *Bridge) Close() {
	b.client.Disconnect(250)
}

func (b *Bridge) onConnect(client mqtt.Client) {
	pushTopic := PushTopic(b.selfID)
	if token := client.Subscribe(pushTopic, 0, b.handlePush); token.Wait() && token.Error() != nil {
		b.logger.Error("push subscription failed", "topic", pushTopic, "error", token.Error())
	} else {
		b.logger.Info("subscribed", "topic", pushTopic)
	}

	// (Re)connecting is a connectivity-recovery trigger for the durable
	// heartbeat queue.
	if b.handlers.OnConnectivityRestored != nil {
		ctx, cancel := context.WithTimeout(context.Background(), b.handlerTimeout)
		defer cancel()
		b.handlers.OnConnectivityRestored(ctx)
	}
}

func (b *Bridge) handlePush(_ mqtt.Client, msg mqtt.Message) {
	payload, err := DecodePush(msg.Payload())
	if err != nil {
		b.logger.Warn("push payload decode failed", "topic", msg.Topic(), "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.handlerTimeout)
	defer cancel()
	b.Dispatch(ctx, payload)
}

// DecodePush parses and validates a push payload.
func DecodePush(raw []byte) (PushPayload, error) {
	var payload PushPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return PushPayload{}, fmt.Errorf("decode push: %w", err)
	}
	switch payload.Category {
	case CategoryHeartbeat, CategoryPartnerLocation, CategoryVoiceMessage:
	case CategoryPairingUpdate:
		if strings.TrimSpace(payload.SessionID) == "" {
			return PushPayload{}, errors.New("pairing update without session id")
		}
	default:
		return PushPayload{}, fmt.Errorf("unknown push category %q", payload.Category)
	}
	return payload, nil
}

// Dispatch routes a decoded push to its handler. Safe for duplicate and
// out-of-order deliveries.
func (b *Bridge) Dispatch(ctx context.Context, payload PushPayload) {
	switch payload.Category {
	case CategoryHeartbeat:
		if b.handlers.OnHeartbeat != nil {
			b.handlers.OnHeartbeat(ctx, payload.Timestamp)
		}
	case CategoryPairingUpdate:
		if b.handlers.OnPairingUpdate != nil {
			if err := b.handlers.OnPairingUpdate(ctx, payload.SessionID); err != nil {
				b.logger.Warn("pairing update handling failed", "session", payload.SessionID, "error", err)
			}
		}
	case CategoryPartnerLocation:
		if b.handlers.OnPartnerLocation != nil {
			if err := b.handlers.OnPartnerLocation(ctx); err != nil {
				b.logger.Warn("partner location refresh failed", "error", err)
			}
		}
	case CategoryVoiceMessage:
		// Voice handling lives outside the sync core.
		b.logger.Debug("voice message push ignored", "from", payload.FromID)
	}
}

func (b *Bridge) handleLocation(_ mqtt.Client, msg mqtt.Message) {
	var payload LocationPayload
	if err := json.Unmarshal(msg.Payload(), &payload); err != nil {
		b.logger.Warn("location payload decode failed", "error", err)
		return
	}

	if payload.Error != "" {
		if b.handlers.OnProviderError != nil {
			err := errors.New(payload.Error)
			if payload.Error == "permission_denied" {
				err = presence.ErrPermissionDenied
			}
			b.handlers.OnProviderError(err)
		}
		return
	}

	if b.handlers.OnLocationSample == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.handlerTimeout)
	defer cancel()
	b.handlers.OnLocationSample(ctx, model.LocationSample{
		Latitude:  payload.Latitude,
		Longitude: payload.Longitude,
		Accuracy:  payload.Accuracy,
		Timestamp: payload.Timestamp,
	})
}

// PushTopic returns the push topic for a user.
func PushTopic(userID string) string {
	return fmt.Sprintf("pairbeat/users/%s/push", userID)
}

// LocationTopic returns the inbound location-sample topic for a user.
func LocationTopic(userID string) string {
	return fmt.Sprintf("pairbeat/users/%s/location", userID)
}

// LocationCommandTopic returns the outbound accuracy-command topic.
func LocationCommandTopic(userID string) string {
	return fmt.Sprintf("pairbeat/users/%s/location/commands", userID)
}

// Provider adapts the bridge to the presence tracker's location-provider
// contract: samples arrive over the location topic, accuracy-mode commands
// go back out to the device.
type Provider struct {
	bridge *Bridge
}

// NewProvider wraps the bridge as a presence.Provider.
func NewProvider(b *Bridge) *Provider {
	return &Provider{bridge: b}
}

// RequestAuthorization reports granted: the authorization prompt lives on
// the device; a denial arrives as a provider error on the location topic.
func (p *Provider) RequestAuthorization(ctx context.Context) (bool, error) {
	return true, nil
}

// Start subscribes to the device's location topic.
func (p *Provider) Start(ctx context.Context) error {
	topic := LocationTopic(p.bridge.selfID)
	token := p.bridge.client.Subscribe(topic, 0, p.bridge.handleLocation)
	if !token.WaitTimeout(p.bridge.handlerTimeout) {
		return fmt.Errorf("location subscription timed out")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("location subscription: %w", err)
	}
	p.bridge.logger.Info("subscribed", "topic", topic)
	return nil
}

// Stop unsubscribes from the location topic.
func (p *Provider) Stop() {
	topic := LocationTopic(p.bridge.selfID)
	if token := p.bridge.client.Unsubscribe(topic); token.Wait() && token.Error() != nil {
		p.bridge.logger.Warn("location unsubscribe failed", "error", token.Error())
	}
}

// SetAccuracy publishes the accuracy-mode command to the device.
func (p *Provider) SetAccuracy(mode presence.AccuracyMode) {
	payload, err := json.Marshal(struct {
		Mode string `json:"mode"`
	}{Mode: string(mode)})
	if err != nil {
		return
	}
	topic := LocationCommandTopic(p.bridge.selfID)
	token := p.bridge.client.Publish(topic, 0, false, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		p.bridge.logger.Warn("accuracy command publish failed", "error", err)
	}
}
