// Package mqtt feeds Particle events published on a broker into ingestion.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"airquality-cloud/internal/auth"
	"airquality-cloud/internal/instruments/application"
	instruments "airquality-cloud/internal/instruments/domain"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// Ingester is the ingestion surface the subscriber drives.
type Ingester interface {
	IngestWebhook(ctx context.Context, p *auth.Principal, ev application.WebhookEvent) (*application.Ingested, error)
	LogEvent(ctx context.Context, p *auth.Principal, ev application.WebhookEvent) (*instruments.EventLog, error)
}

// Options configures the broker connection.
type Options struct {
	Broker   string
	ClientID string
	Topic    string
	Username string
	Password string
	QoS      byte
	Timeout  time.Duration
}

// Subscriber consumes event messages. The broker is trusted with a
// write-only service principal; devices are resolved by coreid.
type Subscriber struct {
	ingest    Ingester
	principal *auth.Principal
	logger    *zap.Logger
	client    paho.Client
}

type event struct {
	CoreID string `json:"coreid"`
	Name   string `json:"name"`
	Data   string `json:"data"`
}

// NewSubscriber constructs a subscriber.
func NewSubscriber(ingest Ingester, logger *zap.Logger) (*Subscriber, error) {
	if ingest == nil {
		return nil, errors.New("mqtt subscriber: nil ingester")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Subscriber{
		ingest:    ingest,
		principal: &auth.Principal{Email: "mqtt", Permissions: auth.PermAPIWrite},
		logger:    logger,
	}, nil
}

// Start connects and subscribes. Messages are handled on paho's goroutines
// until ctx is cancelled.
func (s *Subscriber) Start(ctx context.Context, opts Options) error {
	if opts.Broker == "" {
		return errors.New("mqtt subscriber: broker is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	co := paho.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetCleanSession(true).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			s.logger.Warn("mqtt connection lost", zap.Error(err))
		})
	if opts.Username != "" {
		co.SetUsername(opts.Username)
		co.SetPassword(opts.Password)
	}
	co.SetOnConnectHandler(func(c paho.Client) {
		token := c.Subscribe(opts.Topic, opts.QoS, func(_ paho.Client, msg paho.Message) {
			if err := s.Handle(ctx, msg.Topic(), msg.Payload()); err != nil {
				s.logger.Warn("mqtt message rejected", zap.String("topic", msg.Topic()), zap.Error(err))
			}
		})
		if token.WaitTimeout(opts.Timeout) && token.Error() != nil {
			s.logger.Error("mqtt subscribe failed", zap.String("topic", opts.Topic), zap.Error(token.Error()))
		}
	})

	s.client = paho.NewClient(co)
	token := s.client.Connect()
	if !token.WaitTimeout(opts.Timeout) {
		return fmt.Errorf("mqtt subscriber: connect to %s timed out", opts.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt subscriber: connect to %s: %w", opts.Broker, err)
	}
	s.logger.Info("mqtt subscribed", zap.String("broker", opts.Broker), zap.String("topic", opts.Topic))

	go func() {
		<-ctx.Done()
		s.client.Disconnect(250)
	}()
	return nil
}

// Handle routes one message. Names under spark/ are device lifecycle
// events and are logged; anything else is a measurement.
func (s *Subscriber) Handle(ctx context.Context, topic string, payload []byte) error {
	var ev event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return fmt.Errorf("%w: decode payload: %v", instruments.ErrValidation, err)
	}
	if strings.TrimSpace(ev.CoreID) == "" {
		ev.CoreID = coreIDFromTopic(topic)
	}
	if ev.CoreID == "" {
		return fmt.Errorf("%w: coreid is required", instruments.ErrValidation)
	}
	we := application.WebhookEvent{CoreID: ev.CoreID, Name: ev.Name, Data: ev.Data}
	if IsMeta(ev.Name) {
		_, err := s.ingest.LogEvent(ctx, s.principal, we)
		return err
	}
	_, err := s.ingest.IngestWebhook(ctx, s.principal, we)
	return err
}

// IsMeta reports whether an event name is a Particle lifecycle event.
func IsMeta(name string) bool {
	return strings.HasPrefix(name, "spark/")
}

// coreIDFromTopic reads the device segment of particle/{coreid}/events.
func coreIDFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) == 3 && parts[0] == "particle" && parts[2] == "events" {
		return parts[1]
	}
	return ""
}
