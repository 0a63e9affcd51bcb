package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/routeduel/routeduel/go/internal/notify"
)

// ConsumerConfig holds the NATS consumer settings.
type ConsumerConfig struct {
	URL           string
	SubjectFilter string
	MaxReconnects int
	ReconnectWait time.Duration
}

func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		URL:           nats.DefaultURL,
		SubjectFilter: "session.changed.>",
		MaxReconnects: -1, // infinite
		ReconnectWait: 2 * time.Second,
	}
}

// EventConsumer subscribes to every session's change subject and fans the
// envelopes out to the WebSocket pools. Core NATS matches the channel's
// best-effort contract; a browser that misses an event gets the full state
// on the next one.
type EventConsumer struct {
	connectionManager *ConnectionManager
	nc                *nats.Conn
	sub               *nats.Subscription
	config            ConsumerConfig
}

func NewEventConsumer(cm *ConnectionManager, config ConsumerConfig) (*EventConsumer, error) {
	opts := []nats.Option{
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	return &EventConsumer{
		connectionManager: cm,
		nc:                nc,
		config:            config,
	}, nil
}

// Start subscribes to the change subject and blocks until ctx is cancelled.
func (ec *EventConsumer) Start(ctx context.Context) error {
	log.Info().Str("subject", ec.config.SubjectFilter).Msg("starting session event consumer")

	sub, err := ec.nc.Subscribe(ec.config.SubjectFilter, func(msg *nats.Msg) {
		if err := ec.processMessage(msg); err != nil {
			log.Error().
				Err(err).
				Str("subject", msg.Subject).
				Msg("failed to process message")
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", ec.config.SubjectFilter, err)
	}
	ec.sub = sub

	<-ctx.Done()
	log.Info().Msg("event consumer shutting down")
	return nil
}

func (ec *EventConsumer) processMessage(msg *nats.Msg) error {
	var env notify.Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		return fmt.Errorf("unmarshal change envelope: %w", err)
	}

	sessionID, err := uuid.Parse(env.SessionID)
	if err != nil {
		return fmt.Errorf("parse session ID: %w", err)
	}

	ec.connectionManager.BroadcastToSession(sessionID, fromEnvelope(env))

	log.Debug().
		Str("event_id", env.EventID).
		Str("session_id", env.SessionID).
		Str("reason", string(env.Reason)).
		Msg("change event broadcasted to WebSocket clients")
	return nil
}

// Stop closes the NATS connection.
func (ec *EventConsumer) Stop() error {
	log.Info().Msg("stopping event consumer")
	if ec.sub != nil {
		if err := ec.sub.Unsubscribe(); err != nil {
			log.Warn().Err(err).Msg("unsubscribe failed")
		}
	}
	if ec.nc != nil {
		ec.nc.Close()
	}
	return nil
}
