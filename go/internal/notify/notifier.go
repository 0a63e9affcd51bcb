package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/routeduel/routeduel/go/internal/models"
)

// Config holds NATS connection settings for the notification channel.
type Config struct {
	URL           string
	SubjectPrefix string
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultConfig returns the default notification channel configuration.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		SubjectPrefix: "session.changed",
		MaxReconnects: -1, // infinite
		ReconnectWait: 2 * time.Second,
	}
}

// Notifier publishes and subscribes to per-session change events over core
// NATS. Delivery is best effort: a dropped event is recovered by the
// subscriber's fallback poll and its reconnect re-fetch.
type Notifier struct {
	nc     *nats.Conn
	config Config

	mu          sync.Mutex
	onReconnect []func()
}

// Connect dials NATS with the standard reconnect behaviour. Hooks registered
// via OnReconnect run after every re-established connection so consumers can
// re-fetch state they may have missed during the gap.
func Connect(cfg Config) (*Notifier, error) {
	n := &Notifier{config: cfg}

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
			n.fireReconnectHooks()
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	n.nc = nc
	return n, nil
}

// OnReconnect registers a hook invoked after every reconnect.
func (n *Notifier) OnReconnect(fn func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onReconnect = append(n.onReconnect, fn)
}

func (n *Notifier) fireReconnectHooks() {
	n.mu.Lock()
	hooks := append([]func(){}, n.onReconnect...)
	n.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

func (n *Notifier) subject(sessionID uuid.UUID) string {
	return fmt.Sprintf("%s.%s", n.config.SubjectPrefix, sessionID)
}

// Publish fans out the new session snapshot to everyone subscribed to this
// record. Failures are returned but callers treat them as degraded delivery,
// not as a failed mutation: the store write already happened.
func (n *Notifier) Publish(_ context.Context, reason Reason, sess *models.Session) error {
	snapshot, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session snapshot: %w", err)
	}
	env := Envelope{
		EventID:   uuid.New().String(),
		Reason:    reason,
		SessionID: sess.ID.String(),
		Timestamp: time.Now().UTC(),
		Session:   snapshot,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	if err := n.nc.Publish(n.subject(sess.ID), data); err != nil {
		return fmt.Errorf("publish session change: %w", err)
	}
	log.Debug().
		Str("session_id", env.SessionID).
		Str("reason", string(reason)).
		Str("event_id", env.EventID).
		Msg("published session change")
	return nil
}

// Subscription wraps a NATS subscription with an Unsubscribe that is safe to
// call more than once, so leave paths and deferred cleanup can both run.
type Subscription struct {
	sub  *nats.Subscription
	once sync.Once
}

func (s *Subscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		err = s.sub.Unsubscribe()
	})
	return err
}

// Subscribe delivers every change envelope for one session to handler.
// Envelopes that fail to decode are logged and dropped; the poll path covers
// whatever they carried.
func (n *Notifier) Subscribe(sessionID uuid.UUID, handler func(Envelope)) (*Subscription, error) {
	sub, err := n.nc.Subscribe(n.subject(sessionID), func(msg *nats.Msg) {
		var env Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			log.Error().Err(err).Str("subject", msg.Subject).Msg("dropping malformed change event")
			return
		}
		handler(env)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to session %s: %w", sessionID, err)
	}
	return &Subscription{sub: sub}, nil
}

// Close drains the connection.
func (n *Notifier) Close() {
	if n.nc != nil {
		n.nc.Close()
	}
}
