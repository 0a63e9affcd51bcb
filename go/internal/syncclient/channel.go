package syncclient

import (
	"context"

	"github.com/google/uuid"

	"github.com/routeduel/routeduel/go/internal/models"
	"github.com/routeduel/routeduel/go/internal/notify"
)

// Subscription is an open push subscription for one session record.
type Subscription interface {
	Unsubscribe() error
}

// ChangeChannel is the push side of record propagation. The client that
// performed a successful write publishes the new snapshot; every seated
// client subscribes. Delivery is best effort; the fallback poll and the
// reconnect re-fetch cover gaps.
type ChangeChannel interface {
	Publish(ctx context.Context, reason notify.Reason, sess *models.Session) error
	Subscribe(sessionID uuid.UUID, handler func(notify.Envelope)) (Subscription, error)
	OnReconnect(fn func())
}

// notifierChannel adapts a NATS notifier to the ChangeChannel interface.
type notifierChannel struct {
	n *notify.Notifier
}

// WrapNotifier exposes a notify.Notifier as a ChangeChannel.
func WrapNotifier(n *notify.Notifier) ChangeChannel {
	return notifierChannel{n: n}
}

func (c notifierChannel) Publish(ctx context.Context, reason notify.Reason, sess *models.Session) error {
	return c.n.Publish(ctx, reason, sess)
}

func (c notifierChannel) Subscribe(sessionID uuid.UUID, handler func(notify.Envelope)) (Subscription, error) {
	return c.n.Subscribe(sessionID, handler)
}

func (c notifierChannel) OnReconnect(fn func()) {
	c.n.OnReconnect(fn)
}
