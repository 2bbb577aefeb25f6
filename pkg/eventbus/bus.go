// Package eventbus is the process-wide publish/subscribe stream of typed events.
// It runs on a watermill GoChannel, so every subscriber gets every event of its type
// without coordinating with the others.
package eventbus

import (
	"context"
	"crypto/rand"
	"errors"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

var (
	ErrUnknownEvent = errors.New("eventbus: unknown event type")
	ErrNilHandler   = errors.New("eventbus: handler is required")

	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// Handler is called for every event of the subscribed type, one at a time
type Handler func(Event)

// Publisher publishes events
type Publisher interface {
	Publish(e Event) error
}

// Subscriber registers handlers for an event type
type Subscriber interface {
	Subscribe(t EventType, h Handler) (Subscription, error)
}

// EventBus is a Publisher and a Subscriber
type EventBus interface {
	Publisher
	Subscriber
}

// Subscription stops the delivery to its handler when closed
type Subscription interface {
	Close()
}

type eventKey struct{}

// Bus is the in-process EventBus
type Bus struct {
	pubsub *gochannel.GoChannel
}

var _ EventBus = &Bus{}

// NewBus creates a Bus. The context of published messages is preserved,
// which lets in-process subscribers see the original error values.
func NewBus(logger watermill.LoggerAdapter) *Bus {
	return &Bus{
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 64,
			PreserveContext:     true,
		}, logger),
	}
}

func newMessageID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// Publish sends the event to all subscribers of its type without waiting for them
func (b *Bus) Publish(e Event) error {
	payload, err := encode(e)
	if err != nil {
		return err
	}
	ctx := context.WithValue(context.Background(), eventKey{}, e)
	msg := message.NewMessageWithContext(ctx, newMessageID(), payload)
	msg.Metadata.Set("event_type", string(e.Type()))
	return b.pubsub.Publish(string(e.Type()), msg)
}

// Subscribe starts delivering events of type t to h
func (b *Bus) Subscribe(t EventType, h Handler) (Subscription, error) {
	if h == nil {
		return nil, ErrNilHandler
	}
	if _, ok := decoders[t]; !ok {
		return nil, ErrUnknownEvent
	}
	ctx, cancel := context.WithCancel(context.Background())
	messages, err := b.pubsub.Subscribe(ctx, string(t))
	if err != nil {
		cancel()
		return nil, err
	}
	go func() {
		for msg := range messages {
			e, err := eventOf(t, msg)
			if err != nil {
				zap.S().Errorw("eventbus decode error", "type", t, "uuid", msg.UUID, "err", err)
				msg.Ack()
				continue
			}
			h(e)
			msg.Ack()
		}
	}()
	return &subscription{cancel: cancel}, nil
}

// eventOf prefers the event carried in the message context and falls back to the payload
func eventOf(t EventType, msg *message.Message) (Event, error) {
	if e, ok := msg.Context().Value(eventKey{}).(Event); ok && e.Type() == t {
		return e, nil
	}
	return decode(t, msg.Payload)
}

// Close stops all subscriptions
func (b *Bus) Close() error {
	return b.pubsub.Close()
}

type subscription struct {
	once   sync.Once
	cancel context.CancelFunc
}

func (s *subscription) Close() {
	s.once.Do(s.cancel)
}
